package store

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/moor/pkg/models"
)

// MemoryStore is an in-process Store used by tests and ephemeral agents.
// All returned values are clones; callers never share backing state.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*memAgent
}

type memAgent struct {
	messages  []*models.Message
	events    map[models.Channel][]models.EventEnvelope
	seqs      map[models.Channel]uint64
	tools     map[string]*models.ToolCallRecord
	snapshots map[string]*models.Snapshot
	meta      *Meta
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*memAgent)}
}

func (s *MemoryStore) agent(agentID string) *memAgent {
	a, ok := s.agents[agentID]
	if !ok {
		a = &memAgent{
			events:    make(map[models.Channel][]models.EventEnvelope),
			seqs:      make(map[models.Channel]uint64),
			tools:     make(map[string]*models.ToolCallRecord),
			snapshots: make(map[string]*models.Snapshot),
		}
		s.agents[agentID] = a
	}
	return a
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent(msg.AgentID)
	a.messages = append(a.messages, msg.Clone())
	return nil
}

func (s *MemoryStore) LoadMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]*models.Message, len(a.messages))
	for i, m := range a.messages {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, agentID string, channel models.Channel, event models.Event) (*models.EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent(agentID)
	a.seqs[channel]++
	env := models.EventEnvelope{
		Seq:     a.seqs[channel],
		AgentID: agentID,
		Channel: channel,
		Time:    time.Now(),
		Event:   event,
	}
	a.events[channel] = append(a.events[channel], env)
	out := env
	return &out, nil
}

func (s *MemoryStore) ReadEvents(ctx context.Context, agentID string, opts ReadOptions) ([]models.EventEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	channels := models.Channels()
	if opts.Channel != "" {
		channels = []models.Channel{opts.Channel}
	}
	var out []models.EventEnvelope
	for _, ch := range channels {
		for _, env := range a.events[ch] {
			if env.Seq > opts.Since {
				out = append(out, env)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveToolRecord(ctx context.Context, rec *models.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent(rec.AgentID)
	if existing, ok := a.tools[rec.ID]; ok && existing.State.Terminal() && existing.State != rec.State {
		return ErrImmutable
	}
	a.tools[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]*models.ToolCallRecord, 0, len(a.tools))
	for _, rec := range a.tools {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent(snap.AgentID)
	if _, ok := a.snapshots[snap.SnapshotID]; ok {
		return ErrImmutable
	}
	a.snapshots[snap.SnapshotID] = snap
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	snap, ok := a.snapshots[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, agentID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	var newest *models.Snapshot
	for _, snap := range a.snapshots {
		if newest == nil || snap.CreatedAt.After(newest.CreatedAt) {
			newest = snap
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

func (s *MemoryStore) SaveMeta(ctx context.Context, meta *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	cp.UpdatedAt = time.Now()
	s.agent(meta.AgentID).meta = &cp
	return nil
}

func (s *MemoryStore) LoadMeta(ctx context.Context, agentID string) (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok || a.meta == nil {
		return nil, ErrNotFound
	}
	cp := *a.meta
	return &cp, nil
}

func (s *MemoryStore) CompactEvents(ctx context.Context, agentID string, olderThan uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil
	}
	for ch, envs := range a.events {
		var keep []models.EventEnvelope
		for _, env := range envs {
			if env.Seq > olderThan {
				keep = append(keep, env)
			}
		}
		a.events[ch] = keep
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
