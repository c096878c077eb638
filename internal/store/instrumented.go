package store

import (
	"context"

	"github.com/haasonsaas/moor/internal/observability"
	"github.com/haasonsaas/moor/pkg/models"
)

// NewInstrumented wraps a store so every operation is counted by backend,
// operation, and status. A nil metrics handle returns inner unchanged.
func NewInstrumented(inner Store, backend string, m *observability.Metrics) Store {
	if m == nil {
		return inner
	}
	return &instrumented{inner: inner, backend: backend, metrics: m}
}

type instrumented struct {
	inner   Store
	backend string
	metrics *observability.Metrics
}

func (s *instrumented) record(op string, err error) error {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOperation(s.backend, op, status)
	return err
}

func (s *instrumented) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.record("append_message", s.inner.AppendMessage(ctx, msg))
}

func (s *instrumented) LoadMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	msgs, err := s.inner.LoadMessages(ctx, agentID)
	return msgs, s.record("load_messages", err)
}

func (s *instrumented) AppendEvent(ctx context.Context, agentID string, channel models.Channel, event models.Event) (*models.EventEnvelope, error) {
	env, err := s.inner.AppendEvent(ctx, agentID, channel, event)
	return env, s.record("append_event", err)
}

func (s *instrumented) ReadEvents(ctx context.Context, agentID string, opts ReadOptions) ([]models.EventEnvelope, error) {
	envs, err := s.inner.ReadEvents(ctx, agentID, opts)
	return envs, s.record("read_events", err)
}

func (s *instrumented) SaveToolRecord(ctx context.Context, rec *models.ToolCallRecord) error {
	return s.record("save_tool_record", s.inner.SaveToolRecord(ctx, rec))
}

func (s *instrumented) LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error) {
	recs, err := s.inner.LoadToolRecords(ctx, agentID)
	return recs, s.record("load_tool_records", err)
}

func (s *instrumented) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	return s.record("save_snapshot", s.inner.SaveSnapshot(ctx, snap))
}

func (s *instrumented) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error) {
	snap, err := s.inner.LoadSnapshot(ctx, agentID, snapshotID)
	return snap, s.record("load_snapshot", err)
}

func (s *instrumented) LatestSnapshot(ctx context.Context, agentID string) (*models.Snapshot, error) {
	snap, err := s.inner.LatestSnapshot(ctx, agentID)
	return snap, s.record("latest_snapshot", err)
}

func (s *instrumented) SaveMeta(ctx context.Context, meta *Meta) error {
	return s.record("save_meta", s.inner.SaveMeta(ctx, meta))
}

func (s *instrumented) LoadMeta(ctx context.Context, agentID string) (*Meta, error) {
	meta, err := s.inner.LoadMeta(ctx, agentID)
	return meta, s.record("load_meta", err)
}

func (s *instrumented) CompactEvents(ctx context.Context, agentID string, olderThan uint64) error {
	return s.record("compact_events", s.inner.CompactEvents(ctx, agentID, olderThan))
}

func (s *instrumented) Close() error {
	return s.record("close", s.inner.Close())
}
