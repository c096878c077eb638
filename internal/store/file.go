package store

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/moor/pkg/models"
)

// FileStore persists agent state under <dir>/<agentID>/ using append-only
// JSONL logs and two-phase (write tmp, fsync, rename) whole-file writes:
//
//	messages.log            append-only JSONL of full messages
//	events/<channel>.log    JSONL envelopes with monotonic seq
//	tools/<callId>.json     last-writer-wins tool records
//	snapshots/<id>.json     immutable snapshots
//	meta.json               bookmarks, in-flight calls, todos
type FileStore struct {
	dir string

	mu     sync.Mutex
	agents map[string]*agentState
}

type agentState struct {
	mu   sync.Mutex
	seqs map[models.Channel]uint64
}

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &FileStore{
		dir:    dir,
		agents: make(map[string]*agentState),
	}, nil
}

func (s *FileStore) agent(agentID string) *agentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		st = &agentState{seqs: make(map[models.Channel]uint64)}
		s.agents[agentID] = st
	}
	return st
}

func (s *FileStore) agentDir(agentID string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || agentID == "." || agentID == ".." {
		return "", fmt.Errorf("store: invalid agent id %q", agentID)
	}
	return filepath.Join(s.dir, agentID), nil
}

// AppendMessage appends one JSONL line to messages.log and fsyncs.
func (s *FileStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("store: message is nil")
	}
	dir, err := s.agentDir(msg.AgentID)
	if err != nil {
		return err
	}
	st := s.agent(msg.AgentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create agent dir: %w", err)
	}
	return appendLine(filepath.Join(dir, "messages.log"), msg)
}

// LoadMessages reads messages.log in append order. A truncated final line
// (torn write) is ignored.
func (s *FileStore) LoadMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	var out []*models.Message
	err = readLines(filepath.Join(dir, "messages.log"), func(line []byte) error {
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return err
		}
		out = append(out, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendEvent assigns the next per-channel seq, appends the envelope to the
// channel log, and fsyncs before returning.
func (s *FileStore) AppendEvent(ctx context.Context, agentID string, channel models.Channel, event models.Event) (*models.EventEnvelope, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	st := s.agent(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.seqs[channel]; !ok {
		last, err := s.lastSeqLocked(dir, channel)
		if err != nil {
			return nil, err
		}
		st.seqs[channel] = last
	}

	env := &models.EventEnvelope{
		Seq:     st.seqs[channel] + 1,
		AgentID: agentID,
		Channel: channel,
		Time:    time.Now(),
		Event:   event,
	}

	if err := os.MkdirAll(filepath.Join(dir, "events"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create events dir: %w", err)
	}
	if err := appendLine(channelLogPath(dir, channel), env); err != nil {
		return nil, err
	}
	st.seqs[channel] = env.Seq
	return env, nil
}

func (s *FileStore) lastSeqLocked(dir string, channel models.Channel) (uint64, error) {
	var last uint64
	err := readLines(channelLogPath(dir, channel), func(line []byte) error {
		var env models.EventEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return err
		}
		if env.Seq > last {
			last = env.Seq
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// ReadEvents returns envelopes matching opts. With no channel filter the
// channels are merged and ordered by timestamp, then seq.
func (s *FileStore) ReadEvents(ctx context.Context, agentID string, opts ReadOptions) ([]models.EventEnvelope, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}

	channels := models.Channels()
	if opts.Channel != "" {
		channels = []models.Channel{opts.Channel}
	}

	var out []models.EventEnvelope
	for _, ch := range channels {
		err := readLines(channelLogPath(dir, ch), func(line []byte) error {
			var env models.EventEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				return err
			}
			if env.Seq > opts.Since {
				out = append(out, env)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if opts.Channel == "" {
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].Time.Equal(out[j].Time) {
				return out[i].Time.Before(out[j].Time)
			}
			return out[i].Seq < out[j].Seq
		})
	}
	return out, nil
}

// SaveToolRecord writes tools/<id>.json with two-phase discipline. A
// terminal record may only be rewritten with identical state.
func (s *FileStore) SaveToolRecord(ctx context.Context, rec *models.ToolCallRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("store: tool record requires id")
	}
	dir, err := s.agentDir(rec.AgentID)
	if err != nil {
		return err
	}
	st := s.agent(rec.AgentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	path := filepath.Join(dir, "tools", rec.ID+".json")
	if existing, err := readToolRecord(path); err == nil && existing.State.Terminal() && existing.State != rec.State {
		return ErrImmutable
	}

	if err := os.MkdirAll(filepath.Join(dir, "tools"), 0o755); err != nil {
		return fmt.Errorf("store: create tools dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal tool record: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadToolRecords reads every tools/<id>.json, skipping unreadable entries.
func (s *FileStore) LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, "tools"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*models.ToolCallRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readToolRecord(filepath.Join(dir, "tools", e.Name()))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveSnapshot writes an immutable snapshots/<id>.json.
func (s *FileStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil || snap.SnapshotID == "" {
		return errors.New("store: snapshot requires id")
	}
	dir, err := s.agentDir(snap.AgentID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "snapshots", snap.SnapshotID+".json")
	if _, err := os.Stat(path); err == nil {
		return ErrImmutable
	}
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0o755); err != nil {
		return fmt.Errorf("store: create snapshots dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadSnapshot returns the snapshot with the given id.
func (s *FileStore) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "snapshots", snapshotID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrCorrupt, snapshotID, err)
	}
	return &snap, nil
}

// LatestSnapshot returns the newest readable snapshot by CreatedAt.
// Unreadable snapshot files are skipped so a torn write never blocks resume.
func (s *FileStore) LatestSnapshot(ctx context.Context, agentID string) (*models.Snapshot, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var newest *models.Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "snapshots", e.Name()))
		if err != nil {
			continue
		}
		var snap models.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		if newest == nil || snap.CreatedAt.After(newest.CreatedAt) {
			newest = &snap
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

// SaveMeta stamps the checksum and atomically replaces meta.json.
func (s *FileStore) SaveMeta(ctx context.Context, meta *Meta) error {
	if meta == nil || meta.AgentID == "" {
		return errors.New("store: meta requires agent id")
	}
	dir, err := s.agentDir(meta.AgentID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create agent dir: %w", err)
	}
	meta.UpdatedAt = time.Now()
	meta.Checksum = ""
	sum, err := metaChecksum(meta)
	if err != nil {
		return err
	}
	meta.Checksum = sum
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal meta: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "meta.json"), data)
}

// LoadMeta reads and checksum-verifies meta.json.
func (s *FileStore) LoadMeta(ctx context.Context, agentID string) (*Meta, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}
	want := meta.Checksum
	meta.Checksum = ""
	got, err := metaChecksum(&meta)
	if err != nil {
		return nil, err
	}
	if want == "" || got != want {
		return nil, fmt.Errorf("%w: meta checksum mismatch", ErrCorrupt)
	}
	meta.Checksum = want
	return &meta, nil
}

// CompactEvents rewrites each channel log keeping only seq > olderThan.
func (s *FileStore) CompactEvents(ctx context.Context, agentID string, olderThan uint64) error {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}
	st := s.agent(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, ch := range models.Channels() {
		path := channelLogPath(dir, ch)
		var keep [][]byte
		err := readLines(path, func(line []byte) error {
			var env models.EventEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				return err
			}
			if env.Seq > olderThan {
				keep = append(keep, append([]byte(nil), line...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			continue
		}
		var buf []byte
		for _, line := range keep {
			buf = append(buf, line...)
			buf = append(buf, '\n')
		}
		if err := writeFileAtomic(path, buf); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

func channelLogPath(dir string, channel models.Channel) string {
	return filepath.Join(dir, "events", string(channel)+".log")
}

func readToolRecord(path string) (*models.ToolCallRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec models.ToolCallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: tool record: %v", ErrCorrupt, err)
	}
	return &rec, nil
}

// appendLine writes one JSON line and fsyncs the file before returning.
func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: append %s: %w", filepath.Base(path), err)
	}
	return f.Sync()
}

// readLines invokes fn for each complete line. A malformed final line is
// tolerated (torn write); malformed interior lines are errors.
func readLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var pendingErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, pendingErr)
		}
		if err := fn(line); err != nil {
			// Defer: only fatal if more complete lines follow.
			pendingErr = err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

// writeFileAtomic implements the write(tmp) -> fsync -> rename discipline.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create tmp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close tmp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func metaChecksum(meta *Meta) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("store: checksum meta: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
