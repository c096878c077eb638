package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/moor/pkg/models"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore implements Store on a local SQLite file. It opens a single
// shared connection (SetMaxOpenConns(1)) so all goroutines serialize through
// one writer and SQLITE_BUSY never surfaces.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	seqs map[string]map[models.Channel]uint64
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, seqs: make(map[string]map[models.Channel]uint64)}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			rowid_order INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			agent_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (agent_id, channel, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_records (
			agent_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			state TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (agent_id, call_id)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			agent_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (agent_id, snapshot_id)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			agent_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id)`)
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("store: message is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (agent_id, payload) VALUES (?, ?)`,
		msg.AgentID, string(data))
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE agent_id = ? ORDER BY rowid_order`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrCorrupt, err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) nextSeq(ctx context.Context, agentID string, channel models.Channel) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans, ok := s.seqs[agentID]
	if !ok {
		chans = make(map[models.Channel]uint64)
		s.seqs[agentID] = chans
	}
	if _, ok := chans[channel]; !ok {
		var last sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM events WHERE agent_id = ? AND channel = ?`,
			agentID, channel).Scan(&last)
		if err != nil {
			return 0, fmt.Errorf("store: read last seq: %w", err)
		}
		if last.Valid {
			chans[channel] = uint64(last.Int64)
		}
	}
	chans[channel]++
	return chans[channel], nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, agentID string, channel models.Channel, event models.Event) (*models.EventEnvelope, error) {
	seq, err := s.nextSeq(ctx, agentID, channel)
	if err != nil {
		return nil, err
	}
	env := &models.EventEnvelope{
		Seq:     seq,
		AgentID: agentID,
		Channel: channel,
		Time:    time.Now(),
		Event:   event,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("store: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (agent_id, channel, seq, payload) VALUES (?, ?, ?, ?)`,
		agentID, channel, seq, string(data))
	if err != nil {
		return nil, fmt.Errorf("store: append event: %w", err)
	}
	return env, nil
}

func (s *SQLiteStore) ReadEvents(ctx context.Context, agentID string, opts ReadOptions) ([]models.EventEnvelope, error) {
	query := `SELECT payload FROM events WHERE agent_id = ? AND seq > ?`
	args := []any{agentID, opts.Since}
	if opts.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, opts.Channel)
	}
	query += ` ORDER BY seq, channel`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read events: %w", err)
	}
	defer rows.Close()

	var out []models.EventEnvelope
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var env models.EventEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return nil, fmt.Errorf("%w: event: %v", ErrCorrupt, err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveToolRecord(ctx context.Context, rec *models.ToolCallRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("store: tool record requires id")
	}
	var existingState string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM tool_records WHERE agent_id = ? AND call_id = ?`,
		rec.AgentID, rec.ID).Scan(&existingState)
	if err == nil && models.CallState(existingState).Terminal() && models.CallState(existingState) != rec.State {
		return ErrImmutable
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: read tool record: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal tool record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_records (agent_id, call_id, state, payload) VALUES (?, ?, ?, ?)`,
		rec.AgentID, rec.ID, string(rec.State), string(data))
	if err != nil {
		return fmt.Errorf("store: save tool record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM tool_records WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: load tool records: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolCallRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan tool record: %w", err)
		}
		var rec models.ToolCallRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("%w: tool record: %v", ErrCorrupt, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil || snap.SnapshotID == "" {
		return errors.New("store: snapshot requires id")
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM snapshots WHERE agent_id = ? AND snapshot_id = ?`,
		snap.AgentID, snap.SnapshotID).Scan(&exists)
	if err == nil {
		return ErrImmutable
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: check snapshot: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (agent_id, snapshot_id, created_at, payload) VALUES (?, ?, ?, ?)`,
		snap.AgentID, snap.SnapshotID, snap.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE agent_id = ? AND snapshot_id = ?`,
		agentID, snapshotID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrCorrupt, err)
	}
	return &snap, nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, agentID string) (*models.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1`,
		agentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest snapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrCorrupt, err)
	}
	return &snap, nil
}

func (s *SQLiteStore) SaveMeta(ctx context.Context, meta *Meta) error {
	if meta == nil || meta.AgentID == "" {
		return errors.New("store: meta requires agent id")
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
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (agent_id, payload) VALUES (?, ?)`,
		meta.AgentID, string(data))
	if err != nil {
		return fmt.Errorf("store: save meta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadMeta(ctx context.Context, agentID string) (*Meta, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM meta WHERE agent_id = ?`, agentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
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

func (s *SQLiteStore) CompactEvents(ctx context.Context, agentID string, olderThan uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE agent_id = ? AND seq <= ?`, agentID, olderThan)
	if err != nil {
		return fmt.Errorf("store: compact events: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
