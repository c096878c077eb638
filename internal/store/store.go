// Package store provides durable persistence for agent state: the
// append-only message log, per-channel event WAL, tool-call records,
// snapshots, and the meta bookkeeping file used for fast resume.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/moor/pkg/models"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupt indicates a record failed its integrity check.
	ErrCorrupt = errors.New("store: corrupt record")

	// ErrImmutable indicates an attempt to overwrite an immutable record.
	ErrImmutable = errors.New("store: record is immutable")
)

// ReadOptions filters an event read.
type ReadOptions struct {
	// Channel restricts the read to one channel; empty reads all channels.
	Channel models.Channel

	// Since replays events with seq strictly greater than this bookmark.
	Since uint64
}

// Meta is the per-agent bookkeeping record consulted first on resume. If it
// is absent or fails its checksum, resume falls back to the newest readable
// snapshot plus event replay.
type Meta struct {
	AgentID    string                    `json:"agent_id"`
	TemplateID string                    `json:"template_id,omitempty"`
	Bookmarks  map[models.Channel]uint64 `json:"bookmarks"`
	InFlight   []string                  `json:"in_flight,omitempty"`
	Todos      []*models.Todo            `json:"todos,omitempty"`
	UpdatedAt  time.Time                 `json:"updated_at"`
	Checksum   string                    `json:"checksum,omitempty"`
}

// Store is the durable persistence interface. Implementations must be safe
// for concurrent use; appends are serialized per agent and channel.
type Store interface {
	// AppendMessage appends a message to the agent's total-order log.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// LoadMessages returns the agent's full message log in append order.
	LoadMessages(ctx context.Context, agentID string) ([]*models.Message, error)

	// AppendEvent durably appends an event and returns its assigned seq,
	// strictly monotonic per (agent, channel).
	AppendEvent(ctx context.Context, agentID string, channel models.Channel, event models.Event) (*models.EventEnvelope, error)

	// ReadEvents returns persisted envelopes matching opts in seq order.
	ReadEvents(ctx context.Context, agentID string, opts ReadOptions) ([]models.EventEnvelope, error)

	// SaveToolRecord writes a tool-call record, last-writer-wins per id.
	// Overwriting a terminal record with a different outcome fails with
	// ErrImmutable.
	SaveToolRecord(ctx context.Context, rec *models.ToolCallRecord) error

	// LoadToolRecords returns all tool-call records for the agent.
	LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error)

	// SaveSnapshot writes an immutable snapshot.
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error

	// LoadSnapshot returns a snapshot by id.
	LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error)

	// LatestSnapshot returns the newest snapshot, or ErrNotFound.
	LatestSnapshot(ctx context.Context, agentID string) (*models.Snapshot, error)

	// SaveMeta atomically replaces the agent's meta record.
	SaveMeta(ctx context.Context, meta *Meta) error

	// LoadMeta returns the agent's meta record, verifying its checksum.
	LoadMeta(ctx context.Context, agentID string) (*Meta, error)

	// CompactEvents drops events with seq <= olderThan on every channel.
	CompactEvents(ctx context.Context, agentID string, olderThan uint64) error

	// Close releases store resources.
	Close() error
}
