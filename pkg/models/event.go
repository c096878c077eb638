package models

import (
	"encoding/json"
	"time"
)

// Channel is a logical event stream. Per-channel sequence numbers are
// strictly monotonic; cross-channel order is only guaranteed by timestamp.
type Channel string

const (
	// ChannelProgress carries ordered per-turn streaming output.
	ChannelProgress Channel = "progress"

	// ChannelControl carries permission prompts, decisions, and room/fork signals.
	ChannelControl Channel = "control"

	// ChannelMonitor carries lifecycle, errors, tool meta, todo and file events.
	ChannelMonitor Channel = "monitor"
)

// Channels lists all event channels in a stable order.
func Channels() []Channel {
	return []Channel{ChannelProgress, ChannelControl, ChannelMonitor}
}

// EventType identifies the kind of agent event.
type EventType string

const (
	// Progress: model streaming
	EventTextChunkStart  EventType = "text_chunk_start"
	EventTextChunk       EventType = "text_chunk"
	EventTextChunkEnd    EventType = "text_chunk_end"
	EventThinkChunkStart EventType = "think_chunk_start"
	EventThinkChunk      EventType = "think_chunk"
	EventThinkChunkEnd   EventType = "think_chunk_end"

	// Progress: tool lifecycle
	EventToolAnnounce EventType = "tool:announce"
	EventToolStart    EventType = "tool:start"
	EventToolError    EventType = "tool:error"
	EventToolEnd      EventType = "tool:end"

	// Progress: turn terminator
	EventDone EventType = "done"

	// Control
	EventPermissionRequired EventType = "permission_required"
	EventPermissionDecided  EventType = "permission_decided"
	EventAgentHalted        EventType = "agent_halted"
	EventAgentForked        EventType = "agent_forked"
	EventRoomMessage        EventType = "room_message"

	// Monitor
	EventMessagesChanged EventType = "messages_changed"
	EventToolExecuted    EventType = "tool_executed"
	EventToolCustom      EventType = "tool_custom_event"
	EventTodoCreated     EventType = "todo_created"
	EventTodoUpdated     EventType = "todo_updated"
	EventTodoDeleted     EventType = "todo_deleted"
	EventFileChanged     EventType = "file_changed"
	EventError           EventType = "error"
	EventSnapshotTaken   EventType = "snapshot_taken"
	EventAgentResumed    EventType = "agent_resumed"
	EventSubscriberLag   EventType = "subscriber_lag"
	EventScheduleFired   EventType = "schedule_fired"
)

// EventEnvelope wraps an event with its durable ordering metadata. Seq is
// monotonic per agent and channel; the last persisted Seq forms the
// bookmark for gap-free replay.
type EventEnvelope struct {
	Seq     uint64    `json:"seq"`
	AgentID string    `json:"agent_id"`
	Channel Channel   `json:"channel"`
	Time    time.Time `json:"time"`
	Event   Event     `json:"event"`
}

// Event is the unified event model. Exactly one payload pointer should be
// non-nil for a given Type.
type Event struct {
	Type EventType `json:"type"`

	Text       *TextPayload       `json:"text,omitempty"`
	Tool       *ToolPayload       `json:"tool,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Todo       *TodoPayload       `json:"todo,omitempty"`
	File       *FilePayload       `json:"file,omitempty"`
	Resume     *ResumePayload     `json:"resume,omitempty"`
	Snapshot   *SnapshotPayload   `json:"snapshot,omitempty"`
	Lag        *LagPayload        `json:"lag,omitempty"`
	Custom     *CustomPayload     `json:"custom,omitempty"`
	Room       *RoomPayload       `json:"room,omitempty"`
	Done       *DonePayload       `json:"done,omitempty"`
	Schedule   *SchedulePayload   `json:"schedule,omitempty"`
}

// TextPayload carries streamed text and reasoning deltas.
type TextPayload struct {
	Delta string `json:"delta,omitempty"`
	Final string `json:"final,omitempty"`
}

// ToolPayload describes tool lifecycle events.
type ToolPayload struct {
	CallID     string          `json:"call_id"`
	Name       string          `json:"name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Phase      CallState       `json:"phase,omitempty"`
	Outcome    *ToolOutcome    `json:"outcome,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// PermissionPayload describes permission prompts and decisions.
type PermissionPayload struct {
	CallID   string          `json:"call_id"`
	Name     string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Decision string          `json:"decision,omitempty"`
	Note     string          `json:"note,omitempty"`
}

// ErrorPayload standardizes errors on the monitor channel.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// TodoPayload carries a todo snapshot for todo_* events.
type TodoPayload struct {
	Todo *Todo `json:"todo,omitempty"`
}

// FilePayload describes a sandbox file change.
type FilePayload struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // create, write, remove, rename
}

// ResumePayload describes an agent_resumed event.
type ResumePayload struct {
	Strategy string   `json:"strategy"`
	Sealed   []string `json:"sealed,omitempty"`
}

// SnapshotPayload describes a snapshot_taken event.
type SnapshotPayload struct {
	SnapshotID string `json:"snapshot_id"`
	Seq        uint64 `json:"seq"`
}

// LagPayload reports events dropped for a slow subscriber.
type LagPayload struct {
	Dropped uint64  `json:"dropped"`
	Channel Channel `json:"channel"`
}

// CustomPayload carries tool-scoped custom events.
type CustomPayload struct {
	CallID string          `json:"call_id,omitempty"`
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RoomPayload carries room transcript and fork signals.
type RoomPayload struct {
	Room    string `json:"room,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Target  string `json:"target,omitempty"`
	Text    string `json:"text,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// DonePayload terminates a turn's progress stream.
type DonePayload struct {
	Status string `json:"status"` // ok, paused, error
	Detail string `json:"detail,omitempty"`
}

// SchedulePayload describes a fired scheduler trigger.
type SchedulePayload struct {
	TaskID    string `json:"task_id"`
	StepCount int    `json:"step_count,omitempty"`
}

// ChannelFor returns the channel an event type publishes on.
func ChannelFor(t EventType) Channel {
	switch t {
	case EventPermissionRequired, EventPermissionDecided, EventAgentHalted,
		EventAgentForked, EventRoomMessage:
		return ChannelControl
	case EventMessagesChanged, EventToolExecuted, EventToolCustom,
		EventTodoCreated, EventTodoUpdated, EventTodoDeleted,
		EventFileChanged, EventError, EventSnapshotTaken,
		EventAgentResumed, EventSubscriberLag, EventScheduleFired:
		return ChannelMonitor
	default:
		return ChannelProgress
	}
}
