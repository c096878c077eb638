package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageKind classifies inbox deliveries.
type MessageKind string

const (
	KindUser     MessageKind = "user"
	KindReminder MessageKind = "reminder"
	KindMention  MessageKind = "mention"
)

// Message is one entry in an agent's durable conversation log. Ordering is
// total per agent and equals the append order in the log.
type Message struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Role      Role           `json:"role"`
	Blocks    []Block        `json:"blocks"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewUserText builds a user message with a single text block.
func NewUserText(agentID, text string) *Message {
	return &Message{
		AgentID:   agentID,
		Role:      RoleUser,
		Blocks:    []Block{TextBlock(text)},
		CreatedAt: time.Now(),
	}
}

// NewReminder builds a user message wrapping text in a system_reminder block.
func NewReminder(agentID, kind, text string) *Message {
	return &Message{
		AgentID:   agentID,
		Role:      RoleUser,
		Blocks:    []Block{ReminderBlock(kind, text)},
		CreatedAt: time.Now(),
	}
}

// Text returns the concatenated text of all text blocks.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns all tool_use blocks in the message.
func (m *Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns all tool_result blocks in the message.
func (m *Message) ToolResults() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// IsReminder reports whether the message consists solely of system_reminder blocks.
func (m *Message) IsReminder() bool {
	if len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type != BlockSystemReminder {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Blocks = append([]Block(nil), m.Blocks...)
	for i := range clone.Blocks {
		if len(m.Blocks[i].Input) > 0 {
			clone.Blocks[i].Input = append([]byte(nil), m.Blocks[i].Input...)
		}
	}
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		clone.Metadata = meta
	}
	return &clone
}
