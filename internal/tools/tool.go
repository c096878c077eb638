// Package tools provides the tool registry and the declarative builder used
// to define tools: a descriptor with a JSON Schema for arguments, execution
// metadata, and an exec function receiving a scoped context.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/moor/pkg/models"
)

// Source records where a tool implementation lives.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Descriptor is the declarative surface of a tool. Schema is a JSON Schema
// document validated against every call's arguments before execution.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`

	// Mutates marks tools denied under readOnly permission mode.
	Mutates bool `json:"mutates,omitempty"`

	// Concurrent allows the tool to run in parallel within one turn's batch.
	Concurrent bool `json:"concurrent,omitempty"`

	// PlanSafe allows the tool to execute under plan permission mode.
	PlanSafe bool `json:"plan_safe,omitempty"`

	// Timeout bounds a single execution; zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`

	Source    Source `json:"source,omitempty"`
	Server    string `json:"server,omitempty"`
	Transport string `json:"transport,omitempty"`
}

// TodoAccess is the slice of the owning agent a tool may touch.
type TodoAccess interface {
	GetTodos(ctx context.Context) []*models.Todo
	SetTodos(ctx context.Context, todos []*models.Todo) error
}

// FileAccess is the sandbox surface exposed to tools.
type FileAccess interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Exec(ctx context.Context, command string, argv []string, timeout time.Duration) ([]byte, error)
}

// ExecContext is passed to every tool execution. Emit publishes a
// tool_custom_event on the monitor channel, scoped to the running call.
type ExecContext struct {
	AgentID string
	CallID  string
	Todos   TodoAccess
	Sandbox FileAccess

	emit func(name string, data json.RawMessage)
}

// NewExecContext builds an execution context; emit may be nil.
func NewExecContext(agentID, callID string, todos TodoAccess, sb FileAccess, emit func(name string, data json.RawMessage)) *ExecContext {
	return &ExecContext{AgentID: agentID, CallID: callID, Todos: todos, Sandbox: sb, emit: emit}
}

// Emit publishes a custom event attributed to the running tool call.
func (c *ExecContext) Emit(name string, data json.RawMessage) {
	if c.emit != nil {
		c.emit(name, data)
	}
}

// ToolInstance is an executable tool.
type ToolInstance interface {
	Descriptor() Descriptor
	Exec(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error)
}

// Ok builds a successful outcome.
func Ok(content string) *models.ToolOutcome {
	return &models.ToolOutcome{OK: true, Content: content}
}

// Fail builds a failed outcome.
func Fail(msg string) *models.ToolOutcome {
	return &models.ToolOutcome{OK: false, Error: msg}
}
