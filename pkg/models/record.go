package models

import (
	"encoding/json"
	"time"
)

// CallState is a state in the tool-call record machine.
type CallState string

const (
	// CallPending means the record was created and not yet gated.
	CallPending CallState = "PENDING"

	// CallPermitted means the permission engine allowed execution.
	CallPermitted CallState = "PERMITTED"

	// CallRunning means the tool is executing.
	CallRunning CallState = "RUNNING"

	// CallDenied means the permission engine denied execution.
	CallDenied CallState = "DENIED"

	// CallErrored means execution failed or timed out.
	CallErrored CallState = "ERRORED"

	// CallCompleted is terminal; the outcome is immutable.
	CallCompleted CallState = "COMPLETED"

	// CallSealed is terminal and reached only through crash resume. The
	// outcome is a synthetic "interrupted before completion" result.
	CallSealed CallState = "SEALED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s CallState) Terminal() bool {
	return s == CallCompleted || s == CallSealed
}

// callTransitions declares the legal state DAG. Sealing is handled
// separately: any non-terminal state may seal on crash resume.
var callTransitions = map[CallState][]CallState{
	CallPending:   {CallPermitted, CallDenied},
	CallPermitted: {CallRunning, CallDenied, CallErrored},
	CallRunning:   {CallCompleted, CallErrored},
	CallDenied:    {CallCompleted},
	CallErrored:   {CallCompleted},
}

// CanTransition reports whether s -> to is a legal advance along the DAG.
func (s CallState) CanTransition(to CallState) bool {
	if s.Terminal() {
		return false
	}
	if to == CallSealed {
		return true
	}
	for _, next := range callTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ToolOutcome is the recorded result of a tool call.
type ToolOutcome struct {
	OK              bool   `json:"ok"`
	Content         string `json:"content,omitempty"`
	Error           string `json:"error,omitempty"`
	ValidationError bool   `json:"_validationError,omitempty"`
}

// SealedOutcome is the synthetic outcome written when a call is sealed on
// crash resume.
func SealedOutcome() *ToolOutcome {
	return &ToolOutcome{OK: false, Error: "sealed on resume"}
}

// ToolCallRecord is the durable record of a single tool_use lifecycle.
type ToolCallRecord struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	State       CallState       `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Outcome     *ToolOutcome    `json:"outcome,omitempty"`
}

// NewToolCallRecord builds a record in PENDING.
func NewToolCallRecord(agentID, callID, name string, args json.RawMessage) *ToolCallRecord {
	return &ToolCallRecord{
		ID:        callID,
		AgentID:   agentID,
		Name:      name,
		Args:      args,
		State:     CallPending,
		CreatedAt: time.Now(),
	}
}

// Advance transitions the record to the next state, returning false when the
// transition is not legal. Terminal states also stamp CompletedAt.
func (r *ToolCallRecord) Advance(to CallState) bool {
	if !r.State.CanTransition(to) {
		return false
	}
	r.State = to
	if to.Terminal() {
		now := time.Now()
		r.CompletedAt = &now
	}
	return true
}

// Seal transitions a non-terminal record to SEALED with the synthetic outcome.
func (r *ToolCallRecord) Seal() bool {
	if !r.Advance(CallSealed) {
		return false
	}
	r.Outcome = SealedOutcome()
	return true
}

// Clone returns a deep copy of the record.
func (r *ToolCallRecord) Clone() *ToolCallRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if len(r.Args) > 0 {
		clone.Args = append([]byte(nil), r.Args...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		clone.CompletedAt = &t
	}
	if r.Outcome != nil {
		o := *r.Outcome
		clone.Outcome = &o
	}
	return &clone
}
