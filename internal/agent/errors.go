package agent

import "errors"

// Error kinds surfaced as monitor error events. Kinds are wire-stable
// strings so subscribers can branch on them.
const (
	KindProviderError    = "provider_error"
	KindToolValidation   = "tool_validation"
	KindToolRuntime      = "tool_runtime"
	KindToolTimeout      = "tool_timeout"
	KindPermissionDenied = "permission_denied"
	KindHookError        = "hook_error"
	KindSandboxViolation = "sandbox_violation"
	KindPersistence      = "persistence_error"
	KindResumeCorruption = "resume_corruption"
)

var (
	// ErrBusy is returned by Chat when a turn or a suspended tool batch is
	// already in flight. The agent is a single-writer: one chat at a time.
	ErrBusy = errors.New("agent: a chat turn is already in flight")

	// ErrClosed is returned after Dispose.
	ErrClosed = errors.New("agent: disposed")

	// ErrUnsealedRecords means a manual resume found non-terminal tool
	// records; the caller must resume with the crash strategy instead.
	ErrUnsealedRecords = errors.New("agent: non-terminal tool records present, resume with the crash strategy")

	// ErrResumeCorruption means neither meta nor any snapshot could be
	// loaded cleanly; the agent refuses to resume.
	ErrResumeCorruption = errors.New("agent: durable state is corrupt")

	// ErrTodoConflict enforces the single in_progress todo rule.
	ErrTodoConflict = errors.New("agent: only one todo may be in_progress")

	// ErrUnknownCall is returned by Decide and PromotePlanned for a call id
	// that is neither awaiting a decision nor already decided.
	ErrUnknownCall = errors.New("agent: unknown tool call id")
)
