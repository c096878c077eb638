package agent

import (
	"context"

	"github.com/haasonsaas/moor/pkg/models"
)

// HookAction is the directive a message-level hook may return. A nil action
// (or a nil, nil return) means "observe only, continue unchanged".
type HookAction struct {
	// Replace substitutes the in-memory message list passed to the model.
	// The durable log is not rewritten.
	Replace []*models.Message

	// Halt aborts the turn. Halting requires an explicit return; a hook
	// error never halts on its own.
	Halt   bool
	Reason string
}

// MessageHook observes or rewrites the message list at a template-level
// boundary (preModel, postModel, messagesChanged).
type MessageHook func(ctx context.Context, messages []*models.Message) (*HookAction, error)

// ToolAction is the directive a tool-level hook may return.
type ToolAction struct {
	// Skip short-circuits execution; Outcome becomes the call's result.
	Skip bool

	// Outcome replaces the call's outcome. For preToolUse it is the skip
	// result; for postToolUse it rewrites the result of a finished call.
	Outcome *models.ToolOutcome
}

// ToolHook observes or rewrites a single tool call. preToolUse hooks see the
// record in PENDING; postToolUse hooks see it with its outcome attached.
type ToolHook func(ctx context.Context, call *models.ToolCallRecord) (*ToolAction, error)

// Hooks are the ordered callback chains of a template. All hooks run
// sequentially in declaration order; a failing hook is reported as a monitor
// error and the chain continues with the original payload.
type Hooks struct {
	PreModel        []MessageHook
	PostModel       []MessageHook
	MessagesChanged []MessageHook
	PreToolUse      []ToolHook
	PostToolUse     []ToolHook
}

// runMessageHooks walks a message hook chain. It returns the (possibly
// replaced) message list and the first halt action encountered, if any.
func (a *Agent) runMessageHooks(ctx context.Context, phase string, chain []MessageHook, msgs []*models.Message) ([]*models.Message, *HookAction) {
	for _, hook := range chain {
		act, err := hook(ctx, msgs)
		if err != nil {
			a.emitError(ctx, KindHookError, phase+" hook failed", err)
			continue
		}
		if act == nil {
			continue
		}
		if act.Replace != nil {
			msgs = act.Replace
		}
		if act.Halt {
			return msgs, act
		}
	}
	return msgs, nil
}

// runToolHooks walks a tool hook chain against a clone of the record and
// returns the first directive action, if any.
func (a *Agent) runToolHooks(ctx context.Context, phase string, chain []ToolHook, rec *models.ToolCallRecord) *ToolAction {
	for _, hook := range chain {
		act, err := hook(ctx, rec.Clone())
		if err != nil {
			a.emitError(ctx, KindHookError, phase+" hook failed", err)
			continue
		}
		if act != nil && (act.Skip || act.Outcome != nil) {
			return act
		}
	}
	return nil
}
