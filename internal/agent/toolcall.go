package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/moor/internal/sandbox"
	"github.com/haasonsaas/moor/internal/tools"
	"github.com/haasonsaas/moor/pkg/models"
)

// executeBatch runs one model turn's tool_use batch. Results preserve the
// model-emitted order. When manual approval suspends one or more calls the
// batch is stashed and the pending call ids are returned instead.
func (a *Agent) executeBatch(ctx context.Context, round int, uses []models.Block) ([]models.Block, []string) {
	results := make([]*models.Block, len(uses))
	pending := make(map[string]int)
	var pendingIDs []string
	var wg sync.WaitGroup

	for i, use := range uses {
		rec := models.NewToolCallRecord(a.id, use.ID, use.Name, use.Input)
		a.saveRecord(ctx, rec)

		tool, ok := a.registry.Get(use.Name)
		if !ok {
			blk := a.startAndFail(ctx, rec, &models.ToolOutcome{
				OK:              false,
				Error:           fmt.Sprintf("unknown tool %q", use.Name),
				ValidationError: true,
			}, KindToolValidation)
			results[i] = &blk
			continue
		}

		if act := a.runToolHooks(ctx, "preToolUse", a.template.Hooks.PreToolUse, rec); act != nil && act.Skip {
			blk := a.skipCall(ctx, rec, act.Outcome)
			results[i] = &blk
			continue
		}

		gate := a.perms.gate(tool.Descriptor())
		switch gate.verdict {
		case gateDeny:
			blk := a.denyCall(ctx, rec, gate.note)
			results[i] = &blk

		case gatePlanQueue:
			blk := a.planCall(ctx, rec, gate.note)
			results[i] = &blk

		case gateAsk:
			ch := a.perms.register(rec.ID)
			a.emit(ctx, models.Event{
				Type:       models.EventPermissionRequired,
				Permission: &models.PermissionPayload{CallID: rec.ID, Name: rec.Name, Args: rec.Args},
			})
			if a.opts.DecisionTimeout > 0 {
				d, expired := a.perms.wait(ctx, rec.ID, ch, a.opts.DecisionTimeout, decision{Note: "decision timeout, default deny"})
				// An explicit decide already emitted permission_decided.
				if expired {
					a.emit(ctx, models.Event{
						Type:       models.EventPermissionDecided,
						Permission: &models.PermissionPayload{CallID: rec.ID, Decision: decisionVerb(d.Allow), Note: d.Note},
					})
				}
				var blk models.Block
				if d.Allow {
					blk = a.executeCall(ctx, rec, use)
				} else {
					blk = a.denyCall(ctx, rec, d.Note)
				}
				results[i] = &blk
			} else {
				pending[rec.ID] = i
				pendingIDs = append(pendingIDs, rec.ID)
			}

		default:
			if tool.Descriptor().Concurrent {
				wg.Add(1)
				go func(i int, rec *models.ToolCallRecord, use models.Block) {
					defer wg.Done()
					blk := a.executeCall(ctx, rec, use)
					results[i] = &blk
				}(i, rec, use)
			} else {
				// Non-concurrent tools wait for the running group, then
				// execute inline in model order.
				wg.Wait()
				blk := a.executeCall(ctx, rec, use)
				results[i] = &blk
			}
		}
	}
	wg.Wait()

	if len(pendingIDs) > 0 {
		a.mu.Lock()
		a.susp = &suspension{round: round, uses: uses, results: results, pending: pending}
		a.mu.Unlock()
		// A decide can land between permission_required and this stash;
		// its idempotency guard would swallow every retry, so pick those
		// decisions up now.
		for _, id := range pendingIDs {
			if d, ok := a.perms.decidedFor(id); ok {
				idx := pending[id]
				a.dispatch(func() { a.continueSuspended(id, idx, d) })
			}
		}
		return nil, pendingIDs
	}

	out := make([]models.Block, len(uses))
	for i, r := range results {
		out[i] = *r
	}
	return out, nil
}

func decisionVerb(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

// executeCall runs a permitted call through validation, execution, the
// postToolUse chain, and durable completion.
func (a *Agent) executeCall(ctx context.Context, rec *models.ToolCallRecord, use models.Block) models.Block {
	ctx, span := a.deps.Tracer.Start(ctx, "tool.execute",
		attribute.String("tool", rec.Name),
		attribute.String("call_id", rec.ID))
	defer span.End()
	a.recordPermission("allow")

	tool, ok := a.registry.Get(rec.Name)
	if !ok {
		return a.startAndFail(ctx, rec, &models.ToolOutcome{
			OK: false, Error: fmt.Sprintf("unknown tool %q", rec.Name), ValidationError: true,
		}, KindToolValidation)
	}
	desc := tool.Descriptor()

	rec.Advance(models.CallPermitted)
	a.saveRecord(ctx, rec)
	a.emitToolStart(ctx, rec)

	if err := a.registry.ValidateArgs(rec.Name, rec.Args); err != nil {
		return a.finishCall(ctx, rec, &models.ToolOutcome{
			OK: false, Error: err.Error(), ValidationError: true,
		}, KindToolValidation, 0)
	}

	rec.Advance(models.CallRunning)
	a.saveRecord(ctx, rec)

	execCtx := ctx
	var cancel context.CancelFunc
	if desc.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	tc := tools.NewExecContext(a.id, rec.ID, a.todos, a.fileAccess(), a.customEmitter(ctx, rec.ID))
	start := time.Now()
	outcome, err := safeExec(execCtx, tool, rec.Args, tc)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		kind := KindToolRuntime
		msg := err.Error()
		switch {
		case errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded:
			kind = KindToolTimeout
			msg = "timeout"
		case errors.Is(err, sandbox.ErrBoundary):
			kind = KindSandboxViolation
		}
		a.deps.Tracer.RecordError(span, err)
		return a.finishCall(ctx, rec, &models.ToolOutcome{OK: false, Error: msg}, kind, elapsed)
	}
	if outcome == nil {
		outcome = tools.Ok("")
	}

	rec.Outcome = outcome
	if act := a.runToolHooks(ctx, "postToolUse", a.template.Hooks.PostToolUse, rec); act != nil && act.Outcome != nil {
		outcome = act.Outcome
	}
	return a.finishCall(ctx, rec, outcome, "", elapsed)
}

// safeExec invokes the tool, converting a panic into a runtime error.
func safeExec(ctx context.Context, tool tools.ToolInstance, args []byte, tc *tools.ExecContext) (outcome *models.ToolOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Exec(ctx, args, tc)
}

// denyCall records a permission denial and synthesizes the result the model
// sees on its next turn.
func (a *Agent) denyCall(ctx context.Context, rec *models.ToolCallRecord, note string) models.Block {
	rec.Advance(models.CallDenied)
	a.saveRecord(ctx, rec)
	a.emitToolStart(ctx, rec)
	a.recordPermission("deny")

	msg := "denied"
	if note != "" {
		msg += ": " + note
	}
	return a.finishCall(ctx, rec, &models.ToolOutcome{OK: false, Error: msg}, KindPermissionDenied, 0)
}

// planCall records a plan-mode deferral without executing. The queued id
// stays promotable through PromotePlanned.
func (a *Agent) planCall(ctx context.Context, rec *models.ToolCallRecord, note string) models.Block {
	rec.Advance(models.CallDenied)
	a.saveRecord(ctx, rec)
	a.emitToolStart(ctx, rec)
	a.recordPermission("queued")

	a.mu.Lock()
	a.planned = append(a.planned, rec.ID)
	a.mu.Unlock()

	return a.finishCall(ctx, rec, &models.ToolOutcome{OK: false, Error: note}, "", 0)
}

// runPromoted finishes a promoted plan-mode call on the actor. There is no
// tool_use block to pair with, so the outcome travels to the model as a
// reminder instead of a tool_result message.
func (a *Agent) runPromoted(rec *models.ToolCallRecord, d decision) {
	ctx := a.ctx
	if d.Allow {
		a.executeCall(ctx, rec, models.Block{})
	} else {
		a.denyCall(ctx, rec, d.Note)
	}

	text := ""
	if out := rec.Outcome; out != nil {
		text = out.Content
		if !out.OK {
			text = out.Error
		}
	}
	a.Send(fmt.Sprintf("promoted tool %s finished: %s", rec.Name, text), models.KindReminder)
	a.saveMeta(ctx)
}

func (a *Agent) recordPermission(verdict string) {
	if m := a.deps.Metrics; m != nil {
		m.RecordPermissionDecision(string(a.perms.mode), verdict)
	}
}

// skipCall short-circuits a call with the preToolUse hook's outcome.
func (a *Agent) skipCall(ctx context.Context, rec *models.ToolCallRecord, outcome *models.ToolOutcome) models.Block {
	if outcome == nil {
		outcome = tools.Ok("")
	}
	rec.Advance(models.CallPermitted)
	rec.Advance(models.CallRunning)
	a.saveRecord(ctx, rec)
	a.emitToolStart(ctx, rec)
	return a.finishCall(ctx, rec, outcome, "", 0)
}

// startAndFail handles calls that fail before gating (unknown tool).
func (a *Agent) startAndFail(ctx context.Context, rec *models.ToolCallRecord, outcome *models.ToolOutcome, kind string) models.Block {
	rec.Advance(models.CallPermitted)
	a.saveRecord(ctx, rec)
	a.emitToolStart(ctx, rec)
	return a.finishCall(ctx, rec, outcome, kind, 0)
}

func (a *Agent) emitToolStart(ctx context.Context, rec *models.ToolCallRecord) {
	a.emit(ctx, models.Event{
		Type: models.EventToolStart,
		Tool: &models.ToolPayload{CallID: rec.ID, Name: rec.Name, Args: rec.Args, Phase: rec.State},
	})
}

// finishCall drives the record to COMPLETED, emits tool:error / tool:end /
// tool_executed, and returns the paired tool_result block. A non-empty
// errKind marks an abnormal completion.
func (a *Agent) finishCall(ctx context.Context, rec *models.ToolCallRecord, outcome *models.ToolOutcome, errKind string, durMs int64) models.Block {
	if errKind != "" && !rec.State.Terminal() {
		switch rec.State {
		case models.CallPermitted, models.CallRunning:
			rec.Advance(models.CallErrored)
		}
		// tool:error marks execution failures; a denial is not one.
		if errKind != KindPermissionDenied {
			a.emit(ctx, models.Event{
				Type: models.EventToolError,
				Tool: &models.ToolPayload{CallID: rec.ID, Name: rec.Name, Phase: rec.State, Outcome: outcome, IsError: true},
			})
		}
		a.emitError(ctx, errKind, fmt.Sprintf("tool %s failed", rec.Name), errors.New(outcome.Error))
	}

	rec.Outcome = outcome
	rec.Advance(models.CallCompleted)
	a.saveRecord(ctx, rec)

	isError := !outcome.OK
	a.emit(ctx, models.Event{
		Type: models.EventToolEnd,
		Tool: &models.ToolPayload{
			CallID:     rec.ID,
			Name:       rec.Name,
			Outcome:    outcome,
			IsError:    isError,
			DurationMs: durMs,
		},
	})
	a.emit(ctx, models.Event{
		Type: models.EventToolExecuted,
		Tool: &models.ToolPayload{CallID: rec.ID, Name: rec.Name, DurationMs: durMs},
	})

	if m := a.deps.Metrics; m != nil {
		status := "success"
		if isError {
			status = "error"
		}
		m.RecordToolExecution(rec.Name, status, float64(durMs)/1000)
	}

	content := outcome.Content
	if isError {
		content = outcome.Error
	}
	return models.ToolResultBlock(rec.ID, content, isError)
}
