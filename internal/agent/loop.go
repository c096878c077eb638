package agent

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/moor/internal/provider"
	"github.com/haasonsaas/moor/pkg/models"
)

// runChat executes one user turn on the actor goroutine: drain the inbox,
// append the user input, then iterate model rounds until terminal.
func (a *Agent) runChat(parent context.Context, text string) *ChatResult {
	ctx, cancel := a.turnContext(parent)
	defer cancel()

	pending := a.drainInbox()
	if text != "" {
		pending = append(pending, models.NewUserText(a.id, text))
	}
	for _, msg := range pending {
		if err := a.appendMessage(ctx, msg); err != nil {
			return a.failTurn(ctx, KindPersistence, err.Error())
		}
	}

	res := a.runRounds(ctx, 0)
	if res.Status != StatusPaused {
		a.saveMeta(ctx)
	}
	return res
}

// runRounds drives the model/tool loop from the given round until a
// terminal condition. The caller owns the busy flag.
func (a *Agent) runRounds(ctx context.Context, round int) *ChatResult {
	for {
		if round >= a.opts.maxToolRounds() {
			return a.failTurn(ctx, KindToolRuntime, "max tool rounds exceeded")
		}

		msgs := a.currentMessages()
		msgs, halt := a.runMessageHooks(ctx, "preModel", a.template.Hooks.PreModel, msgs)
		if halt != nil {
			a.emit(ctx, models.Event{Type: models.EventAgentHalted})
			a.emit(ctx, models.Event{
				Type: models.EventDone,
				Done: &models.DonePayload{Status: StatusError, Detail: halt.Reason},
			})
			return &ChatResult{Status: StatusError, Detail: halt.Reason}
		}

		resp, err := a.streamTurn(ctx, a.buildRequest(msgs))
		if err != nil {
			a.emitError(ctx, KindProviderError, "model stream failed", err)
			return a.doneError("model stream failed: " + err.Error())
		}
		a.sched.NoteTurn()

		assistant := a.assistantMessage(resp)
		if err := a.appendMessage(ctx, assistant); err != nil {
			return a.failTurn(ctx, KindPersistence, err.Error())
		}
		a.runMessageHooks(ctx, "postModel", a.template.Hooks.PostModel, a.currentMessages())

		uses := assistant.ToolUses()
		if len(uses) == 0 {
			a.emit(ctx, models.Event{Type: models.EventDone, Done: &models.DonePayload{Status: StatusOK}})
			return &ChatResult{Status: StatusOK, Text: assistant.Text()}
		}

		results, pendingIDs := a.executeBatch(ctx, round, uses)
		if len(pendingIDs) > 0 {
			return &ChatResult{Status: StatusPaused, PermissionIDs: pendingIDs}
		}
		if err := a.appendToolResults(ctx, results); err != nil {
			return a.failTurn(ctx, KindPersistence, err.Error())
		}
		round++
	}
}

// continueSuspended finishes one manually decided call and, once the whole
// batch is resolved, resumes the loop in the background. Runs on the actor.
func (a *Agent) continueSuspended(callID string, idx int, d decision) {
	a.mu.Lock()
	susp := a.susp
	if susp == nil {
		a.mu.Unlock()
		return
	}
	// Claim the call before executing. A decide racing the batch stash can
	// be dispatched twice for the same id; the second pass finds the entry
	// already claimed and backs out.
	if _, ok := susp.pending[callID]; !ok {
		a.mu.Unlock()
		return
	}
	delete(susp.pending, callID)
	a.mu.Unlock()

	ctx, cancel := a.turnContext(context.Background())
	defer cancel()

	use := susp.uses[idx]
	rec := a.record(callID)
	if rec == nil {
		return
	}

	var blk models.Block
	if d.Allow {
		blk = a.executeCall(ctx, rec, use)
	} else {
		blk = a.denyCall(ctx, rec, d.Note)
	}

	a.mu.Lock()
	susp.results[idx] = &blk
	done := len(susp.pending) == 0
	round := susp.round
	var results []models.Block
	if done {
		for _, r := range susp.results {
			results = append(results, *r)
		}
		a.susp = nil
	}
	a.mu.Unlock()
	if !done {
		return
	}

	defer a.endTurn()
	if err := a.appendToolResults(ctx, results); err != nil {
		a.saveMeta(ctx)
		return
	}
	a.runRounds(ctx, round+1)
	a.saveMeta(ctx)
}

// appendToolResults packs the batch results into one synthetic user message,
// preserving tool_use pairing order.
func (a *Agent) appendToolResults(ctx context.Context, results []models.Block) error {
	msg := &models.Message{
		AgentID:   a.id,
		Role:      models.RoleUser,
		Blocks:    results,
		CreatedAt: time.Now(),
	}
	return a.appendMessage(ctx, msg)
}

func (a *Agent) doneError(detail string) *ChatResult {
	a.emit(a.ctx, models.Event{
		Type: models.EventDone,
		Done: &models.DonePayload{Status: StatusError, Detail: detail},
	})
	return &ChatResult{Status: StatusError, Detail: detail}
}

func (a *Agent) failTurn(ctx context.Context, kind, detail string) *ChatResult {
	a.emitError(ctx, kind, detail, nil)
	return a.doneError(detail)
}

// buildRequest assembles the provider request from the live message list.
func (a *Agent) buildRequest(msgs []*models.Message) *provider.Request {
	if a.opts.Reasoning != ReasoningProvider {
		msgs = stripReasoning(msgs)
	}
	return &provider.Request{
		System:      a.template.Spec.SystemPrompt,
		Messages:    msgs,
		Tools:       a.registry.Descriptors(),
		Model:       a.opts.Model,
		Temperature: a.opts.Temperature,
		MaxTokens:   a.opts.MaxTokens,
	}
}

// assistantMessage converts an assembled response into the durable
// assistant message, honoring the reasoning retention settings.
func (a *Agent) assistantMessage(resp *provider.Response) *models.Message {
	blocks := resp.Content
	if !a.opts.RetainThinking || a.opts.Reasoning == ReasoningNone {
		kept := make([]models.Block, 0, len(blocks))
		for _, b := range blocks {
			if b.Type != models.BlockReasoning {
				kept = append(kept, b)
			}
		}
		blocks = kept
	}
	return &models.Message{
		AgentID:   a.id,
		Role:      models.RoleAssistant,
		Blocks:    blocks,
		CreatedAt: time.Now(),
	}
}

// streamTurn streams one model call, retrying once on transient failure.
func (a *Agent) streamTurn(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ctx, span := a.deps.Tracer.Start(ctx, "model.request",
		attribute.String("provider", a.provider.Name()),
		attribute.String("model", req.Model))
	defer span.End()

	start := time.Now()
	resp, err := a.streamOnce(ctx, req)
	if err != nil && provider.Retryable(err) && ctx.Err() == nil {
		a.emitError(ctx, KindProviderError, "transient provider failure, retrying", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		resp, err = a.streamOnce(ctx, req)
	}
	if err != nil {
		a.deps.Tracer.RecordError(span, err)
	}
	if m := a.deps.Metrics; m != nil {
		status := "success"
		var in, out int
		if err != nil {
			status = "error"
		} else if resp.Usage != nil {
			in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
		}
		m.RecordModelRequest(a.provider.Name(), req.Model, status, time.Since(start).Seconds(), in, out)
	}
	return resp, err
}

// streamOnce consumes one provider stream, translating chunks into progress
// events while assembling the response blocks.
func (a *Agent) streamOnce(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	chunks, err := a.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &provider.Response{}
	var current *models.Block
	var text strings.Builder
	var inputJSON strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		switch current.Type {
		case models.BlockToolUse:
			current.Input = []byte(inputJSON.String())
			if len(current.Input) == 0 {
				current.Input = []byte(`{}`)
			}
			a.emit(ctx, models.Event{
				Type: models.EventToolAnnounce,
				Tool: &models.ToolPayload{CallID: current.ID, Name: current.Name, Args: current.Input},
			})
		case models.BlockReasoning:
			current.Text = text.String()
			if a.opts.ExposeThinking {
				a.emit(ctx, models.Event{
					Type: models.EventThinkChunkEnd,
					Text: &models.TextPayload{Final: current.Text},
				})
			}
		default:
			current.Text = text.String()
			a.emit(ctx, models.Event{
				Type: models.EventTextChunkEnd,
				Text: &models.TextPayload{Final: current.Text},
			})
		}
		resp.Content = append(resp.Content, *current)
		current = nil
		text.Reset()
		inputJSON.Reset()
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		switch chunk.Type {
		case provider.ChunkBlockStart:
			flush()
			if chunk.Block == nil {
				continue
			}
			blk := *chunk.Block
			current = &blk
			text.WriteString(blk.Text)
			switch blk.Type {
			case models.BlockText:
				a.emit(ctx, models.Event{Type: models.EventTextChunkStart})
			case models.BlockReasoning:
				if a.opts.ExposeThinking {
					a.emit(ctx, models.Event{Type: models.EventThinkChunkStart})
				}
			}
		case provider.ChunkBlockDelta:
			if chunk.Delta == nil {
				continue
			}
			switch chunk.Delta.Type {
			case provider.DeltaText:
				text.WriteString(chunk.Delta.Text)
				a.emit(ctx, models.Event{
					Type: models.EventTextChunk,
					Text: &models.TextPayload{Delta: chunk.Delta.Text},
				})
			case provider.DeltaThinking:
				text.WriteString(chunk.Delta.Text)
				if a.opts.ExposeThinking {
					a.emit(ctx, models.Event{
						Type: models.EventThinkChunk,
						Text: &models.TextPayload{Delta: chunk.Delta.Text},
					})
				}
			case provider.DeltaInputJSON:
				inputJSON.WriteString(chunk.Delta.PartialJSON)
			}
		case provider.ChunkBlockStop:
			flush()
		case provider.ChunkMessageStart, provider.ChunkMessageDelta:
			if chunk.Usage != nil {
				if resp.Usage == nil {
					resp.Usage = &provider.Usage{}
				}
				if chunk.Usage.InputTokens > 0 {
					resp.Usage.InputTokens = chunk.Usage.InputTokens
				}
				if chunk.Usage.OutputTokens > 0 {
					resp.Usage.OutputTokens = chunk.Usage.OutputTokens
				}
			}
		case provider.ChunkMessageStop:
			flush()
		}
	}
	flush()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func stripReasoning(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		keep := true
		for _, b := range m.Blocks {
			if b.Type == models.BlockReasoning {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, m)
			continue
		}
		clone := m.Clone()
		blocks := clone.Blocks[:0]
		for _, b := range clone.Blocks {
			if b.Type != models.BlockReasoning {
				blocks = append(blocks, b)
			}
		}
		clone.Blocks = blocks
		if len(clone.Blocks) > 0 {
			out = append(out, clone)
		}
	}
	return out
}
