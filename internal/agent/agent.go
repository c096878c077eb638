// Package agent implements the orchestrator: a single logical actor per
// agent that drives the model loop, routes tool calls through permission
// gating and hooks, and keeps every state change durable and observable
// through the event stream.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/moor/internal/events"
	"github.com/haasonsaas/moor/internal/observability"
	"github.com/haasonsaas/moor/internal/provider"
	"github.com/haasonsaas/moor/internal/sandbox"
	"github.com/haasonsaas/moor/internal/schedule"
	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/internal/tools"
	"github.com/haasonsaas/moor/pkg/models"
)

// DefaultMaxToolRounds bounds the model/tool loop within one chat.
const DefaultMaxToolRounds = 10

const (
	persistRetries = 3
	mailboxSize    = 128
)

// ReasoningTransport selects how reasoning blocks travel.
type ReasoningTransport string

const (
	// ReasoningProvider echoes reasoning blocks back to the provider.
	ReasoningProvider ReasoningTransport = "provider"

	// ReasoningInternal persists reasoning but strips it from requests.
	ReasoningInternal ReasoningTransport = "internal"

	// ReasoningNone drops reasoning blocks entirely.
	ReasoningNone ReasoningTransport = "none"
)

// Template pairs the serializable blueprint with its runtime hook chains.
type Template struct {
	Spec  *models.TemplateSpec
	Hooks Hooks
}

// Deps are the shared facilities an agent is wired to. Store and Provider
// are required; the rest are optional.
type Deps struct {
	Store      store.Store
	Provider   provider.ModelProvider
	Registry   *tools.Registry
	Templates  *TemplateRegistry
	Sandbox    sandbox.Sandbox
	Logger     *slog.Logger
	TimeBridge schedule.TimeBridge

	// Metrics is optional; nil disables collection.
	Metrics *observability.Metrics

	// Tracer is optional; nil yields no-op spans.
	Tracer *observability.Tracer
}

// Options are per-agent configuration knobs.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64

	// MaxToolRounds bounds model/tool iterations per chat. Default 10.
	MaxToolRounds int

	// TurnTimeout bounds one whole chat turn. Zero means no limit.
	TurnTimeout time.Duration

	// ExposeThinking streams think_chunk_* events to subscribers.
	ExposeThinking bool

	// RetainThinking persists reasoning blocks in the durable log.
	RetainThinking bool

	// Reasoning selects request-side reasoning handling. Default provider.
	Reasoning ReasoningTransport

	// DecisionTimeout, when positive, makes approval-gated calls wait
	// inline for decide(); on expiry DefaultDeny applies. Zero pauses the
	// chat instead, returning the pending permission ids to the caller.
	DecisionTimeout time.Duration

	// EventBuffer overrides the per-subscriber queue capacity.
	EventBuffer int
}

func (o Options) maxToolRounds() int {
	if o.MaxToolRounds > 0 {
		return o.MaxToolRounds
	}
	return DefaultMaxToolRounds
}

// ChatResult is the terminal reply of one chat invocation.
type ChatResult struct {
	Status string `json:"status"` // ok, paused, error

	// Text is the final assistant text for ok turns.
	Text string `json:"text,omitempty"`

	// PermissionIDs lists calls awaiting decide() for paused turns.
	PermissionIDs []string `json:"permission_ids,omitempty"`

	// Detail describes the failure for error turns.
	Detail string `json:"detail,omitempty"`
}

// Chat status values.
const (
	StatusOK     = "ok"
	StatusPaused = "paused"
	StatusError  = "error"
)

// AgentStatus is the public status() view.
type AgentStatus struct {
	AgentID       string                    `json:"agent_id"`
	LastBookmarks map[models.Channel]uint64 `json:"last_bookmarks"`
	InFlight      []string                  `json:"in_flight,omitempty"`
	Busy          bool                      `json:"busy"`
	Steps         int                       `json:"steps"`
}

// suspension holds a tool batch paused on manual permission approval.
type suspension struct {
	round   int
	uses    []models.Block
	results []*models.Block
	pending map[string]int // call id -> index into uses
}

// Agent is one conversational entity: its own message log, event stream,
// tool registry view, sandbox, scheduler, and todo list. All turn-advancing
// work runs on a single actor goroutine; external callers communicate
// through the mailbox or the thread-safe sub-services.
type Agent struct {
	id       string
	template *Template
	deps     Deps
	opts     Options
	depth    int

	st       store.Store
	bus      *events.Bus
	registry *tools.Registry
	provider provider.ModelProvider
	sb       sandbox.Sandbox
	perms    *permissionEngine
	todos    *todoService
	sched    *schedule.Scheduler
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan func()
	wg     sync.WaitGroup

	mu         sync.Mutex
	messages   []*models.Message
	inbox      []*models.Message
	records    map[string]*models.ToolCallRecord
	bookmarks  map[models.Channel]uint64
	planned    []string
	promoted   map[string]*models.ToolCallRecord
	susp       *suspension
	busy       bool
	turnCancel context.CancelFunc
	disposed   bool
}

// New creates a fresh agent from a template. The id may be empty, in which
// case one is generated.
func New(ctx context.Context, id string, tpl *Template, deps Deps, opts Options) (*Agent, error) {
	a, err := newAgent(id, tpl, deps, opts)
	if err != nil {
		return nil, err
	}
	a.start()
	a.saveMeta(ctx)
	if rt := a.todoRuntime(); rt != nil && rt.Enabled && rt.ReminderOnStart {
		if text := a.todos.summary(); text != "" {
			a.Send(text, models.KindReminder)
		}
	}
	return a, nil
}

func newAgent(id string, tpl *Template, deps Deps, opts Options) (*Agent, error) {
	if tpl == nil || tpl.Spec == nil {
		return nil, fmt.Errorf("agent: template is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("agent: store is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("agent: model provider is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", id)

	registry := deps.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if len(tpl.Spec.Tools) > 0 {
		sub, err := registry.Subset(tpl.Spec.Tools)
		if err != nil {
			return nil, err
		}
		registry = sub
	}

	var busOpts []events.Option
	busOpts = append(busOpts, events.WithLogger(logger))
	if opts.EventBuffer > 0 {
		busOpts = append(busOpts, events.WithBufferSize(opts.EventBuffer))
	}
	if deps.Metrics != nil {
		busOpts = append(busOpts, events.WithMetrics(deps.Metrics))
	}

	if opts.Reasoning == "" {
		opts.Reasoning = ReasoningProvider
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		id:        id,
		template:  tpl,
		deps:      deps,
		opts:      opts,
		st:        deps.Store,
		bus:       events.NewBus(id, deps.Store, busOpts...),
		registry:  registry,
		provider:  deps.Provider,
		sb:        deps.Sandbox,
		perms:     newPermissionEngine(tpl.Spec.Permission),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan func(), mailboxSize),
		records:   make(map[string]*models.ToolCallRecord),
		promoted:  make(map[string]*models.ToolCallRecord),
		bookmarks: make(map[models.Channel]uint64),
	}
	a.todos = newTodoService(func(t models.EventType, todo *models.Todo) {
		a.emit(a.ctx, models.Event{Type: t, Todo: &models.TodoPayload{Todo: todo}})
	})

	var schedOpts []schedule.Option
	schedOpts = append(schedOpts, schedule.WithLogger(logger))
	if deps.TimeBridge != nil {
		schedOpts = append(schedOpts, schedule.WithTimeBridge(deps.TimeBridge))
	}
	a.sched = schedule.New(func(fn func()) { a.dispatch(fn) }, schedOpts...)

	return a, nil
}

// start launches the actor goroutine and ancillary watchers.
func (a *Agent) start() {
	a.wg.Add(1)
	go a.run()
	if a.deps.Metrics != nil {
		a.deps.Metrics.AgentStarted()
	}

	if rt := a.todoRuntime(); rt != nil && rt.Enabled && rt.RemindIntervalSteps > 0 {
		a.sched.EverySteps(rt.RemindIntervalSteps, func(schedule.Fire) {
			if text := a.todos.summary(); text != "" {
				a.Send(text, models.KindReminder)
			}
		})
	}
	if a.sb != nil {
		a.watchSandbox()
	}
}

func (a *Agent) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case fn := <-a.queue:
			fn()
		}
	}
}

// dispatch enqueues fn on the actor mailbox. Returns false once disposed.
func (a *Agent) dispatch(fn func()) bool {
	select {
	case <-a.ctx.Done():
		return false
	case a.queue <- fn:
		return true
	}
}

func (a *Agent) watchSandbox() {
	files, err := a.sb.Watch(a.ctx)
	if err != nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				return
			case ev, ok := <-files:
				if !ok {
					return
				}
				a.emit(a.ctx, models.Event{
					Type: models.EventFileChanged,
					File: &models.FilePayload{Path: ev.Path, Kind: ev.Kind},
				})
			}
		}
	}()
}

func (a *Agent) todoRuntime() *models.TodoRuntime {
	return a.template.Spec.Runtime.Todo
}

// ID returns the agent's identity.
func (a *Agent) ID() string { return a.id }

// Send enqueues text on the inbox without running a turn. The next chat
// drains the inbox ahead of its own input.
func (a *Agent) Send(text string, kind models.MessageKind) {
	var msg *models.Message
	switch kind {
	case models.KindReminder:
		msg = models.NewReminder(a.id, "reminder", text)
	default:
		msg = models.NewUserText(a.id, text)
	}
	a.mu.Lock()
	a.inbox = append(a.inbox, msg)
	a.mu.Unlock()
}

// SendMention delivers a room mention to the inbox, tagged with its sender.
func (a *Agent) SendMention(sender, text string) {
	msg := models.NewUserText(a.id, text)
	msg.Metadata = map[string]any{"kind": string(models.KindMention), "sender": sender}
	a.mu.Lock()
	a.inbox = append(a.inbox, msg)
	a.mu.Unlock()
	a.emit(a.ctx, models.Event{
		Type: models.EventRoomMessage,
		Room: &models.RoomPayload{Sender: sender, Target: a.id, Text: text},
	})
}

// Chat runs one full user turn and blocks until a terminal condition. The
// agent is a single writer: a second chat while one is in flight (including
// a paused tool batch) fails with ErrBusy.
func (a *Agent) Chat(ctx context.Context, text string) (*ChatResult, error) {
	if a.closed() {
		return nil, ErrClosed
	}
	if !a.beginTurn() {
		return nil, ErrBusy
	}
	out := make(chan *ChatResult, 1)
	ok := a.dispatch(func() {
		res := a.runChat(ctx, text)
		if res.Status != StatusPaused {
			a.endTurn()
		}
		out <- res
	})
	if !ok {
		a.endTurn()
		return nil, ErrClosed
	}
	select {
	case res := <-out:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe tails the given channels; nil subscribes to all three. A non-nil
// since replays persisted events with seq greater than the bookmark first.
func (a *Agent) Subscribe(ctx context.Context, channels []models.Channel, since *uint64) (*events.Subscription, error) {
	return a.bus.Subscribe(ctx, channels, events.SubscribeOptions{Since: since})
}

// On registers a typed handler; the returned function unsubscribes.
func (a *Agent) On(ctx context.Context, t models.EventType, handler func(models.EventEnvelope)) (func(), error) {
	return a.bus.On(ctx, t, handler)
}

// Decide resolves a pending permission prompt. The first decision per call
// id wins and emits permission_decided; repeats are silent no-ops and ids
// that were never registered fail with ErrUnknownCall. Deciding a call that
// paused the chat resumes the turn in the background.
func (a *Agent) Decide(ctx context.Context, callID string, allow bool, note string) error {
	if a.closed() {
		return ErrClosed
	}
	first, known := a.perms.decide(callID, allow, note)
	if !known {
		return ErrUnknownCall
	}
	if !first {
		return nil
	}
	a.emit(ctx, models.Event{
		Type:       models.EventPermissionDecided,
		Permission: &models.PermissionPayload{CallID: callID, Decision: decisionVerb(allow), Note: note},
	})

	a.mu.Lock()
	var idx int
	resume := false
	if a.susp != nil {
		idx, resume = a.susp.pending[callID]
	}
	rec, isPromoted := a.promoted[callID]
	if isPromoted {
		delete(a.promoted, callID)
	}
	a.mu.Unlock()

	switch {
	case isPromoted:
		a.dispatch(func() { a.runPromoted(rec, decision{Allow: allow, Note: note}) })
	case resume:
		a.dispatch(func() { a.continueSuspended(callID, idx, decision{Allow: allow, Note: note}) })
	}
	return nil
}

// PlannedCalls returns the call ids queued by plan mode, oldest first.
func (a *Agent) PlannedCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.planned...)
}

// PromotePlanned lifts a plan-queued call into the approval flow. The call
// is re-issued under a fresh record carrying the original name and args, a
// permission_required prompt is emitted, and the new call id is returned for
// Decide. On allow the tool finally executes; its outcome lands in the
// record and the event stream, and reaches the model as a reminder on its
// next turn.
func (a *Agent) PromotePlanned(ctx context.Context, callID string) (string, error) {
	if a.closed() {
		return "", ErrClosed
	}
	a.mu.Lock()
	found := -1
	for i, id := range a.planned {
		if id == callID {
			found = i
			break
		}
	}
	if found < 0 {
		a.mu.Unlock()
		return "", ErrUnknownCall
	}
	a.planned = append(a.planned[:found], a.planned[found+1:]...)
	orig := a.records[callID]
	a.mu.Unlock()
	if orig == nil {
		return "", ErrUnknownCall
	}

	rec := models.NewToolCallRecord(a.id, uuid.NewString(), orig.Name, orig.Args)
	a.saveRecord(ctx, rec)
	a.mu.Lock()
	a.promoted[rec.ID] = rec
	a.mu.Unlock()

	a.perms.register(rec.ID)
	a.emit(ctx, models.Event{
		Type:       models.EventPermissionRequired,
		Permission: &models.PermissionPayload{CallID: rec.ID, Name: rec.Name, Args: rec.Args},
	})
	return rec.ID, nil
}

// GetTodos returns the current todo list.
func (a *Agent) GetTodos(ctx context.Context) []*models.Todo {
	return a.todos.GetTodos(ctx)
}

// SetTodos replaces the todo list.
func (a *Agent) SetTodos(ctx context.Context, todos []*models.Todo) error {
	if err := a.todos.SetTodos(ctx, todos); err != nil {
		return err
	}
	a.saveMeta(ctx)
	return nil
}

// UpdateTodo mutates one todo; nil fields are left unchanged.
func (a *Agent) UpdateTodo(ctx context.Context, id string, title *string, status *models.TodoStatus) (*models.Todo, error) {
	todo, err := a.todos.Update(ctx, id, title, status)
	if err != nil {
		return nil, err
	}
	a.saveMeta(ctx)
	return todo, nil
}

// DeleteTodo removes one todo by id.
func (a *Agent) DeleteTodo(ctx context.Context, id string) error {
	if err := a.todos.Delete(ctx, id); err != nil {
		return err
	}
	a.saveMeta(ctx)
	return nil
}

// Status reports bookmarks, in-flight tool calls, and turn state.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := AgentStatus{
		AgentID:       a.id,
		LastBookmarks: make(map[models.Channel]uint64, len(a.bookmarks)),
		Busy:          a.busy,
		Steps:         a.sched.Steps(),
	}
	for ch, seq := range a.bookmarks {
		st.LastBookmarks[ch] = seq
	}
	for id, rec := range a.records {
		if !rec.State.Terminal() {
			st.InFlight = append(st.InFlight, id)
		}
	}
	return st
}

// Schedule exposes the per-agent scheduler handle.
func (a *Agent) Schedule() *schedule.Scheduler { return a.sched }

// Abort cancels the in-flight turn, if any.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.turnCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Dispose tears the agent down: scheduler stopped, subscribers closed,
// sandbox released. Durable state survives.
func (a *Agent) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	cancel := a.turnCancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.saveMeta(context.Background())
	a.sched.Stop()
	a.cancel()
	a.wg.Wait()
	a.bus.Close()
	if a.deps.Metrics != nil {
		a.deps.Metrics.AgentStopped()
	}
	if a.sb != nil {
		if err := a.sb.Dispose(); err != nil {
			a.logger.Warn("sandbox dispose failed", "error", err)
		}
	}
}

func (a *Agent) closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposed
}

func (a *Agent) beginTurn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	return true
}

func (a *Agent) endTurn() {
	a.mu.Lock()
	a.busy = false
	a.turnCancel = nil
	a.mu.Unlock()
}

// turnContext derives a cancellable per-turn context honoring TurnTimeout
// and agent teardown, and registers it for Abort.
func (a *Agent) turnContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if a.opts.TurnTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, a.opts.TurnTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	stop := context.AfterFunc(a.ctx, cancel)

	a.mu.Lock()
	a.turnCancel = cancel
	a.mu.Unlock()

	return ctx, func() {
		stop()
		cancel()
	}
}

// emit appends the event durably and fans it out, tracking the channel
// bookmark for meta and snapshots.
func (a *Agent) emit(ctx context.Context, ev models.Event) {
	env, err := a.bus.EmitTyped(ctx, ev)
	if err != nil {
		a.logger.Error("event emit failed", "type", ev.Type, "error", err)
		return
	}
	a.mu.Lock()
	a.bookmarks[env.Channel] = env.Seq
	a.mu.Unlock()
}

func (a *Agent) emitError(ctx context.Context, kind, msg string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	a.logger.Warn(msg, "kind", kind, "error", err)
	a.emit(ctx, models.Event{
		Type:  models.EventError,
		Error: &models.ErrorPayload{Kind: kind, Message: msg, Detail: detail},
	})
}

// customEmitter scopes tool_custom_event emission to one running call.
func (a *Agent) customEmitter(ctx context.Context, callID string) func(string, json.RawMessage) {
	return func(name string, data json.RawMessage) {
		a.emit(ctx, models.Event{
			Type:   models.EventToolCustom,
			Custom: &models.CustomPayload{CallID: callID, Name: name, Data: data},
		})
	}
}

// fileAccess narrows the sandbox for tool execution; nil when unsandboxed.
func (a *Agent) fileAccess() tools.FileAccess {
	if a.sb == nil {
		return nil
	}
	return a.sb
}

// saveMeta persists the bookkeeping record with bounded retry.
func (a *Agent) saveMeta(ctx context.Context) {
	a.mu.Lock()
	meta := &store.Meta{
		AgentID:    a.id,
		TemplateID: a.template.Spec.ID,
		Bookmarks:  make(map[models.Channel]uint64, len(a.bookmarks)),
		Todos:      a.todos.GetTodos(ctx),
		UpdatedAt:  time.Now(),
	}
	for ch, seq := range a.bookmarks {
		meta.Bookmarks[ch] = seq
	}
	for id, rec := range a.records {
		if !rec.State.Terminal() {
			meta.InFlight = append(meta.InFlight, id)
		}
	}
	a.mu.Unlock()

	var err error
	for attempt := 0; attempt < persistRetries; attempt++ {
		if err = a.st.SaveMeta(ctx, meta); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	a.emitError(ctx, KindPersistence, "meta save failed", err)
}

// persistMessage appends durably with bounded retry; persistent failure is
// fatal for the turn.
func (a *Agent) persistMessage(ctx context.Context, msg *models.Message) error {
	var err error
	for attempt := 0; attempt < persistRetries; attempt++ {
		if err = a.st.AppendMessage(ctx, msg); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	a.emitError(ctx, KindPersistence, "message append failed", err)
	return fmt.Errorf("agent: message append failed: %w", err)
}

// saveRecord persists a tool record with bounded retry and tracks it.
func (a *Agent) saveRecord(ctx context.Context, rec *models.ToolCallRecord) {
	a.mu.Lock()
	a.records[rec.ID] = rec
	a.mu.Unlock()

	var err error
	for attempt := 0; attempt < persistRetries; attempt++ {
		if err = a.st.SaveToolRecord(ctx, rec); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	a.emitError(ctx, KindPersistence, "tool record save failed", err)
}

// appendMessage persists msg, mirrors it in memory, fans out
// messages_changed, and runs the messagesChanged hook chain.
func (a *Agent) appendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AgentID == "" {
		msg.AgentID = a.id
	}
	if err := a.persistMessage(ctx, msg); err != nil {
		return err
	}
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	snapshot := append([]*models.Message(nil), a.messages...)
	a.mu.Unlock()

	a.emit(ctx, models.Event{Type: models.EventMessagesChanged})
	a.runMessageHooks(ctx, "messagesChanged", a.template.Hooks.MessagesChanged, snapshot)
	return nil
}

// currentMessages returns a shallow copy of the live message list.
func (a *Agent) currentMessages() []*models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*models.Message(nil), a.messages...)
}

// drainInbox removes and returns all queued inbox messages in order.
func (a *Agent) drainInbox() []*models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.inbox
	a.inbox = nil
	return out
}

func (a *Agent) record(callID string) *models.ToolCallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[callID]
}
