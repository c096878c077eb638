package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/pkg/models"
)

// ResumeStrategy selects how durable state is reconciled on resume.
type ResumeStrategy string

const (
	// ResumeManual refuses to load non-terminal tool records.
	ResumeManual ResumeStrategy = "manual"

	// ResumeCrash seals non-terminal records and synthesizes tool_result
	// blocks so the model sees a consistent history.
	ResumeCrash ResumeStrategy = "crash"

	// ResumeTruncate discards unfinished turns back to the last clean
	// model boundary.
	ResumeTruncate ResumeStrategy = "truncate"
)

// Snapshot takes an immutable full-state dump on the actor (so no turn is
// mid-flight) and returns its id.
func (a *Agent) Snapshot(ctx context.Context) (string, error) {
	if a.closed() {
		return "", ErrClosed
	}
	type out struct {
		id  string
		err error
	}
	ch := make(chan out, 1)
	if !a.dispatch(func() {
		id, err := a.snapshotLocked(ctx)
		ch <- out{id, err}
	}) {
		return "", ErrClosed
	}
	select {
	case o := <-ch:
		return o.id, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Agent) snapshotLocked(ctx context.Context) (string, error) {
	a.mu.Lock()
	snap := &models.Snapshot{
		AgentID:    a.id,
		SnapshotID: uuid.NewString(),
		CreatedAt:  time.Now(),
		Template:   a.template.Spec.Clone(),
		LastSeq:    make(map[models.Channel]uint64, len(a.bookmarks)),
	}
	for _, m := range a.messages {
		snap.Messages = append(snap.Messages, m.Clone())
	}
	for ch, seq := range a.bookmarks {
		snap.LastSeq[ch] = seq
	}
	ids := make([]string, 0, len(a.records))
	for id := range a.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.ToolRecords = append(snap.ToolRecords, a.records[id].Clone())
	}
	a.mu.Unlock()
	snap.Todos = a.todos.GetTodos(ctx)
	snap.PendingPermissions = a.perms.pending()

	if err := a.st.SaveSnapshot(ctx, snap); err != nil {
		a.emitError(ctx, KindPersistence, "snapshot save failed", err)
		return "", err
	}
	a.emit(ctx, models.Event{
		Type:     models.EventSnapshotTaken,
		Snapshot: &models.SnapshotPayload{SnapshotID: snap.SnapshotID, Seq: snap.MaxSeq()},
	})
	a.saveMeta(ctx)
	return snap.SnapshotID, nil
}

// Resume reconstructs an agent from its durable state. Meta is consulted
// first; when it is missing or corrupt the newest readable snapshot plus
// event replay takes its place. Strategies reconcile in-flight tool calls.
func Resume(ctx context.Context, agentID string, tpl *Template, deps Deps, opts Options, strategy ResumeStrategy) (*Agent, error) {
	if strategy == "" {
		strategy = ResumeManual
	}
	a, err := newAgent(agentID, tpl, deps, opts)
	if err != nil {
		return nil, err
	}

	todos, bookmarks, err := a.loadResumeBase(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := a.st.LoadMessages(ctx, a.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrResumeCorruption, err)
	}
	recs, err := a.st.LoadToolRecords(ctx, a.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrResumeCorruption, err)
	}

	a.mu.Lock()
	a.messages = msgs
	for _, rec := range recs {
		a.records[rec.ID] = rec
	}
	for ch, seq := range bookmarks {
		a.bookmarks[ch] = seq
	}
	a.mu.Unlock()
	a.todos.load(todos)

	var sealed []string
	switch strategy {
	case ResumeManual:
		if ids := a.nonTerminalRecords(); len(ids) > 0 {
			return nil, ErrUnsealedRecords
		}
	case ResumeCrash:
		sealed, err = a.sealInFlight(ctx)
		if err != nil {
			return nil, err
		}
	case ResumeTruncate:
		a.truncateUnfinished()
		for _, id := range a.nonTerminalRecords() {
			rec := a.record(id)
			if rec.Seal() {
				a.saveRecord(ctx, rec)
			}
		}
	default:
		return nil, fmt.Errorf("agent: unknown resume strategy %q", strategy)
	}

	a.start()
	a.emit(ctx, models.Event{
		Type:   models.EventAgentResumed,
		Resume: &models.ResumePayload{Strategy: string(strategy), Sealed: sealed},
	})
	a.saveMeta(ctx)
	return a, nil
}

// loadResumeBase resolves todos and bookmarks from meta, falling back to
// the newest snapshot plus event replay when meta is unreadable.
func (a *Agent) loadResumeBase(ctx context.Context) ([]*models.Todo, map[models.Channel]uint64, error) {
	meta, err := a.st.LoadMeta(ctx, a.id)
	if err == nil {
		return meta.Todos, meta.Bookmarks, nil
	}
	if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrCorrupt) {
		return nil, nil, fmt.Errorf("%w: %v", ErrResumeCorruption, err)
	}
	metaErr := err

	snap, err := a.st.LatestSnapshot(ctx, a.id)
	if errors.Is(err, store.ErrNotFound) {
		if errors.Is(metaErr, store.ErrCorrupt) {
			return nil, nil, fmt.Errorf("%w: meta corrupt and no snapshot", ErrResumeCorruption)
		}
		// Fresh store: nothing durable yet.
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrResumeCorruption, err)
	}

	// Replay past the snapshot to recover the live bookmarks.
	bookmarks := make(map[models.Channel]uint64, len(snap.LastSeq))
	for ch, seq := range snap.LastSeq {
		bookmarks[ch] = seq
	}
	for _, ch := range models.Channels() {
		replay, err := a.st.ReadEvents(ctx, a.id, store.ReadOptions{Channel: ch, Since: bookmarks[ch]})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrResumeCorruption, err)
		}
		for _, env := range replay {
			if env.Seq > bookmarks[ch] {
				bookmarks[ch] = env.Seq
			}
		}
	}
	return snap.Todos, bookmarks, nil
}

func (a *Agent) nonTerminalRecords() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for id, rec := range a.records {
		if !rec.State.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// sealInFlight seals every non-terminal record and appends one synthetic
// user message pairing each sealed call with an error tool_result.
func (a *Agent) sealInFlight(ctx context.Context) ([]string, error) {
	ids := a.nonTerminalRecords()
	if len(ids) == 0 {
		return nil, nil
	}
	var blocks []models.Block
	for _, id := range ids {
		rec := a.record(id)
		if !rec.Seal() {
			continue
		}
		a.saveRecord(ctx, rec)
		blocks = append(blocks, models.ToolResultBlock(rec.ID, rec.Outcome.Error, true))
	}
	if len(blocks) == 0 {
		return ids, nil
	}
	msg := &models.Message{
		AgentID:   a.id,
		Role:      models.RoleUser,
		Blocks:    blocks,
		CreatedAt: time.Now(),
	}
	if err := a.appendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return ids, nil
}

// truncateUnfinished trims the in-memory message list back to the last
// prefix in which every tool_use has a paired tool_result. The durable log
// is left intact; the trimmed view governs future turns and snapshots.
func (a *Agent) truncateUnfinished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.messages
	for len(msgs) > 0 && len(unpairedToolUses(msgs)) > 0 {
		msgs = msgs[:len(msgs)-1]
	}
	a.messages = msgs
}

// unpairedToolUses returns tool_use ids with no matching tool_result.
func unpairedToolUses(msgs []*models.Message) []string {
	paired := make(map[string]bool)
	var order []string
	for _, m := range msgs {
		for _, b := range m.Blocks {
			switch b.Type {
			case models.BlockToolUse:
				if _, seen := paired[b.ID]; !seen {
					paired[b.ID] = false
					order = append(order, b.ID)
				}
			case models.BlockToolResult:
				paired[b.ToolUseID] = true
			}
		}
	}
	var missing []string
	for _, id := range order {
		if !paired[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// Fork creates a new agent with a fresh identity whose messages, todos, and
// tool records are deep-copied from this agent's current state. In-flight
// tool calls are sealed in the fork; the fork's event log starts fresh.
func (a *Agent) Fork(ctx context.Context) (*Agent, error) {
	if a.closed() {
		return nil, ErrClosed
	}
	newID := uuid.NewString()
	child, err := newAgent(newID, a.template, a.deps, a.opts)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	msgs := make([]*models.Message, 0, len(a.messages))
	for _, m := range a.messages {
		msgs = append(msgs, m.Clone())
	}
	recs := make([]*models.ToolCallRecord, 0, len(a.records))
	ids := make([]string, 0, len(a.records))
	for id := range a.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		recs = append(recs, a.records[id].Clone())
	}
	a.mu.Unlock()
	todos := a.todos.GetTodos(ctx)

	for _, m := range msgs {
		m.AgentID = newID
		if err := child.st.AppendMessage(ctx, m); err != nil {
			return nil, err
		}
		child.messages = append(child.messages, m)
	}
	var sealedBlocks []models.Block
	for _, rec := range recs {
		rec.AgentID = newID
		if !rec.State.Terminal() && rec.Seal() {
			sealedBlocks = append(sealedBlocks, models.ToolResultBlock(rec.ID, rec.Outcome.Error, true))
		}
		child.records[rec.ID] = rec
		if err := child.st.SaveToolRecord(ctx, rec); err != nil {
			return nil, err
		}
	}
	child.todos.load(todos)
	child.start()

	if len(sealedBlocks) > 0 {
		msg := &models.Message{
			AgentID:   newID,
			Role:      models.RoleUser,
			Blocks:    sealedBlocks,
			CreatedAt: time.Now(),
		}
		if err := child.appendMessage(ctx, msg); err != nil {
			return nil, err
		}
	}
	child.saveMeta(ctx)

	a.emit(ctx, models.Event{
		Type: models.EventAgentForked,
		Room: &models.RoomPayload{AgentID: newID},
	})
	return child, nil
}

// DelegateRequest describes a one-shot sub-agent task.
type DelegateRequest struct {
	TemplateID string
	Prompt     string
	Tools      []string
}

// DelegateResult is the sub-agent's terminal reply.
type DelegateResult struct {
	Status string
	Text   string
}

// DelegateTask spins up a sub-agent from a registered template, runs one
// chat, and disposes it. The parent's subagent runtime config gates which
// templates may be used and how deep delegation may nest.
func (a *Agent) DelegateTask(ctx context.Context, req DelegateRequest) (*DelegateResult, error) {
	if a.deps.Templates == nil {
		return nil, fmt.Errorf("agent: no template registry configured")
	}
	rt := a.template.Spec.Runtime.Subagents
	if rt == nil {
		return nil, fmt.Errorf("agent: delegation is not enabled for this template")
	}
	maxDepth := rt.Depth
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if a.depth >= maxDepth {
		return nil, fmt.Errorf("agent: delegation depth %d exceeded", maxDepth)
	}
	if len(rt.Templates) > 0 {
		allowed := false
		for _, id := range rt.Templates {
			if id == req.TemplateID {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("agent: template %q is not in the delegation allow-list", req.TemplateID)
		}
	}
	tpl, ok := a.deps.Templates.Get(req.TemplateID)
	if !ok {
		return nil, fmt.Errorf("agent: unknown template %q", req.TemplateID)
	}
	if len(req.Tools) > 0 {
		spec := tpl.Spec.Clone()
		spec.Tools = req.Tools
		tpl = &Template{Spec: spec, Hooks: tpl.Hooks}
	}

	childID := a.id + "/" + uuid.NewString()
	child, err := New(ctx, childID, tpl, a.deps, a.opts)
	if err != nil {
		return nil, err
	}
	child.depth = a.depth + 1
	defer child.Dispose()

	res, err := child.Chat(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	return &DelegateResult{Status: res.Status, Text: res.Text}, nil
}

// TemplateRegistry holds agent templates by id. Read-mostly after startup.
type TemplateRegistry struct {
	mu   sync.RWMutex
	byID map[string]*Template
}

// NewTemplateRegistry returns an empty template registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{byID: make(map[string]*Template)}
}

// Register adds a template, failing on duplicate or missing ids.
func (r *TemplateRegistry) Register(tpl *Template) error {
	if tpl == nil || tpl.Spec == nil || tpl.Spec.ID == "" {
		return fmt.Errorf("agent: template id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[tpl.Spec.ID]; exists {
		return fmt.Errorf("agent: template %q already registered", tpl.Spec.ID)
	}
	r.byID[tpl.Spec.ID] = tpl
	return nil
}

// Get returns a template by id.
func (r *TemplateRegistry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.byID[id]
	return tpl, ok
}

// IDs returns registered template ids in sorted order.
func (r *TemplateRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
