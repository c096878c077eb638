package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/moor/internal/events"
	"github.com/haasonsaas/moor/internal/provider"
	"github.com/haasonsaas/moor/internal/schedule"
	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/internal/tools"
	"github.com/haasonsaas/moor/pkg/models"
)

func testTemplate(perm *models.PermissionConfig) *Template {
	return &Template{Spec: &models.TemplateSpec{
		ID:           "test-template",
		SystemPrompt: "You are a test agent.",
		Permission:   perm,
	}}
}

// testRegistry holds the tools the scenarios exercise. wrote flips when
// fs_write runs, so denial tests can assert nothing was written.
func testRegistry(t *testing.T, wrote *atomic.Bool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	mustRegister := func(tool tools.ToolInstance) {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	mustRegister(tools.New("always_ok").
		Description("echoes its input").
		Schema(json.RawMessage(`{"type":"object"}`)).
		Handler(func(ctx context.Context, args json.RawMessage, tc *tools.ExecContext) (*models.ToolOutcome, error) {
			return tools.Ok(`{"echo":"ping"}`), nil
		}).MustBuild())
	mustRegister(tools.New("fs_write").
		Description("writes a file").
		Mutates().
		Schema(json.RawMessage(`{"type":"object"}`)).
		Handler(func(ctx context.Context, args json.RawMessage, tc *tools.ExecContext) (*models.ToolOutcome, error) {
			if wrote != nil {
				wrote.Store(true)
			}
			return tools.Ok("written"), nil
		}).MustBuild())
	mustRegister(tools.New("strict").
		Description("requires a path argument").
		Schema(json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"],"additionalProperties":false}`)).
		Handler(func(ctx context.Context, args json.RawMessage, tc *tools.ExecContext) (*models.ToolOutcome, error) {
			return tools.Ok("ok"), nil
		}).MustBuild())
	mustRegister(tools.New("slow").
		Description("blocks until cancelled").
		Timeout(30*time.Millisecond).
		Handler(func(ctx context.Context, args json.RawMessage, tc *tools.ExecContext) (*models.ToolOutcome, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return tools.Ok("too late"), nil
			}
		}).MustBuild())
	return reg
}

func newTestAgent(t *testing.T, fake provider.ModelProvider, tpl *Template, opts Options, wrote *atomic.Bool) *Agent {
	t.Helper()
	a, err := New(context.Background(), "", tpl, Deps{
		Store:    store.NewMemoryStore(),
		Provider: fake,
		Registry: testRegistry(t, wrote),
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Dispose)
	return a
}

func subscribeAll(t *testing.T, a *Agent) *events.Subscription {
	t.Helper()
	sub, err := a.Subscribe(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sub.Cancel)
	return sub
}

// drain collects every event already delivered, without blocking.
func drain(sub *events.Subscription) []models.EventEnvelope {
	var out []models.EventEnvelope
	for {
		select {
		case env := <-sub.Events():
			out = append(out, env)
		default:
			return out
		}
	}
}

// collectUntil reads events until one of the given type arrives.
func collectUntil(t *testing.T, sub *events.Subscription, typ models.EventType) []models.EventEnvelope {
	t.Helper()
	var out []models.EventEnvelope
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-sub.Events():
			out = append(out, env)
			if env.Event.Type == typ {
				return out
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline; saw %v", typ, eventTypes(out))
		}
	}
}

func eventTypes(envs []models.EventEnvelope) []models.EventType {
	var out []models.EventType
	for _, env := range envs {
		out = append(out, env.Event.Type)
	}
	return out
}

func progressTypes(envs []models.EventEnvelope) []models.EventType {
	var out []models.EventType
	for _, env := range envs {
		if env.Channel == models.ChannelProgress {
			out = append(out, env.Event.Type)
		}
	}
	return out
}

func TestChatHappyPathText(t *testing.T) {
	fake := provider.NewFake(fakeText("Hello"))
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || res.Text != "Hello" {
		t.Fatalf("chat result: %+v", res)
	}

	got := progressTypes(drain(sub))
	want := []models.EventType{
		models.EventTextChunkStart,
		models.EventTextChunk,
		models.EventTextChunkEnd,
		models.EventDone,
	}
	if len(got) != len(want) {
		t.Fatalf("progress events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func fakeText(text string) provider.FakeTurn {
	return provider.FakeTurn{Blocks: []models.Block{models.TextBlock(text)}}
}

func fakeToolUse(id, name, input string) provider.FakeTurn {
	return provider.FakeTurn{Blocks: []models.Block{
		models.ToolUseBlock(id, name, json.RawMessage(input)),
	}}
}

func TestChatToolSuccess(t *testing.T) {
	fake := provider.NewFake(
		fakeToolUse("c1", "always_ok", `{"value":"ping"}`),
		fakeText("done"),
	)
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "run the tool")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || res.Text != "done" {
		t.Fatalf("chat result: %+v", res)
	}

	progress := progressTypes(drain(sub))
	var start, end, textEnd, done int = -1, -1, -1, -1
	for i, typ := range progress {
		switch typ {
		case models.EventToolStart:
			start = i
		case models.EventToolEnd:
			end = i
		case models.EventTextChunkEnd:
			textEnd = i
		case models.EventDone:
			done = i
		case models.EventToolError:
			t.Fatalf("unexpected tool:error in %v", progress)
		}
	}
	if start < 0 || end < start || textEnd < end || done < textEnd {
		t.Fatalf("progress order: %v", progress)
	}

	msgs := a.currentMessages()
	var paired bool
	for _, m := range msgs {
		for _, b := range m.ToolResults() {
			if b.ToolUseID == "c1" && !b.IsError {
				paired = true
			}
		}
	}
	if !paired {
		t.Fatalf("no tool_result for c1 in %d messages", len(msgs))
	}
	assertToolPairing(t, msgs)
}

// assertToolPairing checks the tool_use/tool_result pairing invariant.
func assertToolPairing(t *testing.T, msgs []*models.Message) {
	t.Helper()
	if missing := unpairedToolUses(msgs); len(missing) > 0 {
		t.Fatalf("unpaired tool_use ids: %v", missing)
	}
}

func TestChatPermissionDeny(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{"path":"a.txt"}`),
		fakeText("understood"),
	)
	tpl := testTemplate(&models.PermissionConfig{
		Mode:                 models.PermissionApproval,
		RequireApprovalTools: []string{"fs_write"},
	})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "write the file")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPaused || len(res.PermissionIDs) != 1 {
		t.Fatalf("chat result: %+v", res)
	}
	callID := res.PermissionIDs[0]

	pre := drain(sub)
	var sawRequired bool
	for _, env := range pre {
		if env.Event.Type == models.EventPermissionRequired {
			if env.Event.Permission.CallID != callID {
				t.Errorf("permission_required call id %s, want %s", env.Event.Permission.CallID, callID)
			}
			sawRequired = true
		}
	}
	if !sawRequired {
		t.Fatalf("no permission_required event in %v", eventTypes(pre))
	}

	if err := a.Decide(context.Background(), callID, false, "not today"); err != nil {
		t.Fatal(err)
	}
	post := collectUntil(t, sub, models.EventDone)

	var sawDecided, sawToolEndError bool
	for _, env := range post {
		switch env.Event.Type {
		case models.EventPermissionDecided:
			if env.Event.Permission.Decision != "deny" {
				t.Errorf("decision = %s", env.Event.Permission.Decision)
			}
			sawDecided = true
		case models.EventToolEnd:
			if env.Event.Tool.IsError {
				sawToolEndError = true
			}
		}
	}
	if !sawDecided || !sawToolEndError {
		t.Fatalf("decided=%v toolEndError=%v in %v", sawDecided, sawToolEndError, eventTypes(post))
	}
	if wrote.Load() {
		t.Error("fs_write executed despite denial")
	}

	rec := a.record(callID)
	if rec == nil || rec.State != models.CallCompleted || rec.Outcome.OK {
		t.Fatalf("record after deny: %+v", rec)
	}
	assertToolPairing(t, a.currentMessages())
}

func TestDecideIsIdempotent(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("ok"),
	)
	tpl := testTemplate(&models.PermissionConfig{
		Mode:                 models.PermissionApproval,
		RequireApprovalTools: []string{"fs_write"},
	})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "go")
	if err != nil || res.Status != StatusPaused {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	id := res.PermissionIDs[0]

	if err := a.Decide(context.Background(), id, false, ""); err != nil {
		t.Fatal(err)
	}
	collectUntil(t, sub, models.EventDone)
	if err := a.Decide(context.Background(), id, true, "changed my mind"); err != nil {
		t.Fatal(err)
	}

	// the repeat decide must produce no new events
	time.Sleep(50 * time.Millisecond)
	decided := 0
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventPermissionDecided {
			decided++
		}
	}
	if decided != 0 {
		t.Errorf("repeat decide produced %d permission_decided events", decided)
	}
	if wrote.Load() {
		t.Error("late allow executed the tool")
	}
}

func TestDecideDuringBatchStashResumes(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		provider.FakeTurn{Blocks: []models.Block{
			models.ToolUseBlock("c1", "fs_write", json.RawMessage(`{"path":"a.txt"}`)),
			models.ToolUseBlock("c2", "slow", json.RawMessage(`{}`)),
		}},
		fakeText("resumed"),
		fakeText("done"),
	)
	tpl := testTemplate(&models.PermissionConfig{
		Mode:                 models.PermissionApproval,
		RequireApprovalTools: []string{"fs_write"},
	})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	// Answer the prompt the instant it appears. The slow tool keeps the
	// batch busy after the prompt, so the decision lands before the
	// suspension is parked; it must not be lost to the idempotency guard.
	cancel, err := a.On(context.Background(), models.EventPermissionRequired, func(env models.EventEnvelope) {
		if err := a.Decide(context.Background(), env.Event.Permission.CallID, true, "go ahead"); err != nil {
			t.Errorf("decide: %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	res, err := a.Chat(context.Background(), "write it")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPaused || len(res.PermissionIDs) != 1 {
		t.Fatalf("chat result: %+v", res)
	}

	collectUntil(t, sub, models.EventDone)
	if !wrote.Load() {
		t.Error("approved tool never executed")
	}
	rec := a.record("c1")
	if rec == nil || rec.State != models.CallCompleted || !rec.Outcome.OK {
		t.Fatalf("record: %+v", rec)
	}
	assertToolPairing(t, a.currentMessages())

	// the resumed turn releases the writer slot shortly after done
	for i := 0; a.Status().Busy && i < 200; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if res, err := a.Chat(context.Background(), "again"); err != nil || res.Status != StatusOK {
		t.Fatalf("follow-up chat: %+v, %v", res, err)
	}
}

func TestDecideUnknownCallRejected(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("ok"),
	)
	tpl := testTemplate(&models.PermissionConfig{
		Mode:                 models.PermissionApproval,
		RequireApprovalTools: []string{"fs_write"},
	})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	// c1 has not been registered yet
	if err := a.Decide(context.Background(), "c1", false, "premature"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("decide unknown id error = %v, want ErrUnknownCall", err)
	}
	time.Sleep(20 * time.Millisecond)
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventPermissionDecided {
			t.Fatal("rejected decide emitted permission_decided")
		}
	}

	// the rejected decide must not poison the real registration
	res, err := a.Chat(context.Background(), "write")
	if err != nil || res.Status != StatusPaused {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	if err := a.Decide(context.Background(), res.PermissionIDs[0], true, ""); err != nil {
		t.Fatal(err)
	}
	collectUntil(t, sub, models.EventDone)
	if !wrote.Load() {
		t.Error("allowed tool never executed")
	}
}

func TestReadOnlyModeDeniesMutatingTools(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("fine"),
	)
	tpl := testTemplate(&models.PermissionConfig{Mode: models.PermissionReadOnly})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "write")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Fatalf("chat result: %+v", res)
	}
	if wrote.Load() {
		t.Error("mutating tool ran in readOnly mode")
	}
	rec := a.record("c1")
	if rec.State != models.CallCompleted || rec.Outcome.OK {
		t.Fatalf("record: %+v", rec)
	}

	var kinds []string
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventError {
			kinds = append(kinds, env.Event.Error.Kind)
		}
	}
	if len(kinds) == 0 || kinds[0] != KindPermissionDenied {
		t.Errorf("error kinds: %v", kinds)
	}
}

func TestPlanModeQueuesWithoutExecuting(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("planned"),
	)
	tpl := testTemplate(&models.PermissionConfig{Mode: models.PermissionPlan})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)

	res, err := a.Chat(context.Background(), "plan it")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	if wrote.Load() {
		t.Error("tool ran in plan mode")
	}
	if planned := a.PlannedCalls(); len(planned) != 1 || planned[0] != "c1" {
		t.Errorf("planned calls: %v", planned)
	}
}

func TestPromotePlannedRunsAfterApproval(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{"path":"plan.txt"}`),
		fakeText("planned"),
		fakeText("carried out"),
	)
	tpl := testTemplate(&models.PermissionConfig{Mode: models.PermissionPlan})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "plan it")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	if planned := a.PlannedCalls(); len(planned) != 1 || planned[0] != "c1" {
		t.Fatalf("planned calls: %v", planned)
	}
	drain(sub)

	newID, err := a.PromotePlanned(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if newID == "" || newID == "c1" {
		t.Fatalf("promoted id %q", newID)
	}
	if got := a.PlannedCalls(); len(got) != 0 {
		t.Errorf("planned queue after promote: %v", got)
	}

	var sawRequired bool
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventPermissionRequired && env.Event.Permission.CallID == newID {
			sawRequired = true
		}
	}
	if !sawRequired {
		t.Fatal("no permission_required for the promoted call")
	}

	if err := a.Decide(context.Background(), newID, true, "approved"); err != nil {
		t.Fatal(err)
	}
	envs := collectUntil(t, sub, models.EventToolExecuted)
	for _, env := range envs {
		if env.Event.Type == models.EventToolEnd && env.Event.Tool.CallID == newID && env.Event.Tool.IsError {
			t.Errorf("promoted call ended in error: %+v", env.Event.Tool.Outcome)
		}
	}
	if !wrote.Load() {
		t.Error("promoted tool never executed")
	}
	rec := a.record(newID)
	if rec == nil || rec.State != models.CallCompleted || !rec.Outcome.OK {
		t.Fatalf("promoted record: %+v", rec)
	}

	// a consumed id cannot be promoted twice
	if _, err := a.PromotePlanned(context.Background(), "c1"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("second promote error = %v, want ErrUnknownCall", err)
	}

	// the outcome reaches the model as a reminder on the next turn
	if res, err := a.Chat(context.Background(), "status?"); err != nil || res.Status != StatusOK {
		t.Fatalf("follow-up chat: %+v, %v", res, err)
	}
	var reminder bool
	for _, m := range a.currentMessages() {
		if m.IsReminder() && strings.Contains(m.Blocks[0].Text, "fs_write") {
			reminder = true
		}
	}
	if !reminder {
		t.Error("promoted outcome not delivered as a reminder")
	}
}

func TestPromotePlannedDenied(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("planned"),
	)
	tpl := testTemplate(&models.PermissionConfig{Mode: models.PermissionPlan})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	if res, err := a.Chat(context.Background(), "plan it"); err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	newID, err := a.PromotePlanned(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	// clear the plan-queue events so the wait below sees the promotion only
	drain(sub)
	if err := a.Decide(context.Background(), newID, false, "still no"); err != nil {
		t.Fatal(err)
	}
	collectUntil(t, sub, models.EventToolExecuted)

	if wrote.Load() {
		t.Error("denied promotion executed the tool")
	}
	rec := a.record(newID)
	if rec == nil || rec.State != models.CallCompleted || rec.Outcome.OK {
		t.Fatalf("record after denied promotion: %+v", rec)
	}
}

func TestDecisionTimeoutAppliesDefaultDeny(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("moving on"),
	)
	tpl := testTemplate(&models.PermissionConfig{
		Mode:                 models.PermissionApproval,
		RequireApprovalTools: []string{"fs_write"},
	})
	a := newTestAgent(t, fake, tpl, Options{DecisionTimeout: 50 * time.Millisecond}, &wrote)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "write")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Fatalf("chat result: %+v", res)
	}
	if wrote.Load() {
		t.Error("tool ran without a decision")
	}

	var sawRequired, sawDecided bool
	for _, env := range drain(sub) {
		switch env.Event.Type {
		case models.EventPermissionRequired:
			sawRequired = true
		case models.EventPermissionDecided:
			sawDecided = true
			if env.Event.Permission.Decision != "deny" {
				t.Errorf("decision = %s", env.Event.Permission.Decision)
			}
		}
	}
	if !sawRequired || !sawDecided {
		t.Errorf("required=%v decided=%v", sawRequired, sawDecided)
	}
}

func TestSchemaValidationFailure(t *testing.T) {
	fake := provider.NewFake(
		fakeToolUse("c1", "strict", `{"wrong":"field"}`),
		fakeText("noted"),
	)
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "go")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}

	rec := a.record("c1")
	if rec.State != models.CallCompleted || rec.Outcome.OK || !rec.Outcome.ValidationError {
		t.Fatalf("record: %+v outcome: %+v", rec, rec.Outcome)
	}

	var sawToolError bool
	var kinds []string
	for _, env := range drain(sub) {
		switch env.Event.Type {
		case models.EventToolError:
			sawToolError = true
		case models.EventError:
			kinds = append(kinds, env.Event.Error.Kind)
		}
	}
	if !sawToolError {
		t.Error("no tool:error event")
	}
	if len(kinds) == 0 || kinds[0] != KindToolValidation {
		t.Errorf("error kinds: %v", kinds)
	}
}

func TestToolTimeout(t *testing.T) {
	fake := provider.NewFake(
		fakeToolUse("c1", "slow", `{}`),
		fakeText("gave up"),
	)
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "go slow")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	rec := a.record("c1")
	if rec.Outcome.OK || rec.Outcome.Error != "timeout" {
		t.Fatalf("outcome: %+v", rec.Outcome)
	}
	var kinds []string
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventError {
			kinds = append(kinds, env.Event.Error.Kind)
		}
	}
	if len(kinds) == 0 || kinds[0] != KindToolTimeout {
		t.Errorf("error kinds: %v", kinds)
	}
}

func TestMaxToolRoundsExceeded(t *testing.T) {
	fake := provider.NewFake(
		fakeToolUse("c1", "always_ok", `{}`),
		fakeToolUse("c2", "always_ok", `{}`),
	)
	a := newTestAgent(t, fake, testTemplate(nil), Options{MaxToolRounds: 2}, nil)

	res, err := a.Chat(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError {
		t.Fatalf("chat result: %+v", res)
	}
}

func TestChatSingleWriter(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("ok"),
	)
	tpl := testTemplate(&models.PermissionConfig{
		Mode:                 models.PermissionApproval,
		RequireApprovalTools: []string{"fs_write"},
	})
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "first")
	if err != nil || res.Status != StatusPaused {
		t.Fatalf("chat: %+v, %v", res, err)
	}

	// paused turn still holds the writer slot
	if _, err := a.Chat(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second chat error = %v, want ErrBusy", err)
	}

	if err := a.Decide(context.Background(), res.PermissionIDs[0], true, ""); err != nil {
		t.Fatal(err)
	}
	collectUntil(t, sub, models.EventDone)
	if !wrote.Load() {
		t.Error("allowed tool never executed")
	}
}

func TestSchedulerReminderEntersNextTurn(t *testing.T) {
	fake := provider.NewFake(fakeText("one"), fakeText("two"), fakeText("three"))
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)

	a.Schedule().EverySteps(2, func(schedule.Fire) {
		a.Send("tick", models.KindReminder)
	})

	ctx := context.Background()
	for _, prompt := range []string{"first", "second"} {
		if res, err := a.Chat(ctx, prompt); err != nil || res.Status != StatusOK {
			t.Fatalf("chat %q: %+v, %v", prompt, res, err)
		}
	}
	res, err := a.Chat(ctx, "third")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("third chat: %+v, %v", res, err)
	}

	msgs := a.currentMessages()
	var reminder *models.Message
	for _, m := range msgs {
		if m.IsReminder() {
			reminder = m
		}
	}
	if reminder == nil {
		t.Fatal("no reminder message appended")
	}
	if reminder.Blocks[0].Text != "tick" || reminder.Blocks[0].Type != models.BlockSystemReminder {
		t.Fatalf("reminder block: %+v", reminder.Blocks[0])
	}
	// the reminder must precede the third user message in the log
	thirdIdx, remIdx := -1, -1
	for i, m := range msgs {
		if m.Role == models.RoleUser && m.Text() == "third" {
			thirdIdx = i
		}
		if m.IsReminder() {
			remIdx = i
		}
	}
	if remIdx < 0 || thirdIdx < remIdx {
		t.Fatalf("reminder at %d, third user message at %d", remIdx, thirdIdx)
	}
}

func TestMentionDeliveredThroughInbox(t *testing.T) {
	fake := provider.NewFake(fakeText("hello back"))
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)

	a.SendMention("planner", "hello @dev")
	res, err := a.Chat(context.Background(), "")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}

	msgs := a.currentMessages()
	if len(msgs) < 1 {
		t.Fatal("no messages")
	}
	first := msgs[0]
	if first.Text() != "hello @dev" {
		t.Fatalf("first message text %q", first.Text())
	}
	if first.Metadata["kind"] != string(models.KindMention) || first.Metadata["sender"] != "planner" {
		t.Fatalf("mention metadata: %+v", first.Metadata)
	}
}

func TestPreModelHookHalts(t *testing.T) {
	fake := provider.NewFake(fakeText("never reached"))
	tpl := testTemplate(nil)
	tpl.Hooks.PreModel = []MessageHook{
		func(ctx context.Context, msgs []*models.Message) (*HookAction, error) {
			return &HookAction{Halt: true, Reason: "blocked by policy"}, nil
		},
	}
	a := newTestAgent(t, fake, tpl, Options{}, nil)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError || res.Detail != "blocked by policy" {
		t.Fatalf("chat result: %+v", res)
	}
	var sawHalted bool
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventAgentHalted {
			sawHalted = true
		}
	}
	if !sawHalted {
		t.Error("no agent_halted event")
	}
	if calls := fake.Calls(); calls != 0 {
		t.Errorf("provider called %d times after halt", calls)
	}
}

func TestHookErrorDoesNotHalt(t *testing.T) {
	fake := provider.NewFake(fakeText("fine"))
	tpl := testTemplate(nil)
	tpl.Hooks.PreModel = []MessageHook{
		func(ctx context.Context, msgs []*models.Message) (*HookAction, error) {
			return nil, errors.New("hook exploded")
		},
	}
	a := newTestAgent(t, fake, tpl, Options{}, nil)
	sub := subscribeAll(t, a)

	res, err := a.Chat(context.Background(), "hi")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	var sawHookError bool
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventError && env.Event.Error.Kind == KindHookError {
			sawHookError = true
		}
	}
	if !sawHookError {
		t.Error("hook failure not reported")
	}
}

func TestPreToolUseHookSkips(t *testing.T) {
	var wrote atomic.Bool
	fake := provider.NewFake(
		fakeToolUse("c1", "fs_write", `{}`),
		fakeText("skipped"),
	)
	tpl := testTemplate(nil)
	tpl.Hooks.PreToolUse = []ToolHook{
		func(ctx context.Context, call *models.ToolCallRecord) (*ToolAction, error) {
			return &ToolAction{Skip: true, Outcome: tools.Ok("cached result")}, nil
		},
	}
	a := newTestAgent(t, fake, tpl, Options{}, &wrote)

	res, err := a.Chat(context.Background(), "go")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	if wrote.Load() {
		t.Error("skipped tool still executed")
	}
	rec := a.record("c1")
	if rec.State != models.CallCompleted || rec.Outcome.Content != "cached result" {
		t.Fatalf("record: %+v outcome %+v", rec, rec.Outcome)
	}
}

func TestPostToolUseHookReplacesOutcome(t *testing.T) {
	fake := provider.NewFake(
		fakeToolUse("c1", "always_ok", `{}`),
		fakeText("redacted"),
	)
	tpl := testTemplate(nil)
	tpl.Hooks.PostToolUse = []ToolHook{
		func(ctx context.Context, call *models.ToolCallRecord) (*ToolAction, error) {
			return &ToolAction{Outcome: tools.Ok("[redacted]")}, nil
		},
	}
	a := newTestAgent(t, fake, tpl, Options{}, nil)

	res, err := a.Chat(context.Background(), "go")
	if err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	rec := a.record("c1")
	if rec.Outcome.Content != "[redacted]" {
		t.Fatalf("outcome: %+v", rec.Outcome)
	}
	var result string
	for _, m := range a.currentMessages() {
		for _, b := range m.ToolResults() {
			result = b.Content
		}
	}
	if result != "[redacted]" {
		t.Errorf("tool_result content %q", result)
	}
}

func TestProviderErrorRetriesOnceThenSurfaces(t *testing.T) {
	fake := provider.NewFake(
		provider.FakeTurn{Err: errors.New("429 too many requests")},
		fakeText("recovered"),
	)
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)

	res, err := a.Chat(context.Background(), "hi")
	if err != nil || res.Status != StatusOK || res.Text != "recovered" {
		t.Fatalf("chat: %+v, %v", res, err)
	}

	fatal := provider.NewFake(provider.FakeTurn{Err: errors.New("401 unauthorized")})
	b := newTestAgent(t, fatal, testTemplate(nil), Options{}, nil)
	res, err = b.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError {
		t.Fatalf("chat result: %+v", res)
	}
	if fatal.Calls() != 1 {
		t.Errorf("non-retryable error called provider %d times", fatal.Calls())
	}
}

func TestThinkingExposure(t *testing.T) {
	turn := provider.FakeTurn{Blocks: []models.Block{
		models.ReasoningBlock("pondering", ""),
		models.TextBlock("answer"),
	}}
	exposed := newTestAgent(t, provider.NewFake(turn), testTemplate(nil), Options{ExposeThinking: true, RetainThinking: true}, nil)
	sub := subscribeAll(t, exposed)
	if res, err := exposed.Chat(context.Background(), "think"); err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %v", err)
	}
	var thinks int
	for _, env := range drain(sub) {
		if env.Event.Type == models.EventThinkChunk {
			thinks++
		}
	}
	if thinks == 0 {
		t.Error("thinking not exposed")
	}

	hidden := newTestAgent(t, provider.NewFake(turn), testTemplate(nil), Options{}, nil)
	hsub := subscribeAll(t, hidden)
	if res, err := hidden.Chat(context.Background(), "think"); err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %v", err)
	}
	for _, env := range drain(hsub) {
		if env.Event.Type == models.EventThinkChunk || env.Event.Type == models.EventThinkChunkStart {
			t.Fatalf("thinking leaked: %v", env.Event.Type)
		}
	}
	// default options drop reasoning from the durable log
	for _, m := range hidden.currentMessages() {
		for _, b := range m.Blocks {
			if b.Type == models.BlockReasoning {
				t.Error("reasoning block persisted without RetainThinking")
			}
		}
	}
}

func TestStatusReportsBookmarksAndInFlight(t *testing.T) {
	fake := provider.NewFake(fakeText("hi"))
	a := newTestAgent(t, fake, testTemplate(nil), Options{}, nil)
	if res, err := a.Chat(context.Background(), "hello"); err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %v", err)
	}
	st := a.Status()
	if st.AgentID != a.ID() {
		t.Errorf("agent id %s", st.AgentID)
	}
	if st.LastBookmarks[models.ChannelProgress] == 0 {
		t.Error("progress bookmark not tracked")
	}
	if st.Busy {
		t.Error("idle agent reported busy")
	}
	if len(st.InFlight) != 0 {
		t.Errorf("in flight: %v", st.InFlight)
	}
}
