package events

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/moor/internal/observability"
	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/pkg/models"
)

func textEvent(text string) models.Event {
	return models.Event{Type: models.EventTextChunk, Text: &models.TextPayload{Delta: text}}
}

func collect(t *testing.T, sub *Subscription, n int) []models.EventEnvelope {
	t.Helper()
	var got []models.EventEnvelope
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(got), n)
			}
			got = append(got, env)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestEmitAppendsBeforeBroadcast(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bus := NewBus("a1", st)
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, []models.Channel{models.ChannelProgress}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	env, err := bus.Emit(ctx, models.ChannelProgress, textEvent("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if env.Seq != 1 {
		t.Errorf("seq = %d, want 1", env.Seq)
	}

	// the WAL already holds it
	persisted, err := st.ReadEvents(ctx, "a1", store.ReadOptions{Channel: models.ChannelProgress})
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Fatalf("persisted = %d events", len(persisted))
	}

	got := collect(t, sub, 1)
	if got[0].Seq != 1 || got[0].Event.Text.Delta != "hello" {
		t.Errorf("broadcast envelope: %+v", got[0])
	}
}

func TestSubscribeWithSinceReplaysThenTails(t *testing.T) {
	ctx := context.Background()
	bus := NewBus("a1", store.NewMemoryStore())
	defer bus.Close()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent(text)); err != nil {
			t.Fatal(err)
		}
	}

	since := uint64(1)
	sub, err := bus.Subscribe(ctx, []models.Channel{models.ChannelProgress}, SubscribeOptions{Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent("four")); err != nil {
		t.Fatal(err)
	}

	got := collect(t, sub, 3)
	for i, want := range []uint64{2, 3, 4} {
		if got[i].Seq != want {
			t.Errorf("event %d seq = %d, want %d", i, got[i].Seq, want)
		}
	}
}

func TestSubscribeWithoutSinceSkipsHistory(t *testing.T) {
	ctx := context.Background()
	bus := NewBus("a1", store.NewMemoryStore())
	defer bus.Close()

	if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent("old")); err != nil {
		t.Fatal(err)
	}
	sub, err := bus.Subscribe(ctx, []models.Channel{models.ChannelProgress}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent("new")); err != nil {
		t.Fatal(err)
	}

	got := collect(t, sub, 1)
	if got[0].Event.Text.Delta != "new" {
		t.Errorf("delivered %q, want only future events", got[0].Event.Text.Delta)
	}
}

func TestSlowSubscriberDropsOldestAndReportsLag(t *testing.T) {
	ctx := context.Background()
	bus := NewBus("a1", store.NewMemoryStore(), WithBufferSize(2))
	defer bus.Close()

	slow, err := bus.Subscribe(ctx, []models.Channel{models.ChannelProgress}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	monitor, err := bus.Subscribe(ctx, []models.Channel{models.ChannelMonitor}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// emitter never blocks even though nobody is draining the slow queue
	for _, text := range []string{"a", "b", "c", "d"} {
		if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent(text)); err != nil {
			t.Fatal(err)
		}
	}

	got := collect(t, slow, 2)
	if got[0].Event.Text.Delta != "c" || got[1].Event.Text.Delta != "d" {
		t.Errorf("oldest not dropped: %q, %q", got[0].Event.Text.Delta, got[1].Event.Text.Delta)
	}

	lag := collect(t, monitor, 1)
	if lag[0].Event.Type != models.EventSubscriberLag {
		t.Fatalf("monitor event = %s", lag[0].Event.Type)
	}
	if lag[0].Event.Lag == nil || lag[0].Event.Lag.Dropped == 0 || lag[0].Event.Lag.Channel != models.ChannelProgress {
		t.Errorf("lag payload: %+v", lag[0].Event.Lag)
	}
}

func TestEmitAndDropsAreCounted(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsWith(reg)
	bus := NewBus("a1", store.NewMemoryStore(), WithBufferSize(2), WithMetrics(m))
	defer bus.Close()

	// nobody drains this queue, so emissions past the buffer evict
	if _, err := bus.Subscribe(ctx, []models.Channel{models.ChannelProgress}, SubscribeOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"a", "b", "c", "d"} {
		if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent(text)); err != nil {
			t.Fatal(err)
		}
	}

	emitted := testutil.ToFloat64(m.EventsEmitted.WithLabelValues(string(models.ChannelProgress), string(models.EventTextChunk)))
	if emitted != 4 {
		t.Errorf("emitted = %v, want 4", emitted)
	}
	dropped := testutil.ToFloat64(m.EventsDropped.WithLabelValues(string(models.ChannelProgress)))
	if dropped == 0 {
		t.Error("evictions not counted")
	}
}

func TestOnFiltersEventType(t *testing.T) {
	ctx := context.Background()
	bus := NewBus("a1", store.NewMemoryStore())
	defer bus.Close()

	fired := make(chan models.EventEnvelope, 1)
	cancel, err := bus.On(ctx, models.EventToolEnd, func(env models.EventEnvelope) {
		fired <- env
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent("ignored")); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.EmitTyped(ctx, models.Event{
		Type: models.EventToolEnd,
		Tool: &models.ToolPayload{CallID: "c1", Name: "shell"},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-fired:
		if env.Event.Tool.CallID != "c1" {
			t.Errorf("handler saw %+v", env.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
}

func TestCancelClosesDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewBus("a1", store.NewMemoryStore())
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, nil, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sub.Cancel()
	if _, ok := <-sub.Events(); ok {
		t.Error("events channel open after cancel")
	}
	// emitting after cancel must not panic
	if _, err := bus.Emit(ctx, models.ChannelProgress, textEvent("late")); err != nil {
		t.Fatal(err)
	}
}
