package store

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/moor/internal/observability"
	"github.com/haasonsaas/moor/pkg/models"
)

func TestInstrumentedStoreCountsOperations(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsWith(reg)
	st := NewInstrumented(NewMemoryStore(), "memory", m)
	defer st.Close()

	if err := st.AppendMessage(ctx, models.NewUserText("a1", "hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := st.LoadMessages(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.LoadMeta(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load missing meta err = %v, want ErrNotFound", err)
	}

	count := func(op, status string) float64 {
		return testutil.ToFloat64(m.StoreOperations.WithLabelValues("memory", op, status))
	}
	if got := count("append_message", "success"); got != 1 {
		t.Errorf("append_message success = %v", got)
	}
	if got := count("load_messages", "success"); got != 1 {
		t.Errorf("load_messages success = %v", got)
	}
	if got := count("load_meta", "error"); got != 1 {
		t.Errorf("load_meta error = %v", got)
	}
}

func TestInstrumentedStoreNilMetricsPassthrough(t *testing.T) {
	inner := NewMemoryStore()
	if st := NewInstrumented(inner, "memory", nil); st != Store(inner) {
		t.Error("nil metrics should return the inner store unchanged")
	}
}
