package room

import (
	"context"
	"testing"

	"github.com/haasonsaas/moor/internal/agent"
	"github.com/haasonsaas/moor/internal/provider"
	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/pkg/models"
)

func TestMentionLandsInAgentInbox(t *testing.T) {
	ctx := context.Background()
	tpl := &agent.Template{Spec: &models.TemplateSpec{ID: "dev"}}
	fake := provider.NewFake(provider.FakeTurn{Blocks: []models.Block{models.TextBlock("on it")}})
	dev, err := agent.New(ctx, "agent-dev", tpl, agent.Deps{
		Store:    store.NewMemoryStore(),
		Provider: fake,
	}, agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Dispose()

	r := New("pairing")
	planner := &stubMember{id: "agent-planner"}
	if err := r.Join("planner", planner); err != nil {
		t.Fatal(err)
	}
	if err := r.Join("dev", dev); err != nil {
		t.Fatal(err)
	}

	if err := r.Say("planner", "hello @dev"); err != nil {
		t.Fatal(err)
	}

	// the next turn drains the inbox, so the mention opens the log
	res, err := dev.Chat(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != agent.StatusOK {
		t.Fatalf("chat result: %+v", res)
	}

	if len(fake.Requests) != 1 {
		t.Fatalf("model calls = %d", len(fake.Requests))
	}
	req := fake.Requests[0]
	if len(req.Messages) == 0 || req.Messages[0].Text() != "hello @dev" {
		t.Fatalf("first message did not carry the mention: %+v", req.Messages)
	}
}
