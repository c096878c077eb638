package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/moor/internal/provider"
	"github.com/haasonsaas/moor/pkg/models"
)

func TestTodosEnforceSingleInProgress(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, provider.NewFake(), testTemplate(nil), Options{}, nil)

	err := a.SetTodos(ctx, []*models.Todo{
		{Title: "one", Status: models.TodoInProgress},
		{Title: "two", Status: models.TodoInProgress},
	})
	if !errors.Is(err, ErrTodoConflict) {
		t.Fatalf("SetTodos error = %v, want ErrTodoConflict", err)
	}

	if err := a.SetTodos(ctx, []*models.Todo{
		{Title: "one", Status: models.TodoInProgress},
		{Title: "two"},
	}); err != nil {
		t.Fatal(err)
	}
	todos := a.GetTodos(ctx)
	if len(todos) != 2 {
		t.Fatalf("todos: %+v", todos)
	}

	// promoting the second while the first is active must fail
	inProgress := models.TodoInProgress
	if _, err := a.UpdateTodo(ctx, todos[1].ID, nil, &inProgress); !errors.Is(err, ErrTodoConflict) {
		t.Fatalf("UpdateTodo error = %v, want ErrTodoConflict", err)
	}

	// completing the first frees the slot
	done := models.TodoCompleted
	if _, err := a.UpdateTodo(ctx, todos[0].ID, nil, &done); err != nil {
		t.Fatal(err)
	}
	if _, err := a.UpdateTodo(ctx, todos[1].ID, nil, &inProgress); err != nil {
		t.Fatal(err)
	}
}

func TestTodoMutationsEmitEvents(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, provider.NewFake(), testTemplate(nil), Options{}, nil)
	sub := subscribeAll(t, a)

	if err := a.SetTodos(ctx, []*models.Todo{{Title: "first"}, {Title: "second"}}); err != nil {
		t.Fatal(err)
	}
	todos := a.GetTodos(ctx)
	done := models.TodoCompleted
	if _, err := a.UpdateTodo(ctx, todos[0].ID, nil, &done); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteTodo(ctx, todos[1].ID); err != nil {
		t.Fatal(err)
	}

	counts := map[models.EventType]int{}
	for _, env := range drain(sub) {
		counts[env.Event.Type]++
	}
	if counts[models.EventTodoCreated] != 2 {
		t.Errorf("todo_created = %d", counts[models.EventTodoCreated])
	}
	if counts[models.EventTodoUpdated] != 1 {
		t.Errorf("todo_updated = %d", counts[models.EventTodoUpdated])
	}
	if counts[models.EventTodoDeleted] != 1 {
		t.Errorf("todo_deleted = %d", counts[models.EventTodoDeleted])
	}
}

func TestTodoReminderIntervalInjectsSummary(t *testing.T) {
	ctx := context.Background()
	fake := provider.NewFake(fakeText("one"), fakeText("two"))
	tpl := testTemplate(nil)
	tpl.Spec.Runtime.Todo = &models.TodoRuntime{Enabled: true, RemindIntervalSteps: 1}
	a := newTestAgent(t, fake, tpl, Options{}, nil)

	if err := a.SetTodos(ctx, []*models.Todo{{Title: "remember me"}}); err != nil {
		t.Fatal(err)
	}
	if res, err := a.Chat(ctx, "first"); err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}
	if res, err := a.Chat(ctx, "second"); err != nil || res.Status != StatusOK {
		t.Fatalf("chat: %+v, %v", res, err)
	}

	var reminder *models.Message
	for _, m := range a.currentMessages() {
		if m.IsReminder() {
			reminder = m
		}
	}
	if reminder == nil {
		t.Fatal("no todo reminder injected")
	}
	if want := "remember me"; !strings.Contains(reminder.Blocks[0].Text, want) {
		t.Errorf("reminder text %q missing %q", reminder.Blocks[0].Text, want)
	}
}
