package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/moor/pkg/models"
)

// todoService owns the agent's todo list and enforces the single
// in_progress invariant. It satisfies tools.TodoAccess so tools mutate
// todos through the same path as the public API.
type todoService struct {
	mu    sync.Mutex
	items []*models.Todo
	emit  func(t models.EventType, todo *models.Todo)
}

func newTodoService(emit func(models.EventType, *models.Todo)) *todoService {
	return &todoService{emit: emit}
}

// GetTodos returns a deep copy of the current list.
func (s *todoService) GetTodos(ctx context.Context) []*models.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTodos(s.items)
}

// SetTodos replaces the list wholesale, diffing against the previous list
// to emit todo_created / todo_updated / todo_deleted events.
func (s *todoService) SetTodos(ctx context.Context, todos []*models.Todo) error {
	now := time.Now()
	next := make([]*models.Todo, 0, len(todos))
	inProgress := 0
	for _, t := range todos {
		if t == nil || strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("agent: todo title is required")
		}
		item := t.Clone()
		if item.Status == "" {
			item.Status = models.TodoPending
		}
		if !item.Status.Valid() {
			return fmt.Errorf("agent: invalid todo status %q", item.Status)
		}
		if item.Status == models.TodoInProgress {
			inProgress++
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		next = append(next, item)
	}
	if inProgress > 1 {
		return ErrTodoConflict
	}

	s.mu.Lock()
	prev := s.items
	s.items = next
	s.mu.Unlock()

	if s.emit == nil {
		return nil
	}
	seen := make(map[string]*models.Todo, len(prev))
	for _, t := range prev {
		seen[t.ID] = t
	}
	for _, t := range next {
		old, existed := seen[t.ID]
		delete(seen, t.ID)
		switch {
		case !existed:
			s.emit(models.EventTodoCreated, t.Clone())
		case old.Title != t.Title || old.Status != t.Status:
			s.emit(models.EventTodoUpdated, t.Clone())
		}
	}
	for _, t := range seen {
		s.emit(models.EventTodoDeleted, t.Clone())
	}
	return nil
}

// Update mutates one todo in place. A nil field is left unchanged.
func (s *todoService) Update(ctx context.Context, id string, title *string, status *models.TodoStatus) (*models.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var target *models.Todo
	for _, t := range s.items {
		if t.ID == id {
			target = t
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("agent: todo %s not found", id)
	}
	if status != nil {
		if !status.Valid() {
			return nil, fmt.Errorf("agent: invalid todo status %q", *status)
		}
		if *status == models.TodoInProgress {
			for _, t := range s.items {
				if t.ID != id && t.Status == models.TodoInProgress {
					return nil, ErrTodoConflict
				}
			}
		}
		target.Status = *status
	}
	if title != nil {
		if strings.TrimSpace(*title) == "" {
			return nil, fmt.Errorf("agent: todo title is required")
		}
		target.Title = *title
	}
	target.UpdatedAt = time.Now()
	out := target.Clone()
	if s.emit != nil {
		s.emit(models.EventTodoUpdated, target.Clone())
	}
	return out, nil
}

// Delete removes one todo by id.
func (s *todoService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	var removed *models.Todo
	for i, t := range s.items {
		if t.ID == id {
			removed = t
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if removed == nil {
		return fmt.Errorf("agent: todo %s not found", id)
	}
	if s.emit != nil {
		s.emit(models.EventTodoDeleted, removed.Clone())
	}
	return nil
}

// load restores the list on resume without emitting events.
func (s *todoService) load(items []*models.Todo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = cloneTodos(items)
}

// summary renders the list for reminder injection. Empty list yields "".
func (s *todoService) summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current todos:")
	for _, t := range s.items {
		fmt.Fprintf(&b, "\n- [%s] %s", t.Status, t.Title)
	}
	return b.String()
}

func cloneTodos(items []*models.Todo) []*models.Todo {
	out := make([]*models.Todo, len(items))
	for i, t := range items {
		out[i] = t.Clone()
	}
	return out
}
