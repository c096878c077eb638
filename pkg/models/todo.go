package models

import "time"

// TodoStatus is the lifecycle status of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TodoStatus) Valid() bool {
	switch s {
	case TodoPending, TodoInProgress, TodoCompleted:
		return true
	}
	return false
}

// Todo is a single tracked work item. The todo service enforces that at
// most one todo is in_progress at a time.
type Todo struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TodoStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a copy of the todo.
func (t *Todo) Clone() *Todo {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
