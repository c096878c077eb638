package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/moor/pkg/models"
)

type fsReadArgs struct {
	Path string `json:"path" jsonschema:"required,description=File path relative to the sandbox root"`
}

type fsWriteArgs struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

type shellArgs struct {
	Command string   `json:"command" jsonschema:"required"`
	Argv    []string `json:"argv,omitempty"`
}

type todoWriteArgs struct {
	Todos []todoItem `json:"todos" jsonschema:"required"`
}

type todoItem struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title" jsonschema:"required"`
	Status string `json:"status,omitempty" jsonschema:"enum=pending,enum=in_progress,enum=completed"`
}

// Builtins returns the standard tool set backed by the sandbox and the
// owning agent's todo service.
func Builtins() []ToolInstance {
	return []ToolInstance{fsRead(), fsWrite(), shell(), todoRead(), todoWrite()}
}

func fsRead() ToolInstance {
	return New("fs_read").
		Description("Read a file from the workspace.").
		SchemaFor(fsReadArgs{}).
		Concurrent().
		PlanSafe().
		Handler(func(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error) {
			var a fsReadArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			if tc.Sandbox == nil {
				return Fail("no sandbox attached"), nil
			}
			data, err := tc.Sandbox.Read(ctx, a.Path)
			if err != nil {
				return Fail(err.Error()), nil
			}
			return Ok(string(data)), nil
		}).
		MustBuild()
}

func fsWrite() ToolInstance {
	return New("fs_write").
		Description("Write a file inside the workspace, creating it if needed.").
		SchemaFor(fsWriteArgs{}).
		Mutates().
		Handler(func(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error) {
			var a fsWriteArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			if tc.Sandbox == nil {
				return Fail("no sandbox attached"), nil
			}
			if err := tc.Sandbox.Write(ctx, a.Path, []byte(a.Content)); err != nil {
				return Fail(err.Error()), nil
			}
			return Ok(fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path)), nil
		}).
		MustBuild()
}

func shell() ToolInstance {
	return New("shell").
		Description("Run a command inside the workspace.").
		SchemaFor(shellArgs{}).
		Mutates().
		Timeout(2 * time.Minute).
		Handler(func(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error) {
			var a shellArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			if tc.Sandbox == nil {
				return Fail("no sandbox attached"), nil
			}
			out, err := tc.Sandbox.Exec(ctx, a.Command, a.Argv, 0)
			if err != nil {
				return Fail(fmt.Sprintf("%v\n%s", err, out)), nil
			}
			return Ok(string(out)), nil
		}).
		MustBuild()
}

func todoRead() ToolInstance {
	return New("todo_read").
		Description("List the current todo items.").
		Schema(json.RawMessage(`{"type":"object","additionalProperties":false}`)).
		Concurrent().
		PlanSafe().
		Handler(func(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error) {
			if tc.Todos == nil {
				return Fail("no todo service attached"), nil
			}
			data, err := json.Marshal(tc.Todos.GetTodos(ctx))
			if err != nil {
				return nil, err
			}
			return Ok(string(data)), nil
		}).
		MustBuild()
}

func todoWrite() ToolInstance {
	return New("todo_write").
		Description("Replace the todo list. At most one item may be in_progress.").
		SchemaFor(todoWriteArgs{}).
		Mutates().
		PlanSafe().
		Handler(func(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error) {
			var a todoWriteArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			if tc.Todos == nil {
				return Fail("no todo service attached"), nil
			}
			now := time.Now()
			todos := make([]*models.Todo, 0, len(a.Todos))
			for _, item := range a.Todos {
				status := models.TodoStatus(item.Status)
				if item.Status == "" {
					status = models.TodoPending
				}
				if !status.Valid() {
					return Fail(fmt.Sprintf("invalid todo status %q", item.Status)), nil
				}
				id := item.ID
				if id == "" {
					id = uuid.NewString()
				}
				todos = append(todos, &models.Todo{
					ID:        id,
					Title:     item.Title,
					Status:    status,
					CreatedAt: now,
					UpdatedAt: now,
				})
			}
			if err := tc.Todos.SetTodos(ctx, todos); err != nil {
				return Fail(err.Error()), nil
			}
			tc.Emit("todos_replaced", json.RawMessage(fmt.Sprintf(`{"count":%d}`, len(todos))))
			return Ok(fmt.Sprintf("%d todos recorded", len(todos))), nil
		}).
		MustBuild()
}
