package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/moor/pkg/models"
)

// Handler executes a tool call.
type Handler func(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error)

// Builder assembles a ToolInstance declaratively.
type Builder struct {
	desc    Descriptor
	handler Handler
	err     error
}

// New starts building a tool with the given name.
func New(name string) *Builder {
	return &Builder{desc: Descriptor{Name: name, Source: SourceLocal}}
}

// Description sets the model-facing description.
func (b *Builder) Description(d string) *Builder {
	b.desc.Description = d
	return b
}

// Schema sets the raw JSON Schema for arguments.
func (b *Builder) Schema(schema json.RawMessage) *Builder {
	b.desc.Schema = schema
	return b
}

// SchemaFor derives the argument schema from a Go struct via reflection.
func (b *Builder) SchemaFor(v any) *Builder {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		b.err = fmt.Errorf("tools: reflect schema for %s: %w", b.desc.Name, err)
		return b
	}
	b.desc.Schema = data
	return b
}

// Mutates marks the tool as state-changing; denied under readOnly mode.
func (b *Builder) Mutates() *Builder {
	b.desc.Mutates = true
	return b
}

// Concurrent allows parallel execution within a turn's tool batch.
func (b *Builder) Concurrent() *Builder {
	b.desc.Concurrent = true
	return b
}

// PlanSafe allows execution under plan mode.
func (b *Builder) PlanSafe() *Builder {
	b.desc.PlanSafe = true
	return b
}

// Timeout bounds a single execution.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.desc.Timeout = d
	return b
}

// Handler sets the execution function.
func (b *Builder) Handler(h Handler) *Builder {
	b.handler = h
	return b
}

// Build finalizes the tool.
func (b *Builder) Build() (ToolInstance, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.desc.Name == "" {
		return nil, errors.New("tools: name is required")
	}
	if b.handler == nil {
		return nil, fmt.Errorf("tools: %s has no handler", b.desc.Name)
	}
	return &builtTool{desc: b.desc, handler: b.handler}, nil
}

// MustBuild is Build for static tool definitions.
func (b *Builder) MustBuild() ToolInstance {
	tool, err := b.Build()
	if err != nil {
		panic(err)
	}
	return tool
}

type builtTool struct {
	desc    Descriptor
	handler Handler
}

func (t *builtTool) Descriptor() Descriptor { return t.desc }

func (t *builtTool) Exec(ctx context.Context, args json.RawMessage, tc *ExecContext) (*models.ToolOutcome, error) {
	return t.handler(ctx, args, tc)
}
