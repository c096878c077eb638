package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds the tools available to an agent. Safe for concurrent use.
// Compiled argument schemas are cached per tool.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]ToolInstance
	compiled map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]ToolInstance),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, failing on duplicate names.
func (r *Registry) Register(tool ToolInstance) error {
	desc := tool.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tools: cannot register unnamed tool")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tools: %s already registered", desc.Name)
	}
	r.tools[desc.Name] = tool
	return nil
}

// Unregister removes a tool and its cached schema.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (ToolInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns descriptors sorted by name, for provider export.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subset returns a registry restricted to the named tools. Unknown names
// are reported as an error so template typos surface at agent creation.
func (r *Registry) Subset(names []string) (*Registry, error) {
	sub := NewRegistry()
	var missing []string
	for _, name := range names {
		tool, ok := r.Get(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		if err := sub.Register(tool); err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("tools: unknown tools: %s", strings.Join(missing, ", "))
	}
	return sub, nil
}

// ValidateArgs checks args against the tool's declared schema. A tool
// without a schema accepts any arguments.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tools: unknown tool %s", name)
	}
	desc := tool.Descriptor()
	if len(desc.Schema) == 0 {
		return nil
	}

	schema, err := r.schemaFor(name, desc.Schema)
	if err != nil {
		return err
	}

	var value any
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("tools: %s arguments are not valid JSON: %w", name, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("tools: %s arguments rejected: %w", name, err)
	}
	return nil
}

func (r *Registry) schemaFor(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	r.mu.RLock()
	schema, ok := r.compiled[name]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("tools: %s schema: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: %s schema does not compile: %w", name, err)
	}

	r.mu.Lock()
	r.compiled[name] = schema
	r.mu.Unlock()
	return schema, nil
}
