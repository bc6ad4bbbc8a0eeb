package tools

import (
	"sync"

	"github.com/voocel/codebox/schema"
)

// Registry stores registered tools keyed by wire name.
type Registry struct {
	tools map[string]Tool
	mutex sync.RWMutex
}

// NewRegistry constructs a registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Builtin returns a registry holding every capability bound to env.
func Builtin(env Env) *Registry {
	r := NewRegistry()
	for _, kind := range Kinds() {
		_ = r.Register(New(kind, env))
	}
	return r
}

// Register adds a tool. A capability may be registered only once.
func (r *Registry) Register(tool Tool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := tool.Spec().Name
	if name == "" {
		return schema.NewValidationError("tool.name", name, "tool name cannot be empty")
	}
	if _, exists := r.tools[name]; exists {
		return schema.NewValidationError("tool.name", name, "tool already registered")
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool
func (r *Registry) Get(name string) (Tool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// Lookup is Get with an error matching schema.ErrUnknownCapability.
func (r *Registry) Lookup(name string) (Tool, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, schema.NewToolError(name, "lookup", schema.ErrUnknownCapability)
	}
	return tool, nil
}

// List returns registered tools in enumeration order.
func (r *Registry) List() []Tool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, kind := range Kinds() {
		if tool, ok := r.tools[kind.String()]; ok {
			tools = append(tools, tool)
		}
	}
	return tools
}

// Specs returns the Spec of every registered tool in enumeration order.
func (r *Registry) Specs() []Spec {
	list := r.List()
	specs := make([]Spec, 0, len(list))
	for _, tool := range list {
		specs = append(specs, tool.Spec())
	}
	return specs
}

// Names returns registered tool names
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, 0, len(list))
	for _, tool := range list {
		names = append(names, tool.Spec().Name)
	}
	return names
}

// Len returns the number of tools
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.tools)
}
