package parley

import (
	"context"
	"fmt"
	"sync"
)

// ToolSpec is the declarative tool schema exposed to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolInvocation is a model-requested tool execution. Arguments is
// syntactically complete JSON only when Partial is false; partial
// invocations exist so raw-mode consumers can render arguments as they
// grow, and must never be executed.
type ToolInvocation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Partial   bool   `json:"partial,omitempty"`
}

// ToolExecutionResult is the outcome of one invocation. Exactly one is
// produced per scheduled, non-partial invocation.
type ToolExecutionResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func (ToolExecutionResult) busEvent() {}

// Tool is an executable tool.
type Tool interface {
	Spec() ToolSpec
	// Mutating reports whether the tool can change shared state. Mutating
	// tools are serialized by the execution engine.
	Mutating() bool
	Execute(ctx context.Context, argumentsJSON string) (string, error)
}

// ToolRegistry is the capability the execution engine dispatches through.
type ToolRegistry interface {
	Execute(ctx context.Context, name, argumentsJSON string) (string, error)
	// IsMutating classifies a tool by name. Unknown names must classify as
	// mutating so they fall under the exclusive write slot.
	IsMutating(name string) bool
	Specs() []ToolSpec
}

// Registry is an in-memory ToolRegistry. Classification comes from each
// tool's Mutating method and can be overridden per name.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	overrides map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		overrides: make(map[string]bool),
	}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Spec().Name] = t
}

// Classify overrides the mutating classification for a tool name.
func (r *Registry) Classify(name string, mutating bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = mutating
}

// Execute dispatches to the named tool.
func (r *Registry) Execute(ctx context.Context, name, argumentsJSON string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("parley: tool %q not registered", name)
	}
	return t.Execute(ctx, argumentsJSON)
}

// IsMutating classifies a tool by name. Unknown tools are mutating.
func (r *Registry) IsMutating(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if mutating, ok := r.overrides[name]; ok {
		return mutating
	}
	t, ok := r.tools[name]
	if !ok {
		return true
	}
	return t.Mutating()
}

// Specs returns the schemas of all registered tools.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	return specs
}

var _ ToolRegistry = (*Registry)(nil)
