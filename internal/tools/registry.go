package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is one callable action exposed to the agent. Sensitive tools require
// an explicit human approval before every invocation; the orchestrator
// enforces that, tools only declare it.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Sensitive   bool
	Run         func(ctx context.Context, input json.RawMessage) map[string]any
}

// Registry is a lookup table of tools, iterated in registration order so the
// model always sees a stable tool list.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Registering a duplicate name panics: the tool table
// is assembled once at startup and a collision is a programming error.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("tool %q registered twice", t.Name))
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns the tools in registration order.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// errResult is the uniform failure payload returned to the model.
func errResult(err error) map[string]any {
	return map[string]any{"ok": false, "error": err.Error()}
}

func errMsg(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}
