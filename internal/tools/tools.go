// Package tools registers callable tools, gates them by agent capability and
// executes LLM tool calls in parallel with per-call error capture.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"conduit/internal/llm"
)

// Tool is one callable unit. Execute receives decoded, schema-validated
// arguments and returns any JSON-serializable value.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds registered tools and the capability each one requires.
// Safe for concurrent use; registration normally happens at startup.
type Registry struct {
	mu           sync.RWMutex
	tools        map[string]Tool
	capabilities map[string]string // tool name -> required capability ("" = none)
	schemas      map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:        make(map[string]Tool),
		capabilities: make(map[string]string),
		schemas:      make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. capability may be empty for unrestricted tools.
// Invalid parameter schemas fail registration so bad tools surface at startup.
func (r *Registry) Register(t Tool, capability string) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tools: tool name required")
	}

	var schema *jsonschema.Schema
	if params := t.Parameters(); len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("tools: marshal %s parameters: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("tools: add %s schema: %w", name, err)
		}
		schema, err = compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tools: compile %s schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.tools[name] = t
	r.capabilities[name] = capability
	r.schemas[name] = schema
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// RequiredCapability returns the capability a tool demands, if registered.
func (r *Registry) RequiredCapability(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.capabilities[name]
	return cap, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas resolves an agent's ordered tool list into provider schemas,
// silently dropping tools whose capability the agent lacks (the model must
// not even see them) and names that are not registered.
func (r *Registry) Schemas(toolNames []string, agentCapabilities []string) []llm.ToolSchema {
	caps := make(map[string]bool, len(agentCapabilities))
	for _, c := range agentCapabilities {
		caps[c] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []llm.ToolSchema
	for _, name := range toolNames {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		if required := r.capabilities[name]; required != "" && !caps[required] {
			continue
		}
		out = append(out, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

func (r *Registry) schema(name string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[name]
}
