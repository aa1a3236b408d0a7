// Package tools holds the orchestrator's tool registry and handlers. The
// handlers are the reentrant edge of the system: they run inside tool
// tasks spawned by the orchestrator's own agent loop and operate on the
// same pool that hosts it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/pool"
	"github.com/nextlevelbuilder/maestro/internal/search"
	"github.com/nextlevelbuilder/maestro/internal/session"
)

// Context is the dependency bag handed to every tool handler.
type Context struct {
	Pool       *pool.Pool
	Store      *session.Store
	Config     *config.Config
	Search     *search.Runner
	ProjectDir string
	IndexDir   string

	// Broadcast publishes a payload to the orchestrator's subscribers
	// (used for nested session events). Nil when no orchestrator is live.
	Broadcast func(payload any)
}

func (tc *Context) broadcast(payload any) {
	if tc != nil && tc.Broadcast != nil {
		tc.Broadcast(payload)
	}
}

// Handler executes one tool call. The returned string is the tool result
// content; errors are wrapped into an error result by the registry.
type Handler func(ctx context.Context, tc *Context, input map[string]any) (string, error)

// Tool is a registered tool definition.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Definition is a tool schema in the Anthropic Messages dialect.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Registry is a name-indexed set of tools shared read-only by every
// orchestrator session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Re-registering a name replaces the handler.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions renders the registry in the Anthropic Messages dialect.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// RealtimeDefinitions renders the registry in the voice vendor's function
// dialect ({type, name, description, parameters}).
func (r *Registry) RealtimeDefinitions() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.InputSchema,
		})
	}
	return defs
}

// Execute looks up and runs a tool. The input is filtered to the
// properties the tool's schema declares, and any failure — unknown name,
// handler error, panic — comes back as an {"error": ...} result string so
// nothing escapes into the agent loop.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, tc *Context) (result string) {
	r.mu.RLock()
	t := r.tools[name]
	r.mu.RUnlock()
	if t == nil {
		return errorResult(fmt.Sprintf("Unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = errorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	out, err := t.Handler(ctx, tc, filterInput(t.InputSchema, input))
	if err != nil {
		slog.Warn("tool failed", "tool", name, "error", err)
		return errorResult(err.Error())
	}
	return out
}

// IsErrorResult reports whether a tool result string is an error result:
// a JSON object carrying an "error" key.
func IsErrorResult(result string) bool {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		return false
	}
	_, ok := parsed["error"]
	return ok
}

// filterInput drops input keys the schema does not declare, so a model
// hallucinating extra arguments cannot break a handler.
func filterInput(schema, input map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if _, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}

func errorResult(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// jsonResult marshals a result payload, falling back to an error result.
func jsonResult(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return string(data)
}

// argString extracts an optional string argument.
func argString(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

// argInt extracts an optional integer argument (JSON numbers are float64).
func argInt(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
