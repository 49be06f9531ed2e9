// Package tools implements the tool registry, the execution pipeline that
// gates every invocation behind schema validation and permission policy, and
// the builtin local tools (file I/O, shell, web fetch, repo search,
// delegation).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gentlabs/gent/internal/provider"
)

// Tool is one callable capability exposed to the model. Per-invocation state
// (working directory, session identity) travels through ctx; see keys.go.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema for the tool input.
	Parameters() map[string]any
	Execute(ctx context.Context, input json.RawMessage) *Result
}

// ReadOnlyTool marks tools with no side effects. Read-only tools skip the
// permission gate for non-bypass sessions.
type ReadOnlyTool interface {
	ReadOnly() bool
}

// SerialTool marks tools that must never run concurrently with any other
// tool; everything else shares a bounded parallel pool.
type SerialTool interface {
	SerialOnly() bool
}

// IsReadOnly reports the read-only marker of t.
func IsReadOnly(t Tool) bool {
	ro, ok := t.(ReadOnlyTool)
	return ok && ro.ReadOnly()
}

// IsSerial reports the serial marker of t.
func IsSerial(t Tool) bool {
	s, ok := t.(SerialTool)
	return ok && s.SerialOnly()
}

// Result is the unified return from tool execution. Value is marshalled into
// the tool-result part; error results carry `{error: ...}` so the model can
// read and recover. Summary is a short line for the completion event.
type Result struct {
	Value   any
	Summary string
	IsError bool
}

// OK wraps a successful value.
func OK(v any) *Result { return &Result{Value: v} }

// Text wraps a successful plain-text value.
func Text(s string) *Result { return &Result{Value: map[string]any{"text": s}} }

// Errorf builds an error result the model sees and can recover from.
func Errorf(format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	return &Result{Value: map[string]any{"error": msg}, Summary: msg, IsError: true}
}

// WithSummary sets the event summary line.
func (r *Result) WithSummary(s string) *Result {
	r.Summary = s
	return r
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to implementations. Read-mostly, process-wide;
// registration happens at startup, lookups on every tool call.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool, compiling its parameter schema. Registering two tools
// under one name or an invalid schema is a programming error surfaced at
// startup.
func (r *Registry) Register(t Tool) error {
	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", t.Name(), err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(t.Name()+".json", strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("tool %s: %w", t.Name(), err)
	}
	schema, err := compiler.Compile(t.Name() + ".json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.Name()]; exists {
		return fmt.Errorf("tool %s: already registered", t.Name())
	}
	r.entries[t.Name()] = entry{tool: t, schema: schema}
	r.order = append(r.order, t.Name())
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, ok
}

// Validate checks input against the tool's compiled schema.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	var v any
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return e.schema.Validate(v)
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Schemas exports tool definitions for the provider request, restricted to
// allowed when non-nil. Order follows registration so prompts stay stable.
func (r *Registry) Schemas(allowed []string) []provider.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allow map[string]bool
	if allowed != nil {
		allow = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allow[name] = true
		}
	}

	var out []provider.ToolSchema
	for _, name := range r.order {
		if allow != nil && !allow[name] {
			continue
		}
		e := r.entries[name]
		out = append(out, provider.ToolSchema{
			Name:        name,
			Description: e.tool.Description(),
			InputSchema: e.tool.Parameters(),
		})
	}
	return out
}
