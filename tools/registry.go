// Package tools is the ToolRegistry (spec.md §4.2, component C2): a typed
// catalog of built-in tool identities, each classified as safe,
// file-mutating, or command, dispatched by (name, input) through a uniform
// Execute call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codalabs/coda/backend"
	"github.com/invopop/jsonschema"
)

// Class is the dispatch classification the Executor uses to decide
// parallelism and policy applicability (spec.md §4.2).
type Class string

const (
	ClassSafe         Class = "safe"
	ClassFileMutating Class = "file_mutating"
	ClassCommand      Class = "command"
)

// Definition is one tool's published identity.
type Definition struct {
	Name        string
	Description string
	Class       Class
	Schema      json.RawMessage
}

// ExecContext is the per-call context every Tool.Execute receives, carrying
// the backend, working directory, and the shared ContextState-ish affordances
// a tool may need (todos/memory are accessed through the Runtime interface
// below to avoid tools/ depending on package coda).
type ExecContext struct {
	Ctx        context.Context
	Backend    backend.Backend
	WorkingDir string
	Timeouts   Timeouts
	Runtime    Runtime
}

// Timeouts bounds tool-internal operations (shell default/cap, per spec.md §5).
type Timeouts struct {
	DefaultCommandSeconds int
	MaxCommandSeconds     int
}

// Runtime is the narrow slice of ContextState + approval/question callbacks
// a tool may need, so tools/ never imports package coda (coda imports
// tools, not the reverse).
type Runtime interface {
	TodoWrite(items []TodoItem)
	TodoRead() []TodoItem
	MemoryWrite(key, value string)
	MemoryRead(key string) (string, bool)
	AskUser(ctx context.Context, question string, options []string) (string, error)
	SemanticRetrieve(ctx context.Context, query string, k int) ([]string, error)
	WebFetch(ctx context.Context, url string) (string, error)
	WebSearch(ctx context.Context, query string) (string, error)
}

// TodoItem mirrors coda.Todo without importing it.
type TodoItem struct {
	ID      string
	Content string
	Status  string
}

// Result is the outcome of one tool execution (mirrors coda.ToolResult).
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Tool is one named, schema-typed capability.
type Tool interface {
	Definition() Definition
	Execute(ec ExecContext, input json.RawMessage) Result
}

// Registry is the dispatch catalog. It is safe for concurrent Execute calls;
// registration happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), logger: slog.Default()}
}

// SetLogger replaces the registry's structured logger. Passing nil restores
// the default logger rather than silencing dispatch logging.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Definition().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered tool's Definition, in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Classify returns the three dispatch sets the Executor needs: safe,
// file-mutating, and command tool names (spec.md §4.2).
func (r *Registry) Classify() (safe, fileMutating, command []string) {
	for _, d := range r.Definitions() {
		switch d.Class {
		case ClassSafe:
			safe = append(safe, d.Name)
		case ClassFileMutating:
			fileMutating = append(fileMutating, d.Name)
		case ClassCommand:
			command = append(command, d.Name)
		}
	}
	return
}

// Execute dispatches (name, input) to the registered tool.
func (r *Registry) Execute(ec ExecContext, name string, input json.RawMessage) Result {
	t, ok := r.Get(name)
	if !ok {
		r.logger.Warn("tool dispatch: not found", "tool", name)
		return Result{Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}
	result := t.Execute(ec, input)
	if !result.Success {
		r.logger.Warn("tool dispatch failed", "tool", name, "error", result.Error)
	} else {
		r.logger.Debug("tool dispatch ok", "tool", name)
	}
	return result
}

// schemaFor generates a JSON Schema for a Go value using
// github.com/invopop/jsonschema, replacing original_source/tools/schemas.py's
// hand-written schema dicts (SPEC_FULL.md domain stack).
func schemaFor(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
