package coda

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codalabs/coda/tools"
)

// contextRuntime adapts ContextState plus the executor's approval/question
// callbacks to tools.Runtime, so the tools package never imports coda
// (spec.md §9 dependency direction).
type contextRuntime struct {
	ctxState *ContextState
	ask      func(ctx context.Context, question, contextStr, toolUseID string, options []string) (string, error)
	index    SemanticIndex
	http     *http.Client
}

// SemanticIndex is the external collaborator the core consumes for
// semantic_retrieve (spec.md §1: "out of scope: prompt-caching/embedding
// index internals beyond a narrow capability"). A nil index makes
// semantic_retrieve report itself unconfigured rather than failing oddly.
type SemanticIndex interface {
	Query(ctx context.Context, query string, k int) ([]string, error)
}

func newContextRuntime(cs *ContextState, ask func(context.Context, string, string, string, []string) (string, error), index SemanticIndex) *contextRuntime {
	return &contextRuntime{ctxState: cs, ask: ask, index: index, http: &http.Client{Timeout: 20 * time.Second}}
}

func (r *contextRuntime) TodoWrite(items []tools.TodoItem) {
	todos := make([]Todo, len(items))
	for i, it := range items {
		todos[i] = Todo{ID: it.ID, Content: it.Content, Status: TodoStatus(it.Status)}
	}
	r.ctxState.WriteTodos(todos)
}

func (r *contextRuntime) TodoRead() []tools.TodoItem {
	todos := r.ctxState.ReadTodos()
	out := make([]tools.TodoItem, len(todos))
	for i, t := range todos {
		out[i] = tools.TodoItem{ID: t.ID, Content: t.Content, Status: string(t.Status)}
	}
	return out
}

func (r *contextRuntime) MemoryWrite(key, value string) { r.ctxState.MemoryWrite(key, value) }
func (r *contextRuntime) MemoryRead(key string) (string, bool) { return r.ctxState.MemoryRead(key) }

func (r *contextRuntime) AskUser(ctx context.Context, question string, options []string) (string, error) {
	if r.ask == nil {
		return "", fmt.Errorf("no question callback configured")
	}
	askCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return r.ask(askCtx, question, "", "", options)
}

func (r *contextRuntime) SemanticRetrieve(ctx context.Context, query string, k int) ([]string, error) {
	if r.index == nil {
		return nil, fmt.Errorf("semantic index not configured")
	}
	return r.index.Query(ctx, query, k)
}

func (r *contextRuntime) WebFetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 200_000))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (r *contextRuntime) WebSearch(ctx context.Context, query string) (string, error) {
	return "", fmt.Errorf("web search provider not configured")
}
