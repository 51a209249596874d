package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TodoWriteInput replaces the current todo list wholesale, mirroring how
// the model is expected to re-emit the full list on every update.
type TodoWriteInput struct {
	Items []TodoItem `json:"items" jsonschema:"required"`
}

type TodoWriteTool struct{}

func (TodoWriteTool) Definition() Definition {
	return Definition{Name: "todo_write", Description: "Replace the current todo list.", Class: ClassSafe, Schema: schemaFor(TodoWriteInput{})}
}

func (TodoWriteTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in TodoWriteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	ec.Runtime.TodoWrite(in.Items)
	return Result{Success: true, Output: fmt.Sprintf("%d todos recorded", len(in.Items))}
}

type TodoReadTool struct{}

func (TodoReadTool) Definition() Definition {
	return Definition{Name: "todo_read", Description: "Read the current todo list.", Class: ClassSafe, Schema: schemaFor(struct{}{})}
}

func (TodoReadTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	items := ec.Runtime.TodoRead()
	var sb strings.Builder
	for _, t := range items {
		fmt.Fprintf(&sb, "[%s] %s (%s)\n", t.ID, t.Content, t.Status)
	}
	return Result{Success: true, Output: sb.String()}
}

// MemoryWriteInput stores a key/value pair in ContextState's memory map
// (capped to 10K chars per value, enforced by ContextState itself).
type MemoryWriteInput struct {
	Key   string `json:"key" jsonschema:"required"`
	Value string `json:"value" jsonschema:"required"`
}

type MemoryWriteTool struct{}

func (MemoryWriteTool) Definition() Definition {
	return Definition{Name: "memory_write", Description: "Store a key/value fact in working memory.", Class: ClassSafe, Schema: schemaFor(MemoryWriteInput{})}
}

func (MemoryWriteTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in MemoryWriteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	ec.Runtime.MemoryWrite(in.Key, in.Value)
	return Result{Success: true, Output: "stored"}
}

type MemoryReadInput struct {
	Key string `json:"key" jsonschema:"required"`
}

type MemoryReadTool struct{}

func (MemoryReadTool) Definition() Definition {
	return Definition{Name: "memory_read", Description: "Read a key from working memory.", Class: ClassSafe, Schema: schemaFor(MemoryReadInput{})}
}

func (MemoryReadTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in MemoryReadInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	v, ok := ec.Runtime.MemoryRead(in.Key)
	if !ok {
		return Result{Success: true, Output: "(not set)"}
	}
	return Result{Success: true, Output: v}
}

// WebFetchInput fetches a URL's content, delegated to the Runtime's
// collaborator (out of core scope per spec.md §1).
type WebFetchInput struct {
	URL string `json:"url" jsonschema:"required"`
}

type WebFetchTool struct{}

func (WebFetchTool) Definition() Definition {
	return Definition{Name: "web_fetch", Description: "Fetch a URL's text content.", Class: ClassSafe, Schema: schemaFor(WebFetchInput{})}
}

func (WebFetchTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in WebFetchInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	out, err := ec.Runtime.WebFetch(ec.Ctx, in.URL)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: out}
}

type WebSearchInput struct {
	Query string `json:"query" jsonschema:"required"`
}

type WebSearchTool struct{}

func (WebSearchTool) Definition() Definition {
	return Definition{Name: "web_search", Description: "Search the web.", Class: ClassSafe, Schema: schemaFor(WebSearchInput{})}
}

func (WebSearchTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in WebSearchInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	out, err := ec.Runtime.WebSearch(ec.Ctx, in.Query)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: out}
}

// AskUserQuestionInput is the special tool routed to a caller-supplied
// asynchronous callback; it blocks the executor until an answer arrives or
// the 5-minute deadline expires (spec.md §4.2, §5).
type AskUserQuestionInput struct {
	Question string   `json:"question" jsonschema:"required"`
	Options  []string `json:"options,omitempty"`
}

type AskUserQuestionTool struct{}

func (AskUserQuestionTool) Definition() Definition {
	return Definition{Name: "ask_user_question", Description: "Ask the user a clarifying question.", Class: ClassSafe, Schema: schemaFor(AskUserQuestionInput{})}
}

func (AskUserQuestionTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in AskUserQuestionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	answer, err := ec.Runtime.AskUser(ec.Ctx, in.Question, in.Options)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: answer}
}
