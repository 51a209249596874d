package coda

import (
	"context"
	"strings"
)

const (
	scoutMaxIterationsDefault = 8
	scoutMaxIterationsRich    = 3
)

// ScoutRunner is a bounded sub-loop over safe tools that gathers codebase
// context before planning or building (spec.md §4.9, component C9).
type ScoutRunner struct {
	Iter ToolIterator
}

// ToolIterator is the narrow slice of Executor behavior ScoutRunner and
// Planner both need: run one safe-tools-only sub-loop, bounded by
// maxIterations, returning the accumulated assistant text.
type ToolIterator interface {
	RunSubLoop(ctx context.Context, task Task, systemPrompt string, maxIterations int, sink EventSink) (string, Usage, error)
}

// ShouldSkip implements spec.md §4.9's skip condition exactly: the task
// already embeds a <semantic_context> or <project_structure> tag.
func ShouldSkip(taskInput string) bool {
	return strings.Contains(taskInput, "<semantic_context>") || strings.Contains(taskInput, "<project_structure>")
}

const scoutSystemPrompt = `You are a scouting assistant. Use only read-only tools (file_read, glob, search, find_symbol, list_dir, project_tree, semantic_retrieve) to gather the context needed to plan or build the following task. Do not propose a plan or make edits. When you have enough context, summarize what you found in plain prose.`

// Run executes the bounded sub-loop and returns the accumulated context
// string to be injected under a <codebase_context> tag, or "" if scouting
// was skipped or produced nothing.
func (s *ScoutRunner) Run(ctx context.Context, task Task, autoContextRich bool, sink EventSink) (string, Usage, error) {
	if ShouldSkip(task.Input) {
		return "", Usage{}, nil
	}

	maxIter := scoutMaxIterationsDefault
	if autoContextRich {
		maxIter = scoutMaxIterationsRich
	}

	sink(AgentEvent{Type: EventScoutStart})
	text, usage, err := s.Iter.RunSubLoop(ctx, task, scoutSystemPrompt, maxIter, func(e AgentEvent) {
		if e.Type == EventTextDelta || e.Type == EventToolCall {
			sink(AgentEvent{Type: EventScoutProgress, Content: e.Content})
		}
	})
	sink(AgentEvent{Type: EventScoutEnd, Content: text})
	if err != nil {
		return "", usage, err
	}
	return text, usage, nil
}

// InjectCodebaseContext wraps context under the <codebase_context> tag the
// subsequent plan or build phase expects.
func InjectCodebaseContext(taskInput, codebaseContext string) string {
	if codebaseContext == "" {
		return taskInput
	}
	return "<codebase_context>\n" + codebaseContext + "\n</codebase_context>\n\n" + taskInput
}
