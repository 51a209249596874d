package coda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codalabs/coda/backend"
	"github.com/codalabs/coda/llm"
	"github.com/codalabs/coda/tools"
)

// fakeBackend is an in-memory backend.Backend for exercising the executor
// without touching the filesystem.
type fakeBackend struct {
	mu    sync.Mutex
	files map[string]string

	commandExitCode int
	commandStdout   string
	commandStderr   string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: map[string]string{}}
}

func (b *fakeBackend) ID() string { return "fake" }

func (b *fakeBackend) ListDir(ctx context.Context, path string) ([]backend.Entry, error) {
	return nil, nil
}

func (b *fakeBackend) ReadFile(ctx context.Context, path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.files[path]
	if !ok {
		return "", fmt.Errorf("not found: %s", path)
	}
	return content, nil
}

func (b *fakeBackend) WriteFile(ctx context.Context, path, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[path] = content
	return nil
}

func (b *fakeBackend) FileExists(ctx context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[path]
	return ok, nil
}

func (b *fakeBackend) IsDir(ctx context.Context, path string) (bool, error) { return false, nil }

func (b *fakeBackend) RemoveFile(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, path)
	return nil
}

func (b *fakeBackend) ResolvePath(path string) (string, error) { return path, nil }

func (b *fakeBackend) RunCommand(ctx context.Context, cmd, cwd string, timeoutSeconds int) (string, string, int, error) {
	return b.commandStdout, b.commandStderr, b.commandExitCode, nil
}

func (b *fakeBackend) RunCommandStream(ctx context.Context, cmd, cwd string, timeoutSeconds int, onChunk backend.ChunkFunc) (int, error) {
	return b.commandExitCode, nil
}

func (b *fakeBackend) CancelRunningCommand() bool { return false }

func (b *fakeBackend) Search(ctx context.Context, pattern, path, include, cwd string) (string, error) {
	return "", nil
}

func (b *fakeBackend) GlobFind(ctx context.Context, pattern, cwd string) ([]string, error) {
	return nil, nil
}

func (b *fakeBackend) WorkingDir() string { return "/work" }

// fakeTool is a minimal tools.Tool for dispatch tests.
type fakeTool struct {
	name  string
	class tools.Class
	fn    func(input json.RawMessage) tools.Result
}

func (t *fakeTool) Definition() tools.Definition {
	return tools.Definition{Name: t.name, Class: t.class, Schema: json.RawMessage(`{}`)}
}

func (t *fakeTool) Execute(ec tools.ExecContext, input json.RawMessage) tools.Result {
	return t.fn(input)
}

// fakeLLMClient replays a fixed queue of stream-event batches, one per
// Stream call, so a test can script exactly what the model "says" each turn.
type fakeLLMClient struct {
	batches [][]llm.StreamEvent
	calls   int
}

func (f *fakeLLMClient) Name() string { return "fake" }

func (f *fakeLLMClient) Stream(ctx context.Context, messages []llm.Message, system string, toolDefs []llm.ToolDefinition, cfg llm.Config) (<-chan llm.StreamEvent, error) {
	if f.calls >= len(f.batches) {
		return nil, fmt.Errorf("fakeLLMClient: no more scripted batches")
	}
	batch := f.batches[f.calls]
	f.calls++
	ch := make(chan llm.StreamEvent, len(batch))
	for _, ev := range batch {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLMClient) Generate(ctx context.Context, messages []llm.Message, system string, toolDefs []llm.ToolDefinition, cfg llm.Config) (llm.Completion, error) {
	return llm.Completion{}, fmt.Errorf("not implemented")
}

func (f *fakeLLMClient) Embed(ctx context.Context, texts []string, kind llm.EmbedKind) ([][]float32, error) {
	return nil, fmt.Errorf("not implemented")
}

func textBatch(text string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.EventText, Text: text},
		{Type: llm.EventMessageEnd, StopReason: llm.StopEndTurn},
	}
}

func toolUseBatch(id, name, input string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.EventToolUseStart, ToolUseID: id, ToolName: name},
		{Type: llm.EventToolUseDelta, ToolInputDelta: input},
		{Type: llm.EventToolUseEnd},
		{Type: llm.EventMessageEnd, StopReason: llm.StopToolUse},
	}
}

func newTestExecutor(t *testing.T, llmClient llm.Client) (*Executor, *fakeBackend) {
	t.Helper()
	be := newFakeBackend()
	registry := tools.NewRegistry()
	registry.Register(&fakeTool{
		name:  "file_read",
		class: tools.ClassSafe,
		fn:    func(json.RawMessage) tools.Result { return tools.Result{Success: true, Output: "file contents"} },
	})
	registry.Register(&fakeTool{
		name:  "lint",
		class: tools.ClassSafe,
		fn:    func(json.RawMessage) tools.Result { return tools.Result{Success: true, Output: "no issues"} },
	})

	exec := NewExecutor(ExecutorConfig{
		Backend:      be,
		Tools:        registry,
		LLM:          llmClient,
		SystemPrompt: "test system prompt",
	})
	return exec, be
}

func TestRunCompletesWithoutToolsOnPlainTextTurn(t *testing.T) {
	client := &fakeLLMClient{batches: [][]llm.StreamEvent{textBatch("All done, nothing further needed.")}}
	exec, _ := newTestExecutor(t, client)

	var events []AgentEvent
	sink := func(ev AgentEvent) { events = append(events, ev) }

	result, err := exec.Run(context.Background(), Task{Input: "say hi"}, nil, sink, RunOptions{MaxIterations: 5})
	require.NoError(t, err)
	require.True(t, result.Done)

	found := false
	for _, ev := range events {
		if ev.Type == EventDone {
			found = true
		}
	}
	require.True(t, found)
}

func TestRunDispatchesToolCallThenCompletes(t *testing.T) {
	structuredDone := "What I learned\nWhy it matters\nDecision\nNext actions\nVerification status"
	client := &fakeLLMClient{batches: [][]llm.StreamEvent{
		toolUseBatch("call-1", "file_read", `{"path":"a.go"}`),
		textBatch(structuredDone),
	}}
	exec, _ := newTestExecutor(t, client)

	var toolResults []string
	sink := func(ev AgentEvent) {
		if ev.Type == EventToolResult {
			toolResults = append(toolResults, ev.Content)
		}
	}

	result, err := exec.Run(context.Background(), Task{Input: "read a.go"}, nil, sink, RunOptions{MaxIterations: 5})
	require.NoError(t, err)
	require.True(t, result.Done)
	require.Contains(t, toolResults, "file contents")

	// the tool_use/tool_result pairing invariant holds across the whole
	// produced history.
	for i, m := range result.History {
		if m.Role != RoleAssistant {
			continue
		}
		ids := m.ToolUseIDs()
		if len(ids) == 0 {
			continue
		}
		require.Less(t, i+1, len(result.History))
		next := result.History[i+1]
		for _, id := range ids {
			require.Contains(t, next.ToolResultIDs(), id)
		}
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	var batches [][]llm.StreamEvent
	for i := 0; i < 10; i++ {
		batches = append(batches, toolUseBatch(fmt.Sprintf("call-%d", i), "file_read", `{"path":"a.go"}`))
	}
	client := &fakeLLMClient{batches: batches}
	exec, _ := newTestExecutor(t, client)

	result, err := exec.Run(context.Background(), Task{Input: "loop forever"}, nil, func(AgentEvent) {}, RunOptions{MaxIterations: 3})
	require.ErrorIs(t, err, ErrMaxIterations)
	require.False(t, result.Done)
}

func TestCompletionGateExhaustsVerificationAfterTwoFailuresThenConcludes(t *testing.T) {
	client := &fakeLLMClient{}
	exec, be := newTestExecutor(t, client)
	be.files["dirty.go"] = "package main"
	be.commandExitCode = 1 // lint always fails
	exec.cfg.Snapshot.SnapshotFileBeforeWrite("dirty.go", true, "package main // original", false)
	exec.cfg.Verifier = &Verifier{
		Backend:     be,
		LintCommand: func(path string) string { return "golint " + path },
	}

	prevToolResult := Message{Role: RoleUser, Blocks: []Block{{Kind: BlockToolResult, ToolResultForID: "x", ToolResultText: "ok"}}}
	structured := "What I learned\nWhy it matters\nDecision\nNext actions\nVerification status"
	assistant := AssistantText(structured)
	history := []Message{UserText("fix the bug"), prevToolResult, assistant}

	// first two calls: verification runs and fails, loop continues each time.
	pass1, loop1, directive1 := exec.completionGate(context.Background(), history, assistant, func(AgentEvent) {})
	require.False(t, pass1)
	require.True(t, loop1)
	require.Contains(t, directive1, "Verification failed")
	require.Equal(t, 1, exec.verifyAttempts)

	pass2, loop2, directive2 := exec.completionGate(context.Background(), history, assistant, func(AgentEvent) {})
	require.False(t, pass2)
	require.True(t, loop2)
	require.Contains(t, directive2, "Verification failed")
	require.Equal(t, 2, exec.verifyAttempts)

	// third call: verification is exhausted (verifyAttempts==2), but the
	// gate must not silently report done — it surfaces the last summary and
	// loops once more.
	pass3, loop3, directive3 := exec.completionGate(context.Background(), history, assistant, func(AgentEvent) {})
	require.False(t, pass3)
	require.True(t, loop3)
	require.Contains(t, directive3, "did not pass after repeated attempts")
	require.Contains(t, directive3, "lint")

	// fourth call: exhaustion was already surfaced once, so now it's safe
	// to conclude rather than looping forever.
	pass4, loop4, _ := exec.completionGate(context.Background(), history, assistant, func(AgentEvent) {})
	require.True(t, pass4)
	require.False(t, loop4)

	// verifyAttempts never exceeds the 2-attempt budget the gate enforces.
	require.Equal(t, 2, exec.verifyAttempts)
}

func TestCompletionGatePassesVerificationAndConcludes(t *testing.T) {
	client := &fakeLLMClient{}
	exec, be := newTestExecutor(t, client)
	be.files["clean.go"] = "package main"
	be.commandExitCode = 0 // lint passes
	exec.cfg.Snapshot.SnapshotFileBeforeWrite("clean.go", true, "package main // original", false)
	exec.cfg.Verifier = &Verifier{
		Backend:     be,
		LintCommand: func(path string) string { return "golint " + path },
	}

	prevToolResult := Message{Role: RoleUser, Blocks: []Block{{Kind: BlockToolResult, ToolResultForID: "x", ToolResultText: "ok"}}}
	structured := "What I learned\nWhy it matters\nDecision\nNext actions\nVerification status"
	assistant := AssistantText(structured)
	history := []Message{UserText("fix the bug"), prevToolResult, assistant}

	pass, loop, directive := exec.completionGate(context.Background(), history, assistant, func(AgentEvent) {})
	require.False(t, pass)
	require.True(t, loop)
	require.Contains(t, directive, "Verification passed")
}
