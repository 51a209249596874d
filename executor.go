package coda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codalabs/coda/backend"
	"github.com/codalabs/coda/llm"
	"github.com/codalabs/coda/tools"
)

// ExecutorConfig wires every collaborator the agentic loop depends on.
// Fields left nil fall back to a sensible built-in (NewExecutor fills them).
type ExecutorConfig struct {
	Backend backend.Backend
	Tools   *tools.Registry
	LLM     llm.Client

	Policy   *PolicyEngine
	Context  *ContextState
	Snapshot *SnapshotStore
	History  *HistoryManager
	Verifier *Verifier
	Tracer   Tracer
	Index    SemanticIndex
	Logger   *slog.Logger

	SystemPrompt string
	ModelConfig  llm.Config

	StreamMaxRetries       int
	StreamRetryBackoffBase time.Duration

	RequestApproval func(ctx context.Context, toolName, description string, inputs map[string]any) bool
	RequestQuestion func(ctx context.Context, question, context, toolUseID string, options []string) (string, error)
}

// RunOptions configures one Executor.Run invocation.
type RunOptions struct {
	MaxIterations     int
	EnableScout       bool
	PreserveSnapshots bool
}

// RunResult is what Run/RunBuild return on normal completion.
type RunResult struct {
	History []Message
	Usage   Usage
	Done    bool
}

const defaultMaxIterations = 50

// Executor is the agentic loop: streams the LLM, dispatches tool batches,
// snapshots files, records failures, emits events (spec.md §4.12, C12).
type Executor struct {
	cfg ExecutorConfig
	rt  *contextRuntime

	readCache   map[string]string // backendId+resolvedPath -> content
	cacheMu     sync.Mutex
	cancelled   bool
	consecutiveStreamErrs int
	lastErrSignature      string
	softLimitInjected     bool
	repairCount           int
	verifyAttempts        int
	verifyExhausted       bool
	lastVerifySummary     string
	lastPlanStep          int
}

// NewExecutor builds an Executor, filling any nil collaborator with a
// default implementation.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Policy == nil {
		cfg.Policy = NewPolicyEngine(true)
	}
	if cfg.Context == nil {
		cfg.Context = NewContextState(cfg.Backend.WorkingDir())
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = NewSnapshotStore()
	}
	if cfg.History == nil {
		cfg.History = &HistoryManager{ContextWindow: 200_000}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noopTracer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tools != nil {
		cfg.Tools.SetLogger(cfg.Logger)
	}
	if cfg.StreamMaxRetries == 0 {
		cfg.StreamMaxRetries = 4
	}
	if cfg.StreamRetryBackoffBase == 0 {
		cfg.StreamRetryBackoffBase = 500 * time.Millisecond
	}
	if cfg.ModelConfig.MaxTokens == 0 {
		cfg.ModelConfig.MaxTokens = 8192
	}
	return &Executor{cfg: cfg, readCache: make(map[string]string)}
}

// Cancel requests cooperative cancellation: the running command is killed
// and the loop exits with a cancelled event at its next checkpoint.
func (e *Executor) Cancel() {
	e.cancelled = true
	e.cfg.Backend.CancelRunningCommand()
}

// Run drives the main agentic loop until the model ends its turn without
// tools, the iteration budget is exhausted, or the caller cancels.
func (e *Executor) Run(ctx context.Context, task Task, history []Message, sink EventSink, opts RunOptions) (RunResult, error) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	if len(history) == 0 {
		history = []Message{UserText(task.Input)}
	}

	e.cfg.Logger.Info("run started", "sessionId", task.SessionID, "maxIterations", maxIter)

	var total Usage
	for iter := 0; iter < maxIter; iter++ {
		if e.cancelled {
			e.cfg.Logger.Info("run cancelled", "sessionId", task.SessionID, "iteration", iter)
			sink(AgentEvent{Type: EventCancelled})
			return RunResult{History: history, Usage: total}, nil
		}

		if guidance := e.cfg.Context.DrainGuidance(); guidance != "" {
			history = append(history, UserText("[USER GUIDANCE — "+guidance+"]"))
			sink(AgentEvent{Type: EventGuidanceApplied, Content: guidance})
		}

		if !e.softLimitInjected && float64(iter) >= 0.85*float64(maxIter) {
			e.softLimitInjected = true
			history = append(history, UserText("[SYSTEM] You are approaching the iteration limit. Prioritize finishing the current step and concluding."))
		}

		trimmed, trimResult := e.cfg.History.Trim(ctx, history, e.cfg.SystemPrompt)
		history = trimmed
		if trimResult.TierApplied > 0 {
			history = e.cfg.History.Repair(history)
		} else {
			history = e.cfg.History.Repair(history)
		}

		iterCtx, iterSpan := e.cfg.Tracer.Start(ctx, "coda.iteration",
			IntAttr("coda.iteration.number", iter), StringAttr("coda.session.id", task.SessionID))
		completion, usage, err := e.streamWithRetry(iterCtx, history, sink)
		total.Add(usage)
		iterSpan.SetAttr(IntAttr("coda.tokens.input", usage.InputTokens), IntAttr("coda.tokens.output", usage.OutputTokens))
		if err != nil {
			iterSpan.Error(err)
			iterSpan.End()
			if err == errGuidanceInterrupt {
				continue
			}
			e.cfg.Logger.Error("stream failed", "sessionId", task.SessionID, "iteration", iter, "error", err)
			sink(AgentEvent{Type: EventError, Content: err.Error()})
			return RunResult{History: history, Usage: total}, err
		}
		iterSpan.End()

		assistantMsg := blocksToMessage(RoleAssistant, completion.Blocks)
		history = append(history, assistantMsg)
		e.trackPlanStep(assistantMsg, sink)

		toolUses := assistantMsg.ToolUseIDs()
		if len(toolUses) == 0 {
			if completion.StopReason == llm.StopMaxTokens || completion.StopReason == llm.StopLength {
				history = append(history, UserText("[SYSTEM] Continue from where you left off."))
				continue
			}

			gate, loopAgain, directive := e.completionGate(ctx, history, assistantMsg, sink)
			if loopAgain {
				if directive != "" {
					history = append(history, UserText(directive))
				}
				continue
			}
			if gate {
				e.cfg.Logger.Info("run done", "sessionId", task.SessionID, "iteration", iter, "inputTokens", total.InputTokens, "outputTokens", total.OutputTokens)
				sink(AgentEvent{Type: EventDone, Data: map[string]any{"usage": total}})
				return RunResult{History: history, Usage: total, Done: true}, nil
			}
			return RunResult{History: history, Usage: total}, nil
		}

		resultMsg := e.dispatchTools(ctx, assistantMsg, sink)
		if guidance := e.cfg.Context.DrainGuidance(); guidance != "" {
			resultMsg.Blocks = append(resultMsg.Blocks, Block{Kind: BlockText, Text: "[USER GUIDANCE — " + guidance + "]"})
			sink(AgentEvent{Type: EventGuidanceApplied, Content: guidance})
		}
		history = append(history, resultMsg)
	}

	sink(AgentEvent{Type: EventError, Content: "Reached maximum iterations"})
	return RunResult{History: history, Usage: total}, ErrMaxIterations
}

// RunSubLoop implements ToolIterator for ScoutRunner and Planner: a bounded
// sub-loop restricted to safe tools, with no completion gates, returning
// the last assistant text produced.
func (e *Executor) RunSubLoop(ctx context.Context, task Task, systemPrompt string, maxIterations int, sink EventSink) (string, Usage, error) {
	history := []Message{UserText(task.Input)}
	safeNames, _, _ := e.cfg.Tools.Classify()
	safeSet := toSet(safeNames)

	var total Usage
	var lastText string

	for iter := 0; iter < maxIterations; iter++ {
		if e.cancelled {
			return lastText, total, nil
		}
		trimmed, _ := e.cfg.History.Trim(ctx, history, systemPrompt)
		history = e.cfg.History.Repair(trimmed)

		defs := e.toolDefsForNames(safeSet)
		completion, err := e.cfg.LLM.Generate(ctx, toLLMMessages(history), systemPrompt, defs, e.cfg.ModelConfig)
		if err != nil {
			return lastText, total, err
		}
		total.Add(fromLLMUsage(completion.Usage))

		assistantMsg := blocksToMessage(RoleAssistant, completion.Blocks)
		history = append(history, assistantMsg)
		lastText = textContent(assistantMsg)

		toolUses := assistantMsg.ToolUseIDs()
		if len(toolUses) == 0 {
			return lastText, total, nil
		}

		resultMsg := e.dispatchSafeOnly(ctx, assistantMsg, sink)
		history = append(history, resultMsg)
	}

	return lastText, total, nil
}

// textContent concatenates an assistant message's text blocks (plan-step
// tracking and completion-gate phrase matching both work on this, not on
// thinking content).
func textContent(m Message) string {
	var sb strings.Builder
	for _, b := range m.ContentBlocks() {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

func (e *Executor) toolDefsForNames(allow map[string]bool) []llm.ToolDefinition {
	var out []llm.ToolDefinition
	for _, d := range e.cfg.Tools.Definitions() {
		if allow != nil && !allow[d.Name] {
			continue
		}
		out = append(out, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Schema})
	}
	return out
}

var errGuidanceInterrupt = fmt.Errorf("guidance interrupt")

var retryableSignature = regexp.MustCompile(`(?i)(network|timeout|throttl|endpoint|rate.?limit|connection reset|context.length|token.?limit)`)

// streamWithRetry streams one completion with exponential backoff on
// retryable faults, rolling back on exhaustion or switching to repair after
// three consecutive identical errors (spec.md §4.12 "Stream recovery").
func (e *Executor) streamWithRetry(ctx context.Context, history []Message, sink EventSink) (llm.Completion, Usage, error) {
	msgs := toLLMMessages(history)
	defs := e.toolDefsForNames(nil)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.StreamMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.StreamRetryBackoffBase * time.Duration(1<<uint(attempt))
			sink(AgentEvent{Type: EventStreamRetry, Content: fmt.Sprintf("attempt %d after %s", attempt, backoff)})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return llm.Completion{}, Usage{}, ctx.Err()
			}
		}

		ch, err := e.cfg.LLM.Stream(ctx, msgs, e.cfg.SystemPrompt, defs, e.cfg.ModelConfig)
		if err != nil {
			lastErr = err
		} else {
			completion, streamErr := e.drainStream(ch, sink)
			if streamErr == nil {
				e.consecutiveStreamErrs = 0
				return completion, fromLLMUsage(completion.Usage), nil
			}
			lastErr = streamErr
		}

		sig := errorSignature(lastErr)
		if sig == e.lastErrSignature {
			e.consecutiveStreamErrs++
		} else {
			e.consecutiveStreamErrs = 1
			e.lastErrSignature = sig
		}

		if !retryableSignature.MatchString(lastErr.Error()) {
			break
		}
		if e.consecutiveStreamErrs >= 3 {
			break
		}
	}

	sink(AgentEvent{Type: EventStreamFailed, Content: lastErr.Error()})
	if e.consecutiveStreamErrs >= 3 {
		return llm.Completion{}, Usage{}, fmt.Errorf("repairing after repeated stream failures: %w", lastErr)
	}
	rollback(&history)
	return llm.Completion{}, Usage{}, fmt.Errorf("stream failed: %w", lastErr)
}

func errorSignature(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// rollback pops the last user message and any immediately preceding
// assistant message that contains an orphan tool_use, per spec.md §4.12.
func rollback(history *[]Message) {
	h := *history
	if len(h) == 0 {
		return
	}
	if h[len(h)-1].Role == RoleUser {
		h = h[:len(h)-1]
	}
	if len(h) > 0 && h[len(h)-1].Role == RoleAssistant && len(h[len(h)-1].ToolUseIDs()) > 0 {
		h = h[:len(h)-1]
	}
	*history = h
}

func (e *Executor) drainStream(ch <-chan llm.StreamEvent, sink EventSink) (llm.Completion, error) {
	var blocks []llm.Block
	var curText, curThinking, curSig string
	var curToolID, curToolName, curToolInput string
	var usage llm.Usage
	var stopReason llm.StopReason

	flushText := func() {
		if curText != "" {
			blocks = append(blocks, llm.Block{Kind: llm.BlockText, Text: curText})
			curText = ""
		}
	}
	flushThinking := func() {
		if curThinking != "" {
			blocks = append(blocks, llm.Block{Kind: llm.BlockThinking, Thinking: curThinking, Signature: curSig})
			curThinking, curSig = "", ""
		}
	}
	flushTool := func() {
		if curToolID != "" {
			blocks = append(blocks, llm.Block{Kind: llm.BlockToolUse, ToolUseID: curToolID, ToolName: curToolName, ToolInput: json.RawMessage(curToolInput)})
			curToolID, curToolName, curToolInput = "", "", ""
		}
	}

	for ev := range ch {
		if e.cancelled {
			return llm.Completion{}, errGuidanceInterrupt
		}
		switch ev.Type {
		case llm.EventText:
			curText += ev.Text
			sink(AgentEvent{Type: EventTextDelta, Content: ev.Text})
		case llm.EventThinking:
			curThinking += ev.Thinking
			if ev.Signature != "" {
				curSig = ev.Signature
			}
			sink(AgentEvent{Type: EventThinking, Content: ev.Thinking})
		case llm.EventToolUseStart:
			flushText()
			flushThinking()
			curToolID, curToolName = ev.ToolUseID, ev.ToolName
			sink(AgentEvent{Type: EventToolUseStart, Content: ev.ToolName})
		case llm.EventToolUseDelta:
			curToolInput += ev.ToolInputDelta
		case llm.EventToolUseEnd:
			flushTool()
			sink(AgentEvent{Type: EventToolUseEnd})
		case llm.EventUsageStart:
			sink(AgentEvent{Type: EventUsageStart})
		case llm.EventMessageEnd:
			usage = ev.Usage
			stopReason = ev.StopReason
		case llm.EventError:
			return llm.Completion{}, ev.Err
		}
	}
	flushText()
	flushThinking()
	flushTool()

	return llm.Completion{Blocks: blocks, Usage: usage, StopReason: stopReason}, nil
}

// --- Conversion between coda.Message/Block and llm.Message/Block ---

func toLLMMessages(history []Message) []llm.Message {
	out := make([]llm.Message, len(history))
	for i, m := range history {
		out[i] = llm.Message{Role: llm.Role(m.Role), Blocks: toLLMBlocks(m.ContentBlocks())}
	}
	return out
}

func toLLMBlocks(blocks []Block) []llm.Block {
	out := make([]llm.Block, len(blocks))
	for i, b := range blocks {
		out[i] = llm.Block{
			Kind:            llm.BlockKind(b.Kind),
			Text:            b.Text,
			Thinking:        b.Thinking,
			Signature:       b.Signature,
			ToolUseID:       b.ToolUseID,
			ToolName:        b.ToolName,
			ToolInput:       b.ToolInput,
			ToolResultForID: b.ToolResultForID,
			ToolResultText:  b.ToolResultText,
			IsError:         b.IsError,
			MediaType:       b.MediaType,
			Base64:          b.Base64,
			ServerToolName:  b.ServerToolName,
			ServerToolData:  b.ServerToolData,
		}
	}
	return out
}

func blocksToMessage(role Role, blocks []llm.Block) Message {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = Block{
			Kind:            BlockKind(b.Kind),
			Text:            b.Text,
			Thinking:        b.Thinking,
			Signature:       b.Signature,
			ToolUseID:       b.ToolUseID,
			ToolName:        b.ToolName,
			ToolInput:       b.ToolInput,
			ToolResultForID: b.ToolResultForID,
			ToolResultText:  b.ToolResultText,
			IsError:         b.IsError,
			MediaType:       b.MediaType,
			Base64:          b.Base64,
			ServerToolName:  b.ServerToolName,
			ServerToolData:  b.ServerToolData,
		}
	}
	return Message{Role: role, Blocks: out}
}

func fromLLMUsage(u llm.Usage) Usage {
	return Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, CacheReadTokens: u.CacheReadTokens, CacheWriteTokens: u.CacheWriteTokens}
}

// --- Plan-step tracking (spec.md §4.12) ---

var planStepRe = regexp.MustCompile(`(?i)\b(?:step|working on step)\s+(\d+)\b`)

func (e *Executor) trackPlanStep(assistantMsg Message, sink EventSink) {
	text := textContent(assistantMsg)
	if len(text) > 500 {
		text = text[:500]
	}
	m := planStepRe.FindStringSubmatch(text)
	if m == nil {
		return
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n == e.lastPlanStep {
		return
	}
	e.lastPlanStep = n
	snapshot := make(map[string]string)
	for _, path := range e.cfg.Snapshot.TrackedFiles() {
		content, err := e.cfg.Backend.ReadFile(context.Background(), path)
		if err == nil {
			snapshot[path] = content
		}
	}
	e.cfg.Snapshot.CaptureStepCheckpoint(n, snapshot)
	sink(AgentEvent{Type: EventPlanStepProgress, Data: map[string]any{"step": n}})
}

// --- Completion gates (spec.md §4.12) ---

var completionPhraseRe = regexp.MustCompile(`(?i)(done|complete|finished|let me know|any other|further questions|does this|would you like)`)
var structuredHeadings = []string{"What I learned", "Why it matters", "Decision", "Next actions", "Verification status"}

// completionGate returns (pass, loopAgain, directive). pass=true means emit
// done and stop; loopAgain=true means directive should be appended to
// history as a user message and the loop should continue; both false means
// exit without marking done (conversational turn).
func (e *Executor) completionGate(ctx context.Context, history []Message, assistantMsg Message, sink EventSink) (bool, bool, string) {
	text := textContent(assistantMsg)
	prevWasToolResult := len(history) >= 2 && len(history[len(history)-2].ToolResultIDs()) > 0

	if !prevWasToolResult && !completionPhraseRe.MatchString(text) {
		return false, false, ""
	}

	if prevWasToolResult && e.repairCount < 2 {
		matched := 0
		for _, h := range structuredHeadings {
			if strings.Contains(text, h) {
				matched++
			}
		}
		if matched < 4 {
			e.repairCount++
			sink(AgentEvent{Type: EventVerificationPlan, Content: "requesting structured reasoning trace"})
			return false, true, "[SYSTEM] Restructure your summary with the headings: What I learned, Why it matters, Decision, Next actions, Verification status."
		}
	}

	modified := e.stillExistingModifiedFiles(ctx)
	if len(modified) > 0 && e.cfg.Verifier != nil {
		if e.verifyAttempts < 2 {
			e.verifyAttempts++
			sink(AgentEvent{Type: EventVerificationStage, Content: "running verification"})
			outcome := e.cfg.Verifier.Verify(ctx, modified)
			e.lastVerifySummary = outcome.Summary
			if !outcome.Passed {
				sink(AgentEvent{Type: EventVerificationStage, Content: outcome.Summary})
				return false, true, "[SYSTEM] Verification failed:\n" + outcome.Summary + "\nMake one fix attempt only, then conclude."
			}
			sink(AgentEvent{Type: EventAutoFixSuccess, Content: outcome.Summary})
			return false, true, "[SYSTEM] Verification passed:\n" + outcome.Summary + "\nConclude your turn."
		}
		if !e.verifyExhausted {
			e.verifyExhausted = true
			sink(AgentEvent{Type: EventVerificationStage, Content: e.lastVerifySummary})
			return false, true, "[SYSTEM] Verification did not pass after repeated attempts:\n" + e.lastVerifySummary +
				"\nNo further fix attempts will be run. Conclude your turn and summarize the remaining risk."
		}
	}

	return true, false, ""
}

func (e *Executor) stillExistingModifiedFiles(ctx context.Context) []string {
	var out []string
	for _, path := range e.cfg.Snapshot.TrackedFiles() {
		if ok, _ := e.cfg.Backend.FileExists(ctx, path); ok {
			out = append(out, path)
		}
	}
	return out
}
