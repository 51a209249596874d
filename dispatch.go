package coda

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/codalabs/coda/tools"
)

// adaptive result cap: scales with context-usage fraction and window size
// (spec.md §4.12). At <25% usage the cap is ~50K*windowFactor, at >70% it
// drops to ~8K*windowFactor.
func (e *Executor) adaptiveResultCap(usageFraction float64) int {
	windowFactor := float64(e.cfg.History.ContextWindow) / 200_000
	if windowFactor <= 0 {
		windowFactor = 1
	}
	var base float64
	switch {
	case usageFraction < 0.25:
		base = 50_000
	case usageFraction > 0.70:
		base = 8_000
	default:
		// linear interpolation between the two anchors
		t := (usageFraction - 0.25) / (0.70 - 0.25)
		base = 50_000 - t*(50_000-8_000)
	}
	cap := int(base * windowFactor)
	if cap < 1000 {
		cap = 1000
	}
	return cap
}

func capResult(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	head := limit * 7 / 10
	tail := limit - head
	return fmt.Sprintf("%s\n… (%d chars omitted; use Read with offset/limit for the rest) …\n%s", s[:head], len(s)-head-tail, s[len(s)-tail:])
}

func (e *Executor) execContext() tools.ExecContext {
	return tools.ExecContext{
		Ctx:        context.Background(),
		Backend:    e.cfg.Backend,
		WorkingDir: e.cfg.Backend.WorkingDir(),
		Timeouts:   tools.Timeouts{DefaultCommandSeconds: 30, MaxCommandSeconds: 300},
		Runtime:    e.runtime(),
	}
}

func (e *Executor) runtime() *contextRuntime {
	if e.rt == nil {
		e.rt = newContextRuntime(e.cfg.Context, e.cfg.RequestQuestion, e.cfg.Index)
	}
	return e.rt
}

// dispatchTools implements the full two-phase dispatch (spec.md §4.12):
// safe tools run concurrently with read-cache dedup, then mutating tools
// (file writes serialized per path, parallel across paths; commands always
// serial) run with policy checks, snapshotting, and post-write lint.
func (e *Executor) dispatchTools(ctx context.Context, assistantMsg Message, sink EventSink) Message {
	var uses []Block
	for _, b := range assistantMsg.ContentBlocks() {
		if b.Kind == BlockToolUse {
			uses = append(uses, b)
		}
	}

	safeNames, fileMutatingNames, commandNames := e.cfg.Tools.Classify()
	safeSet, fileMutSet, cmdSet := toSet(safeNames), toSet(fileMutatingNames), toSet(commandNames)

	results := make(map[string]Block, len(uses))
	var mu sync.Mutex

	// Phase A: safe tools, concurrent, deduplicated by (name, input).
	var wg sync.WaitGroup
	seen := map[string]string{} // dedupKey -> toolUseID already computed
	dups := map[string]string{} // duplicate toolUseID -> first toolUseID
	for _, u := range uses {
		if !safeSet[u.ToolName] {
			continue
		}
		dedupKey := u.ToolName + ":" + string(u.ToolInput)
		if existingID, ok := seen[dedupKey]; ok {
			dups[u.ToolUseID] = existingID
			continue
		}
		seen[dedupKey] = u.ToolUseID
		wg.Add(1)
		go func(u Block) {
			defer wg.Done()
			out := e.execSafeTool(ctx, u, sink)
			mu.Lock()
			results[u.ToolUseID] = out
			mu.Unlock()
		}(u)
	}
	wg.Wait()
	for id, firstID := range dups {
		prior := results[firstID]
		results[id] = Block{Kind: BlockToolResult, ToolResultForID: id, ToolResultText: prior.ToolResultText, IsError: prior.IsError}
	}

	// Phase B: mutating tools, partitioned into file writes and commands.
	var writes, commands []Block
	for _, u := range uses {
		switch {
		case fileMutSet[u.ToolName]:
			writes = append(writes, u)
		case cmdSet[u.ToolName]:
			commands = append(commands, u)
		}
	}

	for id, res := range e.dispatchWrites(ctx, writes, sink) {
		results[id] = res
	}
	for id, res := range e.dispatchCommands(ctx, commands, sink) {
		results[id] = res
	}

	resultCap := e.adaptiveResultCap(e.cfg.History.UsageFraction())
	blocks := make([]Block, 0, len(uses))
	for _, u := range uses {
		r, ok := results[u.ToolUseID]
		if !ok {
			r = Block{Kind: BlockToolResult, ToolResultForID: u.ToolUseID, ToolResultText: "tool produced no result", IsError: true}
		}
		r.ToolResultText = capResult(r.ToolResultText, resultCap)
		blocks = append(blocks, r)
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

// dispatchSafeOnly is used by ScoutRunner/Planner sub-loops, which may only
// invoke safe tools; anything else is rejected.
func (e *Executor) dispatchSafeOnly(ctx context.Context, assistantMsg Message, sink EventSink) Message {
	safeNames, _, _ := e.cfg.Tools.Classify()
	safeSet := toSet(safeNames)

	var blocks []Block
	for _, b := range assistantMsg.ContentBlocks() {
		if b.Kind != BlockToolUse {
			continue
		}
		if !safeSet[b.ToolName] {
			blocks = append(blocks, Block{Kind: BlockToolResult, ToolResultForID: b.ToolUseID, ToolResultText: "tool not permitted in this phase", IsError: true})
			continue
		}
		blocks = append(blocks, e.execSafeTool(ctx, b, sink))
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

func (e *Executor) execSafeTool(ctx context.Context, u Block, sink EventSink) Block {
	sink(AgentEvent{Type: EventToolCall, Content: u.ToolName})

	_, span := e.cfg.Tracer.Start(ctx, "coda.tool.call",
		StringAttr("coda.tool.name", u.ToolName), StringAttr("coda.tool.class", string(tools.ClassSafe)))
	defer span.End()

	if u.ToolName == "file_read" {
		if cached, ok := e.readCacheGet(u); ok {
			span.SetAttr(BoolAttr("coda.tool.cache_hit", true))
			return Block{Kind: BlockToolResult, ToolResultForID: u.ToolUseID, ToolResultText: cached}
		}
	}

	res := e.cfg.Tools.Execute(e.execContext(), u.ToolName, u.ToolInput)
	sink(AgentEvent{Type: EventToolResult, Content: res.Output})
	span.SetAttr(BoolAttr("coda.tool.success", res.Success))
	if !res.Success {
		span.Event("tool_failed", StringAttr("error", res.Error))
	}

	if u.ToolName == "file_read" && res.Success {
		e.readCacheSet(u, res.Output)
	}

	return toolResultBlock(u.ToolUseID, res)
}

func toolResultBlock(id string, res tools.Result) Block {
	if res.Success {
		return Block{Kind: BlockToolResult, ToolResultForID: id, ToolResultText: res.Output}
	}
	text := res.Error
	if text == "" {
		text = "tool failed"
	}
	if res.Output != "" {
		text = text + "\n" + res.Output
	}
	return Block{Kind: BlockToolResult, ToolResultForID: id, ToolResultText: text, IsError: true}
}

func (e *Executor) readCacheKey(u Block) string {
	var in struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(u.ToolInput, &in)
	resolved, err := e.cfg.Backend.ResolvePath(in.Path)
	if err != nil {
		resolved = in.Path
	}
	return e.cfg.Backend.ID() + ":" + resolved
}

func (e *Executor) readCacheGet(u Block) (string, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	v, ok := e.readCache[e.readCacheKey(u)]
	return v, ok
}

func (e *Executor) readCacheSet(u Block, content string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.readCache[e.readCacheKey(u)] = content
}

func (e *Executor) invalidateReadCache(path string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	key := e.cfg.Backend.ID() + ":" + path
	delete(e.readCache, key)
}

// dispatchWrites implements the file-mutating half of Phase B: policy
// check, approval, per-path grouping (serial within a group, parallel
// across groups), snapshot-before-write, and post-write lint.
func (e *Executor) dispatchWrites(ctx context.Context, writes []Block, sink EventSink) map[string]Block {
	out := make(map[string]Block, len(writes))
	if len(writes) == 0 {
		return out
	}

	groups := map[string][]Block{}
	order := []string{}
	for _, w := range writes {
		path := extractPath(w.ToolInput)
		if _, ok := groups[path]; !ok {
			order = append(order, path)
		}
		groups[path] = append(groups[path], w)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, path := range order {
		wg.Add(1)
		go func(path string, group []Block) {
			defer wg.Done()
			groupFailed := false
			for _, w := range group {
				if groupFailed {
					mu.Lock()
					out[w.ToolUseID] = Block{Kind: BlockToolResult, ToolResultForID: w.ToolUseID, ToolResultText: "Skipped: earlier edit to same file failed", IsError: true}
					mu.Unlock()
					continue
				}
				res := e.execWriteOne(ctx, path, w, sink)
				mu.Lock()
				out[w.ToolUseID] = res
				mu.Unlock()
				if res.IsError {
					groupFailed = true
				}
			}
		}(path, groups[path])
	}
	wg.Wait()
	return out
}

func extractPath(input json.RawMessage) string {
	var in struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(input, &in)
	return in.Path
}

func (e *Executor) execWriteOne(ctx context.Context, path string, w Block, sink EventSink) Block {
	ctx, span := e.cfg.Tracer.Start(ctx, "coda.tool.call",
		StringAttr("coda.tool.name", w.ToolName), StringAttr("coda.tool.class", string(tools.ClassFileMutating)), StringAttr("coda.tool.path", path))
	defer span.End()

	resolved, err := e.cfg.Backend.ResolvePath(path)
	if err != nil {
		return Block{Kind: BlockToolResult, ToolResultForID: w.ToolUseID, ToolResultText: err.Error(), IsError: true}
	}

	decision := e.cfg.Policy.Decide(w.ToolName, "")
	if decision.Blocked {
		e.cfg.Context.RecordFailure("policy_blocked", decision.Reason, w.ToolName)
		sink(AgentEvent{Type: EventToolRejected, Content: decision.Reason})
		return Block{Kind: BlockToolResult, ToolResultForID: w.ToolUseID, ToolResultText: decision.Reason, IsError: true}
	}
	if decision.RequireApproval {
		fp := Fingerprint(w.ToolName, resolved, "")
		if !e.cfg.Context.IsApproved(fp) {
			if e.cfg.RequestApproval == nil || !e.cfg.RequestApproval(ctx, w.ToolName, "edit "+path, map[string]any{"path": path}) {
				sink(AgentEvent{Type: EventToolRejected, Content: "User rejected this operation."})
				return Block{Kind: BlockToolResult, ToolResultForID: w.ToolUseID, ToolResultText: "User rejected this operation.", IsError: true}
			}
			e.cfg.Context.Approve(fp)
		} else {
			sink(AgentEvent{Type: EventAutoApproved, Content: path})
		}
	}

	existed, _ := e.cfg.Backend.FileExists(ctx, resolved)
	priorContent := ""
	if existed {
		priorContent, _ = e.cfg.Backend.ReadFile(ctx, resolved)
	}
	snapContent := priorContent
	if !existed {
		var in struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(w.ToolInput, &in)
		snapContent = in.Content
	}
	e.cfg.Snapshot.SnapshotFileBeforeWrite(resolved, existed, snapContent, !existed)

	res := e.cfg.Tools.Execute(e.execContext(), w.ToolName, w.ToolInput)
	e.invalidateReadCache(resolved)
	span.SetAttr(BoolAttr("coda.tool.success", res.Success))

	if !res.Success {
		e.cfg.Context.RecordEditFailure(resolved)
		e.cfg.Context.RecordFailure("edit_failed", res.Error, w.ToolName)
		if strReplaceRetryable(res.Error) {
			content, rerr := e.cfg.Backend.ReadFile(ctx, resolved)
			if rerr == nil {
				hint := capResult(content, 20_000)
				return Block{Kind: BlockToolResult, ToolResultForID: w.ToolUseID, ToolResultText: res.Error + "\n\nCurrent file content:\n" + hint, IsError: true}
			}
		}
		return toolResultBlock(w.ToolUseID, res)
	}

	lintRes := e.cfg.Tools.Execute(e.execContext(), "lint", mustJSON(map[string]string{"path": path}))
	output := res.Output
	if strings.TrimSpace(lintRes.Output) != "" && lintRes.Output != "no issues" {
		output += "\n\nFix these lint errors:\n" + lintRes.Output
	}

	return Block{Kind: BlockToolResult, ToolResultForID: w.ToolUseID, ToolResultText: output}
}

func strReplaceRetryable(errMsg string) bool {
	return strings.Contains(errMsg, "not found") || strings.Contains(errMsg, "multiple occurrences") || strings.Contains(errMsg, "occurs")
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// dispatchCommands runs command-class tools strictly serially, taking a
// session checkpoint before the first and emitting command_partial_failure
// on error-signature output (spec.md §4.12).
func (e *Executor) dispatchCommands(ctx context.Context, commands []Block, sink EventSink) map[string]Block {
	out := make(map[string]Block, len(commands))
	if len(commands) == 0 {
		return out
	}

	snapshot := make(map[string]string)
	for _, path := range e.cfg.Snapshot.TrackedFiles() {
		if content, err := e.cfg.Backend.ReadFile(ctx, path); err == nil {
			snapshot[path] = content
		}
	}
	cp := e.cfg.Snapshot.CreateSessionCheckpoint("pre-command-batch", snapshot)
	sink(AgentEvent{Type: EventCheckpointCreated, Content: cp.ID})

	for _, c := range commands {
		decision := e.cfg.Policy.Decide(c.ToolName, extractCommand(c.ToolInput))
		if decision.Blocked {
			e.cfg.Context.RecordFailure("policy_blocked", decision.Reason, c.ToolName)
			sink(AgentEvent{Type: EventToolRejected, Content: decision.Reason})
			out[c.ToolUseID] = Block{Kind: BlockToolResult, ToolResultForID: c.ToolUseID, ToolResultText: decision.Reason, IsError: true}
			continue
		}
		if decision.RequireApproval {
			fp := Fingerprint(c.ToolName, "", extractCommand(c.ToolInput))
			if !e.cfg.Context.IsApproved(fp) {
				if e.cfg.RequestApproval == nil || !e.cfg.RequestApproval(ctx, c.ToolName, extractCommand(c.ToolInput), map[string]any{"command": extractCommand(c.ToolInput)}) {
					sink(AgentEvent{Type: EventToolRejected, Content: "User rejected this operation."})
					out[c.ToolUseID] = Block{Kind: BlockToolResult, ToolResultForID: c.ToolUseID, ToolResultText: "User rejected this operation.", IsError: true}
					continue
				}
				e.cfg.Context.Approve(fp)
			} else {
				sink(AgentEvent{Type: EventAutoApproved, Content: extractCommand(c.ToolInput)})
			}
		}

		_, span := e.cfg.Tracer.Start(ctx, "coda.tool.call",
			StringAttr("coda.tool.name", c.ToolName), StringAttr("coda.tool.class", string(tools.ClassCommand)))

		res := e.cfg.Tools.Execute(e.execContext(), c.ToolName, c.ToolInput)
		sink(AgentEvent{Type: EventCommandOutput, Content: res.Output})
		span.SetAttr(BoolAttr("coda.tool.success", res.Success))
		if tools.HasErrorSignature(res.Output) {
			sink(AgentEvent{Type: EventCommandPartialFailure, Content: res.Output})
			span.Event("command_error_signature")
		}
		if !res.Success {
			e.cfg.Context.RecordFailure("command_failed", res.Error, c.ToolName)
		}
		span.End()
		out[c.ToolUseID] = toolResultBlock(c.ToolUseID, res)
	}
	return out
}

func extractCommand(input json.RawMessage) string {
	var in struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(input, &in)
	return in.Command
}
