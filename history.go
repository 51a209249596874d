package coda

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// charsPerToken is the cheap token-estimation ratio used throughout, per
// spec.md §4.4 ("~3.5 chars/token").
const charsPerToken = 3.5

// HistoryManager owns token estimation, tiered trimming, and structural
// repair of a Message transcript. It is stateless across calls except for
// the running summary, which accumulates across trims within one run, and
// the token count of the last Trim result, read by UsageFraction.
type HistoryManager struct {
	ContextWindow int
	Summarizer    Summarizer // cheap-model summarization for Tier 2; nil falls back to heuristic

	runningSummary string
	lastTokens     int
}

// UsageFraction returns the context-window fraction consumed as of the most
// recent Trim call, for callers (dispatchTools's adaptive result cap) that
// need the *current* usage rather than a hardcoded estimate.
func (h *HistoryManager) UsageFraction() float64 {
	window := h.ContextWindow
	if window <= 0 {
		window = 200_000
	}
	f := float64(h.lastTokens) / float64(window)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Summarizer produces a short prose summary of a run of messages, used by
// Tier 2 ("summarize"). A nil Summarizer (or one that errors) falls back to
// a heuristic summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// scaleFactor implements spec.md §4.4's "every heuristic limit scales by
// min(3, max(1, contextWindow/200_000))".
func (h *HistoryManager) scaleFactor() float64 {
	f := float64(h.ContextWindow) / 200_000
	if f < 1 {
		f = 1
	}
	if f > 3 {
		f = 3
	}
	return f
}

func scaled(base int, factor float64) int {
	return int(float64(base) * factor)
}

// blockTokens estimates the token cost of one Block: 10 for structural
// overhead plus each textual field's length / charsPerToken.
func blockTokens(b Block) int {
	n := 10.0
	n += float64(len(b.Text)) / charsPerToken
	n += float64(len(b.Thinking)) / charsPerToken
	n += float64(len(b.ToolInput)) / charsPerToken
	n += float64(len(b.ToolResultText)) / charsPerToken
	n += float64(len(b.ServerToolData)) / charsPerToken
	return int(n)
}

// messageTokens estimates one Message's token cost: sum of its blocks' costs
// plus 5 for message-level overhead.
func messageTokens(m Message) int {
	total := 5
	for _, b := range m.ContentBlocks() {
		total += blockTokens(b)
	}
	return total
}

// EstimateTokens estimates the total token cost of history plus the given
// composed system prompt (rules + learned patterns + todos + reminders),
// per spec.md §4.4's instruction to include the system prompt, not a flat
// guess.
func (h *HistoryManager) EstimateTokens(history []Message, systemPrompt string) int {
	total := int(float64(len(systemPrompt)) / charsPerToken)
	for _, m := range history {
		total += messageTokens(m)
	}
	return total
}

// TrimResult reports what the trim pass did, for event emission.
type TrimResult struct {
	TierApplied   int
	TokensBefore  int
	TokensAfter   int
}

// Trim applies the tiered trim strategy (spec.md §4.4) in place, returning
// the possibly-shortened history. It always finishes with the repair pass.
func (h *HistoryManager) Trim(ctx context.Context, history []Message, systemPrompt string) ([]Message, TrimResult) {
	factor := h.scaleFactor()
	window := h.ContextWindow
	if window <= 0 {
		window = 200_000
	}
	tier1Limit := int(0.55 * float64(window))
	tier2Limit := int(0.65 * float64(window))
	tier3Limit := int(0.80 * float64(window))

	before := h.EstimateTokens(history, systemPrompt)
	result := TrimResult{TokensBefore: before}

	tokens := before
	if tokens > tier1Limit {
		history = h.tier0Compress(history)
		tokens = h.EstimateTokens(history, systemPrompt)
		result.TierApplied = 1
	}
	if tokens > tier1Limit {
		history = h.tier1DropThinking(history)
		tokens = h.EstimateTokens(history, systemPrompt)
		result.TierApplied = 2
	}
	if tokens > tier2Limit {
		history = h.tier2Summarize(ctx, history, tokens, tier2Limit, factor)
		tokens = h.EstimateTokens(history, systemPrompt)
		result.TierApplied = 3
	}
	if tokens > tier3Limit {
		history = h.tier3Emergency(history, factor)
		tokens = h.EstimateTokens(history, systemPrompt)
		result.TierApplied = 4
	}

	history = ensureFirstUser(history)
	history = h.Repair(history)

	result.TokensAfter = h.EstimateTokens(history, systemPrompt)
	h.lastTokens = result.TokensAfter
	return history, result
}

func ensureFirstUser(history []Message) []Message {
	for len(history) > 0 && history[0].Role != RoleUser {
		history = history[1:]
	}
	return history
}

// --- Tier 0: inline compression of tool_result blocks ---

const workingSetWindow = 8

func (h *HistoryManager) tier0Compress(history []Message) []Message {
	factor := h.scaleFactor()
	out := make([]Message, len(history))
	copy(out, history)

	for i := range out {
		if out[i].Role != RoleUser {
			continue
		}
		blocks := out[i].ContentBlocks()
		changed := false
		newBlocks := make([]Block, len(blocks))
		for bi, b := range blocks {
			if b.Kind == BlockToolResult {
				compressed := compressToolResult(b, inWorkingSet(out, i, b), factor)
				if compressed.ToolResultText != b.ToolResultText {
					changed = true
				}
				newBlocks[bi] = compressed
			} else {
				newBlocks[bi] = b
			}
		}
		if changed {
			out[i].Blocks = newBlocks
			out[i].Text = ""
		}
	}
	return out
}

// inWorkingSet reports whether the file path referenced by a tool_result
// block still appears in the last workingSetWindow messages up to index i.
func inWorkingSet(history []Message, i int, b Block) bool {
	path := extractPathHint(b.ToolResultText)
	if path == "" {
		return true // be conservative: keep full content if we can't tell
	}
	lo := i - workingSetWindow
	if lo < 0 {
		lo = 0
	}
	for j := lo; j <= i && j < len(history); j++ {
		for _, blk := range history[j].ContentBlocks() {
			if blk.Kind == BlockToolUse && strings.Contains(string(blk.ToolInput), path) {
				return true
			}
		}
	}
	return false
}

var pathHintRe = regexp.MustCompile(`(?m)^(?:File:|Path:)\s*(\S+)`)

func extractPathHint(s string) string {
	if m := pathHintRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

var structuralLineRe = regexp.MustCompile(`^\s*(import|from|class |def |func |type |package |const |interface |struct )`)

// compressToolResult applies one rule to every tool_result of 20 or more
// lines, whichever tool produced it. A result whose File:/Path: line names a
// path outside the working set is collapsed to head + structural lines +
// tail; any other result (path still in the working set, or no path found)
// is kept at a larger head/tail size. Search, shell and listing output have
// no separate rule or character cap.
func compressToolResult(b Block, hot bool, factor float64) Block {
	lines := strings.Split(b.ToolResultText, "\n")
	if len(lines) < 20 {
		return b
	}

	var limit, head, tail int
	if hot {
		limit, head, tail = scaled(60, factor), scaled(30, factor), scaled(10, factor)
	} else {
		limit, head, tail = scaled(40, factor), scaled(20, factor), scaled(8, factor)
	}
	if len(lines) <= limit {
		return b
	}

	var structural []string
	if !hot {
		maxStructural := scaled(50, factor)
		for _, l := range lines {
			if structuralLineRe.MatchString(l) {
				structural = append(structural, l)
				if len(structural) >= maxStructural {
					break
				}
			}
		}
	}

	var sb strings.Builder
	writeLines(&sb, lines, 0, head)
	if len(structural) > 0 {
		sb.WriteString(fmt.Sprintf("\n… %d lines omitted, structural lines follow …\n", len(lines)-head-tail))
		for _, l := range structural {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
	} else {
		sb.WriteString(fmt.Sprintf("\n… %d lines omitted …\n", len(lines)-head-tail))
	}
	writeLines(&sb, lines, len(lines)-tail, len(lines))

	nb := b
	nb.ToolResultText = sb.String()
	return nb
}

func writeLines(sb *strings.Builder, lines []string, from, to int) {
	if from < 0 {
		from = 0
	}
	if to > len(lines) {
		to = len(lines)
	}
	for i := from; i < to; i++ {
		sb.WriteString(lines[i])
		sb.WriteByte('\n')
	}
}

// --- Tier 1: drop thinking, dedupe [System] blocks ---

func (h *HistoryManager) tier1DropThinking(history []Message) []Message {
	keepLast := 4
	out := make([]Message, len(history))
	copy(out, history)

	seenSystem := map[string]bool{}
	for i := range out {
		if out[i].Role != RoleAssistant {
			continue
		}
		dropThinking := i < len(out)-keepLast
		blocks := out[i].ContentBlocks()
		var kept []Block
		for _, b := range blocks {
			if b.Kind == BlockThinking && dropThinking {
				continue
			}
			if b.Kind == BlockText && strings.HasPrefix(strings.TrimSpace(b.Text), "[System]") {
				if seenSystem[b.Text] {
					continue
				}
				seenSystem[b.Text] = true
			}
			kept = append(kept, b)
		}
		out[i].Blocks = kept
		out[i].Text = ""
	}
	return out
}

// --- Tier 2: summarize the middle ---

func (h *HistoryManager) tier2Summarize(ctx context.Context, history []Message, tokens, tier2Limit int, factor float64) []Message {
	if len(history) < 4 {
		return history
	}

	var keepLast int
	switch {
	case float64(tokens) > 3*float64(tier2Limit):
		keepLast = 10
	case float64(tokens) > 1.5*float64(tier2Limit):
		keepLast = 14
	default:
		keepLast = 18
	}
	if keepLast >= len(history)-1 {
		return history
	}

	first := history[0]
	middle := history[1 : len(history)-keepLast]
	tail := history[len(history)-keepLast:]

	summary, err := h.summarize(ctx, middle)
	if err != nil || summary == "" {
		summary = heuristicSummary(middle)
	}

	h.runningSummary = appendSummary(h.runningSummary, summary, scaled(3000, factor))

	summaryMsg := Message{Role: RoleUser, Text: "[System] Conversation summary so far:\n" + h.runningSummary}

	out := make([]Message, 0, len(tail)+2)
	out = append(out, first, summaryMsg)
	out = append(out, tail...)
	return out
}

func (h *HistoryManager) summarize(ctx context.Context, messages []Message) (string, error) {
	if h.Summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	return h.Summarizer.Summarize(ctx, messages)
}

func heuristicSummary(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		for _, b := range m.ContentBlocks() {
			switch b.Kind {
			case BlockToolUse:
				sb.WriteString(fmt.Sprintf("- called %s\n", b.ToolName))
			case BlockText:
				t := strings.TrimSpace(b.Text)
				if t != "" {
					if len(t) > 120 {
						t = t[:120]
					}
					sb.WriteString("- " + t + "\n")
				}
			}
		}
	}
	return sb.String()
}

func appendSummary(existing, addition string, cap int) string {
	combined := strings.TrimSpace(existing + "\n" + addition)
	if len(combined) > cap {
		combined = combined[len(combined)-cap:]
	}
	return combined
}

// --- Tier 3: emergency truncation ---

func (h *HistoryManager) tier3Emergency(history []Message, factor float64) []Message {
	out := make([]Message, len(history))
	copy(out, history)

	fieldCapStructured := scaled(100, factor)
	fieldCapString := scaled(500, factor)

	for i := range out {
		blocks := out[i].ContentBlocks()
		var kept []Block
		for _, b := range blocks {
			if b.Kind == BlockThinking {
				continue
			}
			kept = append(kept, truncateBlock(b, fieldCapStructured, fieldCapString))
		}
		out[i].Blocks = kept
		out[i].Text = ""
	}

	if len(out) > 4 {
		// keep [first, summary-if-any, last-two]
		first := out[0]
		last2 := out[len(out)-2:]
		rebuilt := []Message{first}
		if strings.HasPrefix(textContent(out[1]), "[System] Conversation summary") {
			rebuilt = append(rebuilt, out[1])
		}
		rebuilt = append(rebuilt, last2...)
		out = rebuilt
	}
	return out
}

func truncateBlock(b Block, capStructured, capString int) Block {
	nb := b
	switch b.Kind {
	case BlockToolUse:
		if len(b.ToolInput) > capStructured {
			nb.ToolInput = b.ToolInput[:capStructured]
		}
	case BlockToolResult:
		if len(b.ToolResultText) > capString {
			nb.ToolResultText = b.ToolResultText[:capString] + "…"
		}
	case BlockText:
		if len(b.Text) > capString {
			nb.Text = b.Text[:capString] + "…"
		}
	}
	return nb
}

// --- Repair pass (spec.md §4.4's "firewall") ---

// Repair scans history and ensures every assistant tool_use is answered by a
// matching tool_result in the immediately following user message, inserting
// synthetic error results (and a synthetic message entirely) as needed.
func (h *HistoryManager) Repair(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for i := 0; i < len(history); i++ {
		m := history[i]
		out = append(out, m)
		if m.Role != RoleAssistant {
			continue
		}
		ids := m.ToolUseIDs()
		if len(ids) == 0 {
			continue
		}

		var next Message
		hasNext := i+1 < len(history) && history[i+1].Role == RoleUser
		if hasNext {
			next = history[i+1]
		}
		present := map[string]bool{}
		for _, id := range next.ToolResultIDs() {
			present[id] = true
		}

		missing := false
		for _, id := range ids {
			if !present[id] {
				missing = true
				break
			}
		}
		if !missing {
			continue
		}

		repaired := next
		repaired.Role = RoleUser
		for _, id := range ids {
			if present[id] {
				continue
			}
			repaired.Blocks = append(repaired.ContentBlocks(), Block{
				Kind:            BlockToolResult,
				ToolResultForID: id,
				ToolResultText:  "Error: no result was recorded for this tool call.",
				IsError:         true,
			})
			repaired.Text = ""
		}

		if hasNext {
			out = append(out, repaired)
			i++ // consumed history[i+1]
		} else {
			out = append(out, repaired)
		}
	}
	return out
}
