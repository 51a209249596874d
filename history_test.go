package coda

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func toolUseMsg(id, name string) Message {
	return Message{Role: RoleAssistant, Blocks: []Block{{
		Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: json.RawMessage(`{}`),
	}}}
}

func TestRepairInsertsSyntheticResultForMissingToolResult(t *testing.T) {
	h := &HistoryManager{ContextWindow: 200_000}
	history := []Message{
		UserText("fix the bug"),
		toolUseMsg("call-1", "file_read"),
		UserText("unrelated follow-up"), // no tool_result for call-1
	}

	repaired := h.Repair(history)

	require.Len(t, repaired, 3)
	ids := repaired[2].ToolResultIDs()
	require.Contains(t, ids, "call-1")
	for _, b := range repaired[2].ContentBlocks() {
		if b.ToolResultForID == "call-1" {
			require.True(t, b.IsError)
			require.Contains(t, b.ToolResultText, "no result was recorded")
		}
	}
}

func TestRepairInsertsSyntheticMessageWhenToolUseIsLast(t *testing.T) {
	h := &HistoryManager{ContextWindow: 200_000}
	history := []Message{
		UserText("fix the bug"),
		toolUseMsg("call-1", "file_read"),
	}

	repaired := h.Repair(history)

	require.Len(t, repaired, 3)
	require.Equal(t, RoleUser, repaired[2].Role)
	require.Contains(t, repaired[2].ToolResultIDs(), "call-1")
}

func TestRepairLeavesPairedHistoryUntouched(t *testing.T) {
	h := &HistoryManager{ContextWindow: 200_000}
	history := []Message{
		UserText("fix the bug"),
		toolUseMsg("call-1", "file_read"),
		ToolResultMessage("call-1", "contents", false),
	}

	repaired := h.Repair(history)
	require.Equal(t, history, repaired)
}

func TestRepairIsIdempotent(t *testing.T) {
	h := &HistoryManager{ContextWindow: 200_000}
	history := []Message{
		UserText("fix the bug"),
		toolUseMsg("call-1", "file_read"),
	}

	once := h.Repair(history)
	twice := h.Repair(once)
	require.Equal(t, once, twice)
}

func TestTrimTier1DropsOldThinkingBlocksOnly(t *testing.T) {
	h := &HistoryManager{ContextWindow: 200_000}
	var history []Message
	for i := 0; i < 10; i++ {
		history = append(history, Message{Role: RoleAssistant, Blocks: []Block{
			{Kind: BlockThinking, Thinking: strings.Repeat("reasoning ", 200)},
			{Kind: BlockText, Text: "ok"},
		}})
	}
	history = append([]Message{UserText("go")}, history...)

	out := h.tier1DropThinking(history)

	// the last 4 assistant messages keep their thinking block, earlier ones don't
	thinkingCount := 0
	for _, m := range out {
		for _, b := range m.ContentBlocks() {
			if b.Kind == BlockThinking {
				thinkingCount++
			}
		}
	}
	require.Equal(t, 4, thinkingCount)
}

func TestTrimStaysUnderContextWindowAndUpdatesUsageFraction(t *testing.T) {
	h := &HistoryManager{ContextWindow: 50_000}

	var history []Message
	history = append(history, UserText("start the task"))
	for i := 0; i < 200; i++ {
		history = append(history,
			toolUseMsg("call", "file_read"),
			ToolResultMessage("call", strings.Repeat("line of output\n", 500), false),
		)
	}

	trimmed, result := h.Trim(context.Background(), history, "system prompt")

	require.Less(t, result.TokensAfter, result.TokensBefore)
	require.NotEmpty(t, trimmed)
	require.Equal(t, RoleUser, trimmed[0].Role)

	// UsageFraction reflects the post-trim token count, not the pre-trim one.
	frac := h.UsageFraction()
	require.GreaterOrEqual(t, frac, 0.0)
	require.LessOrEqual(t, frac, 1.0)
	require.InDelta(t, float64(result.TokensAfter)/50_000, frac, 0.0001)
}

func TestUsageFractionClampsToUnitRange(t *testing.T) {
	h := &HistoryManager{ContextWindow: 1000}
	h.lastTokens = -5
	require.Equal(t, 0.0, h.UsageFraction())

	h.lastTokens = 10_000
	require.Equal(t, 1.0, h.UsageFraction())
}

func TestUsageFractionDefaultsWindowWhenUnset(t *testing.T) {
	h := &HistoryManager{}
	h.lastTokens = 100_000
	require.InDelta(t, 0.5, h.UsageFraction(), 0.0001)
}

func TestEstimateTokensIncludesSystemPrompt(t *testing.T) {
	h := &HistoryManager{ContextWindow: 200_000}
	withoutPrompt := h.EstimateTokens([]Message{UserText("hi")}, "")
	withPrompt := h.EstimateTokens([]Message{UserText("hi")}, strings.Repeat("x", 350))
	require.Greater(t, withPrompt, withoutPrompt)
}
