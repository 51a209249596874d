// Package llm is the LLMClient abstraction (spec.md §4.3, component C3):
// given messages, a system prompt, tool definitions, and a config, it
// yields a typed stream of events, or a single completion for non-streaming
// callers (intent classification, scout/plan summarization).
package llm

import (
	"context"
	"encoding/json"
)

// Role mirrors coda.Role without importing the root package (llm sits
// below coda in the dependency order).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind mirrors coda.BlockKind.
type BlockKind string

const (
	BlockText            BlockKind = "text"
	BlockThinking        BlockKind = "thinking"
	BlockToolUse         BlockKind = "tool_use"
	BlockToolResult      BlockKind = "tool_result"
	BlockImage           BlockKind = "image"
	BlockServerToolUse   BlockKind = "server_tool_use"
	BlockWebSearchResult BlockKind = "web_search_tool_result"
)

// Block is the wire-level mirror of coda.Block; the root package converts
// between the two at the call boundary so that llm has no dependency on
// coda (coda depends on llm, not the reverse).
type Block struct {
	Kind BlockKind

	Text      string
	Thinking  string
	Signature string

	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	ToolResultForID string
	ToolResultText  string
	IsError         bool

	MediaType string
	Base64    string

	ServerToolName string
	ServerToolData json.RawMessage
}

// Message is the wire-level mirror of coda.Message.
type Message struct {
	Role   Role
	Blocks []Block
}

// ToolDefinition is one tool's published schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// AdaptiveEffort mirrors coda.AdaptiveEffort.
type AdaptiveEffort string

const (
	EffortLow    AdaptiveEffort = "low"
	EffortMedium AdaptiveEffort = "medium"
	EffortHigh   AdaptiveEffort = "high"
	EffortMax    AdaptiveEffort = "max"
)

// Config is spec.md §4.3's enumerated generation config.
type Config struct {
	MaxTokens      int
	Temperature    *float64
	TopP           *float64
	TopK           *int
	StopSequences  []string
	ThroughputMode string
	EnableThinking bool
	ThinkingBudget int
	Adaptive       bool
	AdaptiveEffort AdaptiveEffort
	StreamThinking bool
}

// StopReason is the closed set of reasons a turn ended, per spec.md §4.3.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopLength    StopReason = "length"
)

// Usage mirrors coda.Usage.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// StreamEventType discriminates StreamEvent.
type StreamEventType string

const (
	EventText            StreamEventType = "text"
	EventThinking        StreamEventType = "thinking"
	EventToolUseStart     StreamEventType = "tool_use_start"
	EventToolUseDelta     StreamEventType = "tool_use_delta"
	EventToolUseEnd       StreamEventType = "tool_use_end"
	EventUsageStart       StreamEventType = "usage_start"
	EventMessageEnd       StreamEventType = "message_end"
	EventError            StreamEventType = "error"
)

// StreamEvent is one chunk of a streaming completion.
type StreamEvent struct {
	Type StreamEventType

	Text      string
	Thinking  string
	Signature string

	ToolUseID    string
	ToolName     string
	ToolInputDelta string

	Usage      Usage
	StopReason StopReason
	Err        error
}

// Completion is a non-streaming result: the full content plus usage and
// stop reason, used by IntentClassifier/ScoutRunner/Planner's summarizers
// and anywhere a caller doesn't need incremental events.
type Completion struct {
	Blocks     []Block
	Usage      Usage
	StopReason StopReason
}

// EmbedKind distinguishes document vs query embedding requests, since some
// providers use asymmetric embedding spaces.
type EmbedKind string

const (
	EmbedDocument EmbedKind = "document"
	EmbedQuery    EmbedKind = "query"
)

// Client is the LLMClient contract (spec.md §4.3). Implementations MUST
// apply prompt caching at up to three breakpoints when the provider
// supports it (system prompt, last tool schema, most recent stable user
// message), and MUST preserve a thinking block's continuity signature
// verbatim into the next request.
type Client interface {
	Name() string
	Stream(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (<-chan StreamEvent, error)
	Generate(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (Completion, error)
	Embed(ctx context.Context, texts []string, kind EmbedKind) ([][]float32, error)
}
