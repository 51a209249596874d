package coda

import (
	"encoding/json"
	"time"
)

// --- Message / Block sum type (spec.md §3, §9 "tagged variants") ---

// Role identifies the speaker of a Message. The first message in any
// history is always RoleUser.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind discriminates the Block sum type. Walkers over history switch
// exhaustively on Kind; an unrecognized Kind is an invariant violation, not
// a value to silently skip.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockThinking         BlockKind = "thinking"
	BlockToolUse          BlockKind = "tool_use"
	BlockToolResult       BlockKind = "tool_result"
	BlockImage            BlockKind = "image"
	BlockServerToolUse    BlockKind = "server_tool_use"
	BlockWebSearchResult  BlockKind = "web_search_tool_result"
)

// Block is one element of a Message's content. Exactly the fields relevant
// to Kind are populated; the rest are zero. This mirrors the discriminated
// union the original transcript format uses (a tagged dict per block) without
// resorting to an interface-per-kind, which would make repair/trim code a
// maze of type switches over N allocated types instead of one.
type Block struct {
	Kind BlockKind `json:"kind"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockThinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"` // opaque continuity signature, preserved verbatim

	// BlockToolUse
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`

	// BlockToolResult
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultText  string `json:"tool_result_text,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`

	// BlockImage
	MediaType string `json:"media_type,omitempty"`
	Base64    string `json:"base64,omitempty"`

	// BlockServerToolUse / BlockWebSearchResult
	ServerToolName string          `json:"server_tool_name,omitempty"`
	ServerToolData json.RawMessage `json:"server_tool_data,omitempty"`
}

// Message is one turn of conversation. Content is either a bare string
// (common case — pure text) or an ordered sequence of Blocks. Exactly one
// of Text/Blocks is meaningful at a time; ContentBlocks() normalizes both.
type Message struct {
	Role   Role    `json:"role"`
	Text   string  `json:"text,omitempty"`
	Blocks []Block `json:"blocks,omitempty"`
}

// ContentBlocks returns m's content as a block slice regardless of whether
// it was constructed from a bare string or an explicit block list.
func (m Message) ContentBlocks() []Block {
	if len(m.Blocks) > 0 {
		return m.Blocks
	}
	if m.Text == "" {
		return nil
	}
	return []Block{{Kind: BlockText, Text: m.Text}}
}

// ToolUseIDs returns the tool_use ids present in m, in order.
func (m Message) ToolUseIDs() []string {
	var ids []string
	for _, b := range m.ContentBlocks() {
		if b.Kind == BlockToolUse {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// ToolResultIDs returns the tool_use ids that m's tool_result blocks answer,
// in order.
func (m Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.ContentBlocks() {
		if b.Kind == BlockToolResult {
			ids = append(ids, b.ToolResultForID)
		}
	}
	return ids
}

// UserText constructs a plain user Message.
func UserText(text string) Message { return Message{Role: RoleUser, Text: text} }

// AssistantText constructs a plain assistant Message.
func AssistantText(text string) Message { return Message{Role: RoleAssistant, Text: text} }

// ToolResultMessage constructs a user Message carrying a single tool_result
// block, the common case when a tool is dispatched serially.
func ToolResultMessage(toolUseID, content string, isError bool) Message {
	return Message{Role: RoleUser, Blocks: []Block{{
		Kind:            BlockToolResult,
		ToolResultForID: toolUseID,
		ToolResultText:  content,
		IsError:         isError,
	}}}
}

// --- Usage ---

// Usage tracks token accounting across an agent run. CacheRead/CacheWrite
// are populated by providers that support prompt caching (§4.3).
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens"`
	CacheWriteTokens int `json:"cacheWriteTokens"`
}

// Add accumulates u2 into u in place.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheReadTokens += u2.CacheReadTokens
	u.CacheWriteTokens += u2.CacheWriteTokens
}

// --- AgentEvent (spec.md §3) ---

// EventType is drawn from the closed set spec.md §3 enumerates. Sinks must
// treat an unrecognized type as a forward-compatible no-op, not an error.
type EventType string

const (
	EventThinkingStart     EventType = "thinking_start"
	EventThinking          EventType = "thinking"
	EventThinkingEnd       EventType = "thinking_end"
	EventTextStart         EventType = "text_start"
	EventTextDelta         EventType = "text_delta"
	EventTextEnd           EventType = "text_end"
	EventToolUseStart      EventType = "tool_use_start"
	EventToolUseDelta      EventType = "tool_use_delta"
	EventToolUseEnd        EventType = "tool_use_end"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventToolRejected      EventType = "tool_rejected"
	EventServerToolUse     EventType = "server_tool_use"
	EventWebSearchResult   EventType = "web_search_result"
	EventUsageStart        EventType = "usage_start"
	EventMessageEnd        EventType = "message_end"
	EventStreamRetry       EventType = "stream_retry"
	EventStreamRecovering  EventType = "stream_recovering"
	EventStreamFailed      EventType = "stream_failed"

	EventPhaseStart  EventType = "phase_start"
	EventPhaseEnd    EventType = "phase_end"
	EventPhasePlan   EventType = "phase_plan"
	EventScoutStart  EventType = "scout_start"
	EventScoutProgress EventType = "scout_progress"
	EventScoutEnd    EventType = "scout_end"
	EventUpdatedPlan EventType = "updated_plan"

	EventPlanStepProgress     EventType = "plan_step_progress"
	EventTodosUpdated         EventType = "todos_updated"
	EventCheckpointCreated    EventType = "checkpoint_created"
	EventAutoApproved         EventType = "auto_approved"
	EventContextClarification EventType = "context_clarification"
	EventGuidanceQueued       EventType = "guidance_queued"
	EventGuidanceApplied      EventType = "guidance_applied"
	EventGuidanceInterrupt    EventType = "guidance_interrupt"
	EventStrategyEscalation   EventType = "strategy_escalation"
	EventErrorRecovery        EventType = "error_recovery"
	EventErrorRecoveryRollback EventType = "error_recovery_rollback"
	EventErrorRecoveryRepair  EventType = "error_recovery_repair"
	EventAutoFixSuccess       EventType = "auto_fix_success"
	EventVerificationStage    EventType = "verification_stage"
	EventVerificationPlan     EventType = "verification_plan"
	EventDone                 EventType = "done"
	EventCancelled            EventType = "cancelled"
	EventError                EventType = "error"

	EventCommandOutput          EventType = "command_output"
	EventCommandPartialFailure  EventType = "command_partial_failure"
)

// AgentEvent is the single value the Executor emits to its caller-supplied
// sink. Events to one sink are totally ordered per turn (§5).
type AgentEvent struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// EventSink receives AgentEvents in order. Implementations must not block
// indefinitely — the executor treats a slow sink as backpressure on the run.
type EventSink func(AgentEvent)

// --- PolicyDecision (§3, §4.5) ---

type PolicyDecision struct {
	RequireApproval bool   `json:"requireApproval"`
	Blocked         bool   `json:"blocked"`
	Reason          string `json:"reason,omitempty"`
}

// --- ToolResult (§3) ---

type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// --- Plan / Phase (§3) ---

type StepItem struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

type PhaseType string

const (
	PhaseFileBatch        PhaseType = "file_batch"
	PhaseCommandBatch     PhaseType = "command_batch"
	PhaseScriptedTransform PhaseType = "scripted_transform"
)

type PhaseStrategy string

const (
	StrategyDirectEdit        PhaseStrategy = "direct_edit"
	StrategyScriptedTransform PhaseStrategy = "scripted_transform"
	StrategyGenerateNew       PhaseStrategy = "generate_new"
)

type Phase struct {
	Number    int           `json:"number"`
	Type      PhaseType     `json:"type"`
	Strategy  PhaseStrategy `json:"strategy"`
	Steps     []StepItem    `json:"steps"`
	Targets   []string      `json:"targets"`
	DependsOn []int         `json:"dependsOn"`
}

type Plan struct {
	Steps         []string `json:"steps"`
	Text          string   `json:"text"`
	Title         string   `json:"title"`
	FilePath      string   `json:"filePath"`
	Decomposition []Phase  `json:"decomposition"`
}

// --- Snapshot (§3, §4.6) ---

// SnapshotKind discriminates the Snapshot value sum type.
type SnapshotKind string

const (
	SnapshotModified SnapshotKind = "modified" // original content, for a file that existed
	SnapshotCreated  SnapshotKind = "created"  // file did not exist; carries content at creation time
	SnapshotAbsent   SnapshotKind = "absent"   // legacy marker: new file, no prior content recorded
)

type Snapshot struct {
	Kind    SnapshotKind `json:"kind"`
	Content string       `json:"content,omitempty"`
}

// --- Session (§3, §4.14) ---

type TokenUsage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens"`
	CacheWriteTokens int `json:"cacheWriteTokens"`
}

type Session struct {
	SessionID        string         `json:"sessionId"`
	Version          int            `json:"version"`
	Name             string         `json:"name"`
	WorkingDirectory string         `json:"workingDirectory"`
	ModelID          string         `json:"modelId"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	History          []Message      `json:"history"`
	TokenUsage       TokenUsage     `json:"tokenUsage"`
	ExtraState       map[string]any `json:"extraState,omitempty"`
}

// --- GenerationConfig (SPEC_FULL §3) ---

type AdaptiveEffort string

const (
	EffortLow    AdaptiveEffort = "low"
	EffortMedium AdaptiveEffort = "medium"
	EffortHigh   AdaptiveEffort = "high"
	EffortMax    AdaptiveEffort = "max"
)

// GenerationConfig is the Go name for spec.md §3's "config" surface — the
// per-call LLM sampling/thinking parameter bundle accepted by LLMClient.
type GenerationConfig struct {
	MaxTokens       int
	Temperature     *float64
	TopP            *float64
	TopK            *int
	StopSequences   []string
	ThroughputMode  string // e.g. "cross-region"
	EnableThinking  bool
	ThinkingBudget  int
	Adaptive        bool
	AdaptiveEffort  AdaptiveEffort
	StreamThinking  bool
}

// --- FailurePattern (SPEC_FULL §3, §4.7) ---

type FailurePattern struct {
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail"` // capped to 500 chars
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	LastContext string    `json:"lastContext,omitempty"`
}

// --- Task (input to the Executor) ---

// Task is the natural-language unit of work handed to the Executor, Planner,
// or ScoutRunner.
type Task struct {
	Input       string
	Images      []Attachment
	SessionID   string
	WorkingDir  string
}

// Attachment is inline binary content (an image the user supplied, or one a
// tool produced) carried alongside a Message.
type Attachment struct {
	MediaType string
	Data      []byte
}
