package coda

import (
	"errors"
	"fmt"
	"time"
)

// ErrLLM wraps a provider-reported failure that isn't a bare transport error
// (e.g. a content-policy refusal, a malformed tool call the model emitted).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string { return fmt.Sprintf("%s: %s", e.Provider, e.Message) }

// ErrHTTP wraps a transport-level failure from an LLM client. RetryAfter is
// populated when the server supplied one (a Retry-After header, or a
// provider-specific retry-info field); zero means "not specified".
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter reports whether err carries a server-specified retry delay
// and, if so, returns it.
func ParseRetryAfter(err error) (time.Duration, bool) {
	var h *ErrHTTP
	if errors.As(err, &h) && h.RetryAfter > 0 {
		return h.RetryAfter, true
	}
	return 0, false
}

// ErrHalt carries a final response for a run that stops early without
// being treated as failed. No code in this module returns or checks for it.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "halted: " + e.Response }

// ErrSuspended describes a run paused awaiting reconnect rather than
// completed or failed. Executor.Run does not return it; the reconnect
// handoff itself is store.Rendezvous.
type ErrSuspended struct {
	SessionID string
}

func (e *ErrSuspended) Error() string { return "suspended: " + e.SessionID }

// Sentinel errors named per spec.md §7's error taxonomy. Of these, only
// ErrMaxIterations (Executor.Run) and ErrSnapshotMissing
// (SnapshotStore.RevertToStep) are returned anywhere in this module; the
// others name their error category and are not returned by any code here.
var (
	// ErrToolNotFound names an unknown tool name. Registry.Execute reports
	// that case as a failed Result ("tool not found: <name>") instead.
	ErrToolNotFound = errors.New("tool not found")
	// ErrPolicyBlocked names a command PolicyEngine blocks outright.
	ErrPolicyBlocked = errors.New("blocked by policy")
	// ErrApprovalDenied names a rejected human-in-the-loop approval.
	ErrApprovalDenied = errors.New("approval denied")
	// ErrMaxIterations is returned when the executor hits its iteration budget
	// without the model producing a final, tool-call-free response.
	ErrMaxIterations = errors.New("max iterations reached")
	// ErrContextExhausted names history trimming that cannot bring the
	// transcript under the context window even at tier 3.
	ErrContextExhausted = errors.New("context window exhausted")
	// ErrVerificationFailed names a Verifier gate that does not pass after
	// its retry budget.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrPlanRejected names a generated plan the Planner's quality gate
	// rejects after its retry budget.
	ErrPlanRejected = errors.New("plan rejected")
	// ErrSnapshotMissing is returned by SnapshotStore.RevertToStep for a step
	// index with no recorded checkpoint.
	ErrSnapshotMissing = errors.New("no snapshot for step")
	// ErrSessionNotFound names an unknown session id. store.Load returns
	// store.ErrSessionNotFound for that case instead.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBackendUnavailable names a Backend whose underlying transport
	// (e.g. an SSH connection) is down.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
