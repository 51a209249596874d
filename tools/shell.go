package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	shellOutputCap  = 20_000 // chars, spec.md §4.2
	shellOutputHead = 12_000
	shellOutputTail = 6_000
)

// ShellInput is the Shell tool's schema. The timeout is caller-supplied,
// defaulting to 30s and capped at 300s by Backend.RunCommand (spec.md §5).
type ShellInput struct {
	Command string `json:"command" jsonschema:"required"`
	Cwd     string `json:"cwd,omitempty"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// ShellTool dispatches a command to Backend.RunCommand. Policy enforcement
// (destructive/shared-impact pattern matching, approval) happens one layer
// up in the Executor via PolicyEngine — this tool only executes what it is
// told to, consistent with spec.md §4.2's "Policy may override any
// classification upward" being the Executor's job, not the tool's.
type ShellTool struct{}

func (ShellTool) Definition() Definition {
	return Definition{Name: "shell", Description: "Run a shell command with a bounded timeout.", Class: ClassCommand, Schema: schemaFor(ShellInput{})}
}

func (ShellTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in ShellInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	timeout := in.TimeoutSeconds
	if timeout <= 0 {
		timeout = ec.Timeouts.DefaultCommandSeconds
	}
	if timeout <= 0 {
		timeout = 30
	}
	if max := ec.Timeouts.MaxCommandSeconds; max > 0 && timeout > max {
		timeout = max
	}

	stdout, stderr, rc, err := ec.Backend.RunCommand(ec.Ctx, in.Command, in.Cwd, timeout)
	if err != nil {
		return Result{Error: err.Error()}
	}
	combined := stdout
	if stderr != "" {
		combined += "\n[stderr]\n" + stderr
	}
	combined = capOutput(combined)

	if rc != 0 {
		return Result{Success: false, Error: fmt.Sprintf("exit code %d", rc), Output: combined}
	}
	return Result{Success: true, Output: combined}
}

// capOutput preserves head+tail when output exceeds shellOutputCap chars
// (spec.md §4.2's "~20K chars with head+tail preserved").
func capOutput(s string) string {
	if len(s) <= shellOutputCap {
		return s
	}
	head := s[:shellOutputHead]
	tail := s[len(s)-shellOutputTail:]
	return fmt.Sprintf("%s\n… output truncated (%d chars omitted) …\n%s", head, len(s)-shellOutputHead-shellOutputTail, tail)
}

// HasErrorSignature reports whether output contains one of the words the
// Executor watches for to emit command_partial_failure during live
// streaming (spec.md §4.12).
func HasErrorSignature(output string) bool {
	lower := strings.ToLower(output)
	for _, sig := range []string{"error", "failed", "traceback", "exception"} {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
