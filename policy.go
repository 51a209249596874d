package coda

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// destructivePatterns and sharedImpactPatterns are seeded from
// original_source's equivalent lists (SPEC_FULL.md §4).
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\b`),
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`),
	regexp.MustCompile(`(?i)\bDELETE\s+FROM\b[^;]*(?:;|$)`),
	regexp.MustCompile(`(?i)\bkubectl\s+delete\b`),
	regexp.MustCompile(`(?i)\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)\bmkfs\.`),
	regexp.MustCompile(`(?i)\bshutdown\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
	regexp.MustCompile(`(?i)\bsystemctl\s+(stop|disable)\b`),
}

var sharedImpactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bgit\s+push\b`),
	regexp.MustCompile(`(?i)\bgit\s+pull\b`),
	regexp.MustCompile(`(?i)\bgit\s+merge\b`),
	regexp.MustCompile(`(?i)\bgit\s+rebase\b`),
	regexp.MustCompile(`(?i)\bnpm\s+publish\b`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bdocker\s+push\b`),
	regexp.MustCompile(`(?i)\bkubectl\s+apply\b`),
	regexp.MustCompile(`(?i)\bterraform\s+apply\b`),
	regexp.MustCompile(`(?i)\baws\s+\S+`),
	regexp.MustCompile(`(?i)\bgcloud\s+\S+`),
	regexp.MustCompile(`(?i)\baz\s+\S+`),
}

// isCommandTool reports whether a tool name dispatches an arbitrary shell
// command, i.e. is subject to the pattern sets above.
func isCommandTool(toolName string) bool {
	switch toolName {
	case "shell", "shell_exec", "run_command", "execute_code":
		return true
	default:
		return false
	}
}

// PolicyEngine decides allow/requireApproval/blocked for a proposed tool
// call. The approval memo itself lives in ContextState (spec.md §4.5, §4.7)
// since it is part of the per-run state a session round-trips, not policy
// configuration.
type PolicyEngine struct {
	BlockDestructiveCommands bool
	AutoApprove              bool
}

// NewPolicyEngine constructs a PolicyEngine.
func NewPolicyEngine(blockDestructive bool) *PolicyEngine {
	return &PolicyEngine{BlockDestructiveCommands: blockDestructive}
}

// Decide evaluates a proposed tool call against the pattern sets.
func (p *PolicyEngine) Decide(toolName string, command string) PolicyDecision {
	if isCommandTool(toolName) {
		for _, re := range destructivePatterns {
			if re.MatchString(command) {
				if p.BlockDestructiveCommands {
					return PolicyDecision{Blocked: true, Reason: "matches a destructive command pattern: " + re.String()}
				}
				return PolicyDecision{RequireApproval: true, Reason: "matches a destructive command pattern"}
			}
		}
		for _, re := range sharedImpactPatterns {
			if re.MatchString(command) {
				return PolicyDecision{RequireApproval: true, Reason: "matches a shared-impact command pattern"}
			}
		}
		return PolicyDecision{}
	}

	// File-mutating tools are never policy-blocked, but require approval
	// unless the executor is in auto-approve mode (spec.md §4.5).
	if !p.AutoApprove {
		return PolicyDecision{RequireApproval: true}
	}
	return PolicyDecision{}
}

// Fingerprint canonicalizes (tool, resolvedPath, command) for the approval
// memo, so the same logical operation is only ever confirmed once per run.
func Fingerprint(tool, resolvedPath, command string) string {
	h := sha256.Sum256([]byte(strings.ToLower(tool) + "|" + resolvedPath + "|" + command))
	return hex.EncodeToString(h[:])
}

