package coda

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	planMaxIterationsAudit  = 40
	planMaxIterationsHigh   = 25
	planMaxIterationsNormal = 12
)

// planTitlePrefixes are stripped case-insensitively from the raw plan
// document's first line before it becomes Plan.Title (SPEC_FULL.md §4).
var planTitlePrefixes = []string{
	"Implementation Plan:",
	"Implementation Plan —",
	"Implementation Plan for",
	"Implementation Plan",
	"Plan:",
	"Plan —",
	"Plan for",
	"Audit Findings:",
	"Audit:",
	"Phase 1:",
	"Step 1:",
	"Summary:",
	"Overview:",
}

// Planner runs a bounded, safe-tools-only sub-loop that produces, parses,
// quality-gates and persists a plan document (spec.md §4.10, component C10).
type Planner struct {
	Iter      ToolIterator
	Sink      EventSink
	WorkDir   string
}

func maxPlanIterations(isAudit bool, complexity Complexity) int {
	if isAudit {
		return planMaxIterationsAudit
	}
	if complexity == ComplexityComplex {
		return planMaxIterationsHigh
	}
	return planMaxIterationsNormal
}

const planSystemPromptTemplate = `You are planning a coding task. Use only read-only tools to investigate, then produce a Markdown plan with an H1 title and a "## Steps" section of numbered, actionable steps. Each step that touches a file must name it in backticks. %s

When you are ready, output the full plan document and stop.`

const planNudgeMessage = "[SYSTEM] Stop reading further. Write the plan document now."

const planConclusionMessage = "[SYSTEM] You are out of iterations. Output the plan document immediately, in full, with no further tool calls."

// Run drives the sub-loop, parses the resulting document into a Plan,
// applies the quality gate (repairing up to twice), and persists it.
func (p *Planner) Run(ctx context.Context, task Task, isAudit bool, complexity Complexity, sink EventSink) (Plan, Usage, error) {
	maxIter := maxPlanIterations(isAudit, complexity)
	verifyNote := ""
	if complexity == ComplexityComplex {
		verifyNote = "Include a final verification step (tests or lint to run)."
	}
	systemPrompt := fmt.Sprintf(planSystemPromptTemplate, verifyNote)

	var totalUsage Usage
	doc, usage, err := p.Iter.RunSubLoop(ctx, task, systemPrompt, maxIter, sink)
	totalUsage.Add(usage)
	if err != nil {
		return Plan{}, totalUsage, err
	}

	plan := ParsePlan(doc)
	for attempt := 0; attempt < 2 && !qualityGatePass(plan, complexity); attempt++ {
		repairTask := task
		repairTask.Input = planRepairPrompt(plan, complexity)
		doc, usage, err = p.Iter.RunSubLoop(ctx, repairTask, systemPrompt, 6, sink)
		totalUsage.Add(usage)
		if err != nil {
			break
		}
		plan = ParsePlan(doc)
	}

	if err := p.persist(&plan); err != nil {
		sink(AgentEvent{Type: EventError, Content: "failed to persist plan: " + err.Error()})
	}
	sink(AgentEvent{Type: EventUpdatedPlan, Content: plan.Text, Data: map[string]any{"title": plan.Title, "steps": len(plan.Steps)}})
	return plan, totalUsage, nil
}

func planRepairPrompt(p Plan, complexity Complexity) string {
	need := requiredSteps(complexity)
	return fmt.Sprintf("[SYSTEM] Your plan has %d steps but needs at least %d actionable steps naming file paths, plus a verification step for complex tasks. Revise and re-output the full plan document.", len(p.Steps), need)
}

func requiredSteps(c Complexity) int {
	switch c {
	case ComplexityComplex:
		return 3
	case ComplexitySimple:
		return 2
	default:
		return 1
	}
}

func qualityGatePass(p Plan, complexity Complexity) bool {
	need := requiredSteps(complexity)
	pathSteps := 0
	hasVerification := false
	for _, s := range p.Steps {
		if stepTargetPattern.MatchString(s) {
			pathSteps++
		}
		if verifyStepPattern.MatchString(s) {
			hasVerification = true
		}
	}
	if pathSteps < need {
		return false
	}
	if complexity == ComplexityComplex && !hasVerification {
		return false
	}
	return true
}

var (
	stepsHeadingRe   = regexp.MustCompile(`(?im)^##\s*Steps\s*$`)
	numberedLineRe   = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.*)$`)
	continuationRe   = regexp.MustCompile(`^\s+\S|^\s*[-*]\s+`)
	actionTagRe      = regexp.MustCompile(`\[(EDIT|CREATE|RUN)\]`)
	stepTargetPattern = regexp.MustCompile("`[^`]*[/.][^`]*`|\\b\\w+\\.\\w+\\b")
	verifyStepPattern = regexp.MustCompile(`(?i)\b(verify|run|test|lint)\b`)
	planEnvelopeRe    = regexp.MustCompile(`(?is)</?(plan|updated_plan)>`)
)

// ParsePlan extracts steps and title from a raw plan document per spec.md
// §4.10's parsing rules: prefer a "## Steps" section of numbered lines with
// continuations, else fall back to [EDIT]/[CREATE]/[RUN] action tags.
func ParsePlan(doc string) Plan {
	doc = planEnvelopeRe.ReplaceAllString(doc, "")
	doc = strings.TrimSpace(doc)
	lines := strings.Split(doc, "\n")

	steps := parseNumberedSteps(lines)
	if len(steps) == 0 {
		steps = parseActionTagSteps(lines)
	}

	return Plan{
		Steps: steps,
		Text:  doc,
		Title: extractTitle(lines),
	}
}

func parseNumberedSteps(lines []string) []string {
	var steps []string
	inSteps := false
	current := -1
	var out []string
	for _, ln := range lines {
		if stepsHeadingRe.MatchString(ln) {
			inSteps = true
			continue
		}
		if !inSteps {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(ln), "#") {
			break
		}
		if m := numberedLineRe.FindStringSubmatch(ln); m != nil {
			out = append(out, strings.TrimSpace(m[2]))
			current = len(out) - 1
			continue
		}
		if current >= 0 && continuationRe.MatchString(ln) && strings.TrimSpace(ln) != "" {
			out[current] = out[current] + " " + strings.TrimSpace(ln)
		}
	}
	steps = out
	return steps
}

func parseActionTagSteps(lines []string) []string {
	var out []string
	for _, ln := range lines {
		if actionTagRe.MatchString(ln) {
			out = append(out, strings.TrimSpace(ln))
		}
	}
	return out
}

func extractTitle(lines []string) string {
	for _, ln := range lines {
		t := strings.TrimSpace(ln)
		t = strings.TrimPrefix(t, "#")
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		stripped := stripTitlePrefix(t)
		stripped = strings.Trim(stripped, `"'`+"`")
		if len(stripped) > 80 {
			stripped = stripped[:80]
		}
		if stripped != "" {
			return stripped
		}
	}
	for _, ln := range lines {
		t := strings.TrimSpace(ln)
		if t == "" || strings.HasPrefix(t, "<") {
			continue
		}
		if len(t) > 60 {
			t = t[:60]
		}
		return t
	}
	return "Plan"
}

func stripTitlePrefix(s string) string {
	for _, prefix := range planTitlePrefixes {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}

// persist writes the plan document to {WorkDir}/.bedrock-codex/plans/{title}.md,
// appending a timestamp suffix on filename collision (spec.md §6).
func (p *Planner) persist(plan *Plan) error {
	dir := filepath.Join(p.WorkDir, ".bedrock-codex", "plans")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	slug := slugify(plan.Title)
	path := filepath.Join(dir, slug+".md")
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.md", slug, time.Now().Unix()))
	}
	if err := os.WriteFile(path, []byte(plan.Text), 0o644); err != nil {
		return err
	}
	plan.FilePath = path
	return nil
}

func slugify(s string) string {
	s = strings.ToLower(s)
	var sb strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(sb.String(), "-")
	if out == "" {
		out = "plan"
	}
	return out
}
