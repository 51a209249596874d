package coda

import "regexp"

var (
	verifyKeywordRe = regexp.MustCompile(`(?i)\b(verify|run|test|lint)\b`)
	scriptedKeywordRe = regexp.MustCompile(`(?i)\b(script|generate|bulk|batch|extract into|split into)\b`)
	quotedTargetRe    = regexp.MustCompile("`([^`]*[/.][^`]*)`")
	bareTargetRe      = regexp.MustCompile(`\b([\w-]+\.[\w-]+)\b`)
)

// Decomposer groups an ordered step list into dependency-ordered phases
// with a strategy hint (spec.md §4.11, component C11).
type Decomposer struct{}

type stepWithTargets struct {
	item    StepItem
	targets []string
}

type phaseDraft struct {
	kind    PhaseType
	steps   []stepWithTargets
	targets map[string]bool
}

// Decompose implements spec.md §4.11's grouping rules exactly.
func (d Decomposer) Decompose(steps []string, complexity Complexity) []Phase {
	if len(steps) == 0 {
		return nil
	}

	var drafts []*phaseDraft
	var cur *phaseDraft

	for i, s := range steps {
		targets := extractTargets(s)
		item := stepWithTargets{item: StepItem{Number: i + 1, Text: s}, targets: targets}

		if verifyKeywordRe.MatchString(s) {
			drafts = append(drafts, &phaseDraft{kind: PhaseCommandBatch, steps: []stepWithTargets{item}, targets: setOf(targets)})
			cur = nil
			continue
		}

		if cur == nil {
			cur = &phaseDraft{kind: PhaseFileBatch, steps: []stepWithTargets{item}, targets: setOf(targets)}
			drafts = append(drafts, cur)
			continue
		}

		if disjoint(cur.targets, targets) && len(targets) > 0 && len(cur.targets) > 0 {
			cur = &phaseDraft{kind: PhaseFileBatch, steps: []stepWithTargets{item}, targets: setOf(targets)}
			drafts = append(drafts, cur)
			continue
		}

		cur.steps = append(cur.steps, item)
		for _, t := range targets {
			cur.targets[t] = true
		}
	}

	phases := make([]Phase, len(drafts))
	creator := map[string]int{}
	for i, dr := range drafts {
		targetList := sortedKeys(dr.targets)
		strategy := StrategyDirectEdit
		if isScriptedTransform(dr.steps, targetList, complexity) {
			dr.kind = PhaseScriptedTransform
			strategy = StrategyScriptedTransform
		}
		items := make([]StepItem, len(dr.steps))
		for j, st := range dr.steps {
			items[j] = st.item
		}
		phases[i] = Phase{
			Number:   i + 1,
			Type:     dr.kind,
			Strategy: strategy,
			Steps:    items,
			Targets:  targetList,
		}
		for _, t := range targetList {
			if _, ok := creator[t]; !ok {
				creator[t] = i + 1
			}
		}
	}

	for i := range phases {
		depSet := map[int]bool{}
		for _, t := range phases[i].Targets {
			if p := creator[t]; p != 0 && p != phases[i].Number {
				depSet[p] = true
			}
		}
		for p := range depSet {
			phases[i].DependsOn = append(phases[i].DependsOn, p)
		}
	}

	return phases
}

func isScriptedTransform(steps []stepWithTargets, targets []string, complexity Complexity) bool {
	for _, s := range steps {
		if scriptedKeywordRe.MatchString(s.item.Text) {
			return true
		}
	}
	return len(targets) > 4 && complexity == ComplexityComplex
}

func extractTargets(step string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range quotedTargetRe.FindAllStringSubmatch(step, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	if len(out) == 0 {
		for _, m := range bareTargetRe.FindAllStringSubmatch(step, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

func setOf(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

func disjoint(existing map[string]bool, incoming []string) bool {
	for _, t := range incoming {
		if existing[t] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
