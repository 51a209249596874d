package coda

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// Complexity is the IntentClassifier's coarse task-difficulty label.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// Intent is the classifier's output: whether to scout, whether to plan
// before building, whether the task is really just a question, and the
// complexity label that downstream components (Planner, Decomposer) key
// their budgets off of.
type Intent struct {
	Scout      bool       `json:"scout"`
	Plan       bool       `json:"plan"`
	Question   bool       `json:"question"`
	Complexity Complexity `json:"complexity"`
}

// IntentLLM is the narrow cheap-model contract the classifier needs: a
// single structured completion given a task string.
type IntentLLM interface {
	ClassifyIntent(ctx context.Context, task string) (Intent, error)
}

// IntentClassifier labels a task with a cheap-model call, falling back to a
// heuristic when the call fails or no IntentLLM is configured (spec.md §4.8).
type IntentClassifier struct {
	LLM IntentLLM

	mu    sync.Mutex
	cache map[string]Intent
}

func NewIntentClassifier(llm IntentLLM) *IntentClassifier {
	return &IntentClassifier{LLM: llm, cache: make(map[string]Intent)}
}

func cacheKey(task string) string {
	t := strings.ToLower(task)
	if len(t) > 200 {
		t = t[:200]
	}
	return t
}

// Classify returns the cached intent for task if present, else calls the
// cheap model (falling back to the heuristic on error), caches, and returns.
func (ic *IntentClassifier) Classify(ctx context.Context, task string) Intent {
	key := cacheKey(task)

	ic.mu.Lock()
	if cached, ok := ic.cache[key]; ok {
		ic.mu.Unlock()
		return cached
	}
	ic.mu.Unlock()

	var intent Intent
	if ic.LLM != nil {
		if result, err := ic.LLM.ClassifyIntent(ctx, task); err == nil {
			intent = result
		} else {
			intent = heuristicIntent(task)
		}
	} else {
		intent = heuristicIntent(task)
	}

	ic.mu.Lock()
	ic.cache[key] = intent
	ic.mu.Unlock()
	return intent
}

var questionStarters = regexp.MustCompile(`(?i)^\s*(what|why|how|when|where|who|which|is|are|can|could|should|does|do)\b`)

var executeIndicators = regexp.MustCompile(`(?i)\b(implement the plan|go ahead|do it|execute the plan|proceed)\b`)

var auditKeywords = regexp.MustCompile(`(?i)\b(audit|refactor|migrate)\b`)

// heuristicIntent implements spec.md §4.8's fallback rules.
func heuristicIntent(task string) Intent {
	trimmed := strings.TrimSpace(task)

	if len(trimmed) < 40 {
		return Intent{Complexity: ComplexityTrivial}
	}
	if questionStarters.MatchString(trimmed) || strings.Contains(trimmed, "?") {
		return Intent{Question: true, Complexity: ComplexitySimple}
	}
	if executeIndicators.MatchString(trimmed) {
		return Intent{Plan: false, Complexity: ComplexityComplex}
	}
	if auditKeywords.MatchString(trimmed) {
		return Intent{Plan: true, Complexity: ComplexityComplex, Scout: true}
	}
	return Intent{Complexity: ComplexityComplex, Scout: true}
}
