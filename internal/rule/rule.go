// Package rule evaluates authz.Rule values against an authz.Context
// (spec.md §4.3): action/resource pattern matching via internal/pattern and
// condition evaluation via internal/condition.
package rule

import (
	"log/slog"
	"sort"
	"time"

	"github.com/polyauthz/engine/internal/authz"
	"github.com/polyauthz/engine/internal/condition"
	"github.com/polyauthz/engine/internal/pattern"
)

// MatchResult is the outcome of evaluating one rule against one context.
type MatchResult struct {
	Matched          bool
	Rule             authz.Rule
	MatchedAction    string
	MatchedResource  string
	ConditionResults []condition.EvalResult
	MatchDurationMs  float64
}

// Evaluator evaluates rules against a context, owning the condition
// Evaluator used to check each rule's condition tree.
type Evaluator struct {
	logger *slog.Logger
	conds  *condition.Evaluator
}

// NewEvaluator creates a rule Evaluator.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ce, err := condition.NewEvaluator(logger)
	if err != nil {
		return nil, err
	}
	return &Evaluator{logger: logger.With("component", "rule.Evaluator"), conds: ce}, nil
}

// EvaluateRule checks rule against ctx, short-circuiting on the first unmet
// gate in order: disabled, action, resource, conditions (spec.md §4.3). All
// conditions are still evaluated (even after one fails) so the result can be
// inspected for debugging.
func (e *Evaluator) EvaluateRule(ctx authz.Context, r authz.Rule) MatchResult {
	start := time.Now()
	res := MatchResult{Rule: r}

	if !r.Enabled {
		res.MatchDurationMs = msSince(start)
		return res
	}

	matchedAction, actionOK := pattern.FindMatchingPattern(ctx.Action, r.Actions)
	if !actionOK {
		res.MatchDurationMs = msSince(start)
		return res
	}
	res.MatchedAction = matchedAction

	matchedResource, resourceOK := pattern.FindMatchingPattern(ctx.Resource, r.Resources)
	if !resourceOK {
		res.MatchDurationMs = msSince(start)
		return res
	}
	res.MatchedResource = matchedResource

	satisfied, condResults := e.conds.EvaluateAll(ctx, r.Conditions)
	res.ConditionResults = condResults
	if !satisfied {
		res.MatchDurationMs = msSince(start)
		return res
	}

	res.Matched = true
	res.MatchDurationMs = msSince(start)
	return res
}

// SortByPriority returns a new slice ordered by descending priority, stable
// for equal priorities (spec.md §4.3).
func SortByPriority(rules []authz.Rule) []authz.Rule {
	sorted := make([]authz.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

// FindMatchingRule returns the first matching rule (after priority sort), or
// (MatchResult{}, false) if none match.
func (e *Evaluator) FindMatchingRule(ctx authz.Context, rules []authz.Rule) (MatchResult, bool) {
	for _, r := range SortByPriority(rules) {
		res := e.EvaluateRule(ctx, r)
		if res.Matched {
			return res, true
		}
	}
	return MatchResult{}, false
}

// FindAllMatchingRules returns every matching rule in priority order.
func (e *Evaluator) FindAllMatchingRules(ctx authz.Context, rules []authz.Rule) []MatchResult {
	var out []MatchResult
	for _, r := range SortByPriority(rules) {
		res := e.EvaluateRule(ctx, r)
		if res.Matched {
			out = append(out, res)
		}
	}
	return out
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
