package rule

import (
	"testing"

	"github.com/polyauthz/engine/internal/authz"
)

func mustEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e
}

func TestEvaluateRule_DisabledShortCircuits(t *testing.T) {
	e := mustEvaluator(t)
	r := authz.Rule{ID: "r1", Enabled: false, Actions: []string{"*"}, Resources: []string{"*"}}

	res := e.EvaluateRule(authz.Context{Action: "read", Resource: "x"}, r)
	if res.Matched {
		t.Error("expected disabled rule not to match")
	}
}

func TestEvaluateRule_ActionMismatch(t *testing.T) {
	e := mustEvaluator(t)
	r := authz.Rule{ID: "r1", Enabled: true, Actions: []string{"write:*"}, Resources: []string{"*"}}

	res := e.EvaluateRule(authz.Context{Action: "read:users", Resource: "x"}, r)
	if res.Matched {
		t.Error("expected action mismatch not to match")
	}
}

func TestEvaluateRule_FullMatch(t *testing.T) {
	e := mustEvaluator(t)
	r := authz.Rule{
		ID: "r1", Enabled: true, Effect: authz.EffectAllow,
		Actions: []string{"read:*"}, Resources: []string{"users/*"},
		Conditions: []authz.Condition{
			{Type: authz.ConditionField, Field: "clientId", Operator: "equals", Value: "acme"},
		},
	}

	res := e.EvaluateRule(authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/42"}, r)
	if !res.Matched {
		t.Errorf("expected full match, got %+v", res)
	}
	if res.MatchedAction != "read:*" || res.MatchedResource != "users/*" {
		t.Errorf("unexpected matched patterns: %+v", res)
	}
}

func TestEvaluateRule_ConditionFailureBlocksMatch(t *testing.T) {
	e := mustEvaluator(t)
	r := authz.Rule{
		ID: "r1", Enabled: true, Actions: []string{"*"}, Resources: []string{"*"},
		Conditions: []authz.Condition{
			{Type: authz.ConditionField, Field: "clientId", Operator: "equals", Value: "acme"},
		},
	}

	res := e.EvaluateRule(authz.Context{ClientID: "other", Action: "read", Resource: "x"}, r)
	if res.Matched {
		t.Error("expected condition failure to block the match")
	}
	if len(res.ConditionResults) != 1 {
		t.Errorf("expected condition results recorded, got %d", len(res.ConditionResults))
	}
}

func TestSortByPriority_StableDescending(t *testing.T) {
	rules := []authz.Rule{
		{ID: "low", Priority: 1},
		{ID: "high-a", Priority: 10},
		{ID: "high-b", Priority: 10},
		{ID: "mid", Priority: 5},
	}

	sorted := SortByPriority(rules)
	order := make([]string, len(sorted))
	for i, r := range sorted {
		order[i] = r.ID
	}

	want := []string{"high-a", "high-b", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("SortByPriority order = %v, want %v", order, want)
			break
		}
	}
}

func TestFindMatchingRule_PicksHighestPriorityMatch(t *testing.T) {
	e := mustEvaluator(t)
	rules := []authz.Rule{
		{ID: "low", Enabled: true, Priority: 1, Effect: authz.EffectAllow, Actions: []string{"*"}, Resources: []string{"*"}},
		{ID: "high", Enabled: true, Priority: 10, Effect: authz.EffectDeny, Actions: []string{"*"}, Resources: []string{"*"}},
	}

	res, ok := e.FindMatchingRule(authz.Context{Action: "read", Resource: "x"}, rules)
	if !ok || res.Rule.ID != "high" {
		t.Errorf("expected high-priority rule to win, got %+v, %v", res, ok)
	}
}

func TestFindMatchingRule_NoMatch(t *testing.T) {
	e := mustEvaluator(t)
	rules := []authz.Rule{
		{ID: "r1", Enabled: true, Actions: []string{"write:*"}, Resources: []string{"*"}},
	}

	_, ok := e.FindMatchingRule(authz.Context{Action: "read", Resource: "x"}, rules)
	if ok {
		t.Error("expected no match")
	}
}

func TestFindAllMatchingRules_ReturnsAllInPriorityOrder(t *testing.T) {
	e := mustEvaluator(t)
	rules := []authz.Rule{
		{ID: "low", Enabled: true, Priority: 1, Actions: []string{"*"}, Resources: []string{"*"}},
		{ID: "high", Enabled: true, Priority: 10, Actions: []string{"*"}, Resources: []string{"*"}},
	}

	matches := e.FindAllMatchingRules(authz.Context{Action: "read", Resource: "x"}, rules)
	if len(matches) != 2 || matches[0].Rule.ID != "high" || matches[1].Rule.ID != "low" {
		t.Errorf("unexpected matches: %+v", matches)
	}
}
