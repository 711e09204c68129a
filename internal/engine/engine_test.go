package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polyauthz/engine/internal/audit"
	"github.com/polyauthz/engine/internal/authz"
	"github.com/polyauthz/engine/internal/cache"
	"github.com/polyauthz/engine/internal/killswitch"
	"github.com/polyauthz/engine/internal/provider"
	"github.com/polyauthz/engine/internal/ratelimit"
)

// fakeProvider serves a fixed policy list, or an error, regardless of context.
type fakeProvider struct {
	policies []authz.Policy
	err      error
}

func (f *fakeProvider) GetPoliciesForContext(context.Context, authz.Context) ([]authz.Policy, error) {
	return f.policies, f.err
}
func (f *fakeProvider) GetPolicyByID(context.Context, string) (authz.Policy, bool, error) {
	return authz.Policy{}, false, nil
}
func (f *fakeProvider) InvalidateCache(string) {}

func allowReadsPolicy() authz.Policy {
	return authz.Policy{
		ID: "p1", Name: "reads", Status: authz.StatusActive, Scope: authz.ScopeGlobal,
		DefaultEffect: authz.EffectDeny,
		Rules: []authz.Rule{
			{ID: "r1", Name: "allow reads", Enabled: true, Effect: authz.EffectAllow,
				Actions: []string{"read:*"}, Resources: []string{"*"}, Priority: 1},
		},
	}
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableKillSwitch = false
	cfg.EnableRateLimit = false
	cfg.EnableApprovalGates = false
	cfg.Cache.Enabled = false
	return cfg
}

func TestEvaluate_MissingRequiredFieldIsEvaluationError(t *testing.T) {
	eng, err := New(baseConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{Action: "read"})
	if d.Allowed || d.Reason != authz.ReasonEvaluationError {
		t.Errorf("expected evaluation_error deny for missing clientId, got %+v", d)
	}
}

func TestEvaluate_NoProviderYieldsDefaultEffect(t *testing.T) {
	eng, err := New(baseConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read", Resource: "x"})
	if d.Allowed || d.Reason != authz.ReasonNoMatchingRules {
		t.Errorf("expected deny/no_matching_rules with no provider, got %+v", d)
	}
}

func TestEvaluate_RuleAllowed(t *testing.T) {
	cfg := baseConfig()
	eng, err := New(cfg, nil, WithProvider(&fakeProvider{policies: []authz.Policy{allowReadsPolicy()}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/1"})
	if !d.Allowed || d.Reason != authz.ReasonRuleAllowed || d.RuleID != "r1" {
		t.Errorf("expected rule_allowed, got %+v", d)
	}
}

func TestEvaluate_DefaultEffectWhenNoRuleMatches(t *testing.T) {
	cfg := baseConfig()
	pol := allowReadsPolicy()
	eng, err := New(cfg, nil, WithProvider(&fakeProvider{policies: []authz.Policy{pol}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "write:users", Resource: "users/1"})
	if d.Allowed || d.Reason != authz.ReasonDefaultEffect {
		t.Errorf("expected deny/default_effect, got %+v", d)
	}
}

func TestEvaluate_InactivePolicyIsSkipped(t *testing.T) {
	cfg := baseConfig()
	pol := allowReadsPolicy()
	pol.Status = authz.StatusDraft
	eng, err := New(cfg, nil, WithProvider(&fakeProvider{policies: []authz.Policy{pol}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/1"})
	if d.Allowed {
		t.Errorf("expected inactive policy to be skipped, got %+v", d)
	}
}

func TestEvaluate_KillSwitchTripped(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableKillSwitch = true
	ks := killswitch.NewInMemory(nil)
	ks.TripClient("acme", "incident-123", "operator")

	eng, err := New(cfg, nil, WithKillSwitch(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read", Resource: "x"})
	if d.Allowed || d.Reason != authz.ReasonKillSwitchTripped || d.KillSwitch == nil {
		t.Errorf("expected deny/kill_switch_tripped, got %+v", d)
	}
}

func TestEvaluate_RateLimitExceeded(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableRateLimit = true
	rl := ratelimit.NewSlidingWindow(ratelimit.SlidingWindowConfig{
		Window: time.Minute,
		Limit:  1,
	}, nil)

	eng, err := New(cfg, nil, WithRateLimit(rl))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	actx := authz.Context{ClientID: "acme", Action: "engage:like", Resource: "post/1", Platform: "x"}
	first := eng.Evaluate(context.Background(), actx)
	if !first.Allowed && first.Reason == authz.ReasonRateLimitExceeded {
		t.Fatalf("first request should not be rate limited, got %+v", first)
	}

	second := eng.Evaluate(context.Background(), actx)
	if second.Allowed || second.Reason != authz.ReasonRateLimitExceeded || second.RateLimit == nil {
		t.Errorf("expected second request to be rate limited, got %+v", second)
	}
}

func TestEvaluate_ProviderError_FailClosedDenies(t *testing.T) {
	cfg := baseConfig()
	cfg.FailClosed = true
	eng, err := New(cfg, nil, WithProvider(&fakeProvider{err: errors.New("provider down")}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read", Resource: "x"})
	if d.Allowed || d.Reason != authz.ReasonEvaluationError {
		t.Errorf("expected fail-closed deny on provider error, got %+v", d)
	}
}

func TestEvaluate_ProviderError_FailOpenAllows(t *testing.T) {
	cfg := baseConfig()
	cfg.FailClosed = false
	eng, err := New(cfg, nil, WithProvider(&fakeProvider{err: errors.New("provider down")}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read", Resource: "x"})
	if !d.Allowed || d.Reason != authz.ReasonEvaluationError {
		t.Errorf("expected fail-open allow on provider error, got %+v", d)
	}
}

func TestEvaluate_CacheHitAvoidsSecondProviderCall(t *testing.T) {
	cfg := baseConfig()
	cfg.Cache.Enabled = true
	cfg.Cache.TTL = time.Minute
	cfg.Cache.MaxSize = 10

	calls := 0
	countingProvider := &countingProvider{policies: []authz.Policy{allowReadsPolicy()}, calls: &calls}

	eng, err := New(cfg, nil, WithProvider(countingProvider))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	actx := authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/1"}
	eng.Evaluate(context.Background(), actx)
	eng.Evaluate(context.Background(), actx)

	if calls != 1 {
		t.Errorf("expected provider called once due to cache hit on second evaluation, got %d calls", calls)
	}
	if snap := eng.Metrics().Snapshot(); snap.CacheHits != 1 || snap.CacheMisses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", snap)
	}
}

type countingProvider struct {
	policies []authz.Policy
	calls    *int
}

func (p *countingProvider) GetPoliciesForContext(context.Context, authz.Context) ([]authz.Policy, error) {
	*p.calls++
	return p.policies, nil
}
func (p *countingProvider) GetPolicyByID(context.Context, string) (authz.Policy, bool, error) {
	return authz.Policy{}, false, nil
}
func (p *countingProvider) InvalidateCache(string) {}

func TestInvalidateCache_ClearsCachedEntry(t *testing.T) {
	cfg := baseConfig()
	cfg.Cache = cache.DefaultConfig()

	calls := 0
	countingProvider := &countingProvider{policies: []authz.Policy{allowReadsPolicy()}, calls: &calls}
	eng, err := New(cfg, nil, WithProvider(countingProvider))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	actx := authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/1"}
	eng.Evaluate(context.Background(), actx)
	eng.InvalidateCache("acme")
	eng.Evaluate(context.Background(), actx)

	if calls != 2 {
		t.Errorf("expected provider called twice after invalidation, got %d", calls)
	}
}

func TestIsAllowed(t *testing.T) {
	cfg := baseConfig()
	eng, err := New(cfg, nil, WithProvider(&fakeProvider{policies: []authz.Policy{allowReadsPolicy()}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !eng.IsAllowed(context.Background(), authz.Context{ClientID: "acme", Action: "read:users", Resource: "x"}) {
		t.Error("expected IsAllowed true")
	}
}

func TestEvaluateBatch_PreservesOrder(t *testing.T) {
	cfg := baseConfig()
	eng, err := New(cfg, nil, WithProvider(&fakeProvider{policies: []authz.Policy{allowReadsPolicy()}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	actxs := make([]authz.Context, 20)
	for i := range actxs {
		action := "write:x"
		if i%2 == 0 {
			action = "read:x"
		}
		actxs[i] = authz.Context{ClientID: "acme", Action: action, Resource: "x"}
	}

	decisions := eng.EvaluateBatch(context.Background(), actxs)
	if len(decisions) != len(actxs) {
		t.Fatalf("expected %d decisions, got %d", len(actxs), len(decisions))
	}
	for i, d := range decisions {
		wantAllow := i%2 == 0
		if d.Allowed != wantAllow {
			t.Errorf("index %d: expected allowed=%v, got %v", i, wantAllow, d.Allowed)
		}
	}
}

func TestEvaluate_AuditEventCarriesMatchedRules(t *testing.T) {
	var captured []audit.Event
	handler := audit.HandlerFunc(func(_ context.Context, event audit.Event) error {
		captured = append(captured, event)
		return nil
	})

	cfg := baseConfig()
	eng, err := New(cfg, nil,
		WithProvider(&fakeProvider{policies: []authz.Policy{allowReadsPolicy()}}),
		WithAuditHandlers(nil, handler),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/1"})
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}

	if len(captured) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(captured))
	}
	event := captured[0]
	if len(event.MatchedRules) != 1 {
		t.Fatalf("expected one matched rule on the audit event, got %+v", event.MatchedRules)
	}
	mr := event.MatchedRules[0]
	if mr.RuleID != "r1" || mr.RuleName != "allow reads" || mr.Effect != authz.EffectAllow || !mr.Matched || mr.PolicyID != "p1" {
		t.Errorf("unexpected matched rule on audit event: %+v", mr)
	}
}

func TestEvaluate_AuditEventHasNoMatchedRulesWhenNoPolicyMatches(t *testing.T) {
	var captured []audit.Event
	handler := audit.HandlerFunc(func(_ context.Context, event audit.Event) error {
		captured = append(captured, event)
		return nil
	})

	cfg := baseConfig()
	eng, err := New(cfg, nil,
		WithProvider(&fakeProvider{policies: nil}),
		WithAuditHandlers(nil, handler),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	eng.Evaluate(context.Background(), authz.Context{ClientID: "acme", Action: "read:users", Resource: "users/1"})

	if len(captured) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(captured))
	}
	if len(captured[0].MatchedRules) != 0 {
		t.Errorf("expected no matched rules when no policies apply, got %+v", captured[0].MatchedRules)
	}
}

func TestEvaluateBatch_Empty(t *testing.T) {
	eng, err := New(baseConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if decisions := eng.EvaluateBatch(context.Background(), nil); len(decisions) != 0 {
		t.Errorf("expected no decisions for empty batch, got %d", len(decisions))
	}
}
