package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/polyauthz/engine/internal/authz"
)

func TestExporter_ObserveDecision_CountersByEffectAndReason(t *testing.T) {
	registry := prometheus.NewRegistry()
	exp := NewExporter("test", registry)

	exp.ObserveDecision(authz.Decision{Effect: authz.EffectAllow, Reason: authz.ReasonRuleAllowed}, 5)
	exp.ObserveDecision(authz.Decision{Effect: authz.EffectDeny, Reason: authz.ReasonRuleDenied}, 5)

	if got := testutil.ToFloat64(exp.evaluationsTotal.WithLabelValues("allow")); got != 1 {
		t.Errorf("evaluationsTotal[allow] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exp.reasonTotal.WithLabelValues(string(authz.ReasonRuleDenied))); got != 1 {
		t.Errorf("reasonTotal[rule_denied] = %v, want 1", got)
	}
}

func TestExporter_ObserveDecision_KillSwitchAndRateLimitAndApproval(t *testing.T) {
	registry := prometheus.NewRegistry()
	exp := NewExporter("test", registry)

	exp.ObserveDecision(authz.Decision{Effect: authz.EffectDeny, Reason: authz.ReasonKillSwitchTripped}, 1)
	exp.ObserveDecision(authz.Decision{Effect: authz.EffectDeny, Reason: authz.ReasonRateLimitExceeded}, 1)
	exp.ObserveDecision(authz.Decision{Effect: authz.EffectDeny, Reason: authz.ReasonApprovalPending}, 1)

	if got := testutil.ToFloat64(exp.killSwitchTrips); got != 1 {
		t.Errorf("killSwitchTrips = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exp.rateLimitBlocks); got != 1 {
		t.Errorf("rateLimitBlocks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exp.approvalTriggers); got != 1 {
		t.Errorf("approvalTriggers = %v, want 1", got)
	}
}

func TestExporter_CacheObservers(t *testing.T) {
	registry := prometheus.NewRegistry()
	exp := NewExporter("test", registry)

	exp.ObserveCacheHit()
	exp.ObserveCacheHit()
	exp.ObserveCacheMiss()
	exp.ObserveCacheSize(7)

	if got := testutil.ToFloat64(exp.cacheHits); got != 2 {
		t.Errorf("cacheHits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exp.cacheMisses); got != 1 {
		t.Errorf("cacheMisses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exp.cacheSize); got != 7 {
		t.Errorf("cacheSize = %v, want 7", got)
	}
}
