// Package engine implements the policy authorization pipeline (spec.md
// §4.7): validate, kill switch, rate limit, policy fetch via cache, rule
// matching, approval gates, and decision emission with metrics and audit
// side effects. Adapted from the teacher's policy.Engine pipeline
// (budget -> rate limit -> CEL -> AI judge -> approval, first
// deny/terminate short-circuits) with the collaborator set and decision
// shape replaced by spec.md §3/§4.7's model.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polyauthz/engine/internal/approval"
	"github.com/polyauthz/engine/internal/audit"
	"github.com/polyauthz/engine/internal/authz"
	"github.com/polyauthz/engine/internal/cache"
	"github.com/polyauthz/engine/internal/killswitch"
	"github.com/polyauthz/engine/internal/metrics"
	"github.com/polyauthz/engine/internal/provider"
	"github.com/polyauthz/engine/internal/ratelimit"
	"github.com/polyauthz/engine/internal/rule"
)

// Config mirrors spec.md §4.7's engine configuration, independent of the
// on-disk config.EngineConfig so the engine package has no dependency on
// how configuration is loaded.
type Config struct {
	FailClosed          bool
	DefaultEffect       authz.Effect
	EnableKillSwitch    bool
	EnableRateLimit     bool
	EnableApprovalGates bool
	Cache               cache.Config
	EvaluationTimeout   time.Duration
	BatchConcurrency    int // max concurrent evaluations in EvaluateBatch; <=0 means unbounded
}

// DefaultConfig returns the spec's defaults (spec.md §4.7).
func DefaultConfig() Config {
	return Config{
		FailClosed:          true,
		DefaultEffect:       authz.EffectDeny,
		EnableKillSwitch:    true,
		EnableRateLimit:     true,
		EnableApprovalGates: true,
		Cache:               cache.DefaultConfig(),
		EvaluationTimeout:   5 * time.Second,
		BatchConcurrency:    32,
	}
}

// Engine is the policy authorization pipeline. Every collaborator is
// optional; Engine degrades sensibly when one is absent (spec.md §4.7),
// via each package's Null implementation.
type Engine struct {
	cfg Config

	logger *slog.Logger

	provider   provider.Provider
	killSwitch killswitch.Service
	rateLimit  ratelimit.Service
	approval   approval.Gate

	rules   *rule.Evaluator
	cache   *cache.Cache
	metrics *metrics.Sink
	exptr   *metrics.Exporter // optional, additive
	emitter *audit.Emitter

	mu sync.RWMutex
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithProvider sets the policy provider collaborator.
func WithProvider(p provider.Provider) Option { return func(e *Engine) { e.provider = p } }

// WithKillSwitch sets the kill-switch collaborator.
func WithKillSwitch(s killswitch.Service) Option { return func(e *Engine) { e.killSwitch = s } }

// WithRateLimit sets the rate-limit collaborator.
func WithRateLimit(s ratelimit.Service) Option { return func(e *Engine) { e.rateLimit = s } }

// WithApproval sets the approval-gate collaborator.
func WithApproval(g approval.Gate) Option { return func(e *Engine) { e.approval = g } }

// WithMetricsExporter attaches an additive Prometheus exporter.
func WithMetricsExporter(exp *metrics.Exporter) Option { return func(e *Engine) { e.exptr = exp } }

// WithAuditHandlers attaches one or more audit handlers.
func WithAuditHandlers(logger *slog.Logger, handlers ...audit.Handler) Option {
	return func(e *Engine) { e.emitter = audit.New(logger, handlers...) }
}

// New creates an Engine. Any collaborator not supplied via an Option
// defaults to that package's Null implementation.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := rule.NewEvaluator(logger)
	if err != nil {
		return nil, fmt.Errorf("engine: create rule evaluator: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine.Engine"),
		provider:   provider.Null{},
		killSwitch: killswitch.Null{},
		rateLimit:  ratelimit.Null{},
		approval:   approval.Null{},
		rules:      rules,
		cache:      cache.New(cfg.Cache),
		metrics:    metrics.New(),
		emitter:    audit.New(logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Metrics returns the engine's in-memory metrics sink.
func (e *Engine) Metrics() *metrics.Sink { return e.metrics }

// InvalidateCache invalidates the policy cache for clientID and notifies
// the configured provider, if it supports invalidation hints.
func (e *Engine) InvalidateCache(clientID string) {
	e.cache.Invalidate(clientID)
	e.provider.InvalidateCache(clientID)
}

// InvalidateAll clears the entire policy cache. Intended to be wired as a
// provider's reload hook, since a directory-wide policy reload can touch
// any client's entries.
func (e *Engine) InvalidateAll() {
	e.cache.Clear()
}

// SetProvider swaps the policy provider collaborator after construction.
func (e *Engine) SetProvider(p provider.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.provider = p
}

// Evaluate runs ctx through the full authorization pipeline (spec.md
// §4.7), returning a Decision that is never nil and always has Allowed
// derived consistently from Effect.
func (e *Engine) Evaluate(ctx context.Context, actx authz.Context) authz.Decision {
	start := time.Now()

	if e.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
		defer cancel()
	}

	decision, matchedRules := e.evaluateInner(ctx, actx)
	decision.EvaluationDurationMs = msSince(start)
	decision.DecidedAt = time.Now()
	decision.Trace = authz.Trace{RequestID: actx.RequestID, EpisodeID: actx.EpisodeID}

	e.metrics.RecordDecision(decision, decision.EvaluationDurationMs)
	if e.exptr != nil {
		e.exptr.ObserveDecision(decision, decision.EvaluationDurationMs)
	}

	e.emitter.Emit(ctx, audit.Event{
		Type:         "policy_evaluation",
		Timestamp:    decision.DecidedAt,
		Context:      actx,
		Decision:     decision,
		MatchedRules: matchedRules,
	})

	return decision
}

// evaluateInner runs the pipeline and additionally returns every rule that
// reached a match decision along the way (spec.md §4.6's matchedRules),
// including the final matched rule if any, for Evaluate to attach to the
// audit event.
func (e *Engine) evaluateInner(ctx context.Context, actx authz.Context) (decision authz.Decision, matchedRules []audit.MatchedRule) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluation panicked", "panic", r)
			decision = e.failure(fmt.Sprintf("panic during evaluation: %v", r))
		}
	}()

	if err := validateContext(actx); err != nil {
		return authz.NewDecision(authz.EffectDeny, authz.ReasonEvaluationError, err.Error()), matchedRules
	}

	if e.cfg.EnableKillSwitch {
		ksRes, err := e.killSwitch.IsTripped(ctx, killswitch.CheckInput{
			ClientID: actx.ClientID, Action: actx.Action, Platform: actx.Platform,
		})
		if err != nil {
			return e.failure(fmt.Sprintf("kill switch check failed: %v", err)), matchedRules
		}
		if ksRes.Tripped {
			d := authz.NewDecision(authz.EffectDeny, authz.ReasonKillSwitchTripped, ksRes.Reason)
			d.KillSwitch = &ksRes
			return d, matchedRules
		}
	}

	if e.cfg.EnableRateLimit {
		rlRes, err := e.rateLimit.Check(ctx, ratelimit.CheckInput{
			ClientID: actx.ClientID,
			Platform: ratelimit.MapPlatform(actx.Platform),
			Action:   ratelimit.MapAction(actx.Action),
		})
		if err != nil {
			return e.failure(fmt.Sprintf("rate limit check failed: %v", err)), matchedRules
		}
		if !rlRes.Allowed {
			msg := "rate limit exceeded"
			if rlRes.RetryAfterMs > 0 {
				msg = fmt.Sprintf("rate limit exceeded, retry after %dms", rlRes.RetryAfterMs)
			}
			d := authz.NewDecision(authz.EffectDeny, authz.ReasonRateLimitExceeded, msg)
			d.RateLimit = &rlRes
			return d, matchedRules
		}
	}

	policies, err := e.fetchPolicies(ctx, actx)
	if err != nil {
		return e.failure(fmt.Sprintf("policy fetch failed: %v", err)), matchedRules
	}
	if len(policies) == 0 {
		return authz.NewDecision(e.cfg.DefaultEffect, authz.ReasonNoMatchingRules, "no policies apply to this context"), matchedRules
	}

	for _, pol := range policies {
		if pol.Status != authz.StatusActive {
			continue
		}
		match, found := e.rules.FindMatchingRule(actx, pol.Rules)
		if !found {
			continue
		}

		matchedRules = append(matchedRules, audit.MatchedRule{
			RuleID: match.Rule.ID, RuleName: match.Rule.Name,
			Effect: match.Rule.Effect, Matched: true, PolicyID: pol.ID,
		})

		if e.cfg.EnableApprovalGates && match.Rule.Constraints != nil && match.Rule.Constraints.RequireApproval != nil {
			d := e.runApprovalStage(ctx, actx, pol, match.Rule)
			return d, matchedRules
		}

		reason := authz.ReasonRuleAllowed
		if match.Rule.Effect == authz.EffectDeny {
			reason = authz.ReasonRuleDenied
		}
		d := authz.NewDecision(match.Rule.Effect, reason, fmt.Sprintf("matched rule %q", match.Rule.Name))
		d.PolicyID = pol.ID
		d.RuleID = match.Rule.ID
		d.RuleName = match.Rule.Name
		d.Constraints = match.Rule.Constraints
		return d, matchedRules
	}

	return authz.NewDecision(e.cfg.DefaultEffect, authz.ReasonDefaultEffect, "no rule matched"), matchedRules
}

// runApprovalStage implements spec.md §4.7's approval stage.
func (e *Engine) runApprovalStage(ctx context.Context, actx authz.Context, pol authz.Policy, r authz.Rule) authz.Decision {
	e.metrics.RecordApprovalGateTrigger()

	pending, err := e.approval.ListPendingRequests(ctx, approval.ListInput{
		ClientID: actx.ClientID, ActionType: actx.Action,
	})
	if err != nil {
		return e.failure(fmt.Sprintf("approval lookup failed: %v", err))
	}

	for _, req := range pending {
		if req.Resource != actx.Resource {
			continue
		}
		switch req.Status {
		case approval.StatusPending:
			d := authz.NewDecision(authz.EffectDeny, authz.ReasonApprovalPending, "an approval request is pending for this action")
			d.PolicyID = pol.ID
			d.RuleID = r.ID
			d.RuleName = r.Name
			d.ApprovalRequestID = req.ID
			d.ApprovalStatus = string(req.Status)
			return d
		case approval.StatusDenied:
			d := authz.NewDecision(authz.EffectDeny, authz.ReasonApprovalDenied, "the approval request for this action was denied")
			d.PolicyID = pol.ID
			d.RuleID = r.ID
			d.RuleName = r.Name
			d.ApprovalRequestID = req.ID
			d.ApprovalStatus = string(req.Status)
			return d
		default:
			// Approved (or any other terminal, non-pending, non-denied
			// status) falls through to a rule-allowed decision.
			reason := authz.ReasonRuleAllowed
			if r.Effect == authz.EffectDeny {
				reason = authz.ReasonRuleDenied
			}
			d := authz.NewDecision(r.Effect, reason, fmt.Sprintf("approval request %s resolved as %s", req.ID, req.Status))
			d.PolicyID = pol.ID
			d.RuleID = r.ID
			d.RuleName = r.Name
			d.ApprovalRequestID = req.ID
			d.ApprovalStatus = string(req.Status)
			d.Constraints = r.Constraints
			return d
		}
	}

	timeout := 24 * time.Hour
	role := ""
	if r.Constraints.RequireApproval != nil {
		if r.Constraints.RequireApproval.Timeout > 0 {
			timeout = r.Constraints.RequireApproval.Timeout
		}
		role = r.Constraints.RequireApproval.Role
	}

	created, err := e.approval.CreateRequest(ctx, approval.CreateInput{
		ClientID: actx.ClientID, ActionType: actx.Action, Resource: actx.Resource,
		PolicyID: pol.ID, RuleID: r.ID, Role: role, Fields: actx.Fields, Timeout: timeout,
	})
	if err != nil {
		return e.failure(fmt.Sprintf("approval request creation failed: %v", err))
	}

	d := authz.NewDecision(authz.EffectDeny, authz.ReasonApprovalPending, "approval request created for this action")
	d.PolicyID = pol.ID
	d.RuleID = r.ID
	d.RuleName = r.Name
	d.ApprovalRequestID = created.ID
	d.ApprovalStatus = string(created.Status)
	return d
}

// fetchPolicies consults the cache before calling the provider (spec.md
// §4.4).
func (e *Engine) fetchPolicies(ctx context.Context, actx authz.Context) ([]authz.Policy, error) {
	key := cache.Key{ClientID: actx.ClientID, AgentID: actx.AgentID}
	if e.cfg.Cache.Enabled {
		if cached, hit := e.cache.Get(key); hit {
			e.metrics.RecordCacheHit()
			if e.exptr != nil {
				e.exptr.ObserveCacheHit()
			}
			return cached, nil
		}
		e.metrics.RecordCacheMiss()
		if e.exptr != nil {
			e.exptr.ObserveCacheMiss()
		}
	}

	policies, err := e.provider.GetPoliciesForContext(ctx, actx)
	if err != nil {
		return nil, err
	}
	if e.cfg.Cache.Enabled {
		e.cache.PutAll(key, policies)
		e.metrics.RecordCacheSize(int64(e.cache.Size()))
		if e.exptr != nil {
			e.exptr.ObserveCacheSize(int64(e.cache.Size()))
		}
	}
	return policies, nil
}

func (e *Engine) failure(message string) authz.Decision {
	if !e.cfg.FailClosed {
		return authz.NewDecision(authz.EffectAllow, authz.ReasonEvaluationError, message)
	}
	return authz.NewDecision(authz.EffectDeny, authz.ReasonEvaluationError, message)
}

func validateContext(actx authz.Context) error {
	if actx.ClientID == "" {
		return fmt.Errorf("context.clientId is required")
	}
	if actx.Action == "" {
		return fmt.Errorf("context.action is required")
	}
	if actx.Resource == "" {
		return fmt.Errorf("context.resource is required")
	}
	return nil
}

// IsAllowed is a convenience wrapper equivalent to Evaluate(ctx,
// actx).Allowed (spec.md §4.7).
func (e *Engine) IsAllowed(ctx context.Context, actx authz.Context) bool {
	return e.Evaluate(ctx, actx).Allowed
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
