// Package authz holds the shared authorization data model: the evaluation
// context callers submit, the policy/rule/condition documents a provider
// supplies, and the decision the engine returns (spec.md §3).
package authz

import (
	"time"

	"github.com/polyauthz/engine/internal/killswitch"
	"github.com/polyauthz/engine/internal/ratelimit"
)

// Effect is the verdict a matched rule or a policy's default asserts.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Status is the lifecycle state of a Policy.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// Scope determines which tenant dimension a Policy applies to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeClient Scope = "client"
	ScopeAgent  Scope = "agent"
)

// Reason uniquely identifies which pipeline stage produced a Decision
// (spec.md §7).
type Reason string

const (
	ReasonKillSwitchTripped Reason = "kill_switch_tripped"
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
	ReasonRuleAllowed       Reason = "rule_allowed"
	ReasonRuleDenied        Reason = "rule_denied"
	// ReasonApprovalRequired is reserved: the reference pipeline never emits
	// it, surfacing a freshly created pending request as
	// ReasonApprovalPending instead (spec.md §9 Open Questions).
	ReasonApprovalRequired Reason = "approval_required"
	ReasonApprovalPending  Reason = "approval_pending"
	ReasonApprovalDenied   Reason = "approval_denied"
	ReasonDefaultEffect    Reason = "default_effect"
	ReasonNoMatchingRules  Reason = "no_matching_rules"
	ReasonEvaluationError  Reason = "evaluation_error"
)

// Context is the per-request bundle of tenant, action, resource, and
// ambient fields fed to the engine. It is immutable during evaluation.
type Context struct {
	ClientID  string
	Action    string
	Resource  string
	AgentID   string
	Platform  string
	Timestamp time.Time // zero value means "now at evaluation"
	Fields    map[string]interface{}
	EpisodeID string
	RequestID string
}

// EffectiveTimestamp returns ctx.Timestamp, or the current time if unset.
func (c Context) EffectiveTimestamp() time.Time {
	if c.Timestamp.IsZero() {
		return time.Now()
	}
	return c.Timestamp
}

// RateLimitConstraint is the portion of a rule's constraints that describes
// a rate limit the caller is expected to enforce after an allow decision.
type RateLimitConstraint struct {
	Limit  int    `yaml:"limit" json:"limit"`
	Window string `yaml:"window" json:"window"`
}

// ApprovalConstraint configures the human-approval gate for a rule whose
// constraints.requireApproval is set.
type ApprovalConstraint struct {
	Role          string        `yaml:"role" json:"role"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	TimeoutEffect Effect        `yaml:"timeoutEffect" json:"timeoutEffect"`
}

// BudgetConstraint caps spend associated with a rule, projected to the
// caller for enforcement; the core does not itself track spend.
type BudgetConstraint struct {
	Max float64 `yaml:"max" json:"max"`
}

// Constraints is the optional enforcement metadata a rule carries and a
// matched decision projects back to the caller.
type Constraints struct {
	RateLimit       *RateLimitConstraint `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	RequireApproval *ApprovalConstraint  `yaml:"requireApproval,omitempty" json:"requireApproval,omitempty"`
	Budget          *BudgetConstraint    `yaml:"budget,omitempty" json:"budget,omitempty"`
}

// ConditionType discriminates the Condition tagged variant (spec.md §3,
// §4.2, and the ExpressionCondition addition in SPEC_FULL.md).
type ConditionType string

const (
	ConditionField      ConditionType = "field"
	ConditionTime       ConditionType = "time"
	ConditionCompound   ConditionType = "compound"
	ConditionExpression ConditionType = "expression"
)

// Condition is a single node of the condition tree. Exactly one of the
// field groups below is populated, selected by Type. It is a flat struct
// rather than an interface hierarchy so a Condition round-trips through
// YAML/JSON without a custom unmarshaler per variant.
type Condition struct {
	Type ConditionType `yaml:"type" json:"type"`

	// Field / Time conditions.
	Field    string      `yaml:"field,omitempty" json:"field,omitempty"`
	Operator string      `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`

	// Compound conditions. Operator is one of and/or/not; Conditions is the
	// ordered list of children. "not" applies to Conditions[0] only; the
	// remaining children are still evaluated (for the audit trail) but do
	// not affect the result.
	CompoundOperator string      `yaml:"compoundOperator,omitempty" json:"compoundOperator,omitempty"`
	Conditions       []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// Expression conditions (SPEC_FULL.md addition): a CEL boolean
	// expression evaluated against the same field set the resolver exposes.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Rule is one clause of a Policy mapping (actions × resources × conditions)
// to an Effect.
type Rule struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool         `yaml:"enabled" json:"enabled"`
	Effect      Effect       `yaml:"effect" json:"effect"`
	Actions     []string     `yaml:"actions" json:"actions"`
	Resources   []string     `yaml:"resources" json:"resources"`
	Conditions  []Condition  `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Priority    int          `yaml:"priority" json:"priority"`
	Constraints *Constraints `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// Policy is a named, versioned, scoped set of rules with a default effect.
type Policy struct {
	ID            string    `yaml:"id" json:"id"`
	Name          string    `yaml:"name" json:"name"`
	Version       int       `yaml:"version" json:"version"`
	Status        Status    `yaml:"status" json:"status"`
	Scope         Scope     `yaml:"scope" json:"scope"`
	ClientID      string    `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	AgentID       string    `yaml:"agentId,omitempty" json:"agentId,omitempty"`
	Rules         []Rule    `yaml:"rules" json:"rules"`
	DefaultEffect Effect    `yaml:"defaultEffect" json:"defaultEffect"`
	CreatedAt     time.Time `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt     time.Time `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// Trace echoes the caller-supplied correlation identifiers on a Decision.
type Trace struct {
	RequestID string `json:"requestId,omitempty"`
	EpisodeID string `json:"episodeId,omitempty"`
}

// Decision is the single record the engine returns for an evaluation
// (spec.md §3).
type Decision struct {
	Allowed bool   `json:"allowed"`
	Effect  Effect `json:"effect"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`

	PolicyID string `json:"policyId,omitempty"`
	RuleID   string `json:"ruleId,omitempty"`
	RuleName string `json:"ruleName,omitempty"`

	KillSwitch *killswitch.Result `json:"killSwitch,omitempty"`
	RateLimit  *ratelimit.Result  `json:"rateLimit,omitempty"`

	ApprovalRequestID string `json:"approvalRequestId,omitempty"`
	ApprovalStatus    string `json:"approvalStatus,omitempty"`

	Constraints *Constraints `json:"constraints,omitempty"`

	EvaluationDurationMs float64   `json:"evaluationDurationMs"`
	DecidedAt            time.Time `json:"decidedAt"`
	Trace                Trace     `json:"trace"`
}

// NewDecision builds a Decision whose Allowed field is derived from effect,
// keeping invariant 1 (spec.md §3) true by construction.
func NewDecision(effect Effect, reason Reason, message string) Decision {
	return Decision{
		Allowed: effect == EffectAllow,
		Effect:  effect,
		Reason:  reason,
		Message: message,
	}
}
