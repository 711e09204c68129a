package condition

import (
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/polyauthz/engine/internal/authz"
)

// maxDepth guards the recursive compound-condition tree against stack abuse
// from a hand-crafted policy (spec.md §9 Design Notes).
const maxDepth = 32

// EvalResult is the outcome of evaluating one authz.Condition node, kept for
// the audit trail (spec.md §4.6's matchedRules / conditionResults).
type EvalResult struct {
	Condition authz.Condition
	Satisfied bool
	Error     string
	Children  []EvalResult
}

// Evaluator evaluates authz.Condition trees against an authz.Context. It
// owns the CEL environment used to compile ExpressionCondition nodes
// (SPEC_FULL.md's addition to the condition grammar), compiled once per
// distinct expression string and cached for reuse across evaluations.
type Evaluator struct {
	logger *slog.Logger
	exprs  *exprCache
}

// NewEvaluator creates a condition Evaluator.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ec, err := newExprCache()
	if err != nil {
		return nil, err
	}
	return &Evaluator{logger: logger.With("component", "condition.Evaluator"), exprs: ec}, nil
}

// EvaluateAll reports whether every condition in conds is satisfied
// (spec.md §3: "conditions ... all must pass; empty ⇒ trivially true"), and
// returns one EvalResult per top-level condition for the audit trail. Every
// condition is evaluated even after an earlier one fails, so the caller can
// observe all failures (spec.md §4.3).
func (e *Evaluator) EvaluateAll(ctx authz.Context, conds []authz.Condition) (bool, []EvalResult) {
	results := make([]EvalResult, 0, len(conds))
	allSatisfied := true
	for _, c := range conds {
		r := e.Evaluate(ctx, c, 0)
		results = append(results, r)
		if !r.Satisfied {
			allSatisfied = false
		}
	}
	return allSatisfied, results
}

// Evaluate evaluates a single condition node, recursing into compound
// children. depth guards against runaway nesting.
func (e *Evaluator) Evaluate(ctx authz.Context, c authz.Condition, depth int) EvalResult {
	if depth > maxDepth {
		return EvalResult{Condition: c, Satisfied: false, Error: "condition nesting exceeds max depth"}
	}

	switch c.Type {
	case authz.ConditionField:
		left := resolveField(ctx, c.Field)
		res := evalField(left, c.Operator, c.Value)
		return EvalResult{Condition: c, Satisfied: res.Satisfied, Error: res.Error}

	case authz.ConditionTime:
		res := evalTime(ctx.EffectiveTimestamp(), c.Field, c.Operator, c.Value)
		return EvalResult{Condition: c, Satisfied: res.Satisfied, Error: res.Error}

	case authz.ConditionCompound:
		return e.evaluateCompound(ctx, c, depth)

	case authz.ConditionExpression:
		satisfied, err := e.exprs.eval(c.Expression, ctx)
		if err != nil {
			return EvalResult{Condition: c, Satisfied: false, Error: err.Error()}
		}
		return EvalResult{Condition: c, Satisfied: satisfied}

	default:
		return EvalResult{Condition: c, Satisfied: false, Error: "unknown condition type"}
	}
}

// evaluateCompound implements and/or/not over child conditions (spec.md
// §4.2): and = all children true, or = any child true, not = negation of
// the first child only — remaining children are still evaluated (for the
// audit trail) but don't affect the result.
func (e *Evaluator) evaluateCompound(ctx authz.Context, c authz.Condition, depth int) EvalResult {
	children := make([]EvalResult, 0, len(c.Conditions))
	for _, child := range c.Conditions {
		children = append(children, e.Evaluate(ctx, child, depth+1))
	}

	var satisfied bool
	switch c.CompoundOperator {
	case "and":
		satisfied = true
		for _, ch := range children {
			if !ch.Satisfied {
				satisfied = false
				break
			}
		}
	case "or":
		satisfied = false
		for _, ch := range children {
			if ch.Satisfied {
				satisfied = true
				break
			}
		}
	case "not":
		if len(children) == 0 {
			return EvalResult{Condition: c, Satisfied: false, Error: "not: no child condition", Children: children}
		}
		satisfied = !children[0].Satisfied
	default:
		return EvalResult{Condition: c, Satisfied: false, Error: "unknown compound operator", Children: children}
	}

	return EvalResult{Condition: c, Satisfied: satisfied, Children: children}
}

// exprCache compiles and caches CEL programs for ExpressionCondition nodes.
type exprCache struct {
	env *cel.Env
	mu  programCache
}

func newExprCache() (*exprCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("clientId", cel.StringType),
		cel.Variable("agentId", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("platform", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("hour", cel.IntType),
		cel.Variable("minute", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	return &exprCache{env: env, mu: newProgramCache()}, nil
}

func (c *exprCache) eval(expr string, ctx authz.Context) (bool, error) {
	prg, err := c.mu.getOrCompile(c.env, expr)
	if err != nil {
		return false, err
	}

	now := ctx.EffectiveTimestamp()
	fields := ctx.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"clientId":    ctx.ClientID,
		"agentId":     ctx.AgentID,
		"action":      ctx.Action,
		"resource":    ctx.Resource,
		"platform":    ctx.Platform,
		"fields":      fields,
		"hour":        int64(now.Hour()),
		"minute":      int64(now.Minute()),
		"day_of_week": int64(now.Weekday()),
	})
	if err != nil {
		return false, err
	}
	b, isBool := out.Value().(bool)
	if !isBool {
		return false, errNotBool(expr)
	}
	return b, nil
}
