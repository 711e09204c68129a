// Package audit implements the engine's best-effort audit emitter (spec.md
// §4.6): a fan-out of Handler implementations invoked after every
// evaluation, with handler errors swallowed so the decision path is never
// affected.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/polyauthz/engine/internal/authz"
)

// MatchedRule records one rule that reached a match decision during an
// evaluation, for the audit event's matchedRules list (spec.md §4.6).
type MatchedRule struct {
	RuleID   string      `json:"ruleId"`
	RuleName string      `json:"ruleName"`
	Effect   authz.Effect `json:"effect"`
	Matched  bool        `json:"matched"`
	PolicyID string      `json:"policyId"`
}

// Event is the payload delivered to every Handler.
type Event struct {
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Context      authz.Context   `json:"context"`
	Decision     authz.Decision  `json:"decision"`
	MatchedRules []MatchedRule   `json:"matchedRules"`
}

// Handler consumes audit events. A Handler must not block the caller for
// long, and any error it returns is swallowed by Emitter — it never affects
// the evaluation's decision (spec.md §4.6).
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

// Emitter fans an Event out to every registered Handler, catching and
// logging (never propagating) each handler's error.
type Emitter struct {
	logger   *slog.Logger
	handlers []Handler
}

// New creates an Emitter with the given handlers (order is call order; all
// handlers are always invoked regardless of an earlier one's error).
func New(logger *slog.Logger, handlers ...Handler) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger.With("component", "audit.Emitter"), handlers: handlers}
}

// Emit delivers event to every handler, recovering from panics and
// swallowing errors (spec.md §4.6's "exceptions thrown by the handler are
// swallowed and must not affect the decision path").
func (e *Emitter) Emit(ctx context.Context, event Event) {
	for _, h := range e.handlers {
		e.safeHandle(ctx, h, event)
	}
}

func (e *Emitter) safeHandle(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("audit handler panicked", "panic", r)
		}
	}()
	if err := h.Handle(ctx, event); err != nil {
		e.logger.Warn("audit handler returned error", "error", err)
	}
}
