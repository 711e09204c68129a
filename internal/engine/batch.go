package engine

import (
	"context"

	"github.com/polyauthz/engine/internal/authz"
)

// EvaluateBatch evaluates every context in actxs concurrently, returning
// one Decision per input in the same order (spec.md §4.7/§5). Concurrency
// is capped by cfg.BatchConcurrency to bound resource usage under a large
// batch; a non-positive value means unbounded.
func (e *Engine) EvaluateBatch(ctx context.Context, actxs []authz.Context) []authz.Decision {
	decisions := make([]authz.Decision, len(actxs))
	if len(actxs) == 0 {
		return decisions
	}

	var sem chan struct{}
	if e.cfg.BatchConcurrency > 0 {
		sem = make(chan struct{}, e.cfg.BatchConcurrency)
	}

	done := make(chan struct{}, len(actxs))
	for i, actx := range actxs {
		i, actx := i, actx
		go func() {
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			decisions[i] = e.Evaluate(ctx, actx)
			done <- struct{}{}
		}()
	}
	for range actxs {
		<-done
	}
	return decisions
}
