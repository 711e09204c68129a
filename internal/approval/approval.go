// Package approval defines the human-in-the-loop approval-gate collaborator
// contract (spec.md §4.7's "approval stage"), plus an in-memory reference
// Gate adapted from a pending-request queue with a background timeout
// sweeper.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status values a Request can be in.
const (
	StatusPending Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied  Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// Status is the lifecycle state of an approval Request.
type Status string

// Request represents a (possibly already resolved) approval request.
type Request struct {
	ID         string
	ClientID   string
	ActionType string
	Resource   string
	PolicyID   string
	RuleID     string
	Role       string
	Fields     map[string]interface{}
	Timeout    time.Duration
	Status     Status
	CreatedAt  time.Time
	ResolvedBy string
}

// ListInput selects which pending requests to look up.
type ListInput struct {
	ClientID   string
	ActionType string
}

// CreateInput describes a new approval request to create.
type CreateInput struct {
	ClientID   string
	ActionType string
	Resource   string
	PolicyID   string
	RuleID     string
	Role       string
	Fields     map[string]interface{}
	Timeout    time.Duration
}

// Gate is the approval-gate collaborator contract (spec.md §4.7).
type Gate interface {
	ListPendingRequests(ctx context.Context, in ListInput) ([]Request, error)
	CreateRequest(ctx context.Context, in CreateInput) (Request, error)
}

// Null is the absent-gate default: it reports no pending requests and
// refuses to create one. An engine configured with enableApprovalGates but
// no real Gate should not pretend an approval was requested; callers that
// want the gate active must wire a real implementation.
type Null struct{}

// ListPendingRequests implements Gate and always returns no requests.
func (Null) ListPendingRequests(ctx context.Context, in ListInput) ([]Request, error) {
	return nil, nil
}

// CreateRequest implements Gate and refuses, so the engine's approval stage
// falls back to its caller-visible error path rather than silently
// fabricating approvals.
func (Null) CreateRequest(ctx context.Context, in CreateInput) (Request, error) {
	return Request{}, fmt.Errorf("approval: no gate configured")
}

// InMemory is a reference Gate: pending requests are held in a map and swept
// for timeout on a fixed interval, the same shape as a blocking
// submit/resolve approval queue but without the blocking Submit call — the
// engine only ever lists and creates, never waits.
type InMemory struct {
	mu      sync.RWMutex
	pending map[string]*Request

	logger *slog.Logger
	stop   chan struct{}
}

// NewInMemory creates an InMemory approval gate and starts its background
// timeout sweeper.
func NewInMemory(logger *slog.Logger) *InMemory {
	if logger == nil {
		logger = slog.Default()
	}
	g := &InMemory{
		pending: make(map[string]*Request),
		logger:  logger.With("component", "approval.InMemory"),
		stop:    make(chan struct{}),
	}
	go g.sweepTimeouts()
	return g
}

// Close stops the background timeout sweeper.
func (g *InMemory) Close() {
	close(g.stop)
}

// ListPendingRequests implements Gate.
func (g *InMemory) ListPendingRequests(ctx context.Context, in ListInput) ([]Request, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Request, 0)
	for _, r := range g.pending {
		if r.ClientID == in.ClientID && r.ActionType == in.ActionType {
			out = append(out, *r)
		}
	}
	return out, nil
}

// CreateRequest implements Gate. New requests start pending.
func (g *InMemory) CreateRequest(ctx context.Context, in CreateInput) (Request, error) {
	req := Request{
		ID:         ulid.Make().String(),
		ClientID:   in.ClientID,
		ActionType: in.ActionType,
		Resource:   in.Resource,
		PolicyID:   in.PolicyID,
		RuleID:     in.RuleID,
		Role:       in.Role,
		Fields:     in.Fields,
		Timeout:    in.Timeout,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}

	g.mu.Lock()
	g.pending[req.ID] = &req
	g.mu.Unlock()

	g.logger.Info("approval request created",
		"approval_id", req.ID,
		"client_id", req.ClientID,
		"action_type", req.ActionType,
		"role", req.Role,
	)

	return req, nil
}

// Resolve approves or denies a pending request. It is the operator-facing
// side of the gate; the engine never calls it. The resolved request is kept
// (not deleted) so the engine's next lookup for the same
// clientId/action/resource sees its terminal status instead of creating a
// duplicate request.
func (g *InMemory) Resolve(id string, approved bool, resolvedBy string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.pending[id]
	if !ok {
		return fmt.Errorf("approval: request %s not found or already resolved", id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("approval: request %s already resolved", id)
	}

	if approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusDenied
	}
	req.ResolvedBy = resolvedBy

	g.logger.Info("approval request resolved", "approval_id", id, "approved", approved, "resolved_by", resolvedBy)
	return nil
}

// sweepTimeouts periodically marks pending requests past their deadline as
// timed out. Like resolved requests, timed-out requests stay in the map and
// are still returned by ListPendingRequests with their terminal status.
func (g *InMemory) sweepTimeouts() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			now := time.Now()
			g.mu.Lock()
			for id, req := range g.pending {
				if req.Status != StatusPending || req.Timeout <= 0 {
					continue
				}
				if now.After(req.CreatedAt.Add(req.Timeout)) {
					req.Status = StatusTimedOut
					req.ResolvedBy = "timeout"
					g.logger.Warn("approval request timed out", "approval_id", id)
				}
			}
			g.mu.Unlock()
		}
	}
}
