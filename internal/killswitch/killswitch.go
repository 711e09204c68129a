// Package killswitch defines the kill-switch collaborator contract consulted
// by the policy engine before any other stage, plus a small in-memory
// reference implementation and a null object for callers that don't wire a
// real one.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CheckInput is the narrow set of fields the kill-switch service needs to
// decide whether a tenant/action/platform is currently blocked.
type CheckInput struct {
	ClientID string
	Action   string
	Platform string
}

// Result is the outcome of a kill-switch check. It is carried verbatim on
// the engine's decision when the kill switch is consulted.
type Result struct {
	Tripped         bool    `json:"tripped"`
	Switch          string  `json:"switch,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	CheckDurationMs float64 `json:"checkDurationMs"`
}

// Service is the kill-switch collaborator contract (spec.md §4.7). It has a
// single operation so the engine's happy path never needs more than this.
type Service interface {
	IsTripped(ctx context.Context, in CheckInput) (Result, error)
}

// Null is the absent-service default: it never trips. Used so the engine
// does not need a nil check on its kill-switch collaborator.
type Null struct{}

// IsTripped implements Service and always reports not tripped.
func (Null) IsTripped(ctx context.Context, in CheckInput) (Result, error) {
	return Result{Tripped: false}, nil
}

// InMemory is a reference Service implementation with global and per-client
// kill switches, adapted from a proxy-level emergency stop design: hot path
// reads take an RLock, trips are logged at error level and appended to a
// history for audit. The history is not capped and resets are not recorded
// in it.
type InMemory struct {
	mu sync.RWMutex

	global      bool
	globalWhy   string
	clientKills map[string]string // clientID -> reason
	history     []TriggerRecord

	logger *slog.Logger
}

// TriggerRecord records who/what tripped the switch and when.
type TriggerRecord struct {
	ClientID  string    // empty for a global trip
	Reason    string
	Source    string
	Timestamp time.Time
}

// NewInMemory creates an InMemory kill switch, initially armed (not tripped).
func NewInMemory(logger *slog.Logger) *InMemory {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemory{
		clientKills: make(map[string]string),
		logger:      logger.With("component", "killswitch.InMemory"),
	}
}

// IsTripped implements Service.
func (k *InMemory) IsTripped(ctx context.Context, in CheckInput) (Result, error) {
	start := time.Now()

	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.global {
		return Result{
			Tripped:         true,
			Switch:          "global",
			Reason:          k.globalWhy,
			CheckDurationMs: msSince(start),
		}, nil
	}

	if reason, ok := k.clientKills[in.ClientID]; ok {
		return Result{
			Tripped:         true,
			Switch:          fmt.Sprintf("client:%s", in.ClientID),
			Reason:          reason,
			CheckDurationMs: msSince(start),
		}, nil
	}

	return Result{Tripped: false, CheckDurationMs: msSince(start)}, nil
}

// TripGlobal blocks every tenant and action until ResetGlobal is called.
func (k *InMemory) TripGlobal(reason, source string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.global = true
	k.globalWhy = reason
	k.history = append(k.history, TriggerRecord{Reason: reason, Source: source, Timestamp: time.Now()})
	k.logger.Error("global kill switch tripped", "reason", reason, "source", source)
}

// TripClient blocks a single tenant until ResetClient is called.
func (k *InMemory) TripClient(clientID, reason, source string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clientKills[clientID] = reason
	k.history = append(k.history, TriggerRecord{ClientID: clientID, Reason: reason, Source: source, Timestamp: time.Now()})
	k.logger.Error("client kill switch tripped", "client_id", clientID, "reason", reason, "source", source)
}

// ResetGlobal disarms the global kill switch.
func (k *InMemory) ResetGlobal() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.global = false
	k.globalWhy = ""
	k.logger.Info("global kill switch reset")
}

// ResetClient disarms the kill switch for a single tenant.
func (k *InMemory) ResetClient(clientID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.clientKills, clientID)
	k.logger.Info("client kill switch reset", "client_id", clientID)
}

// History returns a copy of every trip recorded so far, for audit.
func (k *InMemory) History() []TriggerRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]TriggerRecord, len(k.history))
	copy(out, k.history)
	return out
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
