// Package ratelimit defines the rate-limiter collaborator contract consulted
// by the policy engine after the kill switch, plus a sliding-window
// in-memory reference implementation adapted from a bucketed per-action-type
// counter design, and the platform/action name mapping tables from spec.md §6.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// CheckInput is the narrow set of fields the rate limiter needs.
type CheckInput struct {
	ClientID string
	Platform string
	Action   string
}

// Usage reports the caller's current standing against the limit that was
// checked, for display or further client-side throttling decisions.
type Usage struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed         bool    `json:"allowed"`
	Policy          string  `json:"policy,omitempty"`
	Usage           Usage   `json:"usage"`
	RetryAfterMs    int64   `json:"retryAfterMs,omitempty"`
	CheckDurationMs float64 `json:"checkDurationMs"`
}

// Service is the rate-limiter collaborator contract (spec.md §4.7).
type Service interface {
	Check(ctx context.Context, in CheckInput) (Result, error)
}

// Null is the absent-service default: always allows.
type Null struct{}

// Check implements Service and always allows.
func (Null) Check(ctx context.Context, in CheckInput) (Result, error) {
	return Result{Allowed: true}, nil
}

// knownPlatforms is the recognized platform set for MapPlatform (spec.md §6).
// "twitter" is an alias of "x".
var knownPlatforms = map[string]string{
	"facebook":  "facebook",
	"instagram": "instagram",
	"tiktok":    "tiktok",
	"youtube":   "youtube",
	"linkedin":  "linkedin",
	"x":         "x",
	"twitter":   "x",
	"skool":     "skool",
}

// knownActions is the recognized rate-limit action-type set (spec.md §6).
var knownActions = map[string]bool{
	"publish":  true,
	"engage":   true,
	"api_call": true,
	"upload":   true,
	"schedule": true,
}

// defaultPlatform is the historical default for an unknown/absent platform.
const defaultPlatform = "facebook"

// defaultAction is the fallback action-type for an unknown/absent action.
const defaultAction = "api_call"

// MapPlatform normalizes an arbitrary platform string into the rate
// limiter's recognized enum, case-insensitively. Unknown or empty input maps
// to the historical default, "facebook".
func MapPlatform(platform string) string {
	mapped, ok := knownPlatforms[strings.ToLower(strings.TrimSpace(platform))]
	if !ok {
		return defaultPlatform
	}
	return mapped
}

// MapAction normalizes a context action (e.g. "post:publish") into the rate
// limiter's recognized action-type enum. The substring after the first ':'
// is used if present, otherwise the whole string; matching is
// case-insensitive. Unknown input maps to "api_call".
func MapAction(action string) string {
	s := action
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if knownActions[s] {
		return s
	}
	return defaultAction
}

const (
	bucketGranularity = time.Second
	gcInterval        = 30 * time.Second
	maxWindowDuration = 24 * time.Hour
)

type bucket struct {
	key   int64
	count int
}

type clientCounters struct {
	actions map[string][]bucket
}

// SlidingWindowConfig configures the per-action-type request ceiling the
// SlidingWindow reference implementation enforces.
type SlidingWindowConfig struct {
	Limit  int           // max requests per window, 0 disables limiting (always allow)
	Window time.Duration // sliding window length
}

// SlidingWindow is a reference Service implementation using time-bucketed
// counters per (client, mapped action-type), adapted from a per-session
// bucketed rate limiter: buckets are truncated to bucketGranularity, expired
// buckets are lazily garbage-collected on write.
type SlidingWindow struct {
	mu      sync.Mutex
	clients map[string]*clientCounters
	lastGC  time.Time
	cfg     SlidingWindowConfig
	logger  *slog.Logger
}

// NewSlidingWindow creates a SlidingWindow rate limiter.
func NewSlidingWindow(cfg SlidingWindowConfig, logger *slog.Logger) *SlidingWindow {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlidingWindow{
		clients: make(map[string]*clientCounters),
		lastGC:  time.Now(),
		cfg:     cfg,
		logger:  logger.With("component", "ratelimit.SlidingWindow"),
	}
}

// Check implements Service. The context's action is mapped via MapAction
// before counting, matching the engine's collaborator-boundary mapping from
// spec.md §6. Counters are kept per client and action type; the platform is
// not part of the count.
func (s *SlidingWindow) Check(ctx context.Context, in CheckInput) (Result, error) {
	start := time.Now()
	actionType := MapAction(in.Action)

	if s.cfg.Limit <= 0 {
		return Result{Allowed: true, CheckDurationMs: msSince(start)}, nil
	}

	now := time.Now()
	key := now.Truncate(bucketGranularity).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	cc, ok := s.clients[in.ClientID]
	if !ok {
		cc = &clientCounters{actions: make(map[string][]bucket)}
		s.clients[in.ClientID] = cc
	}

	buckets := cc.actions[actionType]
	if len(buckets) > 0 && buckets[len(buckets)-1].key == key {
		buckets[len(buckets)-1].count++
	} else {
		buckets = append(buckets, bucket{key: key, count: 1})
	}
	cc.actions[actionType] = buckets

	if now.Sub(s.lastGC) > gcInterval {
		s.gcLocked(now)
		s.lastGC = now
	}

	cutoff := now.Add(-s.cfg.Window).Truncate(bucketGranularity).Unix()
	total := 0
	for _, b := range buckets {
		if b.key >= cutoff {
			total += b.count
		}
	}

	result := Result{
		Policy:          actionType,
		Usage:           Usage{Count: total, Limit: s.cfg.Limit},
		CheckDurationMs: msSince(start),
	}
	if total > s.cfg.Limit {
		result.Allowed = false
		result.RetryAfterMs = s.cfg.Window.Milliseconds()
	} else {
		result.Allowed = true
	}
	return result, nil
}

// gcLocked prunes buckets older than maxWindowDuration. Caller must hold mu.
func (s *SlidingWindow) gcLocked(now time.Time) {
	cutoff := now.Add(-maxWindowDuration).Truncate(bucketGranularity).Unix()
	for cid, cc := range s.clients {
		empty := true
		for at, buckets := range cc.actions {
			firstValid := len(buckets)
			for i, b := range buckets {
				if b.key >= cutoff {
					firstValid = i
					break
				}
			}
			if firstValid > 0 {
				cc.actions[at] = buckets[firstValid:]
			}
			if len(cc.actions[at]) > 0 {
				empty = false
			} else {
				delete(cc.actions, at)
			}
		}
		if empty {
			delete(s.clients, cid)
		}
	}
}

// Reset removes all tracked counters for a client.
func (s *SlidingWindow) Reset(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
