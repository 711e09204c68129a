// Package metrics implements the engine's in-memory metrics sink (spec.md
// §4.5): evaluation counters, a bounded latency reservoir with on-demand
// percentile aggregates, and cache counters. A Prometheus exporter
// (exporter.go) additively mirrors the same counters, grounded on
// mercator-hq-jupiter's pkg/telemetry/metrics package.
package metrics

import (
	"sort"
	"sync"

	"github.com/polyauthz/engine/internal/authz"
)

// defaultReservoirCap is the default latency-sample cap (spec.md §4.5).
const defaultReservoirCap = 1000

// Snapshot is a point-in-time read of the sink's counters.
type Snapshot struct {
	TotalEvaluations     int64
	Allowed              int64
	Denied               int64
	Errors               int64
	ByReason             map[authz.Reason]int64
	KillSwitchTrips      int64
	RateLimitBlocks      int64
	ApprovalGateTriggers int64
	CacheHits            int64
	CacheMisses          int64
	CacheSize            int64
	CacheHitRate         float64
	LatencyAvgMs         float64
	LatencyP95Ms         float64
	LatencyP99Ms         float64
}

// Sink accumulates engine metrics. Safe for concurrent use.
type Sink struct {
	mu sync.Mutex

	totalEvaluations     int64
	allowed              int64
	denied               int64
	errors               int64
	byReason             map[authz.Reason]int64
	killSwitchTrips      int64
	rateLimitBlocks      int64
	approvalGateTriggers int64
	cacheHits            int64
	cacheMisses          int64
	cacheSize            int64

	reservoirCap int
	latencies    []float64 // ring buffer of recent samples, oldest overwritten
	ringPos      int
	ringFull     bool
}

// New creates a Sink with the default reservoir capacity.
func New() *Sink {
	return NewWithReservoirCap(defaultReservoirCap)
}

// NewWithReservoirCap creates a Sink with a custom latency reservoir size.
func NewWithReservoirCap(cap int) *Sink {
	if cap <= 0 {
		cap = defaultReservoirCap
	}
	return &Sink{
		byReason:     make(map[authz.Reason]int64),
		reservoirCap: cap,
		latencies:    make([]float64, 0, cap),
	}
}

// RecordDecision updates the evaluation counters for one completed
// evaluation. latencyMs is recorded into the reservoir.
func (s *Sink) RecordDecision(d authz.Decision, latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalEvaluations++
	if d.Allowed {
		s.allowed++
	} else {
		s.denied++
	}
	s.byReason[d.Reason]++
	switch d.Reason {
	case authz.ReasonEvaluationError:
		s.errors++
	case authz.ReasonKillSwitchTripped:
		s.killSwitchTrips++
	case authz.ReasonRateLimitExceeded:
		s.rateLimitBlocks++
	}
	s.recordLatencyLocked(latencyMs)
}

// RecordApprovalGateTrigger increments the approval-gate trigger counter.
// Unlike kill-switch trips and rate-limit blocks (derived automatically
// from the decision reason in RecordDecision), the approval stage can be
// entered and still resolve as allowed, so its counter is incremented
// explicitly by the caller when the stage runs.
func (s *Sink) RecordApprovalGateTrigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvalGateTriggers++
}

// RecordCacheHit/Miss update the cache counters; RecordCacheSize sets the
// current cache size gauge.
func (s *Sink) RecordCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheHits++
}

func (s *Sink) RecordCacheMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheMisses++
}

func (s *Sink) RecordCacheSize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheSize = size
}

func (s *Sink) recordLatencyLocked(ms float64) {
	if len(s.latencies) < s.reservoirCap {
		s.latencies = append(s.latencies, ms)
		return
	}
	s.latencies[s.ringPos] = ms
	s.ringPos = (s.ringPos + 1) % s.reservoirCap
	s.ringFull = true
}

// Snapshot returns a point-in-time copy of all counters and derived
// aggregates. Empty reservoir yields 0 for every latency aggregate
// (spec.md §4.5).
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	byReason := make(map[authz.Reason]int64, len(s.byReason))
	for k, v := range s.byReason {
		byReason[k] = v
	}

	var hitRate float64
	if total := s.cacheHits + s.cacheMisses; total > 0 {
		hitRate = float64(s.cacheHits) / float64(total)
	}

	avg, p95, p99 := aggregateLatencies(s.latencies)

	return Snapshot{
		TotalEvaluations:     s.totalEvaluations,
		Allowed:              s.allowed,
		Denied:               s.denied,
		Errors:               s.errors,
		ByReason:             byReason,
		KillSwitchTrips:      s.killSwitchTrips,
		RateLimitBlocks:      s.rateLimitBlocks,
		ApprovalGateTriggers: s.approvalGateTriggers,
		CacheHits:            s.cacheHits,
		CacheMisses:          s.cacheMisses,
		CacheSize:            s.cacheSize,
		CacheHitRate:         hitRate,
		LatencyAvgMs:         avg,
		LatencyP95Ms:         p95,
		LatencyP99Ms:         p99,
	}
}

// aggregateLatencies computes avg/p95/p99 over a copy of samples, sorted
// ascending. p95/p99 are the value at index floor(q*n) of the sorted copy
// (spec.md §4.5).
func aggregateLatencies(samples []float64) (avg, p95, p99 float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	avg = sum / float64(n)

	p95 = sorted[percentileIndex(n, 0.95)]
	p99 = sorted[percentileIndex(n, 0.99)]
	return avg, p95, p99
}

func percentileIndex(n int, q float64) int {
	idx := int(q * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return idx
}
