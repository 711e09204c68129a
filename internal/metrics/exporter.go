package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/polyauthz/engine/internal/authz"
)

// Exporter additively mirrors a Sink's counters as Prometheus metrics,
// grounded on mercator-hq-jupiter's PolicyMetrics (pkg/telemetry/metrics/policy.go):
// CounterVec for evaluation totals by reason, HistogramVec for evaluation
// latency. It does not replace Sink — callers that want the on-demand
// avg/p95/p99 semantics of spec.md §4.5 keep using Sink.Snapshot directly;
// Exporter exists so the same numbers can be scraped. The one counter that
// differs is the approval counter: it is derived from the decision reason
// (approval_pending or approval_denied) and so does not count an
// approval-gated evaluation that resolved to the rule's own effect, which
// Sink's ApprovalGateTriggers does count.
type Exporter struct {
	evaluationsTotal *prometheus.CounterVec
	reasonTotal      *prometheus.CounterVec
	evaluationLatency prometheus.Histogram
	killSwitchTrips  prometheus.Counter
	rateLimitBlocks  prometheus.Counter
	approvalTriggers prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheSize        prometheus.Gauge
}

// NewExporter creates an Exporter and registers its metrics with registry.
func NewExporter(namespace string, registry *prometheus.Registry) *Exporter {
	e := &Exporter{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of policy evaluations by effect",
			},
			[]string{"effect"},
		),
		reasonTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluation_reason_total",
				Help:      "Total number of policy evaluations by decision reason",
			},
			[]string{"reason"},
		),
		evaluationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of a policy evaluation in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 20),
			},
		),
		killSwitchTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "kill_switch_trips_total", Help: "Total evaluations denied by a tripped kill switch",
		}),
		rateLimitBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_blocks_total", Help: "Total evaluations denied by rate limiting",
		}),
		approvalTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "approval_gate_triggers_total", Help: "Total evaluations denied as approval_pending or approval_denied",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Total policy cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Total policy cache misses",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_size", Help: "Current number of policy cache entries",
		}),
	}

	registry.MustRegister(
		e.evaluationsTotal,
		e.reasonTotal,
		e.evaluationLatency,
		e.killSwitchTrips,
		e.rateLimitBlocks,
		e.approvalTriggers,
		e.cacheHits,
		e.cacheMisses,
		e.cacheSize,
	)
	return e
}

// ObserveDecision records one evaluation's effect, reason, and latency.
func (e *Exporter) ObserveDecision(d authz.Decision, latencyMs float64) {
	e.evaluationsTotal.WithLabelValues(string(d.Effect)).Inc()
	e.reasonTotal.WithLabelValues(string(d.Reason)).Inc()
	e.evaluationLatency.Observe(latencyMs / 1000.0)

	switch d.Reason {
	case authz.ReasonKillSwitchTripped:
		e.killSwitchTrips.Inc()
	case authz.ReasonRateLimitExceeded:
		e.rateLimitBlocks.Inc()
	case authz.ReasonApprovalPending, authz.ReasonApprovalDenied:
		e.approvalTriggers.Inc()
	}
}

// ObserveCacheHit/Miss/Size mirror Sink's cache counters into Prometheus.
func (e *Exporter) ObserveCacheHit()  { e.cacheHits.Inc() }
func (e *Exporter) ObserveCacheMiss() { e.cacheMisses.Inc() }
func (e *Exporter) ObserveCacheSize(size int64) { e.cacheSize.Set(float64(size)) }
