// Package metrics provides routing-related Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

var (
	// DispatchAttempts counts provider invocations by outcome class.
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Provider invocation attempts by candidate and outcome",
		},
		[]string{"candidate", "outcome"},
	)

	// Failovers counts requests that advanced past the first candidate.
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Requests that failed over to a later candidate",
		},
		[]string{"model"},
	)

	// RequestsExhausted counts requests that ran out of candidates.
	RequestsExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_exhausted_total",
			Help:      "Requests terminated after exhausting every candidate",
		},
		[]string{"model"},
	)

	// QuotaVerdicts counts admission decisions by verdict.
	QuotaVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_verdicts_total",
			Help:      "Quota admission verdicts by tenant",
		},
		[]string{"tenant", "verdict"},
	)

	// CooldownEntries counts cooldown activations per candidate.
	CooldownEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_entries_total",
			Help:      "Cooldown activations per candidate",
		},
		[]string{"candidate"},
	)

	// CandidateHealthScore exposes the last observed health score.
	CandidateHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidate_health_score",
			Help:      "Last observed health score per candidate (0-1)",
		},
		[]string{"candidate"},
	)

	// UpstreamLatency observes end-to-end upstream invocation latency.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream invocation latency by candidate",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"candidate"},
	)

	// StreamAborts counts streams that failed after the first byte.
	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_aborts_total",
			Help:      "Streams aborted mid-flight after commitment",
		},
		[]string{"candidate"},
	)
)
