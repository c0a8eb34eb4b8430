// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts decoded ledger events, partitioned by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_events_total",
		Help: "Ledger events ingested",
	}, []string{"kind"})

	// EventFailures counts events whose handler returned an error.
	EventFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_event_failures_total",
		Help: "Events whose processing failed (isolated, loop continues)",
	}, []string{"kind"})

	// CascadesTotal counts completed recompute cycles per group.
	CascadesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_cascades_total",
		Help: "Completed cascade recompute cycles",
	}, []string{"group"})

	// CascadesSkipped counts cycles dropped for zero totals or invariant
	// failures.
	CascadesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_cascades_skipped_total",
		Help: "Cascade cycles skipped",
	}, []string{"group", "reason"})

	// ProbabilitySum exports each group's structural bps sum after a
	// completed cascade; should sit at 10000 within rounding slack.
	ProbabilitySum = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "probsync_probability_sum_bps",
		Help: "Sum of structural probabilities per group after last cascade",
	}, []string{"group"})

	// WriteAttempts counts individual ledger submissions by outcome.
	WriteAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_write_attempts_total",
		Help: "Ledger write attempts",
	}, []string{"op", "status"})

	// WritesTotal counts finished write tasks by final outcome.
	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_writes_total",
		Help: "Write tasks finished",
	}, []string{"op", "status"})

	// WriteQueueDepth tracks tasks waiting in the writer scheduler.
	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probsync_write_queue_depth",
		Help: "Write tasks pending or backing off",
	})

	// EscalationsTotal counts notifications actually delivered after the
	// per-target cooldown dedup.
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_escalations_total",
		Help: "Escalations sent to the notifier",
	}, []string{"severity"})

	// ActivationsTotal counts activation runs by result.
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probsync_activations_total",
		Help: "Market activation runs",
	}, []string{"result"})

	// PoolBalance exports the funding pool balance in token minor units.
	// float64 loses precision beyond 2^53; fine for a monitoring gauge.
	PoolBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probsync_pool_balance",
		Help: "Shared activation funding pool balance",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
