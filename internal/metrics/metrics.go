// Package metrics holds the Prometheus collectors for the billing engine.
// Everything is registered on the default registry via promauto and served
// by the promhttp handler mounted in internal/rest.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsInserted counts ledger rows genuinely inserted, by event type.
	// Duplicate submissions land in DedupHits instead.
	EventsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_ledger_events_inserted_total",
		Help: "Billing events newly inserted into the ledger",
	}, []string{"type"})

	// DedupHits counts submissions absorbed by the idempotency key.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tollgate_ledger_dedup_hits_total",
		Help: "Event submissions dropped as idempotency-key duplicates",
	})

	// DeductDuration observes the latency of the atomic bulk deduction.
	DeductDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tollgate_ledger_deduct_duration_seconds",
		Help:    "Duration of atomic bulk deduction transactions",
		Buckets: prometheus.DefBuckets,
	})

	// JobRuns counts job invocations by outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_job_runs_total",
		Help: "Scheduled job invocations by job name and outcome",
	}, []string{"job", "status"})

	// JobDuration observes how long each scheduled job takes.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tollgate_job_duration_seconds",
		Help:    "Duration of scheduled job invocations",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job"})

	// DriftObserved counts reconciliations by drift severity tier.
	DriftObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_reconcile_drift_total",
		Help: "Reconciliation passes by drift severity tier",
	}, []string{"tier"})

	// OutboxReplays counts outbox delivery attempts by outcome.
	OutboxReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_outbox_replays_total",
		Help: "Outbox entry replay attempts by outcome",
	}, []string{"status"})

	// Enforcements counts exhaustion enforcement invocations that actually
	// flipped an organization to exhausted.
	Enforcements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tollgate_enforcements_total",
		Help: "Organizations flipped to exhausted and enforced against",
	})

	// GraceEntered counts organizations moved into the grace state.
	GraceEntered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tollgate_grace_entered_total",
		Help: "Organizations that entered the grace period",
	})

	// GraceRecovered counts grace organizations restored by a top-up.
	GraceRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tollgate_grace_recovered_total",
		Help: "Organizations restored to active by a successful top-up",
	})
)
