package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peertrade",
		Subsystem: "reconcile",
		Name:      "sweeps_total",
		Help:      "Total reconciliation sweep invocations.",
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peertrade",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total whole-unit reconciliation errors (escrow load, event query).",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peertrade",
		Subsystem: "reconcile",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peertrade",
		Subsystem: "reconcile",
		Name:      "events_total",
		Help:      "Events handled by result: applied, noop, failed, unroutable.",
	}, []string{"result"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peertrade",
		Subsystem: "reconcile",
		Name:      "escrow_transitions_total",
		Help:      "Escrow status transitions applied, by target status.",
	}, []string{"status"})

	consistencyViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peertrade",
		Subsystem: "reconcile",
		Name:      "consistency_violations_total",
		Help:      "Cross-aggregate consistency violations reported by the validator.",
	})
)

func init() {
	prometheus.MustRegister(
		sweepsTotal,
		sweepErrors,
		sweepDuration,
		eventsTotal,
		transitionsTotal,
		consistencyViolations,
	)
}
