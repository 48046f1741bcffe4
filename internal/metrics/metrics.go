// Package metrics declares the Prometheus instrumentation for randsrv.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "randsrv"

var (
	// EvaluationsTotal counts randomness evaluation requests, labeled by
	// instance and outcome.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "evaluations_total",
			Help:      "Number of randomness evaluation requests handled.",
		},
		[]string{"instance", "outcome"},
	)

	// EvaluationDuration observes the wall-clock duration of a
	// randomness evaluation request, in seconds.
	EvaluationDuration = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of a randomness evaluation request in seconds.",
		},
		[]string{"instance"},
	)

	// RotationsTotal counts epoch rotations, labeled by instance and
	// whether the rotation rebuilt the instance's key material.
	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "rotations_total",
			Help:      "Number of epoch rotations performed.",
		},
		[]string{"instance", "rebuilt"},
	)
)

func init() {
	prometheus.MustRegister(EvaluationsTotal, EvaluationDuration, RotationsTotal)
}
