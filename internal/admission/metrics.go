package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatewarden"

var (
	admissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total admission decisions by outcome and applied mode",
		},
		[]string{"allowed", "mode"},
	)

	admissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "duration_seconds",
			Help:      "Time to decide an admission request",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"allowed"},
	)

	ruleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rule_evaluations_total",
			Help:      "Total rule evaluations by kind and result",
		},
		[]string{"kind", "result"},
	)

	ruleConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rule_conflicts_total",
			Help:      "Total mutation rule conflicts (same path, last writer wins)",
		},
	)

	timeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "timeouts_total",
			Help:      "Total admission requests that exceeded the pipeline deadline",
		},
		[]string{"resolution"},
	)
)

func recordDecision(allowed bool, mode string, duration time.Duration) {
	allowedLabel := "false"
	if allowed {
		allowedLabel = "true"
	}
	admissionDecisions.WithLabelValues(allowedLabel, mode).Inc()
	admissionDuration.WithLabelValues(allowedLabel).Observe(duration.Seconds())
}

func recordRuleEvaluation(kind, result string) {
	ruleEvaluations.WithLabelValues(kind, result).Inc()
}

func recordRuleConflict() {
	ruleConflicts.Inc()
}

func recordTimeout(resolution string) {
	timeouts.WithLabelValues(resolution).Inc()
}
