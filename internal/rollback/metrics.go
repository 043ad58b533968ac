package rollback

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "rollback",
			Name:      "executions_total",
			Help:      "Total rollback executions by outcome",
		},
		[]string{"outcome"},
	)

	rollbackDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gatewarden",
			Subsystem: "rollback",
			Name:      "duration_seconds",
			Help:      "Rollback execution duration from trigger to terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

func recordRollback(outcome string, elapsed time.Duration) {
	rollbacks.WithLabelValues(outcome).Inc()
	rollbackDuration.Observe(elapsed.Seconds())
}
