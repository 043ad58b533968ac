package monitor

import (
	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signalsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "monitor",
			Name:      "signals_ingested_total",
			Help:      "Total raw health signals ingested",
		},
	)

	eventsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "monitor",
			Name:      "events_classified_total",
			Help:      "Total deployment events by kind",
		},
		[]string{"kind"},
	)
)

func recordEvent(kind domain.DeploymentEventKind) {
	eventsClassified.WithLabelValues(string(kind)).Inc()
}
