package incident

import (
	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	incidentsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "incident",
			Name:      "opened_total",
			Help:      "Total incidents opened by initial tier",
		},
		[]string{"tier"},
	)

	incidentsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "incident",
			Name:      "resolved_total",
			Help:      "Total incidents resolved",
		},
	)
)

func recordIncidentOpened(tier domain.Tier) {
	incidentsOpened.WithLabelValues(string(tier)).Inc()
}

func recordIncidentResolved() {
	incidentsResolved.Inc()
}
