package escalation

import (
	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var escalationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatewarden",
		Subsystem: "escalation",
		Name:      "dispatched_total",
		Help:      "Total escalations by tier, channel and terminal status",
	},
	[]string{"tier", "channel", "status"},
)

func recordEscalation(tier domain.Tier, channel, status string) {
	escalationsTotal.WithLabelValues(string(tier), channel, status).Inc()
}
