// Package enforcement tracks per-constraint enforcement modes and implements
// the deny-rate circuit breaker that auto-demotes a misbehaving constraint
// from enforce to audit.
package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Defaults for the circuit breaker.
const (
	DefaultDenyRateThreshold = 0.5
	DefaultWindow            = 5 * time.Minute
	DefaultMinSamples        = 20
)

var breakerTrips = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gatewarden",
		Subsystem: "enforcement",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total auto-demotions of constraints from enforce to audit",
	},
)

// ModeSetter changes a constraint's enforcement mode. Satisfied by the rule
// store service.
type ModeSetter interface {
	SetMode(ctx context.Context, id string, mode domain.EnforcementMode) error
}

// Escalator raises an operator-facing escalation. Satisfied by the
// escalation dispatcher.
type Escalator interface {
	EscalateSystem(tier domain.Tier, reason, message string)
}

// Config contains circuit breaker configuration.
type Config struct {
	// DenyRateThreshold trips the breaker when the deny rate within the
	// window exceeds it. 0 uses DefaultDenyRateThreshold.
	DenyRateThreshold float64
	// Window is the rolling observation window. 0 uses DefaultWindow.
	Window time.Duration
	// MinSamples is the minimum number of decisions in the window before
	// the breaker may trip. 0 uses DefaultMinSamples.
	MinSamples int
}

// Controller observes per-constraint enforce decisions and auto-demotes a
// constraint whose deny rate exceeds the threshold, so one bad policy cannot
// block all deployments cluster-wide. All other mode transitions are
// operator-driven through the rule store.
type Controller struct {
	cfg       Config
	store     ModeSetter
	escalator Escalator

	mu      sync.Mutex
	windows map[string]*rollingWindow

	nowFunc func() time.Time
}

// NewController creates an enforcement mode controller.
func NewController(cfg Config, store ModeSetter, escalator Escalator) *Controller {
	if cfg.DenyRateThreshold == 0 {
		cfg.DenyRateThreshold = DefaultDenyRateThreshold
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	return &Controller{
		cfg:       cfg,
		store:     store,
		escalator: escalator,
		windows:   make(map[string]*rollingWindow),
		nowFunc:   time.Now,
	}
}

// ObserveDecision records one enforce-mode outcome for a constraint and trips
// the breaker when the deny rate exceeds the threshold. Implements the
// admission pipeline's DecisionObserver.
func (c *Controller) ObserveDecision(constraintID string, denied bool) {
	w := c.windowFor(constraintID)
	total, deniedCount := w.add(denied)

	if total < c.cfg.MinSamples {
		return
	}
	rate := float64(deniedCount) / float64(total)
	if rate <= c.cfg.DenyRateThreshold {
		return
	}

	w.reset()
	go c.trip(constraintID, rate, total)
}

func (c *Controller) windowFor(constraintID string) *rollingWindow {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[constraintID]
	if !ok {
		w = newRollingWindow(c.cfg.Window, c.nowFunc)
		c.windows[constraintID] = w
	}
	return w
}

// trip demotes the constraint to audit and notifies operators that
// enforcement silently weakened.
func (c *Controller) trip(constraintID string, rate float64, total int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Warn("policy circuit-breaker tripped, demoting constraint to audit",
		"constraint_id", constraintID,
		"deny_rate", fmt.Sprintf("%.2f", rate),
		"samples", total,
	)
	breakerTrips.Inc()

	if err := c.store.SetMode(ctx, constraintID, domain.ModeAudit); err != nil {
		slog.Error("failed to demote constraint", "constraint_id", constraintID, "error", err)
		return
	}

	if c.escalator != nil {
		c.escalator.EscalateSystem(domain.TierP3,
			"policy circuit-breaker tripped",
			fmt.Sprintf("constraint %s auto-demoted from enforce to audit: deny rate %.0f%% over %d requests in %s",
				constraintID, rate*100, total, c.cfg.Window),
		)
	}
}
