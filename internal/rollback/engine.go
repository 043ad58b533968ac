package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/incident"
)

// Engine defaults.
const (
	DefaultStabilizeTimeout = 5 * time.Minute
	DefaultPollInterval     = 10 * time.Second
	DefaultMaxAttempts      = 2
	evidenceEventLimit      = 20
)

// ErrRollbackNotInProgress is returned when cancelling an incident with no
// rollback in flight.
var ErrRollbackNotInProgress = errors.New("no rollback in progress for incident")

// Escalator notifies operators when remediation fails. Satisfied by the
// escalation dispatcher.
type Escalator interface {
	Escalate(incidentID string, tier domain.Tier, reason, message string)
}

// Config contains rollback engine configuration.
type Config struct {
	// StabilizeTimeout bounds how long a rollback may take to report
	// healthy. 0 uses DefaultStabilizeTimeout.
	StabilizeTimeout time.Duration
	// PollInterval is the health poll cadence while stabilizing. 0 uses
	// DefaultPollInterval.
	PollInterval time.Duration
	// MaxAttempts is the total rollback attempts before giving up. 0 uses
	// DefaultMaxAttempts.
	MaxAttempts int
}

type inflightRollback struct {
	incidentID string
	cancel     context.CancelFunc
}

// Engine executes rollbacks. One rollback runs per deployment at a time;
// triggers arriving while one is in flight coalesce into it. The engine owns
// the incident while it is rollback_in_progress and releases ownership on
// every exit path.
type Engine struct {
	cfg       Config
	incidents incident.Repository
	revisions RevisionStore
	evidence  EvidenceStore
	history   EventHistory
	target    Target
	escalator Escalator

	mu       sync.Mutex
	inflight map[string]*inflightRollback

	wg sync.WaitGroup
}

// NewEngine creates a rollback engine. target may be nil when no platform
// adapter is configured; every trigger then escalates instead.
func NewEngine(cfg Config, incidents incident.Repository, revisions RevisionStore, evidence EvidenceStore, history EventHistory, target Target, escalator Escalator) *Engine {
	if cfg.StabilizeTimeout == 0 {
		cfg.StabilizeTimeout = DefaultStabilizeTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Engine{
		cfg:       cfg,
		incidents: incidents,
		revisions: revisions,
		evidence:  evidence,
		history:   history,
		target:    target,
		escalator: escalator,
		inflight:  make(map[string]*inflightRollback),
	}
}

// TriggerRollback starts a rollback for the incident's deployment. Returns
// immediately; a trigger for a deployment with a rollback already in flight
// coalesces into it. Implements the incident manager's RollbackTrigger.
func (e *Engine) TriggerRollback(inc domain.Incident, event domain.DeploymentEvent) {
	e.mu.Lock()
	if _, busy := e.inflight[inc.DeploymentID]; busy {
		e.mu.Unlock()
		slog.Debug("rollback already in flight, coalescing trigger",
			"deployment_id", inc.DeploymentID, "incident_id", inc.ID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.inflight[inc.DeploymentID] = &inflightRollback{incidentID: inc.ID, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(inc.DeploymentID)
		e.run(ctx, inc, event)
	}()
}

// Cancel aborts the incident's in-flight rollback on operator request. The
// incident returns to open.
func (e *Engine) Cancel(incidentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, fl := range e.inflight {
		if fl.incidentID == incidentID {
			fl.cancel()
			return nil
		}
	}
	return ErrRollbackNotInProgress
}

// Shutdown waits for in-flight rollbacks to finish.
func (e *Engine) Shutdown() {
	e.wg.Wait()
}

func (e *Engine) release(deploymentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, deploymentID)
}

func (e *Engine) run(ctx context.Context, inc domain.Incident, event domain.DeploymentEvent) {
	start := time.Now()

	// Take ownership. Losing the CAS means another owner already moved the
	// incident on, so this trigger is stale.
	if err := e.incidents.TransitionState(ctx, inc.ID, domain.IncidentOpen, domain.IncidentRollbackInProgress); err != nil {
		if errors.Is(err, incident.ErrStateConflict) {
			slog.Debug("incident no longer open, skipping rollback", "incident_id", inc.ID)
			return
		}
		slog.Error("failed to take rollback ownership", "incident_id", inc.ID, "error", err)
		return
	}

	e.captureEvidence(ctx, inc, event)

	if e.target == nil {
		e.fail(ctx, inc, "no rollback target configured",
			fmt.Sprintf("deployment %s needs manual remediation: no platform adapter configured", inc.DeploymentID))
		recordRollback("no_target", time.Since(start))
		return
	}

	rev, err := e.revisions.LatestGood(ctx, inc.DeploymentID)
	if err != nil {
		if errors.Is(err, ErrNoKnownGoodRevision) {
			e.fail(ctx, inc, "no known-good revision",
				fmt.Sprintf("deployment %s has no revision confirmed healthy to roll back to", inc.DeploymentID))
			recordRollback("no_target", time.Since(start))
			return
		}
		slog.Error("failed to look up known-good revision", "incident_id", inc.ID, "error", err)
		e.abort(inc)
		return
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		slog.Info("executing rollback",
			"incident_id", inc.ID,
			"deployment_id", inc.DeploymentID,
			"revision", rev.Revision,
			"attempt", attempt,
		)

		err := e.attempt(ctx, inc.DeploymentID, rev.Revision)
		if err == nil {
			if err := e.incidents.TransitionState(ctx, inc.ID, domain.IncidentRollbackInProgress, domain.IncidentRolledBack); err != nil {
				slog.Error("failed to mark incident rolled back", "incident_id", inc.ID, "error", err)
			}
			recordRollback("success", time.Since(start))
			slog.Info("rollback succeeded",
				"incident_id", inc.ID, "deployment_id", inc.DeploymentID, "revision", rev.Revision)
			return
		}
		if ctx.Err() != nil {
			e.abort(inc)
			recordRollback("canceled", time.Since(start))
			return
		}
		slog.Warn("rollback attempt failed",
			"incident_id", inc.ID, "attempt", attempt, "error", err)
	}

	e.fail(ctx, inc, "rollback failed",
		fmt.Sprintf("deployment %s failed to stabilize on revision %s after %d attempts",
			inc.DeploymentID, rev.Revision, e.cfg.MaxAttempts))
	recordRollback("failed", time.Since(start))
}

// attempt executes one rollback and polls health until the deployment is
// stable or the stabilize timeout elapses.
func (e *Engine) attempt(ctx context.Context, deploymentID, revision string) error {
	if err := e.target.Rollback(ctx, deploymentID, revision); err != nil {
		return fmt.Errorf("rollback request: %w", err)
	}

	deadline := time.NewTimer(e.cfg.StabilizeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("deployment did not stabilize within %s", e.cfg.StabilizeTimeout)
		case <-ticker.C:
			health, err := e.target.Health(ctx, deploymentID)
			if err != nil {
				slog.Warn("health poll failed", "deployment_id", deploymentID, "error", err)
				continue
			}
			switch health {
			case domain.HealthHealthy:
				return nil
			case domain.HealthFailed:
				return errors.New("deployment reported failed after rollback")
			}
		}
	}
}

// fail marks the incident rollback_failed, hands it to the escalation
// dispatcher, and escalates at the incident tier bumped one step, no less
// severe than P2.
func (e *Engine) fail(ctx context.Context, inc domain.Incident, reason, message string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.incidents.TransitionState(ctx, inc.ID, domain.IncidentRollbackInProgress, domain.IncidentRollbackFailed); err != nil {
		slog.Error("failed to mark rollback failed", "incident_id", inc.ID, "error", err)
		return
	}
	if err := e.incidents.TransitionState(ctx, inc.ID, domain.IncidentRollbackFailed, domain.IncidentEscalated); err != nil {
		slog.Error("failed to escalate incident", "incident_id", inc.ID, "error", err)
		return
	}

	tier := domain.MostSevere(bumpTier(inc.Tier), domain.TierP2)
	slog.Warn("rollback failed, escalating",
		"incident_id", inc.ID, "deployment_id", inc.DeploymentID, "tier", tier, "reason", reason)
	e.escalator.Escalate(inc.ID, tier, reason, message)
}

// abort returns a cancelled rollback's incident to open.
func (e *Engine) abort(inc domain.Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("rollback cancelled, returning incident to open", "incident_id", inc.ID)
	if err := e.incidents.TransitionState(ctx, inc.ID, domain.IncidentRollbackInProgress, domain.IncidentOpen); err != nil {
		slog.Error("failed to reopen incident after cancel", "incident_id", inc.ID, "error", err)
	}
}

// captureEvidence snapshots recent deployment events before the rollback
// mutates anything. Failure to capture never blocks remediation.
func (e *Engine) captureEvidence(ctx context.Context, inc domain.Incident, event domain.DeploymentEvent) {
	if e.evidence == nil {
		return
	}
	ev := Evidence{
		IncidentID:   inc.ID,
		DeploymentID: inc.DeploymentID,
		Trigger:      event,
	}
	if e.history != nil {
		recent, err := e.history.ListEvents(ctx, inc.DeploymentID, evidenceEventLimit)
		if err != nil {
			slog.Warn("failed to list events for evidence", "incident_id", inc.ID, "error", err)
		} else {
			ev.RecentEvents = recent
		}
	}
	if err := e.evidence.SaveEvidence(ctx, ev); err != nil {
		slog.Warn("failed to save rollback evidence", "incident_id", inc.ID, "error", err)
	}
}

func bumpTier(t domain.Tier) domain.Tier {
	switch t {
	case domain.TierP2:
		return domain.TierP1
	case domain.TierP3:
		return domain.TierP2
	case domain.TierP4:
		return domain.TierP3
	}
	return t
}
