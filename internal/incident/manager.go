package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/google/uuid"
)

// DefaultHealthyStreak is the number of consecutive healthy observations
// required to resolve an open incident.
const DefaultHealthyStreak = 3

// RollbackTrigger starts remediation for an incident. Satisfied by the
// rollback engine; the call must not block event dispatch.
type RollbackTrigger interface {
	TriggerRollback(incident domain.Incident, event domain.DeploymentEvent)
}

// Escalator notifies operators about an incident. Satisfied by the
// escalation dispatcher.
type Escalator interface {
	Escalate(incidentID string, tier domain.Tier, reason, message string)
}

// Config contains incident manager configuration.
type Config struct {
	// HealthyStreak is the consecutive healthy event count that resolves an
	// incident. 0 uses DefaultHealthyStreak.
	HealthyStreak int
}

// Manager consumes classified deployment events and drives the incident
// lifecycle: it opens incidents on failure events, folds subsequent failures
// into the open incident, hands critical incidents to the rollback engine,
// and resolves incidents after a sustained healthy streak.
type Manager struct {
	cfg      Config
	repo     Repository
	rollback RollbackTrigger
	escalate Escalator

	mu      sync.Mutex
	healthy map[string]int
}

// NewManager creates an incident manager.
func NewManager(cfg Config, repo Repository, rollback RollbackTrigger, escalate Escalator) *Manager {
	if cfg.HealthyStreak == 0 {
		cfg.HealthyStreak = DefaultHealthyStreak
	}
	return &Manager{
		cfg:      cfg,
		repo:     repo,
		rollback: rollback,
		escalate: escalate,
		healthy:  make(map[string]int),
	}
}

// HandleEvent processes one deployment event. Events arrive in per-deployment
// order from the monitor queue.
func (m *Manager) HandleEvent(ctx context.Context, event domain.DeploymentEvent) {
	var err error
	if event.Kind == domain.EventHealthy {
		err = m.handleHealthy(ctx, event)
	} else {
		err = m.handleFailure(ctx, event)
	}
	if err != nil {
		slog.Error("failed to handle deployment event",
			"deployment_id", event.DeploymentID, "kind", event.Kind, "error", err)
	}
}

func (m *Manager) handleFailure(ctx context.Context, event domain.DeploymentEvent) error {
	m.resetStreak(event.DeploymentID)
	tier := domain.TierForEventSeverity(event.Kind.Severity())

	existing, err := m.repo.GetOpenByDeployment(ctx, event.DeploymentID)
	switch {
	case err == nil:
		return m.foldIntoIncident(ctx, existing, event, tier)
	case errors.Is(err, ErrIncidentNotFound):
		return m.openIncident(ctx, event, tier)
	default:
		return fmt.Errorf("lookup open incident: %w", err)
	}
}

// openIncident creates a new incident for the deployment. A concurrent open
// loses the insert race and folds into the winner instead.
func (m *Manager) openIncident(ctx context.Context, event domain.DeploymentEvent, tier domain.Tier) error {
	now := time.Now()
	inc := &domain.Incident{
		ID:           uuid.New().String(),
		DeploymentID: event.DeploymentID,
		Tier:         tier,
		State:        domain.IncidentOpen,
		Timeline:     []string{event.ID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.repo.Insert(ctx, inc); err != nil {
		if errors.Is(err, ErrOpenIncidentExists) {
			existing, lookupErr := m.repo.GetOpenByDeployment(ctx, event.DeploymentID)
			if lookupErr != nil {
				return fmt.Errorf("lookup after insert race: %w", lookupErr)
			}
			return m.foldIntoIncident(ctx, existing, event, tier)
		}
		return fmt.Errorf("insert incident: %w", err)
	}

	recordIncidentOpened(tier)
	slog.Info("incident opened",
		"incident_id", inc.ID,
		"deployment_id", inc.DeploymentID,
		"tier", inc.Tier,
		"trigger", event.Kind,
	)

	m.escalate.Escalate(inc.ID, tier, string(event.Kind),
		fmt.Sprintf("deployment %s: %s (%s)", event.DeploymentID, event.Kind, event.Message))
	m.rollback.TriggerRollback(*inc, event)
	return nil
}

// foldIntoIncident attaches the event to the already-open incident and bumps
// its tier when the new event is more severe. Rollback is re-requested only
// while the incident is still open; the engine coalesces duplicates.
func (m *Manager) foldIntoIncident(ctx context.Context, inc *domain.Incident, event domain.DeploymentEvent, tier domain.Tier) error {
	if err := m.repo.AppendTimeline(ctx, inc.ID, event.ID, tier); err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	if tier.MoreSevere(inc.Tier) {
		slog.Info("incident tier raised",
			"incident_id", inc.ID, "from", inc.Tier, "to", tier)
		m.escalate.Escalate(inc.ID, tier, string(event.Kind),
			fmt.Sprintf("deployment %s: incident raised to %s on %s", event.DeploymentID, tier, event.Kind))
	}
	if inc.State == domain.IncidentOpen {
		m.rollback.TriggerRollback(*inc, event)
	}
	return nil
}

// handleHealthy advances the deployment's healthy streak and resolves the
// open incident once the streak is long enough and the incident is in a
// resolvable state. Incidents mid-rollback or escalated stay with their
// owner.
func (m *Manager) handleHealthy(ctx context.Context, event domain.DeploymentEvent) error {
	if m.bumpStreak(event.DeploymentID) < m.cfg.HealthyStreak {
		return nil
	}

	inc, err := m.repo.GetOpenByDeployment(ctx, event.DeploymentID)
	if errors.Is(err, ErrIncidentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup open incident: %w", err)
	}
	if !inc.State.CanTransitionTo(domain.IncidentResolved) {
		return nil
	}

	if err := m.repo.TransitionState(ctx, inc.ID, inc.State, domain.IncidentResolved); err != nil {
		if errors.Is(err, ErrStateConflict) {
			slog.Debug("incident changed owner before auto-resolve", "incident_id", inc.ID)
			return nil
		}
		return fmt.Errorf("resolve incident: %w", err)
	}

	m.resetStreak(event.DeploymentID)
	recordIncidentResolved()
	slog.Info("incident auto-resolved after healthy streak",
		"incident_id", inc.ID,
		"deployment_id", inc.DeploymentID,
		"streak", m.cfg.HealthyStreak,
	)
	return nil
}

// Resolve closes an incident on operator request.
func (m *Manager) Resolve(ctx context.Context, id string) error {
	inc, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !inc.State.CanTransitionTo(domain.IncidentResolved) {
		return fmt.Errorf("%w: cannot resolve incident in state %s", ErrStateConflict, inc.State)
	}
	if err := m.repo.TransitionState(ctx, id, inc.State, domain.IncidentResolved); err != nil {
		return err
	}
	recordIncidentResolved()
	slog.Info("incident resolved by operator", "incident_id", id)
	return nil
}

// GetIncident returns an incident by id.
func (m *Manager) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return m.repo.GetByID(ctx, id)
}

// ListOpen returns all non-resolved incidents.
func (m *Manager) ListOpen(ctx context.Context) ([]domain.Incident, error) {
	return m.repo.ListOpen(ctx)
}

func (m *Manager) bumpStreak(deploymentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy[deploymentID]++
	return m.healthy[deploymentID]
}

func (m *Manager) resetStreak(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.healthy, deploymentID)
}
