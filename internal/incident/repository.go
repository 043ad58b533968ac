// Package incident tracks deployment health incidents from detection to
// resolution. At most one incident is open per deployment; ownership of an
// incident moves between the manager, the rollback engine, and the
// escalation dispatcher through atomic state transitions.
package incident

import (
	"context"
	"errors"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// Incident errors.
var (
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrStateConflict is returned when a compare-and-swap state transition
	// loses to a concurrent owner.
	ErrStateConflict = errors.New("incident state conflict")
	// ErrOpenIncidentExists is returned when inserting a second open
	// incident for the same deployment.
	ErrOpenIncidentExists = errors.New("open incident already exists for deployment")
)

// Repository defines incident persistence.
type Repository interface {
	Insert(ctx context.Context, incident *domain.Incident) error
	GetByID(ctx context.Context, id string) (*domain.Incident, error)
	// GetOpenByDeployment returns the deployment's non-resolved incident,
	// or ErrIncidentNotFound when none is open.
	GetOpenByDeployment(ctx context.Context, deploymentID string) (*domain.Incident, error)
	// AppendTimeline attaches an event to the incident timeline and raises
	// the tier when the given tier is more severe than the current one.
	AppendTimeline(ctx context.Context, id, eventID string, tier domain.Tier) error
	// TransitionState moves the incident from one state to another
	// atomically, returning ErrStateConflict when the incident is no longer
	// in the expected state.
	TransitionState(ctx context.Context, id string, from, to domain.IncidentState) error
	ListOpen(ctx context.Context) ([]domain.Incident, error)
}
