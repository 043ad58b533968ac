package rollback

import (
	"context"
	"errors"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// ErrNoKnownGoodRevision is returned when a deployment has no revision
// confirmed healthy to roll back to.
var ErrNoKnownGoodRevision = errors.New("no known-good revision for deployment")

// RevisionStore persists revisions confirmed healthy. RecordGood also
// satisfies the monitor's RevisionRecorder.
type RevisionStore interface {
	RecordGood(ctx context.Context, rev domain.Revision) error
	// LatestGood returns the most recently confirmed revision, or
	// ErrNoKnownGoodRevision.
	LatestGood(ctx context.Context, deploymentID string) (*domain.Revision, error)
}

// Evidence is the diagnostic snapshot captured before a rollback mutates the
// deployment, so the pre-rollback state stays inspectable afterwards.
type Evidence struct {
	IncidentID   string                   `json:"incident_id"`
	DeploymentID string                   `json:"deployment_id"`
	Trigger      domain.DeploymentEvent   `json:"trigger"`
	RecentEvents []domain.DeploymentEvent `json:"recent_events,omitempty"`
}

// EvidenceStore persists pre-rollback evidence snapshots.
type EvidenceStore interface {
	SaveEvidence(ctx context.Context, ev Evidence) error
}

// EventHistory reads recent deployment events for evidence capture.
// Satisfied by the monitor's event repository.
type EventHistory interface {
	ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentEvent, error)
}
