// Package postgres provides the PostgreSQL implementation of the deployment
// event repository.
package postgres

import (
	"context"
	"fmt"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements monitor.Repository using PostgreSQL. The event table
// is append-only.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// AppendEvent persists one classified deployment event.
func (r *Repository) AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	query := `
		INSERT INTO deployment_events (id, deployment_id, timestamp, kind, message, evidence_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.DeploymentID,
		event.Timestamp,
		event.Kind,
		event.Message,
		event.EvidenceRef,
	)
	if err != nil {
		return fmt.Errorf("insert deployment event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events for a deployment, newest first.
func (r *Repository) ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentEvent, error) {
	query := `
		SELECT id, deployment_id, timestamp, kind, message, evidence_ref
		FROM deployment_events
		WHERE deployment_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deployment events: %w", err)
	}
	defer rows.Close()

	var events []domain.DeploymentEvent
	for rows.Next() {
		var event domain.DeploymentEvent
		err := rows.Scan(
			&event.ID,
			&event.DeploymentID,
			&event.Timestamp,
			&event.Kind,
			&event.Message,
			&event.EvidenceRef,
		)
		if err != nil {
			return nil, fmt.Errorf("scan deployment event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment events: %w", err)
	}
	return events, nil
}
