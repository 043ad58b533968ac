// Package postgres provides the PostgreSQL implementation of the incident
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/incident"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Repository implements incident.Repository using PostgreSQL. A partial
// unique index on (deployment_id) WHERE state != 'resolved' enforces the
// single-open-incident invariant at the storage layer.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert persists a new incident. Returns ErrOpenIncidentExists when the
// deployment already has a non-resolved incident.
func (r *Repository) Insert(ctx context.Context, inc *domain.Incident) error {
	query := `
		INSERT INTO incidents (id, deployment_id, tier, state, timeline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		inc.ID,
		inc.DeploymentID,
		inc.Tier,
		inc.State,
		inc.Timeline,
		inc.CreatedAt,
		inc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return incident.ErrOpenIncidentExists
		}
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// GetByID returns an incident by id.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Incident, error) {
	query := `
		SELECT id, deployment_id, tier, state, timeline, created_at, updated_at
		FROM incidents
		WHERE id = $1
	`
	return r.scanIncident(r.db.QueryRow(ctx, query, id))
}

// GetOpenByDeployment returns the deployment's non-resolved incident.
func (r *Repository) GetOpenByDeployment(ctx context.Context, deploymentID string) (*domain.Incident, error) {
	query := `
		SELECT id, deployment_id, tier, state, timeline, created_at, updated_at
		FROM incidents
		WHERE deployment_id = $1 AND state != 'resolved'
	`
	return r.scanIncident(r.db.QueryRow(ctx, query, deploymentID))
}

// AppendTimeline attaches an event id to the incident timeline. Tier columns
// sort lexicographically in severity order, so LEAST keeps the more severe
// of the current and incoming tier.
func (r *Repository) AppendTimeline(ctx context.Context, id, eventID string, tier domain.Tier) error {
	query := `
		UPDATE incidents
		SET timeline = array_append(timeline, $2),
		    tier = LEAST(tier, $3),
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, eventID, tier)
	if err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrIncidentNotFound
	}
	return nil
}

// TransitionState performs a compare-and-swap state change.
func (r *Repository) TransitionState(ctx context.Context, id string, from, to domain.IncidentState) error {
	query := `
		UPDATE incidents
		SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2
	`
	tag, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("transition incident state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check incident existence: %w", err)
		}
		if !exists {
			return incident.ErrIncidentNotFound
		}
		return incident.ErrStateConflict
	}
	return nil
}

// ListOpen returns all non-resolved incidents, newest first.
func (r *Repository) ListOpen(ctx context.Context) ([]domain.Incident, error) {
	query := `
		SELECT id, deployment_id, tier, state, timeline, created_at, updated_at
		FROM incidents
		WHERE state != 'resolved'
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	defer rows.Close()

	var incidents []domain.Incident
	for rows.Next() {
		inc, err := r.scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return incidents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanIncident(row rowScanner) (*domain.Incident, error) {
	var inc domain.Incident
	err := row.Scan(
		&inc.ID,
		&inc.DeploymentID,
		&inc.Tier,
		&inc.State,
		&inc.Timeline,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	return &inc, nil
}
