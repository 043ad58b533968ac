// Package postgres provides the PostgreSQL implementation of the escalation
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/escalation"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements escalation.Repository using PostgreSQL. Records are
// written once per terminal send outcome; only acknowledgement mutates them.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertEscalation persists one escalation record. System escalations carry
// no incident id and are stored with NULL.
func (r *Repository) InsertEscalation(ctx context.Context, esc *domain.Escalation) error {
	var incidentID *string
	if esc.IncidentID != "" {
		incidentID = &esc.IncidentID
	}

	query := `
		INSERT INTO escalations (id, incident_id, tier, channel, reason, attempts, status, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		esc.ID,
		incidentID,
		esc.Tier,
		esc.Channel,
		esc.Reason,
		esc.Attempts,
		esc.Status,
		esc.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// GetByID returns an escalation record by id.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Escalation, error) {
	query := `
		SELECT id, COALESCE(incident_id::text, ''), tier, channel, reason, attempts, status, sent_at, acknowledged_at
		FROM escalations
		WHERE id = $1
	`
	var esc domain.Escalation
	err := r.db.QueryRow(ctx, query, id).Scan(
		&esc.ID,
		&esc.IncidentID,
		&esc.Tier,
		&esc.Channel,
		&esc.Reason,
		&esc.Attempts,
		&esc.Status,
		&esc.SentAt,
		&esc.AcknowledgedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, escalation.ErrEscalationNotFound
		}
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	return &esc, nil
}

// Acknowledge marks an escalation as seen. Acknowledging twice is a conflict.
func (r *Repository) Acknowledge(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE escalations
		SET acknowledged_at = $2
		WHERE id = $1 AND acknowledged_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("acknowledge escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escalations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check escalation existence: %w", err)
		}
		if !exists {
			return escalation.ErrEscalationNotFound
		}
		return escalation.ErrAlreadyAcknowledged
	}
	return nil
}

// ListByIncident returns an incident's escalation records, newest first.
func (r *Repository) ListByIncident(ctx context.Context, incidentID string) ([]domain.Escalation, error) {
	query := `
		SELECT id, COALESCE(incident_id::text, ''), tier, channel, reason, attempts, status, sent_at, acknowledged_at
		FROM escalations
		WHERE incident_id = $1
		ORDER BY sent_at DESC
	`
	rows, err := r.db.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var escalations []domain.Escalation
	for rows.Next() {
		var esc domain.Escalation
		err := rows.Scan(
			&esc.ID,
			&esc.IncidentID,
			&esc.Tier,
			&esc.Channel,
			&esc.Reason,
			&esc.Attempts,
			&esc.Status,
			&esc.SentAt,
			&esc.AcknowledgedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		escalations = append(escalations, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return escalations, nil
}
