// Package postgres provides the PostgreSQL implementation of the admission
// decision repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gatewarden/gatewarden/internal/admission"
	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements admission.Repository using PostgreSQL. Decisions are
// append-only audit records keyed by request id.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertDecision persists a terminal admission decision.
func (r *Repository) InsertDecision(ctx context.Context, decision *domain.AdmissionDecision) error {
	record, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	query := `
		INSERT INTO admission_decisions (request_id, allowed, mode_applied, denied_by, record, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Exec(ctx, query,
		decision.RequestID,
		decision.Allowed,
		decision.ModeApplied,
		decision.DeniedBy,
		record,
		decision.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision returns a decision by request id.
func (r *Repository) GetDecision(ctx context.Context, requestID string) (*domain.AdmissionDecision, error) {
	query := `SELECT record FROM admission_decisions WHERE request_id = $1`

	var record []byte
	if err := r.db.QueryRow(ctx, query, requestID).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, admission.ErrDecisionNotFound
		}
		return nil, fmt.Errorf("get decision: %w", err)
	}

	var decision domain.AdmissionDecision
	if err := json.Unmarshal(record, &decision); err != nil {
		return nil, fmt.Errorf("unmarshal decision: %w", err)
	}
	return &decision, nil
}
