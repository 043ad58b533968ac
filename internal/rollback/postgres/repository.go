// Package postgres provides the PostgreSQL implementations of the revision
// and rollback evidence stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/rollback"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RevisionStore implements rollback.RevisionStore using PostgreSQL. One row
// per deployment holds the latest revision confirmed healthy.
type RevisionStore struct {
	db *pgxpool.Pool
}

// NewRevisionStore creates a new PostgreSQL revision store.
func NewRevisionStore(db *pgxpool.Pool) *RevisionStore {
	return &RevisionStore{db: db}
}

// RecordGood upserts the deployment's last-known-good revision.
func (s *RevisionStore) RecordGood(ctx context.Context, rev domain.Revision) error {
	var manifest []byte
	if rev.Manifest != nil {
		var err error
		manifest, err = json.Marshal(rev.Manifest)
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
	}

	query := `
		INSERT INTO revisions (deployment_id, revision, manifest, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (deployment_id) DO UPDATE
		SET revision = EXCLUDED.revision,
		    manifest = EXCLUDED.manifest,
		    recorded_at = EXCLUDED.recorded_at
	`
	if _, err := s.db.Exec(ctx, query, rev.DeploymentID, rev.Revision, manifest, rev.RecordedAt); err != nil {
		return fmt.Errorf("record revision: %w", err)
	}
	return nil
}

// LatestGood returns the deployment's last-known-good revision.
func (s *RevisionStore) LatestGood(ctx context.Context, deploymentID string) (*domain.Revision, error) {
	query := `
		SELECT deployment_id, revision, manifest, recorded_at
		FROM revisions
		WHERE deployment_id = $1
	`
	var (
		rev      domain.Revision
		manifest []byte
	)
	err := s.db.QueryRow(ctx, query, deploymentID).Scan(
		&rev.DeploymentID,
		&rev.Revision,
		&manifest,
		&rev.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rollback.ErrNoKnownGoodRevision
		}
		return nil, fmt.Errorf("get revision: %w", err)
	}
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &rev.Manifest); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
	}
	return &rev, nil
}

// EvidenceStore implements rollback.EvidenceStore using PostgreSQL.
type EvidenceStore struct {
	db *pgxpool.Pool
}

// NewEvidenceStore creates a new PostgreSQL evidence store.
func NewEvidenceStore(db *pgxpool.Pool) *EvidenceStore {
	return &EvidenceStore{db: db}
}

// SaveEvidence persists one pre-rollback evidence snapshot.
func (s *EvidenceStore) SaveEvidence(ctx context.Context, ev rollback.Evidence) error {
	snapshot, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	query := `
		INSERT INTO rollback_evidence (incident_id, deployment_id, snapshot, captured_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(ctx, query, ev.IncidentID, ev.DeploymentID, snapshot, time.Now()); err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}
