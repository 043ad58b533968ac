// Package postgres provides the PostgreSQL implementation of the rule store
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/rulestore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements rulestore.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertRule appends a new rule version. Versions are assigned sequentially
// per rule id; published versions are never updated or deleted.
func (r *Repository) InsertRule(ctx context.Context, rule *domain.PolicyRule) error {
	selector, err := json.Marshal(rule.Selector)
	if err != nil {
		return fmt.Errorf("marshal selector: %w", err)
	}

	query := `
		INSERT INTO policy_rules (id, version, kind, selector, body, message, severity)
		VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM policy_rules WHERE id = $1), $2, $3, $4, $5, $6)
		RETURNING version, created_at
	`
	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Kind,
		selector,
		rule.Body,
		rule.Message,
		rule.Severity,
	).Scan(&rule.Version, &rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule returns the latest version of a rule.
func (r *Repository) GetRule(ctx context.Context, id string) (*domain.PolicyRule, error) {
	query := `
		SELECT id, version, kind, selector, body, message, severity, created_at
		FROM policy_rules
		WHERE id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rulestore.ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// LatestRules returns the latest version of every rule.
func (r *Repository) LatestRules(ctx context.Context) ([]domain.PolicyRule, error) {
	query := `
		SELECT DISTINCT ON (id) id, version, kind, selector, body, message, severity, created_at
		FROM policy_rules
		ORDER BY id, version DESC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]domain.PolicyRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// UpsertConstraint creates or replaces a constraint.
func (r *Repository) UpsertConstraint(ctx context.Context, constraint *domain.Constraint) error {
	selector, err := json.Marshal(constraint.TargetSelector)
	if err != nil {
		return fmt.Errorf("marshal target selector: %w", err)
	}

	query := `
		INSERT INTO constraints (id, rule_ids, mode, target_selector, threshold, timeout_policy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			rule_ids = EXCLUDED.rule_ids,
			mode = EXCLUDED.mode,
			target_selector = EXCLUDED.target_selector,
			threshold = EXCLUDED.threshold,
			timeout_policy = EXCLUDED.timeout_policy,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		constraint.ID,
		constraint.RuleIDs,
		constraint.Mode,
		selector,
		constraint.Threshold,
		constraint.TimeoutPolicy,
	).Scan(&constraint.CreatedAt, &constraint.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert constraint: %w", err)
	}
	return nil
}

// GetConstraint returns a constraint by id.
func (r *Repository) GetConstraint(ctx context.Context, id string) (*domain.Constraint, error) {
	query := `
		SELECT id, rule_ids, mode, target_selector, threshold, timeout_policy, created_at, updated_at
		FROM constraints
		WHERE id = $1
	`
	constraint, err := scanConstraint(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rulestore.ErrNotFound
		}
		return nil, fmt.Errorf("get constraint: %w", err)
	}
	return constraint, nil
}

// ListConstraints returns all constraints ordered by id.
func (r *Repository) ListConstraints(ctx context.Context) ([]domain.Constraint, error) {
	query := `
		SELECT id, rule_ids, mode, target_selector, threshold, timeout_policy, created_at, updated_at
		FROM constraints
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list constraints: %w", err)
	}
	defer rows.Close()

	constraints := make([]domain.Constraint, 0)
	for rows.Next() {
		constraint, err := scanConstraint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		constraints = append(constraints, *constraint)
	}
	return constraints, rows.Err()
}

// SetMode updates a constraint's enforcement mode.
func (r *Repository) SetMode(ctx context.Context, id string, mode domain.EnforcementMode) error {
	query := `UPDATE constraints SET mode = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id, mode)
	if err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	if result.RowsAffected() == 0 {
		return rulestore.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.PolicyRule, error) {
	var rule domain.PolicyRule
	var selector []byte
	err := row.Scan(
		&rule.ID,
		&rule.Version,
		&rule.Kind,
		&selector,
		&rule.Body,
		&rule.Message,
		&rule.Severity,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(selector, &rule.Selector); err != nil {
		return nil, fmt.Errorf("unmarshal selector: %w", err)
	}
	return &rule, nil
}

func scanConstraint(row rowScanner) (*domain.Constraint, error) {
	var constraint domain.Constraint
	var selector []byte
	err := row.Scan(
		&constraint.ID,
		&constraint.RuleIDs,
		&constraint.Mode,
		&selector,
		&constraint.Threshold,
		&constraint.TimeoutPolicy,
		&constraint.CreatedAt,
		&constraint.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(selector, &constraint.TargetSelector); err != nil {
		return nil, fmt.Errorf("unmarshal target selector: %w", err)
	}
	return &constraint, nil
}
