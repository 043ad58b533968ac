// Package rulestore manages versioned policy rules and constraints.
package rulestore

import (
	"context"
	"errors"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// Store errors.
var (
	ErrNotFound      = errors.New("constraint not found")
	ErrRuleNotFound  = errors.New("policy rule not found")
	ErrDuplicateRule = errors.New("identical active rule already published")
	ErrInvalidRule   = errors.New("invalid policy rule")
	ErrInvalidMode   = errors.New("invalid enforcement mode")
)

// Repository defines the interface for rule store data access.
// Rules are append-only: InsertRule always creates a new version.
type Repository interface {
	// InsertRule persists a new rule version. The repository assigns
	// Version (previous latest + 1) and CreatedAt on the passed rule.
	InsertRule(ctx context.Context, rule *domain.PolicyRule) error
	// GetRule returns the latest version of a rule.
	GetRule(ctx context.Context, id string) (*domain.PolicyRule, error)
	// LatestRules returns the latest version of every rule.
	LatestRules(ctx context.Context) ([]domain.PolicyRule, error)

	UpsertConstraint(ctx context.Context, constraint *domain.Constraint) error
	GetConstraint(ctx context.Context, id string) (*domain.Constraint, error)
	ListConstraints(ctx context.Context) ([]domain.Constraint, error)
	SetMode(ctx context.Context, id string, mode domain.EnforcementMode) error
}
