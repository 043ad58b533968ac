package rulestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// RuleCompiler checks rule bodies at publish time so a broken rule never
// reaches the admission pipeline.
type RuleCompiler interface {
	Compile(body string) error
}

// Service implements the rule store contract on top of a Repository.
// Mode changes and rule publishes notify subscribers so cached snapshots
// can be rebuilt.
type Service struct {
	repo     Repository
	compiler RuleCompiler

	mu   sync.Mutex
	subs []func()
}

// NewService creates a rule store service.
func NewService(repo Repository, compiler RuleCompiler) *Service {
	return &Service{repo: repo, compiler: compiler}
}

// Subscribe registers a callback invoked after every change that affects
// admission behavior (rule publish, constraint update, mode change).
func (s *Service) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Service) notify() {
	s.mu.Lock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Publish validates and persists a new rule version. Publishing a rule whose
// body and selector are identical to the currently active version fails with
// ErrDuplicateRule: superseding requires an actual change.
func (s *Service) Publish(ctx context.Context, rule domain.PolicyRule) (*domain.PolicyRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if !rule.Kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}
	if rule.Kind == domain.RuleKindValidation && !rule.Severity.IsValid() {
		return nil, fmt.Errorf("%w: validation rule needs a severity", ErrInvalidRule)
	}
	if rule.Body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidRule)
	}
	if err := s.compiler.Compile(rule.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	current, err := s.repo.GetRule(ctx, rule.ID)
	if err != nil && !errors.Is(err, ErrRuleNotFound) {
		return nil, fmt.Errorf("check active rule: %w", err)
	}
	if current != nil && current.Body == rule.Body && reflect.DeepEqual(current.Selector, rule.Selector) {
		return nil, ErrDuplicateRule
	}

	if err := s.repo.InsertRule(ctx, &rule); err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}

	slog.Info("rule published",
		"rule", rule.Ref(),
		"kind", rule.Kind,
		"severity", rule.Severity,
	)

	s.notify()
	return &rule, nil
}

// GetConstraint returns a constraint by id.
func (s *Service) GetConstraint(ctx context.Context, id string) (*domain.Constraint, error) {
	return s.repo.GetConstraint(ctx, id)
}

// ListConstraints returns all constraints.
func (s *Service) ListConstraints(ctx context.Context) ([]domain.Constraint, error) {
	return s.repo.ListConstraints(ctx)
}

// UpsertConstraint creates or replaces a constraint. Every referenced rule
// must exist; timeout policy and mode must be explicit.
func (s *Service) UpsertConstraint(ctx context.Context, constraint domain.Constraint) (*domain.Constraint, error) {
	if constraint.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if !constraint.Mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, constraint.Mode)
	}
	if !constraint.Threshold.IsValid() {
		return nil, fmt.Errorf("%w: constraint needs a severity threshold", ErrInvalidRule)
	}
	if !constraint.TimeoutPolicy.IsValid() {
		return nil, fmt.Errorf("%w: constraint needs an explicit timeout policy", ErrInvalidRule)
	}
	for _, ruleID := range constraint.RuleIDs {
		if _, err := s.repo.GetRule(ctx, ruleID); err != nil {
			return nil, fmt.Errorf("rule %q: %w", ruleID, err)
		}
	}

	if err := s.repo.UpsertConstraint(ctx, &constraint); err != nil {
		return nil, fmt.Errorf("upsert constraint: %w", err)
	}

	slog.Info("constraint updated",
		"constraint_id", constraint.ID,
		"mode", constraint.Mode,
		"rules", len(constraint.RuleIDs),
	)

	s.notify()
	return &constraint, nil
}

// SetMode changes a constraint's enforcement mode. This is the only mutable
// field of a published constraint.
func (s *Service) SetMode(ctx context.Context, id string, mode domain.EnforcementMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if err := s.repo.SetMode(ctx, id, mode); err != nil {
		return err
	}

	slog.Info("enforcement mode changed", "constraint_id", id, "mode", mode)

	s.notify()
	return nil
}
