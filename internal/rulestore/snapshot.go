package rulestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// Snapshot is an immutable view of all constraints and the latest version of
// every rule. Admission requests read a snapshot and never observe a
// half-applied store change.
type Snapshot struct {
	Constraints []domain.Constraint
	Rules       map[string]domain.PolicyRule // latest version, keyed by rule id
}

// MatchingConstraints returns the constraints whose target selector matches
// the resource, in stable (listing) order.
func (s *Snapshot) MatchingConstraints(r domain.Resource) []domain.Constraint {
	var out []domain.Constraint
	for _, c := range s.Constraints {
		if c.TargetSelector.Matches(r) {
			out = append(out, c)
		}
	}
	return out
}

// RulesFor returns the constraint's rules of the given kind whose selector
// matches the resource, preserving the constraint's rule order.
func (s *Snapshot) RulesFor(c domain.Constraint, kind domain.RuleKind, r domain.Resource) []domain.PolicyRule {
	var out []domain.PolicyRule
	for _, id := range c.RuleIDs {
		rule, ok := s.Rules[id]
		if !ok || rule.Kind != kind {
			continue
		}
		if rule.Selector.Matches(r) {
			out = append(out, rule)
		}
	}
	return out
}

const refreshTimeout = 5 * time.Second

// SnapshotProvider serves the current snapshot via copy-on-write: readers
// load an atomic pointer and never block a refresh.
type SnapshotProvider struct {
	repo Repository
	ptr  atomic.Pointer[Snapshot]
}

// NewSnapshotProvider creates a provider and loads the initial snapshot.
func NewSnapshotProvider(ctx context.Context, repo Repository) (*SnapshotProvider, error) {
	p := &SnapshotProvider{repo: repo}
	if err := p.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load initial snapshot: %w", err)
	}
	return p, nil
}

// Current returns the active snapshot.
func (p *SnapshotProvider) Current() *Snapshot {
	return p.ptr.Load()
}

// Refresh rebuilds the snapshot from the repository and swaps it in.
func (p *SnapshotProvider) Refresh(ctx context.Context) error {
	constraints, err := p.repo.ListConstraints(ctx)
	if err != nil {
		return fmt.Errorf("list constraints: %w", err)
	}

	rules, err := p.repo.LatestRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	snap := &Snapshot{
		Constraints: constraints,
		Rules:       make(map[string]domain.PolicyRule, len(rules)),
	}
	for _, r := range rules {
		snap.Rules[r.ID] = r
	}

	p.ptr.Store(snap)

	slog.Debug("rule snapshot refreshed",
		"constraints", len(constraints),
		"rules", len(rules),
	)
	return nil
}

// OnStoreChanged returns a subscriber callback that refreshes the snapshot.
// Failures keep the previous snapshot in place and are logged, never fatal.
func (p *SnapshotProvider) OnStoreChanged() func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		if err := p.Refresh(ctx); err != nil {
			slog.Error("failed to refresh rule snapshot", "error", err)
		}
	}
}
