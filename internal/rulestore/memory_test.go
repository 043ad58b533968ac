package rulestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// memoryRepository is an in-memory Repository for tests.
type memoryRepository struct {
	mu          sync.Mutex
	rules       map[string][]domain.PolicyRule
	constraints map[string]domain.Constraint
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		rules:       make(map[string][]domain.PolicyRule),
		constraints: make(map[string]domain.Constraint),
	}
}

func (m *memoryRepository) InsertRule(_ context.Context, rule *domain.PolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule.Version = len(m.rules[rule.ID]) + 1
	rule.CreatedAt = time.Now()
	m.rules[rule.ID] = append(m.rules[rule.ID], *rule)
	return nil
}

func (m *memoryRepository) GetRule(_ context.Context, id string) (*domain.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.rules[id]
	if len(versions) == 0 {
		return nil, ErrRuleNotFound
	}
	latest := versions[len(versions)-1]
	return &latest, nil
}

func (m *memoryRepository) LatestRules(_ context.Context) ([]domain.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PolicyRule, 0, len(m.rules))
	for _, versions := range m.rules {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) UpsertConstraint(_ context.Context, constraint *domain.Constraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	constraint.UpdatedAt = time.Now()
	if existing, ok := m.constraints[constraint.ID]; ok {
		constraint.CreatedAt = existing.CreatedAt
	} else {
		constraint.CreatedAt = constraint.UpdatedAt
	}
	m.constraints[constraint.ID] = *constraint
	return nil
}

func (m *memoryRepository) GetConstraint(_ context.Context, id string) (*domain.Constraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.constraints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memoryRepository) ListConstraints(_ context.Context) ([]domain.Constraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Constraint, 0, len(m.constraints))
	for _, c := range m.constraints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) SetMode(_ context.Context, id string, mode domain.EnforcementMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.constraints[id]
	if !ok {
		return ErrNotFound
	}
	c.Mode = mode
	c.UpdatedAt = time.Now()
	m.constraints[id] = c
	return nil
}
