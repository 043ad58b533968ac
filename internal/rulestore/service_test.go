package rulestore

import (
	"context"
	"errors"
	"testing"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompiler struct {
	err error
}

func (f *fakeCompiler) Compile(string) error { return f.err }

func validRule() domain.PolicyRule {
	return domain.PolicyRule{
		ID:       "min-replicas",
		Kind:     domain.RuleKindValidation,
		Body:     `resource.object.spec.replicas >= 2`,
		Severity: domain.SeverityHigh,
	}
}

func validConstraint() domain.Constraint {
	return domain.Constraint{
		ID:            "prod-safety",
		RuleIDs:       []string{"min-replicas"},
		Mode:          domain.ModeDryRun,
		Threshold:     domain.SeverityHigh,
		TimeoutPolicy: domain.TimeoutFailClosed,
	}
}

func TestService_Publish(t *testing.T) {
	svc := NewService(newMemoryRepository(), &fakeCompiler{})

	published, err := svc.Publish(context.Background(), validRule())
	require.NoError(t, err)
	assert.Equal(t, 1, published.Version)
	assert.False(t, published.CreatedAt.IsZero())

	// A changed body supersedes with a new version.
	changed := validRule()
	changed.Body = `resource.object.spec.replicas >= 3`
	next, err := svc.Publish(context.Background(), changed)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
}

func TestService_PublishValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.PolicyRule)
	}{
		{"missing id", func(r *domain.PolicyRule) { r.ID = "" }},
		{"unknown kind", func(r *domain.PolicyRule) { r.Kind = "transform" }},
		{"validation rule without severity", func(r *domain.PolicyRule) { r.Severity = "" }},
		{"empty body", func(r *domain.PolicyRule) { r.Body = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newMemoryRepository(), &fakeCompiler{})
			rule := validRule()
			tt.mutate(&rule)

			_, err := svc.Publish(context.Background(), rule)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestService_PublishRejectsUncompilableBody(t *testing.T) {
	svc := NewService(newMemoryRepository(), &fakeCompiler{err: errors.New("undeclared reference")})

	_, err := svc.Publish(context.Background(), validRule())
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestService_PublishRejectsDuplicate(t *testing.T) {
	svc := NewService(newMemoryRepository(), &fakeCompiler{})

	_, err := svc.Publish(context.Background(), validRule())
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), validRule())
	assert.ErrorIs(t, err, ErrDuplicateRule)

	// Same body with a different selector is a real change.
	rescoped := validRule()
	rescoped.Selector = domain.Selector{Namespaces: []string{"prod"}}
	next, err := svc.Publish(context.Background(), rescoped)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
}

func TestService_UpsertConstraint(t *testing.T) {
	svc := NewService(newMemoryRepository(), &fakeCompiler{})
	_, err := svc.Publish(context.Background(), validRule())
	require.NoError(t, err)

	created, err := svc.UpsertConstraint(context.Background(), validConstraint())
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := svc.GetConstraint(context.Background(), "prod-safety")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDryRun, got.Mode)
}

func TestService_UpsertConstraintValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *domain.Constraint)
		wantErr error
	}{
		{"missing id", func(c *domain.Constraint) { c.ID = "" }, ErrInvalidRule},
		{"invalid mode", func(c *domain.Constraint) { c.Mode = "enforced" }, ErrInvalidMode},
		{"missing threshold", func(c *domain.Constraint) { c.Threshold = "" }, ErrInvalidRule},
		{"missing timeout policy", func(c *domain.Constraint) { c.TimeoutPolicy = "" }, ErrInvalidRule},
		{"unknown rule reference", func(c *domain.Constraint) { c.RuleIDs = []string{"ghost"} }, ErrRuleNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newMemoryRepository(), &fakeCompiler{})
			_, err := svc.Publish(context.Background(), validRule())
			require.NoError(t, err)

			constraint := validConstraint()
			tt.mutate(&constraint)

			_, err = svc.UpsertConstraint(context.Background(), constraint)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_SetMode(t *testing.T) {
	svc := NewService(newMemoryRepository(), &fakeCompiler{})
	_, err := svc.Publish(context.Background(), validRule())
	require.NoError(t, err)
	_, err = svc.UpsertConstraint(context.Background(), validConstraint())
	require.NoError(t, err)

	require.NoError(t, svc.SetMode(context.Background(), "prod-safety", domain.ModeEnforce))

	got, err := svc.GetConstraint(context.Background(), "prod-safety")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeEnforce, got.Mode)

	assert.ErrorIs(t, svc.SetMode(context.Background(), "prod-safety", "enforced"), ErrInvalidMode)
	assert.ErrorIs(t, svc.SetMode(context.Background(), "ghost", domain.ModeAudit), ErrNotFound)
}

func TestService_SubscribersNotified(t *testing.T) {
	svc := NewService(newMemoryRepository(), &fakeCompiler{})

	notified := 0
	svc.Subscribe(func() { notified++ })

	_, err := svc.Publish(context.Background(), validRule())
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	_, err = svc.UpsertConstraint(context.Background(), validConstraint())
	require.NoError(t, err)
	assert.Equal(t, 2, notified)

	require.NoError(t, svc.SetMode(context.Background(), "prod-safety", domain.ModeAudit))
	assert.Equal(t, 3, notified)
}

func TestSnapshotProvider_RefreshOnChange(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, &fakeCompiler{})

	provider, err := NewSnapshotProvider(context.Background(), repo)
	require.NoError(t, err)
	svc.Subscribe(provider.OnStoreChanged())

	assert.Empty(t, provider.Current().Constraints)

	_, err = svc.Publish(context.Background(), validRule())
	require.NoError(t, err)
	_, err = svc.UpsertConstraint(context.Background(), validConstraint())
	require.NoError(t, err)

	snap := provider.Current()
	require.Len(t, snap.Constraints, 1)
	require.Contains(t, snap.Rules, "min-replicas")
	assert.Equal(t, 1, snap.Rules["min-replicas"].Version)
}

func TestSnapshot_Matching(t *testing.T) {
	snap := &Snapshot{
		Constraints: []domain.Constraint{
			{ID: "deployments", TargetSelector: domain.Selector{Kinds: []string{"Deployment"}}, RuleIDs: []string{"r1", "r2"}},
			{ID: "prod-only", TargetSelector: domain.Selector{Namespaces: []string{"prod"}}},
		},
		Rules: map[string]domain.PolicyRule{
			"r1": {ID: "r1", Kind: domain.RuleKindMutation},
			"r2": {ID: "r2", Kind: domain.RuleKindValidation, Selector: domain.Selector{Namespaces: []string{"staging"}}},
		},
	}

	resource := domain.Resource{Kind: "Deployment", Namespace: "prod"}

	matching := snap.MatchingConstraints(resource)
	require.Len(t, matching, 2)

	// r2's own selector excludes prod, so only r1 applies.
	rules := snap.RulesFor(matching[0], domain.RuleKindMutation, resource)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
	assert.Empty(t, snap.RulesFor(matching[0], domain.RuleKindValidation, resource))
}
