package policy

import (
	"testing"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(Config{})
	require.NoError(t, err)
	return e
}

func TestEvaluator_Compile(t *testing.T) {
	e := newTestEvaluator(t)

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"boolean expression", `resource.kind == "Deployment"`, false},
		{"list expression", `[{'op': 'add', 'path': '/a', 'value': 1}]`, false},
		{"unknown variable", `unknown.field == 1`, true},
		{"syntax error", `resource.kind ==`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Compile(tt.body)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluator_EvaluateValidation(t *testing.T) {
	e := newTestEvaluator(t)

	resource := domain.Resource{
		Kind:      "Deployment",
		Namespace: "prod",
		Name:      "api",
		Labels:    map[string]string{"team": "core"},
		Object: map[string]any{
			"spec": map[string]any{
				"replicas": int64(3),
			},
		},
	}

	tests := []struct {
		name       string
		body       string
		wantPassed bool
	}{
		{"kind check passes", `resource.kind == "Deployment"`, true},
		{"kind check fails", `resource.kind == "Service"`, false},
		{"label lookup", `resource.labels["team"] == "core"`, true},
		{"nested object field", `resource.object.spec.replicas >= 2`, true},
		{"operation variable", `operation == "create"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := domain.PolicyRule{ID: "r", Version: 1, Kind: domain.RuleKindValidation, Body: tt.body}
			passed, err := e.EvaluateValidation(rule, resource, domain.OperationCreate)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPassed, passed)
		})
	}
}

func TestEvaluator_EvaluateValidation_NonBoolean(t *testing.T) {
	e := newTestEvaluator(t)

	rule := domain.PolicyRule{ID: "r", Version: 1, Body: `resource.kind`}
	_, err := e.EvaluateValidation(rule, domain.Resource{Kind: "Pod"}, domain.OperationCreate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotBoolean)
}

func TestEvaluator_EvaluateMutation(t *testing.T) {
	e := newTestEvaluator(t)

	resource := domain.Resource{
		Kind: "Deployment",
		Object: map[string]any{
			"spec": map[string]any{"replicas": int64(1)},
		},
	}

	rule := domain.PolicyRule{
		ID:      "set-replicas",
		Version: 1,
		Kind:    domain.RuleKindMutation,
		Body: `resource.object.spec.replicas < 2
			? [{'op': 'replace', 'path': '/spec/replicas', 'value': 2}]
			: []`,
	}

	patches, err := e.EvaluateMutation(rule, resource, domain.OperationCreate)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, domain.PatchReplace, patches[0].Op)
	assert.Equal(t, "/spec/replicas", patches[0].Path)
	assert.EqualValues(t, 2, patches[0].Value)
}

func TestEvaluator_EvaluateMutation_EmptyList(t *testing.T) {
	e := newTestEvaluator(t)

	rule := domain.PolicyRule{ID: "noop", Version: 1, Body: `[]`}
	patches, err := e.EvaluateMutation(rule, domain.Resource{Kind: "Pod"}, domain.OperationUpdate)
	require.NoError(t, err)
	assert.Empty(t, patches)
}

func TestEvaluator_EvaluateMutation_InvalidShapes(t *testing.T) {
	e := newTestEvaluator(t)

	tests := []struct {
		name string
		body string
	}{
		{"not a list", `true`},
		{"element not a map", `["replace"]`},
		{"missing op", `[{'path': '/a'}]`},
		{"missing path", `[{'op': 'add'}]`},
		{"unknown op", `[{'op': 'move', 'path': '/a'}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := domain.PolicyRule{ID: "bad", Version: 1, Body: tt.body}
			_, err := e.EvaluateMutation(rule, domain.Resource{Kind: "Pod"}, domain.OperationCreate)
			assert.Error(t, err)
		})
	}
}

func TestEvaluator_ProgramCache(t *testing.T) {
	e := newTestEvaluator(t)

	rule := domain.PolicyRule{ID: "cached", Version: 1, Body: `true`}
	_, err := e.EvaluateValidation(rule, domain.Resource{Kind: "Pod"}, domain.OperationCreate)
	require.NoError(t, err)

	e.mu.RLock()
	_, ok := e.programs["cached@v1"]
	e.mu.RUnlock()
	assert.True(t, ok, "program should be cached under id@version")
}
