// Package policy evaluates CEL rule bodies against resources. It implements
// the two evaluator variants used by the admission engines: mutation rules
// producing patch operations and validation rules producing pass/fail results.
package policy

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultCostLimit is the maximum CEL evaluation cost budget per expression.
const DefaultCostLimit uint64 = 10000

// Evaluation errors.
var (
	ErrNotBoolean   = errors.New("validation rule must return a boolean")
	ErrNotPatchList = errors.New("mutation rule must return a list of patch operations")
)

// Evaluator compiles and evaluates CEL rule bodies. Programs are compiled
// once per rule version and cached; rules are immutable so the cache never
// needs invalidation.
type Evaluator struct {
	env       *cel.Env
	costLimit uint64

	mu       sync.RWMutex
	programs map[string]cel.Program // key: rule id@version
}

// Config holds evaluator configuration.
type Config struct {
	// CostLimit is the maximum CEL evaluation cost budget. 0 uses DefaultCostLimit.
	CostLimit uint64
}

// NewEvaluator creates a CEL evaluator. Rule bodies see two variables:
// `resource` (kind, namespace, name, labels, object) and `operation`.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("operation", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	limit := cfg.CostLimit
	if limit == 0 {
		limit = DefaultCostLimit
	}

	return &Evaluator{
		env:       env,
		costLimit: limit,
		programs:  make(map[string]cel.Program),
	}, nil
}

// Compile checks that a rule body is a valid CEL expression. Used at publish
// time so a broken rule is rejected before it ever reaches the pipeline.
func (e *Evaluator) Compile(body string) error {
	_, issues := e.env.Compile(body)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile rule body: %w", issues.Err())
	}
	return nil
}

// EvaluateValidation evaluates a validation rule against a resource.
// The rule body must return a boolean: true means the resource is compliant.
func (e *Evaluator) EvaluateValidation(rule domain.PolicyRule, resource domain.Resource, op domain.Operation) (bool, error) {
	out, err := e.eval(rule, resource, op)
	if err != nil {
		return false, err
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: rule %s returned %T", ErrNotBoolean, rule.Ref(), out.Value())
	}
	return passed, nil
}

// EvaluateMutation evaluates a mutation rule against a resource. The rule
// body must return a list of patch maps, e.g.
//
//	[{'op': 'replace', 'path': '/spec/replicas', 'value': 3}]
//
// An empty list means the rule has nothing to change.
func (e *Evaluator) EvaluateMutation(rule domain.PolicyRule, resource domain.Resource, op domain.Operation) ([]domain.PatchOp, error) {
	out, err := e.eval(rule, resource, op)
	if err != nil {
		return nil, err
	}

	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", ErrNotPatchList, rule.Ref(), err)
	}

	raw, ok := native.(*structpb.Value).AsInterface().([]any)
	if !ok {
		return nil, fmt.Errorf("%w: rule %s returned non-list", ErrNotPatchList, rule.Ref())
	}

	patches := make([]domain.PatchOp, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule %s element %d is %T", ErrNotPatchList, rule.Ref(), i, item)
		}
		patch, err := patchFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("rule %s element %d: %w", rule.Ref(), i, err)
		}
		patches = append(patches, patch)
	}
	return patches, nil
}

func (e *Evaluator) eval(rule domain.PolicyRule, resource domain.Resource, op domain.Operation) (ref.Val, error) {
	prg, err := e.program(rule)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]any{
		"resource":  resourceToMap(resource),
		"operation": string(op),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate rule %s: %w", rule.Ref(), err)
	}
	return out, nil
}

func (e *Evaluator) program(rule domain.PolicyRule) (cel.Program, error) {
	key := rule.Ref()

	e.mu.RLock()
	prg, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(rule.Body)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %s: %w", key, issues.Err())
	}

	prg, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("build program for rule %s: %w", key, err)
	}

	e.mu.Lock()
	e.programs[key] = prg
	e.mu.Unlock()

	return prg, nil
}

func patchFromMap(m map[string]any) (domain.PatchOp, error) {
	opVal, ok := m["op"].(string)
	if !ok {
		return domain.PatchOp{}, errors.New("patch op missing 'op'")
	}
	pathVal, ok := m["path"].(string)
	if !ok {
		return domain.PatchOp{}, errors.New("patch op missing 'path'")
	}

	op := domain.PatchOpType(opVal)
	switch op {
	case domain.PatchAdd, domain.PatchReplace, domain.PatchRemove:
	default:
		return domain.PatchOp{}, fmt.Errorf("unknown patch op %q", opVal)
	}

	return domain.PatchOp{Op: op, Path: pathVal, Value: m["value"]}, nil
}

// resourceToMap converts a resource to the CEL input shape.
func resourceToMap(r domain.Resource) map[string]any {
	labels := make(map[string]any, len(r.Labels))
	for k, v := range r.Labels {
		labels[k] = v
	}
	return map[string]any{
		"kind":      r.Kind,
		"namespace": r.Namespace,
		"name":      r.Name,
		"labels":    labels,
		"object":    r.Object,
	}
}
