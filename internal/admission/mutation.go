package admission

import (
	"log/slog"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/policy"
)

// MutationEngine evaluates mutation rules against a resource and produces a
// flattened, ordered patch list. It performs no I/O: the output is a pure
// function of the resource and the rule list.
type MutationEngine struct {
	evaluator *policy.Evaluator
}

// NewMutationEngine creates a mutation engine.
func NewMutationEngine(evaluator *policy.Evaluator) *MutationEngine {
	return &MutationEngine{evaluator: evaluator}
}

// Evaluate produces the ordered patch list for the given rules. Ordering is
// rule list order, then emission order within a rule. Two rules targeting
// the same path are resolved last-writer-wins; the engine logs a RuleConflict
// warning so operators can detect overlapping mutators.
//
// A rule whose body fails to evaluate is skipped with a warning; one broken
// rule must not abort the rest.
func (e *MutationEngine) Evaluate(req domain.AdmissionRequest, rules []domain.PolicyRule) []domain.PatchOp {
	var out []domain.PatchOp
	lastWriter := make(map[string]string) // path -> rule ref

	for _, rule := range rules {
		patches, err := e.evaluator.EvaluateMutation(rule, req.Resource, req.Operation)
		if err != nil {
			slog.Warn("mutation rule evaluation failed, rule skipped",
				"request_id", req.RequestID,
				"rule", rule.Ref(),
				"error", err,
			)
			recordRuleEvaluation(string(domain.RuleKindMutation), "error")
			continue
		}
		recordRuleEvaluation(string(domain.RuleKindMutation), "ok")

		for _, p := range patches {
			if prev, ok := lastWriter[p.Path]; ok && prev != rule.Ref() {
				slog.Warn("RuleConflict: two mutation rules target the same path, last writer wins",
					"request_id", req.RequestID,
					"path", p.Path,
					"first_rule", prev,
					"second_rule", rule.Ref(),
				)
				recordRuleConflict()
			}
			lastWriter[p.Path] = rule.Ref()
			out = append(out, p)
		}
	}
	return out
}
