package admission

import (
	"fmt"
	"log/slog"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/policy"
)

// ValidationEngine evaluates validation rules against a (possibly mutated)
// resource and collects violations. Every matching rule is evaluated, never
// short-circuited, so audit mode reports all problems in one pass.
type ValidationEngine struct {
	evaluator *policy.Evaluator
}

// NewValidationEngine creates a validation engine.
func NewValidationEngine(evaluator *policy.Evaluator) *ValidationEngine {
	return &ValidationEngine{evaluator: evaluator}
}

// Evaluate collects violations for the given rules. A rule whose body fails
// to evaluate produces a synthetic high-severity violation naming the rule
// rather than aborting the request: a single bad rule must not take down
// unrelated checks.
func (e *ValidationEngine) Evaluate(req domain.AdmissionRequest, resource domain.Resource, rules []domain.PolicyRule) []domain.Violation {
	var violations []domain.Violation

	for _, rule := range rules {
		passed, err := e.evaluator.EvaluateValidation(rule, resource, req.Operation)
		if err != nil {
			slog.Warn("validation rule evaluation failed",
				"request_id", req.RequestID,
				"rule", rule.Ref(),
				"error", err,
			)
			recordRuleEvaluation(string(domain.RuleKindValidation), "error")
			violations = append(violations, domain.Violation{
				RuleID:   rule.ID,
				Severity: domain.SeverityHigh,
				Message:  fmt.Sprintf("rule %s failed to evaluate: %v", rule.Ref(), err),
			})
			continue
		}
		recordRuleEvaluation(string(domain.RuleKindValidation), "ok")

		if passed {
			continue
		}

		message := rule.Message
		if message == "" {
			message = fmt.Sprintf("resource violates rule %s", rule.Ref())
		}
		violations = append(violations, domain.Violation{
			RuleID:   rule.ID,
			Severity: rule.Severity,
			Message:  message,
		})
	}
	return violations
}
