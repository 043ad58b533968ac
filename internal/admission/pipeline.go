// Package admission implements the admission decision pipeline: mutation,
// patch application, validation and the final allow/deny decision.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/rulestore"
	"github.com/google/uuid"
	"github.com/wI2L/jsondiff"
)

// DefaultTimeout is the per-request pipeline deadline, matching typical
// admission-webhook SLAs.
const DefaultTimeout = 10 * time.Second

// ErrDecisionNotFound is returned when no decision exists for a request id.
var ErrDecisionNotFound = errors.New("admission decision not found")

// Repository persists terminal admission decisions. Records are append-only.
type Repository interface {
	InsertDecision(ctx context.Context, decision *domain.AdmissionDecision) error
	GetDecision(ctx context.Context, requestID string) (*domain.AdmissionDecision, error)
}

// DecisionObserver is notified of per-constraint enforce outcomes. The
// enforcement mode controller's circuit breaker feeds on these observations.
type DecisionObserver interface {
	ObserveDecision(constraintID string, denied bool)
}

// PipelineConfig contains pipeline configuration.
type PipelineConfig struct {
	// Timeout is the hard per-request deadline. 0 uses DefaultTimeout.
	Timeout time.Duration
}

// Pipeline drives one admission request through the state machine
// Received -> Mutating -> Mutated -> Validating -> Validated -> Decided.
// Requests are independent and share only the read-only rule snapshot.
type Pipeline struct {
	snapshots  *rulestore.SnapshotProvider
	mutation   *MutationEngine
	validation *ValidationEngine
	decisions  Repository
	observer   DecisionObserver
	timeout    time.Duration
}

// NewPipeline creates an admission pipeline.
func NewPipeline(cfg PipelineConfig, snapshots *rulestore.SnapshotProvider, mutation *MutationEngine, validation *ValidationEngine, decisions Repository, observer DecisionObserver) *Pipeline {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		snapshots:  snapshots,
		mutation:   mutation,
		validation: validation,
		decisions:  decisions,
		observer:   observer,
		timeout:    timeout,
	}
}

// Admit decides one admission request. The returned decision is terminal and
// has been persisted before Admit returns: the audit trail survives even if
// the response write fails downstream.
func (p *Pipeline) Admit(ctx context.Context, req domain.AdmissionRequest) (*domain.AdmissionDecision, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	snap := p.snapshots.Current()

	matching := snap.MatchingConstraints(req.Resource)
	if len(matching) == 0 {
		decision := &domain.AdmissionDecision{
			RequestID:  req.RequestID,
			Allowed:    true,
			Patches:    []domain.PatchOp{},
			Violations: []domain.Violation{},
			DryRun:     req.DryRun,
			DecidedAt:  time.Now(),
		}
		return p.finish(ctx, req, decision, start)
	}

	// Received -> Mutating.
	var applied []domain.PatchOp
	dryRunDiffs := make(map[string][]domain.PatchOp)

	for _, c := range matching {
		if err := ctx.Err(); err != nil {
			return p.decideOnTimeout(ctx, req, matching, domain.PhaseMutating, start)
		}

		rules := snap.RulesFor(c, domain.RuleKindMutation, req.Resource)
		if len(rules) == 0 {
			continue
		}
		patches := p.mutation.Evaluate(req, rules)
		if len(patches) == 0 {
			continue
		}

		if c.Mode == domain.ModeDryRun {
			// Patches are computed but never applied; record the
			// canonical diff they would have produced for audit.
			diff, err := p.dryRunDiff(req.Resource, patches)
			if err != nil {
				slog.Warn("failed to compute dry-run diff",
					"request_id", req.RequestID,
					"constraint_id", c.ID,
					"error", err,
				)
				continue
			}
			dryRunDiffs[c.ID] = diff
			continue
		}
		applied = append(applied, patches...)
	}

	// Mutating -> Mutated: apply the union of collected patches.
	mutated := req.Resource
	if len(applied) > 0 {
		var err error
		mutated, err = ApplyToResource(req.Resource, applied)
		if err != nil {
			// A patch that does not apply is a rule bug; surface it as
			// a denial-independent pipeline error.
			return nil, fmt.Errorf("apply patches: %w", err)
		}
	}

	// Mutated -> Validating.
	var violations []domain.Violation
	denied := false
	deniedBy := ""

	for _, c := range matching {
		if err := ctx.Err(); err != nil {
			return p.decideOnTimeout(ctx, req, matching, domain.PhaseValidating, start)
		}

		rules := snap.RulesFor(c, domain.RuleKindValidation, mutated)
		if len(rules) == 0 {
			continue
		}
		constraintViolations := p.validation.Evaluate(req, mutated, rules)
		violations = append(violations, constraintViolations...)

		// Validating -> Validated: aggregate and compute deny per constraint.
		constraintDenies := c.Mode == domain.ModeEnforce && anyAtLeast(constraintViolations, c.Threshold)
		// Caller-requested dry runs are previews: the verdict is reported
		// but must not feed the circuit breaker.
		if c.Mode == domain.ModeEnforce && p.observer != nil && !req.DryRun {
			p.observer.ObserveDecision(c.ID, constraintDenies)
		}
		if constraintDenies && !denied {
			denied = true
			deniedBy = c.ID
		}
	}
	// Validated -> Decided.
	decision := &domain.AdmissionDecision{
		RequestID:   req.RequestID,
		Allowed:     !denied,
		Patches:     nonNil(applied),
		Violations:  nonNil(violations),
		ModeApplied: strongestMode(matching),
		DeniedBy:    deniedBy,
		DryRun:      req.DryRun,
		DecidedAt:   time.Now(),
	}
	if len(dryRunDiffs) > 0 {
		decision.DryRunDiffs = dryRunDiffs
	}

	return p.finish(ctx, req, decision, start)
}

// GetDecision returns a persisted decision by request id.
func (p *Pipeline) GetDecision(ctx context.Context, requestID string) (*domain.AdmissionDecision, error) {
	return p.decisions.GetDecision(ctx, requestID)
}

// decideOnTimeout resolves an expired request per each enforce constraint's
// explicit timeout policy: any fail-closed enforce constraint denies, all
// others fail open. There is never a silent hang.
func (p *Pipeline) decideOnTimeout(ctx context.Context, req domain.AdmissionRequest, matching []domain.Constraint, phase domain.RequestPhase, start time.Time) (*domain.AdmissionDecision, error) {
	denied := false
	deniedBy := ""
	for _, c := range matching {
		if c.Mode == domain.ModeEnforce && c.TimeoutPolicy == domain.TimeoutFailClosed {
			denied = true
			deniedBy = c.ID
			break
		}
	}

	resolution := "fail-open"
	if denied {
		resolution = "fail-closed"
	}
	recordTimeout(resolution)

	slog.Warn("admission request timed out",
		"request_id", req.RequestID,
		"phase", phase,
		"resolution", resolution,
	)

	decision := &domain.AdmissionDecision{
		RequestID: req.RequestID,
		Allowed:   !denied,
		Patches:   []domain.PatchOp{},
		Violations: []domain.Violation{{
			RuleID:   "pipeline-timeout",
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("admission pipeline exceeded %s deadline, resolved %s", p.timeout, resolution),
		}},
		ModeApplied: strongestMode(matching),
		DeniedBy:    deniedBy,
		DryRun:      req.DryRun,
		DecidedAt:   time.Now(),
	}
	return p.finish(ctx, req, decision, start)
}

// finish persists the terminal decision and records metrics. The persist
// uses a detached context so an expired request deadline cannot lose the
// audit record.
func (p *Pipeline) finish(ctx context.Context, req domain.AdmissionRequest, decision *domain.AdmissionDecision, start time.Time) (*domain.AdmissionDecision, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.decisions.InsertDecision(persistCtx, decision); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	recordDecision(decision.Allowed, string(decision.ModeApplied), time.Since(start))

	logger := slog.Default()
	if !decision.Allowed {
		logger.Info("admission denied",
			"request_id", decision.RequestID,
			"denied_by", decision.DeniedBy,
			"violations", len(decision.Violations),
			"resource_kind", req.Resource.Kind,
			"resource_name", req.Resource.Name,
		)
	} else {
		logger.Debug("admission allowed",
			"request_id", decision.RequestID,
			"patches", len(decision.Patches),
			"violations", len(decision.Violations),
		)
	}
	return decision, nil
}

func (p *Pipeline) dryRunDiff(base domain.Resource, patches []domain.PatchOp) ([]domain.PatchOp, error) {
	would, err := ApplyToResource(base, patches)
	if err != nil {
		return nil, err
	}
	diff, err := jsondiff.Compare(base.Object, would.Object)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	out := make([]domain.PatchOp, 0, len(diff))
	for _, op := range diff {
		out = append(out, domain.PatchOp{
			Op:    domain.PatchOpType(op.Type),
			Path:  op.Path,
			Value: op.Value,
		})
	}
	return out, nil
}

func anyAtLeast(violations []domain.Violation, threshold domain.Severity) bool {
	for _, v := range violations {
		if v.Severity.AtLeast(threshold) {
			return true
		}
	}
	return false
}

func strongestMode(constraints []domain.Constraint) domain.EnforcementMode {
	var strongest domain.EnforcementMode
	rank := func(m domain.EnforcementMode) int {
		switch m {
		case domain.ModeEnforce:
			return 3
		case domain.ModeAudit:
			return 2
		case domain.ModeDryRun:
			return 1
		}
		return 0
	}
	for _, c := range constraints {
		if rank(c.Mode) > rank(strongest) {
			strongest = c.Mode
		}
	}
	return strongest
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
