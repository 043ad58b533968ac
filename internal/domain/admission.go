package domain

import "time"

// Operation represents the kind of change being admitted.
type Operation string

// Operations.
const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// IsValid checks if the operation is valid.
func (o Operation) IsValid() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// Resource is a snapshot of the resource under admission. Object holds the
// full decoded manifest; Kind, Namespace, Name and Labels are lifted out for
// selector matching.
type Resource struct {
	Kind      string            `json:"kind"`
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Object    map[string]any    `json:"object"`
}

// DeepCopy returns a copy of the resource that shares no mutable state with
// the original. The admission pipeline patches the copy so the caller's input
// is never modified.
func (r Resource) DeepCopy() Resource {
	cp := r
	if r.Labels != nil {
		cp.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			cp.Labels[k] = v
		}
	}
	if r.Object != nil {
		cp.Object = copyMap(r.Object)
	}
	return cp
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// AdmissionRequest is one incoming change to be admitted. It exists from
// receipt until a terminal AdmissionDecision is produced.
type AdmissionRequest struct {
	RequestID  string    `json:"request_id"`
	Resource   Resource  `json:"resource"`
	Operation  Operation `json:"operation"`
	DryRun     bool      `json:"dry_run"`
	ReceivedAt time.Time `json:"received_at"`
}

// RequestPhase tracks an admission request through the pipeline state machine.
type RequestPhase string

// Pipeline phases, in order.
const (
	PhaseReceived   RequestPhase = "received"
	PhaseMutating   RequestPhase = "mutating"
	PhaseMutated    RequestPhase = "mutated"
	PhaseValidating RequestPhase = "validating"
	PhaseValidated  RequestPhase = "validated"
	PhaseDecided    RequestPhase = "decided"
)

// PatchOpType is a JSON Patch operation type.
type PatchOpType string

// Patch operation types.
const (
	PatchAdd     PatchOpType = "add"
	PatchReplace PatchOpType = "replace"
	PatchRemove  PatchOpType = "remove"
)

// PatchOp is a single JSON Patch operation against a resource object.
// Path uses JSON Pointer syntax (RFC 6901).
type PatchOp struct {
	Op    PatchOpType `json:"op"`
	Path  string      `json:"path"`
	Value any         `json:"value,omitempty"`
}

// Violation is a single validation failure produced by a rule.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Path     string   `json:"path,omitempty"`
}

// AdmissionDecision is the terminal outcome of an admission request.
// It is persisted before the response is written and never mutated after.
type AdmissionDecision struct {
	RequestID  string      `json:"request_id"`
	Allowed    bool        `json:"allowed"`
	Patches    []PatchOp   `json:"patches"`
	Violations []Violation `json:"violations"`
	// ModeApplied is the strongest mode among matching constraints
	// (enforce > audit > dry-run). Empty when no constraint matched.
	ModeApplied EnforcementMode `json:"mode_applied,omitempty"`
	// DeniedBy names the constraint that caused a denial, if any.
	DeniedBy string `json:"denied_by,omitempty"`
	// DryRun marks a caller-requested evaluate-only decision. The verdict
	// is advisory and was not counted in enforcement statistics.
	DryRun bool `json:"dry_run,omitempty"`
	// DryRunDiffs records, per dry-run constraint, the patches that would
	// have been applied. Computed for audit diffing, never applied.
	DryRunDiffs map[string][]PatchOp `json:"dry_run_diffs,omitempty"`
	DecidedAt   time.Time            `json:"decided_at"`
}
