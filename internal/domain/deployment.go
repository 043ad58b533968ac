package domain

import "time"

// DeploymentEventKind classifies a raw health signal.
type DeploymentEventKind string

// Deployment event kinds.
const (
	EventCrashLoop      DeploymentEventKind = "crash_loop"
	EventOOMKill        DeploymentEventKind = "oom_kill"
	EventImagePullError DeploymentEventKind = "image_pull_error"
	EventApplyFailure   DeploymentEventKind = "apply_failure"
	EventHealthy        DeploymentEventKind = "healthy"
)

// Severity maps an event kind to the severity used for incident handling.
func (k DeploymentEventKind) Severity() Severity {
	switch k {
	case EventCrashLoop, EventOOMKill:
		return SeverityCritical
	case EventImagePullError, EventApplyFailure:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// DeploymentEvent is one classified health observation. Event history is
// append-only: the monitor never deletes events.
type DeploymentEvent struct {
	ID           string              `json:"id"`
	DeploymentID string              `json:"deployment_id"`
	Timestamp    time.Time           `json:"timestamp"`
	Kind         DeploymentEventKind `json:"kind"`
	Message      string              `json:"message,omitempty"`
	EvidenceRef  string              `json:"evidence_ref,omitempty"`
}

// Revision is a deployment revision confirmed healthy, usable as a
// rollback target.
type Revision struct {
	DeploymentID string         `json:"deployment_id"`
	Revision     string         `json:"revision"`
	Manifest     map[string]any `json:"manifest,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// HealthState is the coarse health of a deployment as reported by the
// rollback target while a rollback stabilizes.
type HealthState string

// Health states.
const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailed   HealthState = "failed"
)
