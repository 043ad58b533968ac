// Package monitor watches deployment health signals and classifies them into
// deployment events. The raw feed is an external collaborator; this package
// owns only the classification and the ordered hand-off to incident handling.
package monitor

import (
	"context"
	"time"
)

// RawSignal is one opaque health observation from the external feed
// (cluster-status collectors, apply runners).
type RawSignal struct {
	DeploymentID string    `json:"deployment_id" validate:"required"`
	ObservedAt   time.Time `json:"observed_at"`
	// Revision identifies the deployment revision the signal was observed
	// on. Healthy signals with a revision refresh the last-known-good
	// rollback target.
	Revision string `json:"revision,omitempty"`
	// RestartCount is the cumulative container restart count.
	RestartCount int `json:"restart_count"`
	// OOMKilled reports a container killed by the OOM killer.
	OOMKilled bool `json:"oom_killed"`
	// ImagePullFailures is the consecutive image pull failure count.
	ImagePullFailures int `json:"image_pull_failures"`
	// ApplyExitCode is the exit code of an infrastructure apply, when the
	// signal originates from an apply runner.
	ApplyExitCode *int `json:"apply_exit_code,omitempty"`
	// Ready reports whether the workload is serving.
	Ready bool `json:"ready"`
}

// SignalSource is a pollable feed of raw signals for one target.
type SignalSource interface {
	Collect(ctx context.Context) ([]RawSignal, error)
}
