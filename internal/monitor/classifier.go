package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// Classifier defaults.
const (
	DefaultCrashLoopRestarts = 3
	DefaultCrashLoopWindow   = 5 * time.Minute
	DefaultImagePullRetries  = 3
)

// ClassifierConfig contains signal classification thresholds.
type ClassifierConfig struct {
	// CrashLoopRestarts is the restart count increase within CrashLoopWindow
	// that classifies as a crash loop. 0 uses DefaultCrashLoopRestarts.
	CrashLoopRestarts int
	// CrashLoopWindow is the restart observation window. 0 uses
	// DefaultCrashLoopWindow.
	CrashLoopWindow time.Duration
	// ImagePullRetries is the consecutive pull failure count that classifies
	// as an image pull error. 0 uses DefaultImagePullRetries.
	ImagePullRetries int
}

type restartObs struct {
	at    time.Time
	count int
}

// Classifier turns raw signals into deployment events using fixed thresholds.
// It keeps per-deployment restart history so crash loops are detected from
// cumulative restart counters.
type Classifier struct {
	cfg ClassifierConfig

	mu       sync.Mutex
	restarts map[string][]restartObs

	nowFunc func() time.Time
}

// NewClassifier creates a signal classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.CrashLoopRestarts == 0 {
		cfg.CrashLoopRestarts = DefaultCrashLoopRestarts
	}
	if cfg.CrashLoopWindow == 0 {
		cfg.CrashLoopWindow = DefaultCrashLoopWindow
	}
	if cfg.ImagePullRetries == 0 {
		cfg.ImagePullRetries = DefaultImagePullRetries
	}
	return &Classifier{
		cfg:      cfg,
		restarts: make(map[string][]restartObs),
		nowFunc:  time.Now,
	}
}

// Classify maps one raw signal to a deployment event. The second return is
// false when the signal is neither a failure nor a healthy confirmation
// (e.g. restarts below the crash-loop threshold).
//
// Failure classifications take precedence over Ready: a pod can report ready
// while its sidecar crash-loops.
func (c *Classifier) Classify(sig RawSignal) (domain.DeploymentEvent, bool) {
	at := sig.ObservedAt
	if at.IsZero() {
		at = c.nowFunc()
	}

	if sig.ApplyExitCode != nil && *sig.ApplyExitCode != 0 {
		return c.event(sig, at, domain.EventApplyFailure,
			fmt.Sprintf("infrastructure apply exited with code %d", *sig.ApplyExitCode)), true
	}
	if sig.OOMKilled {
		return c.event(sig, at, domain.EventOOMKill, "container killed by the OOM killer"), true
	}
	if delta := c.restartDelta(sig.DeploymentID, at, sig.RestartCount); delta >= c.cfg.CrashLoopRestarts {
		return c.event(sig, at, domain.EventCrashLoop,
			fmt.Sprintf("%d restarts within %s", delta, c.cfg.CrashLoopWindow)), true
	}
	if sig.ImagePullFailures >= c.cfg.ImagePullRetries {
		return c.event(sig, at, domain.EventImagePullError,
			fmt.Sprintf("image pull failed after %d retries", sig.ImagePullFailures)), true
	}
	if sig.Ready {
		return c.event(sig, at, domain.EventHealthy, ""), true
	}
	return domain.DeploymentEvent{}, false
}

func (c *Classifier) event(sig RawSignal, at time.Time, kind domain.DeploymentEventKind, message string) domain.DeploymentEvent {
	return domain.DeploymentEvent{
		DeploymentID: sig.DeploymentID,
		Timestamp:    at,
		Kind:         kind,
		Message:      message,
		EvidenceRef:  sig.Revision,
	}
}

// restartDelta records the observation and returns the restart count increase
// within the crash-loop window. A counter decrease means the workload was
// recreated, which resets the history.
func (c *Classifier) restartDelta(deploymentID string, at time.Time, count int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	obs := c.restarts[deploymentID]
	if n := len(obs); n > 0 && count < obs[n-1].count {
		obs = nil
	}

	cutoff := at.Add(-c.cfg.CrashLoopWindow)
	idx := 0
	for idx < len(obs) && obs[idx].at.Before(cutoff) {
		idx++
	}
	obs = append(obs[idx:len(obs):len(obs)], restartObs{at: at, count: count})
	c.restarts[deploymentID] = obs

	return count - obs[0].count
}
