package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/google/uuid"
)

// DefaultPollInterval is the signal source poll cadence.
const DefaultPollInterval = 15 * time.Second

// ErrEventNotFound is returned when a deployment event does not exist.
var ErrEventNotFound = errors.New("deployment event not found")

// Repository persists the append-only deployment event history.
type Repository interface {
	AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error
	ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentEvent, error)
}

// RevisionRecorder records revisions confirmed healthy. Satisfied by the
// rollback revision store.
type RevisionRecorder interface {
	RecordGood(ctx context.Context, rev domain.Revision) error
}

// SystemEscalator notifies operators about monitor-level conditions not tied
// to an incident. Satisfied by the escalation dispatcher.
type SystemEscalator interface {
	EscalateSystem(tier domain.Tier, reason, message string)
}

// Config contains monitor configuration.
type Config struct {
	// PollInterval is the signal source poll cadence. 0 uses
	// DefaultPollInterval.
	PollInterval time.Duration
	Classifier   ClassifierConfig
}

// Monitor ingests raw health signals, classifies them, persists the event
// history, and dispatches failure events to the incident manager in
// per-deployment order.
type Monitor struct {
	cfg        Config
	source     SignalSource
	classifier *Classifier
	events     Repository
	revisions  RevisionRecorder
	escalator  SystemEscalator
	queue      *keyedQueue

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a monitor. source may be nil when signals arrive only through
// Ingest (the push endpoint).
func New(cfg Config, source SignalSource, events Repository, revisions RevisionRecorder, handler EventHandler, escalator SystemEscalator) *Monitor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Monitor{
		cfg:        cfg,
		source:     source,
		classifier: NewClassifier(cfg.Classifier),
		events:     events,
		revisions:  revisions,
		escalator:  escalator,
		queue:      newKeyedQueue(context.Background(), handler),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins polling the signal source. Returns immediately; call Stop to
// shut down. No-op when the monitor has no source.
func (m *Monitor) Start(ctx context.Context) {
	if m.source == nil {
		close(m.done)
		return
	}
	go m.poll(ctx)
}

func (m *Monitor) poll(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.collect(ctx)
		}
	}
}

func (m *Monitor) collect(ctx context.Context) {
	signals, err := m.source.Collect(ctx)
	if err != nil {
		slog.Error("failed to collect health signals", "error", err)
		return
	}
	for _, sig := range signals {
		if err := m.Ingest(ctx, sig); err != nil {
			slog.Error("failed to ingest health signal",
				"deployment_id", sig.DeploymentID, "error", err)
		}
	}
}

// Ingest classifies and processes one raw signal. Healthy signals refresh the
// last-known-good revision; failure events are persisted and handed to the
// incident manager. Signals below every threshold are dropped silently.
func (m *Monitor) Ingest(ctx context.Context, sig RawSignal) error {
	signalsIngested.Inc()

	event, ok := m.classifier.Classify(sig)
	if !ok {
		return nil
	}
	event.ID = uuid.New().String()
	recordEvent(event.Kind)

	if err := m.events.AppendEvent(ctx, &event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if event.Kind == domain.EventHealthy && sig.Revision != "" && m.revisions != nil {
		err := m.revisions.RecordGood(ctx, domain.Revision{
			DeploymentID: sig.DeploymentID,
			Revision:     sig.Revision,
			RecordedAt:   event.Timestamp,
		})
		if err != nil {
			slog.Error("failed to record healthy revision",
				"deployment_id", sig.DeploymentID, "revision", sig.Revision, "error", err)
		}
	}

	slog.Debug("deployment event classified",
		"deployment_id", event.DeploymentID, "kind", event.Kind, "event_id", event.ID)
	if !m.queue.push(event) && event.Kind != domain.EventHealthy {
		// The event is in the history but incident handling never saw
		// it, so an incident may not open. Operators have to look.
		if m.escalator != nil {
			m.escalator.EscalateSystem(domain.TierP3, "event dispatch overloaded",
				fmt.Sprintf("dropped %s event %s for deployment %s after persisting it", event.Kind, event.ID, event.DeploymentID))
		}
	}
	return nil
}

// ListEvents returns the most recent events for a deployment.
func (m *Monitor) ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentEvent, error) {
	return m.events.ListEvents(ctx, deploymentID, limit)
}

// Stop halts polling and drains the dispatch queue.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
	m.queue.close()
}
