package escalation

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

// Dispatcher defaults.
const (
	DefaultMaxAttempts       = 3
	DefaultInitialBackoff    = 2 * time.Second
	DefaultBackoffMultiplier = 2.0
	sendTimeout              = 30 * time.Second
)

// Escalation errors.
var (
	ErrEscalationNotFound  = errors.New("escalation not found")
	ErrAlreadyAcknowledged = errors.New("escalation already acknowledged")
)

// Repository persists escalation records. Records are immutable once written
// except for acknowledgement.
type Repository interface {
	InsertEscalation(ctx context.Context, esc *domain.Escalation) error
	GetByID(ctx context.Context, id string) (*domain.Escalation, error)
	Acknowledge(ctx context.Context, id string, at time.Time) error
	ListByIncident(ctx context.Context, incidentID string) ([]domain.Escalation, error)
}

// BusinessHours defines when paging is acceptable for non-P1 tiers.
type BusinessHours struct {
	// StartHour and EndHour bound the working day, [StartHour, EndHour).
	StartHour int
	EndHour   int
	Location  *time.Location
}

// DefaultBusinessHours is 09:00-18:00 UTC, Monday through Friday.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{StartHour: 9, EndHour: 18, Location: time.UTC}
}

// Contains reports whether t falls within business hours.
func (b BusinessHours) Contains(t time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return local.Hour() >= b.StartHour && local.Hour() < b.EndHour
}

// Config contains dispatcher configuration.
type Config struct {
	// MaxAttempts per channel before failing over. 0 uses
	// DefaultMaxAttempts.
	MaxAttempts int
	// InitialBackoff before the first retry. 0 uses DefaultInitialBackoff.
	InitialBackoff time.Duration
	// BackoffMultiplier grows the backoff between retries. 0 uses
	// DefaultBackoffMultiplier.
	BackoffMultiplier float64
	BusinessHours     BusinessHours
}

// Dispatcher routes escalations to channels by tier:
//
//	P1: page, slack and email, at any hour
//	P2: page during business hours, otherwise email; slack always
//	P3: slack
//	P4: log only
//
// Each channel gets MaxAttempts sends with exponential backoff; a channel
// that fails terminally fails over to the next channel in severity order.
type Dispatcher struct {
	cfg     Config
	repo    Repository
	senders map[domain.Channel]Sender

	wg      sync.WaitGroup
	nowFunc func() time.Time
}

// NewDispatcher creates an escalation dispatcher.
func NewDispatcher(cfg Config, repo Repository, senders ...Sender) *Dispatcher {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.BusinessHours == (BusinessHours{}) {
		cfg.BusinessHours = DefaultBusinessHours()
	}

	senderMap := make(map[domain.Channel]Sender)
	for _, s := range senders {
		senderMap[s.Channel()] = s
	}
	return &Dispatcher{
		cfg:     cfg,
		repo:    repo,
		senders: senderMap,
		nowFunc: time.Now,
	}
}

// Escalate notifies operators about an incident. Returns immediately; sends
// run in the background. Implements the Escalator interfaces of the incident
// manager and rollback engine.
func (d *Dispatcher) Escalate(incidentID string, tier domain.Tier, reason, message string) {
	d.dispatchAsync(incidentID, tier, reason, message)
}

// EscalateSystem notifies operators about a system condition not tied to an
// incident, such as a circuit-breaker trip.
func (d *Dispatcher) EscalateSystem(tier domain.Tier, reason, message string) {
	d.dispatchAsync("", tier, reason, message)
}

// Shutdown waits for in-flight escalations to finish.
func (d *Dispatcher) Shutdown() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatchAsync(incidentID string, tier domain.Tier, reason, message string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(incidentID, tier, reason, message)
	}()
}

func (d *Dispatcher) dispatch(incidentID string, tier domain.Tier, reason, message string) {
	channels := d.channelsFor(tier, d.nowFunc())
	if len(channels) == 0 {
		slog.Info("escalation routed to log only",
			"incident_id", incidentID, "tier", tier, "reason", reason, "message", message)
		recordEscalation(tier, "log", "sent")
		return
	}

	notification := Notification{
		Subject: fmt.Sprintf("[%s] %s", tier, reason),
		Body:    message,
	}

	tried := make(map[domain.Channel]bool)
	for _, ch := range channels {
		d.sendWithFailover(incidentID, tier, reason, notification, ch, tried)
	}
}

// sendWithFailover tries the channel with retries, then walks the failover
// chain on terminal failure. Every terminal outcome writes one escalation
// record.
func (d *Dispatcher) sendWithFailover(incidentID string, tier domain.Tier, reason string, notification Notification, ch domain.Channel, tried map[domain.Channel]bool) {
	for ch != "" && !tried[ch] {
		tried[ch] = true

		attempts, err := d.sendWithRetries(ch, notification)
		d.record(incidentID, tier, reason, ch, attempts, err)
		if err == nil {
			return
		}

		next := failover(ch)
		slog.Warn("escalation channel failed, failing over",
			"incident_id", incidentID, "channel", ch, "next", next, "error", err)
		ch = next
	}
}

// sendWithRetries sends on one channel with exponential backoff. Permanent
// errors stop the retry loop.
func (d *Dispatcher) sendWithRetries(ch domain.Channel, notification Notification) (int, error) {
	sender, ok := d.senders[ch]
	if !ok {
		return 0, fmt.Errorf("no sender configured for channel %s", ch)
	}

	backoff := d.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := sender.Send(ctx, notification)
		cancel()

		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return attempt, err
		}
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(backoff)
			backoff = time.Duration(float64(backoff) * d.cfg.BackoffMultiplier)
		}
	}
	return d.cfg.MaxAttempts, lastErr
}

func (d *Dispatcher) record(incidentID string, tier domain.Tier, reason string, ch domain.Channel, attempts int, sendErr error) {
	status := domain.EscalationSent
	if sendErr != nil {
		status = domain.EscalationFailed
	}
	recordEscalation(tier, string(ch), string(status))

	esc := &domain.Escalation{
		ID:         uuid.New().String(),
		IncidentID: incidentID,
		Tier:       tier,
		Channel:    ch,
		Reason:     reason,
		Attempts:   attempts,
		Status:     status,
		SentAt:     d.nowFunc(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.repo.InsertEscalation(ctx, esc); err != nil {
		slog.Error("failed to record escalation",
			"incident_id", incidentID, "channel", ch, "error", err)
	}
}

// channelsFor returns the tier's channel set. P4 is log-only.
func (d *Dispatcher) channelsFor(tier domain.Tier, at time.Time) []domain.Channel {
	switch tier {
	case domain.TierP1:
		return []domain.Channel{domain.ChannelPage, domain.ChannelSlack, domain.ChannelEmail}
	case domain.TierP2:
		first := domain.ChannelPage
		if !d.cfg.BusinessHours.Contains(at) {
			first = domain.ChannelEmail
		}
		return []domain.Channel{first, domain.ChannelSlack}
	case domain.TierP3:
		return []domain.Channel{domain.ChannelSlack}
	}
	return nil
}

// failover returns the next channel to try after a terminal failure.
func failover(ch domain.Channel) domain.Channel {
	switch ch {
	case domain.ChannelPage:
		return domain.ChannelSlack
	case domain.ChannelSlack:
		return domain.ChannelEmail
	}
	return ""
}

// Acknowledge marks an escalation as seen by an operator.
func (d *Dispatcher) Acknowledge(ctx context.Context, id string) error {
	return d.repo.Acknowledge(ctx, id, d.nowFunc())
}

// GetEscalation returns an escalation record by id.
func (d *Dispatcher) GetEscalation(ctx context.Context, id string) (*domain.Escalation, error) {
	return d.repo.GetByID(ctx, id)
}

// ListByIncident returns the escalation records for an incident.
func (d *Dispatcher) ListByIncident(ctx context.Context, incidentID string) ([]domain.Escalation, error) {
	return d.repo.ListByIncident(ctx, incidentID)
}
