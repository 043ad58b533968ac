package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEscalationRepo struct {
	mu      sync.Mutex
	records []domain.Escalation
	byID    map[string]*domain.Escalation
}

func newFakeEscalationRepo() *fakeEscalationRepo {
	return &fakeEscalationRepo{byID: make(map[string]*domain.Escalation)}
}

func (f *fakeEscalationRepo) InsertEscalation(_ context.Context, esc *domain.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *esc
	f.records = append(f.records, cp)
	f.byID[esc.ID] = &cp
	return nil
}

func (f *fakeEscalationRepo) GetByID(_ context.Context, id string) (*domain.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	esc, ok := f.byID[id]
	if !ok {
		return nil, ErrEscalationNotFound
	}
	cp := *esc
	return &cp, nil
}

func (f *fakeEscalationRepo) Acknowledge(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	esc, ok := f.byID[id]
	if !ok {
		return ErrEscalationNotFound
	}
	if esc.AcknowledgedAt != nil {
		return ErrAlreadyAcknowledged
	}
	esc.AcknowledgedAt = &at
	return nil
}

func (f *fakeEscalationRepo) ListByIncident(_ context.Context, incidentID string) ([]domain.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Escalation
	for _, r := range f.records {
		if r.IncidentID == incidentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeEscalationRepo) all() []domain.Escalation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Escalation(nil), f.records...)
}

func (f *fakeEscalationRepo) byChannel(ch domain.Channel) []domain.Escalation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Escalation
	for _, r := range f.records {
		if r.Channel == ch {
			out = append(out, r)
		}
	}
	return out
}

// fakeSender fails the first failCount sends with err, then succeeds.
type fakeSender struct {
	channel domain.Channel

	mu        sync.Mutex
	sends     []Notification
	failCount int
	err       error
}

func (f *fakeSender) Channel() domain.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, n)
	if f.failCount > 0 {
		f.failCount--
		return f.err
	}
	return nil
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func testDispatcherConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		BusinessHours:  DefaultBusinessHours(),
	}
}

func TestBusinessHours_Contains(t *testing.T) {
	bh := DefaultBusinessHours()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday noon", time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC), true},
		{"weekday start of day", time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC), true},
		{"weekday before start", time.Date(2026, 8, 19, 8, 59, 0, 0, time.UTC), false},
		{"weekday at end", time.Date(2026, 8, 19, 18, 0, 0, 0, time.UTC), false},
		{"weekday night", time.Date(2026, 8, 19, 22, 0, 0, 0, time.UTC), false},
		{"saturday noon", time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC), false},
		{"sunday noon", time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bh.Contains(tt.at))
		})
	}
}

func TestDispatcher_ChannelsByTier(t *testing.T) {
	weekdayNoon := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	weekdayNight := time.Date(2026, 8, 19, 22, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tier domain.Tier
		at   time.Time
		want []domain.Channel
	}{
		{"P1 pages at any hour", domain.TierP1, weekdayNight,
			[]domain.Channel{domain.ChannelPage, domain.ChannelSlack, domain.ChannelEmail}},
		{"P2 pages in business hours", domain.TierP2, weekdayNoon,
			[]domain.Channel{domain.ChannelPage, domain.ChannelSlack}},
		{"P2 emails out of hours", domain.TierP2, weekdayNight,
			[]domain.Channel{domain.ChannelEmail, domain.ChannelSlack}},
		{"P3 is slack only", domain.TierP3, weekdayNoon,
			[]domain.Channel{domain.ChannelSlack}},
		{"P4 is log only", domain.TierP4, weekdayNoon, nil},
	}

	d := NewDispatcher(testDispatcherConfig(), newFakeEscalationRepo())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.channelsFor(tt.tier, tt.at))
		})
	}
}

func TestDispatcher_P1SendsToAllChannels(t *testing.T) {
	repo := newFakeEscalationRepo()
	page := &fakeSender{channel: domain.ChannelPage}
	slack := &fakeSender{channel: domain.ChannelSlack}
	email := &fakeSender{channel: domain.ChannelEmail}

	d := NewDispatcher(testDispatcherConfig(), repo, page, slack, email)
	d.Escalate("inc-1", domain.TierP1, "crash_loop", "deployment app is crash looping")
	d.Shutdown()

	assert.Equal(t, 1, page.sendCount())
	assert.Equal(t, 1, slack.sendCount())
	assert.Equal(t, 1, email.sendCount())

	records := repo.all()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, "inc-1", r.IncidentID)
		assert.Equal(t, domain.TierP1, r.Tier)
		assert.Equal(t, domain.EscalationSent, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}

	require.Len(t, page.sends, 1)
	assert.Equal(t, "[P1] crash_loop", page.sends[0].Subject)
}

func TestDispatcher_P4LogsOnly(t *testing.T) {
	repo := newFakeEscalationRepo()
	slack := &fakeSender{channel: domain.ChannelSlack}

	d := NewDispatcher(testDispatcherConfig(), repo, slack)
	d.Escalate("inc-1", domain.TierP4, "apply_failure", "one-off apply failure")
	d.Shutdown()

	assert.Zero(t, slack.sendCount())
	assert.Empty(t, repo.all())
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	repo := newFakeEscalationRepo()
	slack := &fakeSender{
		channel:   domain.ChannelSlack,
		failCount: 2,
		err:       NewRetryableError(errors.New("rate limited")),
	}

	d := NewDispatcher(testDispatcherConfig(), repo, slack)
	d.Escalate("inc-1", domain.TierP3, "oom_kill", "container oom killed")
	d.Shutdown()

	assert.Equal(t, 3, slack.sendCount())

	records := repo.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.EscalationSent, records[0].Status)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestDispatcher_PermanentErrorStopsRetriesAndFailsOver(t *testing.T) {
	repo := newFakeEscalationRepo()
	slack := &fakeSender{
		channel:   domain.ChannelSlack,
		failCount: 10,
		err:       NewPermanentError(errors.New("webhook revoked")),
	}
	email := &fakeSender{channel: domain.ChannelEmail}

	d := NewDispatcher(testDispatcherConfig(), repo, slack, email)
	d.Escalate("inc-1", domain.TierP3, "oom_kill", "container oom killed")
	d.Shutdown()

	assert.Equal(t, 1, slack.sendCount(), "permanent errors must not be retried")
	assert.Equal(t, 1, email.sendCount(), "slack fails over to email")

	slackRecords := repo.byChannel(domain.ChannelSlack)
	require.Len(t, slackRecords, 1)
	assert.Equal(t, domain.EscalationFailed, slackRecords[0].Status)

	emailRecords := repo.byChannel(domain.ChannelEmail)
	require.Len(t, emailRecords, 1)
	assert.Equal(t, domain.EscalationSent, emailRecords[0].Status)
}

func TestDispatcher_ExhaustedRetriesFailOver(t *testing.T) {
	repo := newFakeEscalationRepo()
	slack := &fakeSender{
		channel:   domain.ChannelSlack,
		failCount: 10,
		err:       NewRetryableError(errors.New("service unavailable")),
	}
	email := &fakeSender{channel: domain.ChannelEmail}

	d := NewDispatcher(testDispatcherConfig(), repo, slack, email)
	d.Escalate("inc-1", domain.TierP3, "oom_kill", "container oom killed")
	d.Shutdown()

	assert.Equal(t, 3, slack.sendCount())
	assert.Equal(t, 1, email.sendCount())
}

func TestDispatcher_FailoverSkipsTriedChannels(t *testing.T) {
	repo := newFakeEscalationRepo()
	page := &fakeSender{
		channel:   domain.ChannelPage,
		failCount: 10,
		err:       NewPermanentError(errors.New("routing key invalid")),
	}
	slack := &fakeSender{channel: domain.ChannelSlack}
	email := &fakeSender{channel: domain.ChannelEmail}

	d := NewDispatcher(testDispatcherConfig(), repo, page, slack, email)
	d.Escalate("inc-1", domain.TierP1, "crash_loop", "deployment app is crash looping")
	d.Shutdown()

	// Page fails over to slack; the later slack and email sends from the P1
	// channel set do not repeat.
	assert.Equal(t, 1, page.sendCount())
	assert.Equal(t, 1, slack.sendCount())
	assert.Equal(t, 1, email.sendCount())
	assert.Len(t, repo.all(), 3)
}

func TestDispatcher_MissingSenderFailsOver(t *testing.T) {
	repo := newFakeEscalationRepo()
	email := &fakeSender{channel: domain.ChannelEmail}

	// P3 routes to slack, but no slack sender is configured.
	d := NewDispatcher(testDispatcherConfig(), repo, email)
	d.Escalate("inc-1", domain.TierP3, "oom_kill", "container oom killed")
	d.Shutdown()

	assert.Equal(t, 1, email.sendCount())
}

func TestDispatcher_EscalateSystemHasNoIncident(t *testing.T) {
	repo := newFakeEscalationRepo()
	slack := &fakeSender{channel: domain.ChannelSlack}

	d := NewDispatcher(testDispatcherConfig(), repo, slack)
	d.EscalateSystem(domain.TierP3, "circuit breaker tripped", "constraint gate demoted to audit")
	d.Shutdown()

	records := repo.all()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].IncidentID)
}

func TestDispatcher_Acknowledge(t *testing.T) {
	repo := newFakeEscalationRepo()
	slack := &fakeSender{channel: domain.ChannelSlack}

	d := NewDispatcher(testDispatcherConfig(), repo, slack)
	d.Escalate("inc-1", domain.TierP3, "oom_kill", "container oom killed")
	d.Shutdown()

	records := repo.all()
	require.Len(t, records, 1)
	id := records[0].ID

	require.NoError(t, d.Acknowledge(context.Background(), id))

	got, err := d.GetEscalation(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, got.AcknowledgedAt)

	assert.ErrorIs(t, d.Acknowledge(context.Background(), id), ErrAlreadyAcknowledged)
	assert.ErrorIs(t, d.Acknowledge(context.Background(), "missing"), ErrEscalationNotFound)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable", NewRetryableError(errors.New("x")), true},
		{"permanent", NewPermanentError(errors.New("x")), false},
		{"unknown errors are retried", errors.New("x"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}
