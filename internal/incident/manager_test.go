package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu        sync.Mutex
	incidents map[string]*domain.Incident
	// missOnce makes the next GetOpenByDeployment report not-found even when
	// an open incident exists, simulating a lost insert race.
	missOnce bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{incidents: make(map[string]*domain.Incident)}
}

func (f *fakeRepo) Insert(_ context.Context, inc *domain.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.incidents {
		if existing.DeploymentID == inc.DeploymentID && existing.State != domain.IncidentResolved {
			return ErrOpenIncidentExists
		}
	}
	cp := *inc
	f.incidents[inc.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*domain.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	cp := *inc
	return &cp, nil
}

func (f *fakeRepo) GetOpenByDeployment(_ context.Context, deploymentID string) (*domain.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missOnce {
		f.missOnce = false
		return nil, ErrIncidentNotFound
	}
	for _, inc := range f.incidents {
		if inc.DeploymentID == deploymentID && inc.State != domain.IncidentResolved {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, ErrIncidentNotFound
}

func (f *fakeRepo) AppendTimeline(_ context.Context, id, eventID string, tier domain.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	inc.Timeline = append(inc.Timeline, eventID)
	inc.Tier = domain.MostSevere(inc.Tier, tier)
	inc.UpdatedAt = time.Now()
	return nil
}

func (f *fakeRepo) TransitionState(_ context.Context, id string, from, to domain.IncidentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	if inc.State != from {
		return ErrStateConflict
	}
	inc.State = to
	inc.UpdatedAt = time.Now()
	return nil
}

func (f *fakeRepo) ListOpen(_ context.Context) ([]domain.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Incident
	for _, inc := range f.incidents {
		if inc.State != domain.IncidentResolved {
			out = append(out, *inc)
		}
	}
	return out, nil
}

func (f *fakeRepo) only(t *testing.T) *domain.Incident {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.incidents, 1)
	for _, inc := range f.incidents {
		cp := *inc
		return &cp
	}
	return nil
}

func (f *fakeRepo) setState(id string, state domain.IncidentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents[id].State = state
}

type triggerCall struct {
	incident domain.Incident
	event    domain.DeploymentEvent
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
}

func (f *fakeTrigger) TriggerRollback(inc domain.Incident, event domain.DeploymentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, triggerCall{inc, event})
}

func (f *fakeTrigger) all() []triggerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggerCall(nil), f.calls...)
}

type escalateCall struct {
	incidentID string
	tier       domain.Tier
	reason     string
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls []escalateCall
}

func (f *fakeEscalator) Escalate(incidentID string, tier domain.Tier, reason, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, escalateCall{incidentID, tier, reason})
}

func (f *fakeEscalator) all() []escalateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]escalateCall(nil), f.calls...)
}

func failureEvent(deploymentID string, kind domain.DeploymentEventKind) domain.DeploymentEvent {
	return domain.DeploymentEvent{
		ID:           "evt-" + string(kind),
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		Kind:         kind,
	}
}

func healthyEvent(deploymentID string) domain.DeploymentEvent {
	return domain.DeploymentEvent{
		ID:           "evt-healthy",
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		Kind:         domain.EventHealthy,
	}
}

func TestManager_FailureOpensIncident(t *testing.T) {
	repo := newFakeRepo()
	trigger := &fakeTrigger{}
	escalator := &fakeEscalator{}
	m := NewManager(Config{}, repo, trigger, escalator)

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))

	inc := repo.only(t)
	assert.Equal(t, "app", inc.DeploymentID)
	assert.Equal(t, domain.IncidentOpen, inc.State)
	assert.Equal(t, domain.TierP2, inc.Tier, "crash loop is critical, opens at P2")
	assert.Equal(t, []string{"evt-crash_loop"}, inc.Timeline)

	require.Len(t, trigger.all(), 1)
	assert.Equal(t, inc.ID, trigger.all()[0].incident.ID)

	require.Len(t, escalator.all(), 1)
	assert.Equal(t, escalateCall{inc.ID, domain.TierP2, "crash_loop"}, escalator.all()[0])
}

func TestManager_SecondFailureFoldsIntoOpenIncident(t *testing.T) {
	repo := newFakeRepo()
	trigger := &fakeTrigger{}
	escalator := &fakeEscalator{}
	m := NewManager(Config{}, repo, trigger, escalator)

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))
	m.HandleEvent(context.Background(), failureEvent("app", domain.EventOOMKill))

	inc := repo.only(t)
	assert.Equal(t, []string{"evt-crash_loop", "evt-oom_kill"}, inc.Timeline)

	// Rollback re-requested while open; the engine coalesces duplicates.
	assert.Len(t, trigger.all(), 2)
	// Same tier, so only the opening escalation fired.
	assert.Len(t, escalator.all(), 1)
}

func TestManager_TierRaiseEscalatesAgain(t *testing.T) {
	repo := newFakeRepo()
	escalator := &fakeEscalator{}
	m := NewManager(Config{}, repo, &fakeTrigger{}, escalator)

	// image_pull_error opens at P3; the following crash loop raises to P2.
	m.HandleEvent(context.Background(), failureEvent("app", domain.EventImagePullError))
	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))

	inc := repo.only(t)
	assert.Equal(t, domain.TierP2, inc.Tier)

	calls := escalator.all()
	require.Len(t, calls, 2)
	assert.Equal(t, domain.TierP3, calls[0].tier)
	assert.Equal(t, domain.TierP2, calls[1].tier)
}

func TestManager_InsertRaceFoldsIntoWinner(t *testing.T) {
	repo := newFakeRepo()
	trigger := &fakeTrigger{}
	m := NewManager(Config{}, repo, trigger, &fakeEscalator{})

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))

	// The next lookup misses, the insert collides, and the event folds into
	// the winner instead of erroring.
	repo.missOnce = true
	m.HandleEvent(context.Background(), failureEvent("app", domain.EventOOMKill))

	inc := repo.only(t)
	assert.Equal(t, []string{"evt-crash_loop", "evt-oom_kill"}, inc.Timeline)
	assert.Len(t, trigger.all(), 2)
}

func TestManager_HealthyStreakResolves(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager(Config{HealthyStreak: 3}, repo, &fakeTrigger{}, &fakeEscalator{})

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))
	inc := repo.only(t)
	repo.setState(inc.ID, domain.IncidentRolledBack)

	for i := 0; i < 2; i++ {
		m.HandleEvent(context.Background(), healthyEvent("app"))
	}
	assert.Equal(t, domain.IncidentRolledBack, repo.only(t).State, "streak of 2 must not resolve")

	m.HandleEvent(context.Background(), healthyEvent("app"))
	assert.Equal(t, domain.IncidentResolved, repo.only(t).State)
}

func TestManager_FailureResetsHealthyStreak(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager(Config{HealthyStreak: 3}, repo, &fakeTrigger{}, &fakeEscalator{})

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))
	inc := repo.only(t)
	repo.setState(inc.ID, domain.IncidentRolledBack)

	m.HandleEvent(context.Background(), healthyEvent("app"))
	m.HandleEvent(context.Background(), healthyEvent("app"))
	m.HandleEvent(context.Background(), failureEvent("app", domain.EventOOMKill))
	repo.setState(inc.ID, domain.IncidentRolledBack)
	m.HandleEvent(context.Background(), healthyEvent("app"))
	m.HandleEvent(context.Background(), healthyEvent("app"))

	assert.Equal(t, domain.IncidentRolledBack, repo.only(t).State)
}

func TestManager_StreakDoesNotResolveMidRollback(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager(Config{HealthyStreak: 1}, repo, &fakeTrigger{}, &fakeEscalator{})

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))
	inc := repo.only(t)
	repo.setState(inc.ID, domain.IncidentRollbackInProgress)

	m.HandleEvent(context.Background(), healthyEvent("app"))

	assert.Equal(t, domain.IncidentRollbackInProgress, repo.only(t).State,
		"the rollback engine owns the incident while rollback is in progress")
}

func TestManager_OperatorResolve(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager(Config{}, repo, &fakeTrigger{}, &fakeEscalator{})

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))
	inc := repo.only(t)

	require.NoError(t, m.Resolve(context.Background(), inc.ID))
	assert.Equal(t, domain.IncidentResolved, repo.only(t).State)

	assert.ErrorIs(t, m.Resolve(context.Background(), "missing"), ErrIncidentNotFound)
}

func TestManager_ResolveRejectsIllegalState(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager(Config{}, repo, &fakeTrigger{}, &fakeEscalator{})

	m.HandleEvent(context.Background(), failureEvent("app", domain.EventCrashLoop))
	inc := repo.only(t)
	repo.setState(inc.ID, domain.IncidentRollbackFailed)

	err := m.Resolve(context.Background(), inc.ID)
	assert.ErrorIs(t, err, ErrStateConflict)
}
