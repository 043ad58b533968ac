//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/incident"
	pkgpostgres "github.com/gatewarden/gatewarden/internal/pkg/postgres"
	"github.com/gatewarden/gatewarden/internal/testutil"
	"github.com/gatewarden/gatewarden/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	require.NoError(t, pkgpostgres.Migrate(container.ConnectionString, migrations.FS, "."))

	pool, err := pkgpostgres.Connect(ctx, pkgpostgres.Config{
		URL:          container.ConnectionString,
		MaxOpenConns: 5,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewRepository(pool)
}

func newIncident(deploymentID string, tier domain.Tier) *domain.Incident {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Incident{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Tier:         tier,
		State:        domain.IncidentOpen,
		Timeline:     []string{uuid.New().String()},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestRepository_SingleOpenIncidentPerDeployment(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	first := newIncident("app", domain.TierP2)
	require.NoError(t, repo.Insert(ctx, first))

	// A second open incident for the same deployment hits the partial
	// unique index.
	err := repo.Insert(ctx, newIncident("app", domain.TierP3))
	assert.ErrorIs(t, err, incident.ErrOpenIncidentExists)

	// A different deployment is unaffected.
	require.NoError(t, repo.Insert(ctx, newIncident("other", domain.TierP3)))

	// Resolving frees the slot.
	require.NoError(t, repo.TransitionState(ctx, first.ID, domain.IncidentOpen, domain.IncidentResolved))
	require.NoError(t, repo.Insert(ctx, newIncident("app", domain.TierP3)))
}

func TestRepository_GetOpenByDeployment(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	_, err := repo.GetOpenByDeployment(ctx, "app")
	assert.ErrorIs(t, err, incident.ErrIncidentNotFound)

	inc := newIncident("app", domain.TierP2)
	require.NoError(t, repo.Insert(ctx, inc))

	got, err := repo.GetOpenByDeployment(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)
	assert.Equal(t, inc.Timeline, got.Timeline)
}

func TestRepository_AppendTimelineKeepsMostSevereTier(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	inc := newIncident("app", domain.TierP3)
	require.NoError(t, repo.Insert(ctx, inc))

	// A more severe event raises the tier.
	require.NoError(t, repo.AppendTimeline(ctx, inc.ID, "evt-2", domain.TierP2))
	got, err := repo.GetByID(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierP2, got.Tier)
	assert.Len(t, got.Timeline, 2)

	// A less severe one does not lower it.
	require.NoError(t, repo.AppendTimeline(ctx, inc.ID, "evt-3", domain.TierP4))
	got, err = repo.GetByID(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierP2, got.Tier)

	assert.ErrorIs(t, repo.AppendTimeline(ctx, uuid.New().String(), "evt", domain.TierP2), incident.ErrIncidentNotFound)
}

func TestRepository_TransitionStateCAS(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	inc := newIncident("app", domain.TierP2)
	require.NoError(t, repo.Insert(ctx, inc))

	require.NoError(t, repo.TransitionState(ctx, inc.ID, domain.IncidentOpen, domain.IncidentRollbackInProgress))

	// A transition from a stale expected state loses the CAS.
	err := repo.TransitionState(ctx, inc.ID, domain.IncidentOpen, domain.IncidentEscalated)
	assert.ErrorIs(t, err, incident.ErrStateConflict)

	err = repo.TransitionState(ctx, uuid.New().String(), domain.IncidentOpen, domain.IncidentResolved)
	assert.ErrorIs(t, err, incident.ErrIncidentNotFound)
}

func TestRepository_ListOpen(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	a := newIncident("a", domain.TierP2)
	b := newIncident("b", domain.TierP3)
	require.NoError(t, repo.Insert(ctx, a))
	require.NoError(t, repo.Insert(ctx, b))
	require.NoError(t, repo.TransitionState(ctx, b.ID, domain.IncidentOpen, domain.IncidentResolved))

	open, err := repo.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
}
