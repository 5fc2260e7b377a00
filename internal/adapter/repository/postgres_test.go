package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
)

var _ ports.TriggerRepository = (*PostgresRepository)(nil)

// newTestRepository connects to TEST_DATABASE_URL or skips
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewPostgresRepository(pool)
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo
}

func TestPostgresRepository_RecordAndFind(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	alertUID := "test-" + uuid.New().String()
	base := time.Now().UTC().Truncate(time.Second)

	first := domain.TriggerRecord{
		ID:           uuid.New().String(),
		AlertUID:     alertUID,
		AlertShortID: "ALtest",
		RuleName:     "R",
		Reason:       domain.ReasonFirstOccurrence,
		NewEvents:    5,
		CurrentCount: 5,
		TriggeredAt:  base.Add(-time.Hour),
	}
	second := first
	second.ID = uuid.New().String()
	second.Reason = domain.ReasonVolume
	second.NewEvents = 100
	second.CurrentCount = 105
	second.TriggeredAt = base

	require.NoError(t, repo.RecordTrigger(ctx, first))
	require.NoError(t, repo.RecordTrigger(ctx, second))
	// idempotent on id
	require.NoError(t, repo.RecordTrigger(ctx, second))

	got, err := repo.FindByAlert(ctx, alertUID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second, got[0], "newest first")
	assert.Equal(t, first, got[1])

	recent, err := repo.FindSince(ctx, base.Add(-time.Minute), 1000)
	require.NoError(t, err)
	var found bool
	for _, rec := range recent {
		assert.False(t, rec.TriggeredAt.Before(base.Add(-time.Minute)))
		if rec.ID == second.ID {
			found = true
		}
		if rec.ID == first.ID {
			t.Error("FindSince returned a trigger older than the window")
		}
	}
	assert.True(t, found)
}
