package background

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPruner struct{ calls int }

func (p *countingPruner) Prune() int {
	p.calls++
	return 0
}

func TestCleanupManager_RunCleanup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	codes, sessions := store.OneTimeCodes(), store.Sessions()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, codes.Create(ctx, &models.OneTimeCode{ID: "stale", StaffID: "s1", IssuedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-10 * time.Minute)}))
	require.NoError(t, codes.Create(ctx, &models.OneTimeCode{ID: "live", StaffID: "s1", IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute)}))

	require.NoError(t, sessions.Create(ctx, &models.Session{ID: "old", StaffID: "s1", ExpiresAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, sessions.Create(ctx, &models.Session{ID: "recent", StaffID: "s1", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, sessions.Create(ctx, &models.Session{ID: "active", StaffID: "s1", ExpiresAt: now.Add(time.Hour)}))

	pruner := &countingPruner{}
	cm := NewCleanupManager(codes, sessions, pruner, slog.New(slog.NewTextHandler(io.Discard, nil)), CleanupConfig{
		Interval:  time.Minute,
		Retention: 24 * time.Hour,
	})
	cm.now = func() time.Time { return now }

	cm.runCleanup(ctx)

	assert.Equal(t, 1, pruner.calls)

	n, err := codes.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n, "expired codes should already be gone")

	_, err = sessions.GetByID(ctx, "old")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Within retention
	_, err = sessions.GetByID(ctx, "recent")
	assert.NoError(t, err)
	_, err = sessions.GetByID(ctx, "active")
	assert.NoError(t, err)
}

func TestCleanupManager_StopsOnSignal(t *testing.T) {
	store := memory.NewStore()
	cm := NewCleanupManager(store.OneTimeCodes(), store.Sessions(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)), CleanupConfig{Interval: time.Hour})

	done := make(chan struct{})
	go func() {
		cm.Start(context.Background())
		close(done)
	}()

	cm.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup manager did not stop")
	}
}
