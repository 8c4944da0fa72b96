package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/neurolock/internal/repositories"
)

// Pruner drops idle in-memory state, such as per-account rate limit buckets
type Pruner interface {
	Prune() int
}

// CleanupConfig holds the cleanup schedule
type CleanupConfig struct {
	Interval time.Duration
	// Retention keeps expired and ended sessions around for investigation
	Retention time.Duration
}

// CleanupManager periodically removes expired one-time codes and sessions
type CleanupManager struct {
	codes    repositories.OneTimeCodeRepository
	sessions repositories.SessionRepository
	pruner   Pruner
	logger   *slog.Logger
	config   CleanupConfig
	now      func() time.Time
	stopCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager. pruner may be nil.
func NewCleanupManager(
	codes repositories.OneTimeCodeRepository,
	sessions repositories.SessionRepository,
	pruner Pruner,
	logger *slog.Logger,
	config CleanupConfig,
) *CleanupManager {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	if config.Retention < 0 {
		config.Retention = 0
	}
	return &CleanupManager{
		codes:    codes,
		sessions: sessions,
		pruner:   pruner,
		logger:   logger,
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.config.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup removes expired rows. One failing table does not stop the others.
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.now()

	codes, err := cm.codes.DeleteExpired(cleanupCtx, now)
	if err != nil {
		cm.logger.Error("failed to cleanup expired one-time codes", slog.Any("error", err))
	}

	sessions, err := cm.sessions.DeleteExpired(cleanupCtx, now.Add(-cm.config.Retention))
	if err != nil {
		cm.logger.Error("failed to cleanup expired sessions", slog.Any("error", err))
	}

	buckets := 0
	if cm.pruner != nil {
		buckets = cm.pruner.Prune()
	}

	if codes > 0 || sessions > 0 || buckets > 0 {
		cm.logger.Info("expired state cleanup completed",
			slog.Int64("codes_deleted", codes),
			slog.Int64("sessions_deleted", sessions),
			slog.Int("buckets_pruned", buckets))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
