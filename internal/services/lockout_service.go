package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
)

// LockoutKey is the counter key for a known account.
func LockoutKey(staffID string) string {
	return staffID
}

// UnknownLockoutKey buckets failures against identifiers with no account, so
// that guessing at unknown emails is throttled the same way.
func UnknownLockoutKey(identifier string) string {
	sum := sha256.Sum256([]byte(models.NormalizeIdentifier(identifier)))
	return "unknown:" + hex.EncodeToString(sum[:])
}

// LockoutService is the only writer of lockout records. Every mutation goes
// through the store's atomic Mutate, so concurrent failures serialize.
type LockoutService struct {
	repo     repositories.LockoutRepository
	sessions repositories.SessionRepository
	audit    *AuditService
	policy   models.LockoutPolicy
	logger   *slog.Logger
	now      Clock
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(repo repositories.LockoutRepository, sessions repositories.SessionRepository, audit *AuditService, policy models.LockoutPolicy, logger *slog.Logger, clock Clock) *LockoutService {
	return &LockoutService{
		repo:     repo,
		sessions: sessions,
		audit:    audit,
		policy:   policy,
		logger:   logger,
		now:      orSystemClock(clock),
	}
}

// Policy returns the active policy.
func (s *LockoutService) Policy() models.LockoutPolicy {
	return s.policy
}

// Check returns a *models.LockedError if key is currently locked.
func (s *LockoutService) Check(ctx context.Context, key string) error {
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read lockout state: %w", err)
	}
	now := s.now()
	if rec.IsLocked(now) {
		return rec.LockedError(now)
	}
	return nil
}

// Status returns the raw record for key.
func (s *LockoutService) Status(ctx context.Context, key string) (*models.LockoutRecord, error) {
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockout state: %w", err)
	}
	return rec, nil
}

// RecordFailure counts one failed verification against key. staffID is empty
// for unknown identifiers. If this failure crossed the threshold the
// account's sessions are ended, the lock is audited, and the returned error
// is a *models.LockedError. Otherwise it returns nil.
func (s *LockoutService) RecordFailure(ctx context.Context, key, staffID string, meta models.RequestMeta) error {
	now := s.now()

	var transitioned bool
	rec, err := s.repo.Mutate(ctx, key, func(r *models.LockoutRecord) error {
		transitioned = r.ApplyFailure(now, s.policy)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record verification failure: %w", err)
	}

	if !transitioned {
		if rec.IsLocked(now) {
			return rec.LockedError(now)
		}
		return nil
	}

	s.onLocked(ctx, key, staffID, "", rec, meta)
	return rec.LockedError(now)
}

// RecordSuccess resets the counter after a fully successful login.
func (s *LockoutService) RecordSuccess(ctx context.Context, key string) error {
	now := s.now()
	_, err := s.repo.Mutate(ctx, key, func(r *models.LockoutRecord) error {
		r.Reset(now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset lockout counter: %w", err)
	}
	return nil
}

// Lock applies an explicit lock (admin action or breach detection).
func (s *LockoutService) Lock(ctx context.Context, staffID string, reason models.LockReason, actorID string, meta models.RequestMeta) (*models.LockoutRecord, error) {
	if reason != models.LockReasonAdminLock && reason != models.LockReasonSecurityBreach {
		return nil, fmt.Errorf("%w: lock reason %q cannot be applied manually", models.ErrBadRequest, reason)
	}

	now := s.now()
	key := LockoutKey(staffID)

	var transitioned bool
	rec, err := s.repo.Mutate(ctx, key, func(r *models.LockoutRecord) error {
		transitioned = r.Lock(now, reason, s.policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	if transitioned {
		s.onLocked(ctx, key, staffID, actorID, rec, meta)
	}
	return rec, nil
}

// Unlock lifts a lock. via names the unlock path for the audit trail
// (admin, backup-code, device-approval). It returns models.ErrNotLocked if
// there was nothing to lift.
func (s *LockoutService) Unlock(ctx context.Context, staffID, actorID, via string, meta models.RequestMeta) error {
	now := s.now()
	key := LockoutKey(staffID)

	var was models.LockReason
	_, err := s.repo.Mutate(ctx, key, func(r *models.LockoutRecord) error {
		was = r.Reason
		if !r.IsLocked(now) {
			return models.ErrNotLocked
		}
		r.Unlock(now)
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotLocked) {
			return models.ErrNotLocked
		}
		return fmt.Errorf("failed to unlock account: %w", err)
	}

	e := event(models.AuditEventAccountUnlocked, models.AuditOutcomeSuccess, meta)
	e.ActorID = actorID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staffID
	e.Method = via
	e.Reason = string(was)
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("unlock not audited", slog.String("staff_id", staffID), slog.Any("error", err))
	}
	return nil
}

// UnlockIf lifts the lock only when allowed approves the current record. The
// check and the unlock happen in one atomic step.
func (s *LockoutService) UnlockIf(ctx context.Context, staffID string, allowed func(*models.LockoutRecord) error) error {
	now := s.now()
	_, err := s.repo.Mutate(ctx, LockoutKey(staffID), func(r *models.LockoutRecord) error {
		if !r.IsLocked(now) {
			return models.ErrNotLocked
		}
		if err := allowed(r); err != nil {
			return err
		}
		r.Unlock(now)
		return nil
	})
	return err
}

func (s *LockoutService) onLocked(ctx context.Context, key, staffID, actorID string, rec *models.LockoutRecord, meta models.RequestMeta) {
	now := s.now()

	var ended int64
	if staffID != "" {
		n, err := s.sessions.EndAllForStaff(ctx, staffID, models.SessionEndLocked, now)
		if err != nil {
			s.logger.Error("failed to end sessions of locked account",
				slog.String("staff_id", staffID),
				slog.Any("error", err))
		}
		ended = n
	}

	s.logger.Warn("account locked",
		slog.String("key", key),
		slog.String("reason", string(rec.Reason)),
		slog.Int("failed_count", rec.FailedCount),
		slog.Int64("sessions_ended", ended))

	e := event(models.AuditEventAccountLocked, models.AuditOutcomeLocked, meta)
	e.ActorID = actorID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staffID
	e.Reason = string(rec.Reason)
	e.Metadata = models.AuditMetadata{
		"failed_count":   rec.FailedCount,
		"sessions_ended": ended,
	}
	if staffID == "" {
		e.Metadata["lockout_key"] = key
	}
	if rec.LockedUntil != nil {
		e.Metadata["locked_until"] = rec.LockedUntil.Format("2006-01-02T15:04:05Z07:00")
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("lock not audited", slog.String("key", key), slog.Any("error", err))
	}
}
