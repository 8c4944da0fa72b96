package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	pkgauth "github.com/BradenHooton/neurolock/pkg/auth"
	"github.com/google/uuid"
)

// Backup code set shape
const (
	BackupCodeCount  = 8
	BackupCodeLength = 8
)

// UnlockResult is returned by a successful backup code unlock.
type UnlockResult struct {
	StaffID        string
	Device         *models.Device
	RemainingCodes int
}

// RecoveryService handles backup codes: issuing them and spending one to
// lift a failed-attempts lock.
type RecoveryService struct {
	staff    repositories.StaffRepository
	codes    repositories.BackupCodeRepository
	lockouts *LockoutService
	devices  *DeviceService
	limiter  *RateLimitService
	audit    *AuditService
	logger   *slog.Logger
	now      Clock
}

// NewRecoveryService creates a new RecoveryService
func NewRecoveryService(
	staff repositories.StaffRepository,
	codes repositories.BackupCodeRepository,
	lockouts *LockoutService,
	devices *DeviceService,
	limiter *RateLimitService,
	audit *AuditService,
	logger *slog.Logger,
	clock Clock,
) *RecoveryService {
	return &RecoveryService{
		staff:    staff,
		codes:    codes,
		lockouts: lockouts,
		devices:  devices,
		limiter:  limiter,
		audit:    audit,
		logger:   logger,
		now:      orSystemClock(clock),
	}
}

// GenerateBackupCodes replaces staffID's backup codes with a fresh set and
// returns the plaintext codes. They are not retrievable later.
func (s *RecoveryService) GenerateBackupCodes(ctx context.Context, staffID string, meta models.RequestMeta) ([]string, error) {
	now := s.now()
	plain := make([]string, 0, BackupCodeCount)
	records := make([]*models.BackupCode, 0, BackupCodeCount)

	for i := 0; i < BackupCodeCount; i++ {
		code, err := pkgauth.GenerateNumericCode(BackupCodeLength)
		if err != nil {
			return nil, err
		}
		hash, err := pkgauth.HashBackupCode(code)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		plain = append(plain, code)
		records = append(records, &models.BackupCode{
			ID:        uuid.New().String(),
			StaffID:   staffID,
			CodeHash:  hash,
			CreatedAt: now,
		})
	}

	if err := s.codes.ReplaceAll(ctx, staffID, records); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}

	e := event(models.AuditEventEnrollment, models.AuditOutcomeSuccess, meta)
	e.ActorID = staffID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staffID
	e.Method = "backup-codes"
	e.Metadata = models.AuditMetadata{"count": BackupCodeCount}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return plain, nil
}

// UnlockWithBackupCode spends one backup code to lift a failed-attempts lock
// and trusts the device presenting it. Security-breach and admin locks need
// an administrator. Devices awaiting approval cannot recover an account.
func (s *RecoveryService) UnlockWithBackupCode(ctx context.Context, identifier, code string, meta models.RequestMeta) (*UnlockResult, error) {
	if meta.DeviceFingerprint == "" {
		return nil, fmt.Errorf("%w: device fingerprint required", models.ErrBadRequest)
	}
	normalized := models.NormalizeIdentifier(identifier)

	staff, err := s.staff.GetByEmail(ctx, normalized)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	key := UnknownLockoutKey(normalized)
	if staff != nil {
		key = LockoutKey(staff.ID)
	}
	if err := s.limiter.Allow(key); err != nil {
		return nil, err
	}

	if staff == nil || !staff.IsActive() {
		_ = pkgauth.ComparePassword(pkgauth.DummyHash, code)
		s.fail(ctx, "", "unknown_account", meta)
		return nil, models.ErrInvalidSecondFactor
	}

	rec, err := s.lockouts.Status(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !rec.IsLocked(now) {
		// Answer exactly like an unknown account.
		_ = pkgauth.ComparePassword(pkgauth.DummyHash, code)
		s.fail(ctx, staff.ID, "not_locked", meta)
		return nil, models.ErrInvalidSecondFactor
	}
	if rec.Reason != models.LockReasonFailedAttempts {
		return nil, rec.LockedError(now)
	}

	device, err := s.devices.Observe(ctx, staff.ID, meta.DeviceFingerprint, meta)
	if err != nil {
		return nil, err
	}
	if device.TrustState == models.TrustPendingApproval {
		s.fail(ctx, staff.ID, "device_pending_approval", meta)
		return nil, models.ErrDeviceNotTrusted
	}

	codes, err := s.codes.List(ctx, staff.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup codes: %w", err)
	}
	var match *models.BackupCode
	for _, c := range codes {
		// every hash is compared so that the position of a match is not observable
		if pkgauth.ComparePassword(c.CodeHash, code) == nil && match == nil {
			match = c
		}
	}
	if match == nil {
		s.fail(ctx, staff.ID, "invalid_code", meta)
		return nil, models.ErrInvalidSecondFactor
	}
	if match.IsUsed() {
		s.fail(ctx, staff.ID, "code_already_used", meta)
		return nil, models.ErrExpiredOrConsumedCode
	}

	consumed, err := s.codes.Consume(ctx, match.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume backup code: %w", err)
	}
	if !consumed {
		s.fail(ctx, staff.ID, "code_already_used", meta)
		return nil, models.ErrExpiredOrConsumedCode
	}

	err = s.lockouts.UnlockIf(ctx, staff.ID, func(r *models.LockoutRecord) error {
		if r.Reason != models.LockReasonFailedAttempts {
			return r.LockedError(now)
		}
		return nil
	})
	// A lock that lapsed meanwhile is fine; anything else leaves a spent code
	// behind and must show up in the trail.
	if err != nil && !errors.Is(err, models.ErrNotLocked) {
		s.spent(ctx, staff.ID, device.ID, "unlock_failed", meta)
		return nil, err
	}

	if err := s.devices.TrustAfterMFA(ctx, device, meta); err != nil {
		s.spent(ctx, staff.ID, device.ID, "device_trust_failed", meta)
		return nil, fmt.Errorf("account unlocked but device not trusted: %w", err)
	}

	remaining, err := s.codes.CountUnused(ctx, staff.ID)
	if err != nil {
		s.logger.Warn("failed to count backup codes", slog.String("staff_id", staff.ID), slog.Any("error", err))
	}

	used := event(models.AuditEventBackupCodeUsed, models.AuditOutcomeSuccess, meta)
	used.ActorID = staff.ID
	used.TargetType = models.AuditTargetStaff
	used.TargetID = staff.ID
	used.DeviceID = device.ID
	used.Metadata = models.AuditMetadata{"remaining_codes": remaining}
	if err := s.audit.Record(ctx, used); err != nil {
		return nil, err
	}

	unlocked := event(models.AuditEventAccountUnlocked, models.AuditOutcomeSuccess, meta)
	unlocked.ActorID = staff.ID
	unlocked.TargetType = models.AuditTargetStaff
	unlocked.TargetID = staff.ID
	unlocked.DeviceID = device.ID
	unlocked.Method = "backup-code"
	unlocked.Reason = string(models.LockReasonFailedAttempts)
	if err := s.audit.Record(ctx, unlocked); err != nil {
		return nil, err
	}

	return &UnlockResult{StaffID: staff.ID, Device: device, RemainingCodes: remaining}, nil
}

func (s *RecoveryService) fail(ctx context.Context, staffID, reason string, meta models.RequestMeta) {
	e := event(models.AuditEventBackupCodeUsed, models.AuditOutcomeFailure, meta)
	e.ActorID = staffID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staffID
	e.Reason = reason
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("backup code attempt not audited", slog.Any("error", err))
	}
}

// spent audits a backup code that was consumed without completing recovery.
func (s *RecoveryService) spent(ctx context.Context, staffID, deviceID, reason string, meta models.RequestMeta) {
	e := event(models.AuditEventBackupCodeUsed, models.AuditOutcomeFailure, meta)
	e.ActorID = staffID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staffID
	e.DeviceID = deviceID
	e.Reason = reason
	e.Metadata = models.AuditMetadata{"code_spent": true}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("spent backup code not audited", slog.String("staff_id", staffID), slog.Any("error", err))
	}
}
