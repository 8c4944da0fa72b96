package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	pkgauth "github.com/BradenHooton/neurolock/pkg/auth"
)

// LoginResult is the outcome of a successful primary verification.
type LoginResult struct {
	Session *models.Session
	Token   string
	// MFARequired is false only when a trusted device waived the second factor
	MFARequired bool
	Methods     []models.MFAMethod
	// EnrollmentRequired means the account has no verified second factor yet
	EnrollmentRequired bool
}

// CredentialService verifies identifier and password.
type CredentialService struct {
	staff       repositories.StaffRepository
	enrollments repositories.EnrollmentRepository
	sessions    *SessionService
	lockouts    *LockoutService
	devices     *DeviceService
	limiter     *RateLimitService
	timing      *auth.TimingDelay
	audit       *AuditService
	logger      *slog.Logger
	now         Clock
}

// NewCredentialService creates a new CredentialService
func NewCredentialService(
	staff repositories.StaffRepository,
	enrollments repositories.EnrollmentRepository,
	sessions *SessionService,
	lockouts *LockoutService,
	devices *DeviceService,
	limiter *RateLimitService,
	timing *auth.TimingDelay,
	audit *AuditService,
	logger *slog.Logger,
	clock Clock,
) *CredentialService {
	return &CredentialService{
		staff:       staff,
		enrollments: enrollments,
		sessions:    sessions,
		lockouts:    lockouts,
		devices:     devices,
		limiter:     limiter,
		timing:      timing,
		audit:       audit,
		logger:      logger,
		now:         orSystemClock(clock),
	}
}

// VerifyPrimary checks identifier and password. Unknown accounts, inactive
// accounts and wrong passwords are indistinguishable to the caller. A locked
// key is rejected before any hash comparison.
func (s *CredentialService) VerifyPrimary(ctx context.Context, identifier, password string, meta models.RequestMeta) (*LoginResult, error) {
	start := time.Now()
	normalized := models.NormalizeIdentifier(identifier)

	staff, err := s.staff.GetByEmail(ctx, normalized)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to look up staff account", slog.Any("error", err))
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	key := UnknownLockoutKey(normalized)
	var staffID string
	if staff != nil {
		staffID = staff.ID
		key = LockoutKey(staff.ID)
	}

	if err := s.lockouts.Check(ctx, key); err != nil {
		if errors.Is(err, models.ErrAccountLocked) {
			s.record(ctx, staffID, models.AuditOutcomeLocked, "account_locked", meta)
		}
		return nil, err
	}
	if err := s.limiter.Allow(key); err != nil {
		return nil, err
	}

	hash := pkgauth.DummyHash
	if staff != nil {
		hash = staff.PasswordHash
	}
	pwErr := pkgauth.ComparePassword(hash, password)

	var reason string
	switch {
	case staff == nil:
		reason = "unknown_account"
	case pwErr != nil:
		reason = "invalid_password"
	case !staff.IsActive():
		reason = "account_inactive"
	}

	if reason != "" {
		lockErr := s.lockouts.RecordFailure(ctx, key, staffID, meta)
		if lockErr != nil && !errors.Is(lockErr, models.ErrAccountLocked) {
			return nil, lockErr
		}
		s.record(ctx, staffID, models.AuditOutcomeFailure, reason, meta)
		s.timing.WaitFrom(ctx, start, false)
		if lockErr != nil {
			return nil, lockErr
		}
		return nil, models.ErrInvalidCredentials
	}

	result, err := s.establish(ctx, staff, meta)
	if err != nil {
		return nil, err
	}
	s.timing.WaitFrom(ctx, start, true)
	return result, nil
}

// establish issues the session that follows a correct password: partial,
// or full when a trusted device waives the second factor.
func (s *CredentialService) establish(ctx context.Context, staff *models.StaffAccount, meta models.RequestMeta) (*LoginResult, error) {
	device, err := s.devices.Observe(ctx, staff.ID, meta.DeviceFingerprint, meta)
	if err != nil {
		return nil, err
	}
	var deviceID string
	if device != nil {
		deviceID = device.ID
	}

	methods, err := verifiedMethods(ctx, s.enrollments, staff.ID)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.IssuePartial(ctx, staff, deviceID, meta)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{
		Session:            session,
		MFARequired:        true,
		Methods:            methods,
		EnrollmentRequired: len(methods) == 0,
	}

	e := event(models.AuditEventPrimaryAuth, models.AuditOutcomeSuccess, meta)
	e.ActorID = staff.ID
	e.TargetType = models.AuditTargetSession
	e.TargetID = session.ID
	e.DeviceID = deviceID
	e.Method = string(models.MFAMethodPassword)

	if !result.EnrollmentRequired && s.devices.CanWaive(device) {
		if err := s.sessions.Promote(ctx, session, models.FactorTrustedDevice); err != nil {
			return nil, err
		}
		if err := s.lockouts.RecordSuccess(ctx, LockoutKey(staff.ID)); err != nil {
			return nil, err
		}
		result.MFARequired = false
		e.Metadata = models.AuditMetadata{"mfa_waived_by": string(models.FactorTrustedDevice)}
	}

	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}

	token, err := s.sessions.Token(session)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	result.Token = token

	s.logger.Info("primary verification passed",
		slog.String("staff_id", staff.ID),
		slog.String("state", string(session.State)))
	return result, nil
}

func (s *CredentialService) record(ctx context.Context, staffID, outcome, reason string, meta models.RequestMeta) {
	e := event(models.AuditEventPrimaryAuth, outcome, meta)
	e.ActorID = staffID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staffID
	e.Method = string(models.MFAMethodPassword)
	e.Reason = reason
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("login attempt not audited", slog.Any("error", err))
	}
}
