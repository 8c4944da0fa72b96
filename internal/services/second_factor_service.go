package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/BradenHooton/neurolock/internal/factors"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	pkgauth "github.com/BradenHooton/neurolock/pkg/auth"
)

// Proof is one second-factor or step-up submission.
type Proof struct {
	Method    models.MFAMethod
	Code      string
	Assertion []byte
	// Password is only accepted for step-up
	Password string
}

// SecondFactorService completes logins and re-verifies established sessions.
type SecondFactorService struct {
	enrollments   repositories.EnrollmentRepository
	verifiers     *factors.Registry
	sessions      *SessionService
	lockouts      *LockoutService
	devices       *DeviceService
	limiter       *RateLimitService
	otp           *OTPIssuer
	stepUpMethods []models.MFAMethod
	audit         *AuditService
	logger        *slog.Logger
	now           Clock
}

// NewSecondFactorService creates a new SecondFactorService. stepUpMethods
// lists the methods accepted for re-verification.
func NewSecondFactorService(
	enrollments repositories.EnrollmentRepository,
	verifiers *factors.Registry,
	sessions *SessionService,
	lockouts *LockoutService,
	devices *DeviceService,
	limiter *RateLimitService,
	otp *OTPIssuer,
	stepUpMethods []models.MFAMethod,
	audit *AuditService,
	logger *slog.Logger,
	clock Clock,
) *SecondFactorService {
	return &SecondFactorService{
		enrollments:   enrollments,
		verifiers:     verifiers,
		sessions:      sessions,
		lockouts:      lockouts,
		devices:       devices,
		limiter:       limiter,
		otp:           otp,
		stepUpMethods: stepUpMethods,
		audit:         audit,
		logger:        logger,
		now:           orSystemClock(clock),
	}
}

// Methods lists the verified methods staffID can complete a login with.
func (s *SecondFactorService) Methods(ctx context.Context, staffID string) ([]models.MFAMethod, error) {
	return verifiedMethods(ctx, s.enrollments, staffID)
}

func verifiedMethods(ctx context.Context, repo repositories.EnrollmentRepository, staffID string) ([]models.MFAMethod, error) {
	enrollments, err := repo.ListByStaff(ctx, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	methods := make([]models.MFAMethod, 0, len(enrollments))
	for _, e := range enrollments {
		if e.IsVerified() && !slices.Contains(methods, e.Method) {
			methods = append(methods, e.Method)
		}
	}
	return methods, nil
}

// guard applies the lock check and the rate limit shared by every
// verification entry point. A locked account is reported as locked even
// when its bucket is also empty.
func (s *SecondFactorService) guard(ctx context.Context, staff *models.StaffAccount) error {
	if err := s.lockouts.Check(ctx, LockoutKey(staff.ID)); err != nil {
		return err
	}
	return s.limiter.Allow(LockoutKey(staff.ID))
}

// Verify checks the second factor for a partial session and promotes it to
// full on success. A wrong or stale proof counts toward lockout before the
// error is returned.
func (s *SecondFactorService) Verify(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof Proof, meta models.RequestMeta) (*models.Session, error) {
	if session.State != models.SessionStatePartial {
		return nil, fmt.Errorf("%w: session is not awaiting a second factor", models.ErrBadRequest)
	}
	if !proof.Method.Valid() {
		return nil, fmt.Errorf("%w: unsupported method %q", models.ErrBadRequest, proof.Method)
	}
	if err := s.guard(ctx, staff); err != nil {
		return nil, err
	}

	verifier, err := s.verifiers.Get(proof.Method)
	if err != nil {
		return nil, err
	}

	verr := verifier.Verify(ctx, &factors.Challenge{
		Staff:     staff,
		Session:   session,
		Now:       s.now(),
		Purpose:   models.OTPPurposeLogin,
		Code:      proof.Code,
		Assertion: proof.Assertion,
	})
	if verr != nil {
		return nil, s.fail(ctx, models.AuditEventSecondFactor, session, staff, proof.Method, verr, meta)
	}

	if err := s.sessions.Promote(ctx, session, proof.Method.Factor()); err != nil {
		return nil, err
	}
	if err := s.lockouts.RecordSuccess(ctx, LockoutKey(staff.ID)); err != nil {
		return nil, err
	}

	if session.DeviceID != "" {
		device, err := s.devices.Get(ctx, session.DeviceID)
		if err != nil {
			s.logger.Warn("session device missing", slog.String("device_id", session.DeviceID), slog.Any("error", err))
		} else if err := s.devices.TrustAfterMFA(ctx, device, meta); err != nil {
			return nil, err
		}
	}

	e := s.auditEvent(models.AuditEventSecondFactor, models.AuditOutcomeSuccess, session, staff, proof.Method, meta)
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return session, nil
}

// RequestOTP sends a login code (partial session) or a step-up code (full
// session) to the verified destination for method.
func (s *SecondFactorService) RequestOTP(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error) {
	if !method.IsOTPChannel() {
		return nil, fmt.Errorf("%w: channel must be sms or email", models.ErrBadRequest)
	}
	if err := s.guard(ctx, staff); err != nil {
		return nil, err
	}

	enrollments, err := s.enrollments.ListVerified(ctx, staff.ID, method)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return nil, models.ErrNoEnrollment
	}

	purpose := models.OTPPurposeLogin
	if session.IsFull() {
		purpose = models.OTPPurposeStepUp
	}
	return s.otp.Issue(ctx, staff, method, purpose, "", enrollments[0].Destination, meta)
}

// StepUp re-verifies an established session and refreshes last_verified_at.
// No new session is created.
func (s *SecondFactorService) StepUp(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof Proof, meta models.RequestMeta) (*models.Session, error) {
	if !session.IsFull() {
		return nil, fmt.Errorf("%w: step-up needs an established session", models.ErrBadRequest)
	}
	if !slices.Contains(s.stepUpMethods, proof.Method) {
		return nil, fmt.Errorf("%w: %s is not accepted for step-up", models.ErrBadRequest, proof.Method)
	}
	if err := s.guard(ctx, staff); err != nil {
		return nil, err
	}

	var verr error
	if proof.Method == models.MFAMethodPassword {
		if pkgauth.ComparePassword(staff.PasswordHash, proof.Password) != nil {
			verr = models.ErrInvalidCredentials
		}
	} else {
		verifier, err := s.verifiers.Get(proof.Method)
		if err != nil {
			return nil, err
		}
		verr = verifier.Verify(ctx, &factors.Challenge{
			Staff:     staff,
			Session:   session,
			Now:       s.now(),
			Purpose:   models.OTPPurposeStepUp,
			Code:      proof.Code,
			Assertion: proof.Assertion,
		})
	}
	if verr != nil {
		return nil, s.fail(ctx, models.AuditEventStepUp, session, staff, proof.Method, verr, meta)
	}

	if err := s.sessions.RecordStepUp(ctx, session, proof.Method.Factor()); err != nil {
		return nil, err
	}

	e := s.auditEvent(models.AuditEventStepUp, models.AuditOutcomeSuccess, session, staff, proof.Method, meta)
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return session, nil
}

// BeginChallenge issues a server challenge for security-key or biometric
// verification and parks it on the session.
func (s *SecondFactorService) BeginChallenge(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod) (any, error) {
	issuer, ok := s.verifiers.Issuer(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not use a server challenge", models.ErrBadRequest, method)
	}
	if err := s.guard(ctx, staff); err != nil {
		return nil, err
	}

	options, state, err := issuer.BeginChallenge(ctx, staff)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SetChallenge(ctx, session, method, state, factors.ChallengeTTL); err != nil {
		return nil, err
	}
	return options, nil
}

// fail records a rejected proof. Wrong and stale proofs count toward lockout
// first; the lock error wins if this failure crossed the threshold.
func (s *SecondFactorService) fail(ctx context.Context, eventType string, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, verr error, meta models.RequestMeta) error {
	counted := countsAsFailure(verr) || errors.Is(verr, models.ErrInvalidCredentials)

	var lockErr error
	if counted {
		lockErr = s.lockouts.RecordFailure(ctx, LockoutKey(staff.ID), staff.ID, meta)
		if lockErr != nil && !errors.Is(lockErr, models.ErrAccountLocked) {
			return lockErr
		}
	}

	e := s.auditEvent(eventType, models.AuditOutcomeFailure, session, staff, method, meta)
	e.Reason = verr.Error()
	if err := s.audit.Record(ctx, e); err != nil {
		return err
	}

	if lockErr != nil {
		return lockErr
	}
	return verr
}

func (s *SecondFactorService) auditEvent(eventType, outcome string, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, meta models.RequestMeta) *models.AuditEvent {
	e := event(eventType, outcome, meta)
	e.ActorID = staff.ID
	e.TargetType = models.AuditTargetSession
	e.TargetID = session.ID
	e.DeviceID = session.DeviceID
	e.Method = string(method)
	return e
}
