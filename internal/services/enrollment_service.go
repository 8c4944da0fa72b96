package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/factors"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// keyRegistration marks a pending security key registration ceremony on the
// session, so it is never mistaken for a login assertion.
const keyRegistration models.MFAMethod = "security-key-registration"

// WebAuthnRegistration is the part of *webauthn.WebAuthn used for enrollment.
type WebAuthnRegistration interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, parsedResponse *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
}

// EnrollmentService registers second factors. The first verified enrollment
// completes a partial session.
type EnrollmentService struct {
	repo      repositories.EnrollmentRepository
	sessions  *SessionService
	lockouts  *LockoutService
	totp      *auth.TOTPManager
	verifiers *factors.Registry
	otp       *OTPIssuer
	webauthn  WebAuthnRegistration
	audit     *AuditService
	logger    *slog.Logger
	now       Clock
}

// NewEnrollmentService creates a new EnrollmentService
func NewEnrollmentService(
	repo repositories.EnrollmentRepository,
	sessions *SessionService,
	lockouts *LockoutService,
	totp *auth.TOTPManager,
	verifiers *factors.Registry,
	otp *OTPIssuer,
	wa WebAuthnRegistration,
	audit *AuditService,
	logger *slog.Logger,
	clock Clock,
) *EnrollmentService {
	return &EnrollmentService{
		repo:      repo,
		sessions:  sessions,
		lockouts:  lockouts,
		totp:      totp,
		verifiers: verifiers,
		otp:       otp,
		webauthn:  wa,
		audit:     audit,
		logger:    logger,
		now:       orSystemClock(clock),
	}
}

// List returns every enrollment of staffID, verified or not.
func (s *EnrollmentService) List(ctx context.Context, staffID string) ([]*models.MFAEnrollment, error) {
	enrollments, err := s.repo.ListByStaff(ctx, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	return enrollments, nil
}

// CountVerified returns the number of verified enrollments of staffID.
func (s *EnrollmentService) CountVerified(ctx context.Context, staffID string) (int, error) {
	return s.repo.CountVerified(ctx, staffID)
}

// guard rejects enrollment from a partial session once the account already
// has a verified factor; that session must complete MFA instead.
func (s *EnrollmentService) guard(ctx context.Context, session *models.Session) error {
	if session.IsFull() {
		return nil
	}
	n, err := s.repo.CountVerified(ctx, session.StaffID)
	if err != nil {
		return fmt.Errorf("failed to count enrollments: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: complete verification before enrolling another factor", models.ErrForbidden)
	}
	return nil
}

// BeginAuthenticator creates an unconfirmed authenticator enrollment. The
// returned material carries the secret and QR code; they are shown once.
func (s *EnrollmentService) BeginAuthenticator(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string) (*models.MFAEnrollment, *auth.TOTPEnrollment, error) {
	if err := s.guard(ctx, session); err != nil {
		return nil, nil, err
	}

	material, err := s.totp.Enroll(staff.Email)
	if err != nil {
		return nil, nil, err
	}

	enrollment, err := s.repo.Create(ctx, &models.MFAEnrollment{
		ID:              uuid.New().String(),
		StaffID:         staff.ID,
		Method:          models.MFAMethodAuthenticator,
		Label:           defaultLabel(label, "Authenticator app"),
		SecretEncrypted: material.SecretEncrypted,
		SecretNonce:     material.SecretNonce,
		CreatedAt:       s.now(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store enrollment: %w", err)
	}
	return enrollment, material, nil
}

// ConfirmAuthenticator activates an authenticator once the owner shows a
// current code from it.
func (s *EnrollmentService) ConfirmAuthenticator(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollmentID, code string, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	enrollment, err := s.pendingEnrollment(ctx, session, staff, enrollmentID, models.MFAMethodAuthenticator)
	if err != nil {
		return nil, err
	}

	secret, err := s.totp.DecryptSecret(enrollment.SecretEncrypted, enrollment.SecretNonce)
	if err != nil {
		return nil, err
	}
	step, err := s.totp.ValidateCode(secret, strings.TrimSpace(code), nil, s.now())
	if err != nil {
		return nil, models.ErrInvalidSecondFactor
	}
	// the confirming code cannot be replayed for the first login
	if _, err := s.repo.AdvanceLastUsed(ctx, enrollment.ID, step); err != nil {
		return nil, fmt.Errorf("failed to record code use: %w", err)
	}

	return enrollment, s.activate(ctx, session, staff, enrollment, meta)
}

// AddContact starts an SMS or email enrollment and sends a confirmation code
// to destination.
func (s *EnrollmentService) AddContact(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, destination string, meta models.RequestMeta) (*models.MFAEnrollment, *models.OTPReceipt, error) {
	if !method.IsOTPChannel() {
		return nil, nil, fmt.Errorf("%w: channel must be sms or email", models.ErrBadRequest)
	}
	if err := s.guard(ctx, session); err != nil {
		return nil, nil, err
	}

	destination = strings.TrimSpace(destination)
	if method == models.MFAMethodEmail {
		destination = models.NormalizeIdentifier(destination)
	}

	enrollment, err := s.repo.Create(ctx, &models.MFAEnrollment{
		ID:          uuid.New().String(),
		StaffID:     staff.ID,
		Method:      method,
		Label:       MaskDestination(method, destination),
		Destination: destination,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store enrollment: %w", err)
	}

	receipt, err := s.otp.Issue(ctx, staff, method, models.OTPPurposeEnrollment, enrollment.ID, destination, meta)
	if err != nil {
		return nil, nil, err
	}
	return enrollment, receipt, nil
}

// ConfirmContact activates an SMS or email enrollment with the code sent to it.
func (s *EnrollmentService) ConfirmContact(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollmentID, code string, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	enrollment, err := s.pendingEnrollment(ctx, session, staff, enrollmentID, "")
	if err != nil {
		return nil, err
	}
	if !enrollment.Method.IsOTPChannel() {
		return nil, fmt.Errorf("%w: enrollment is not a contact channel", models.ErrBadRequest)
	}

	verifier, err := s.verifiers.Get(enrollment.Method)
	if err != nil {
		return nil, err
	}
	err = verifier.Verify(ctx, &factors.Challenge{
		Staff:   staff,
		Session: session,
		Now:     s.now(),
		Purpose: models.OTPPurposeEnrollment,
		Subject: enrollment.ID,
		Code:    strings.TrimSpace(code),
	})
	if err != nil {
		return nil, err
	}

	return enrollment, s.activate(ctx, session, staff, enrollment, meta)
}

// BeginSecurityKey starts a WebAuthn registration ceremony. Keys the account
// already holds are excluded.
func (s *EnrollmentService) BeginSecurityKey(ctx context.Context, session *models.Session, staff *models.StaffAccount) (*protocol.CredentialCreation, error) {
	if err := s.guard(ctx, session); err != nil {
		return nil, err
	}

	existing, err := s.repo.ListVerified(ctx, staff.ID, models.MFAMethodSecurityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load security keys: %w", err)
	}
	user, err := factors.NewStaffUser(staff, existing)
	if err != nil {
		return nil, err
	}

	exclude := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, cred := range user.WebAuthnCredentials() {
		exclude = append(exclude, cred.Descriptor())
	}

	creation, sessionData, err := s.webauthn.BeginRegistration(user, webauthn.WithExclusions(exclude))
	if err != nil {
		return nil, fmt.Errorf("failed to begin webauthn registration: %w", err)
	}
	state, err := json.Marshal(sessionData)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ceremony state: %w", err)
	}
	if err := s.sessions.SetChallenge(ctx, session, keyRegistration, state, factors.ChallengeTTL); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishSecurityKey validates the attestation from BeginSecurityKey and
// stores the new credential as a verified enrollment.
func (s *EnrollmentService) FinishSecurityKey(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string, body []byte, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	if err := s.guard(ctx, session); err != nil {
		return nil, err
	}
	now := s.now()
	if len(session.Challenge) == 0 || session.ChallengeMethod != keyRegistration {
		return nil, fmt.Errorf("%w: no registration in progress", models.ErrBadRequest)
	}
	if session.ChallengeExpiresAt == nil || !now.Before(*session.ChallengeExpiresAt) {
		return nil, models.ErrExpiredOrConsumedCode
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal(session.Challenge, &sessionData); err != nil {
		return nil, fmt.Errorf("corrupt ceremony state: %w", err)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed attestation", models.ErrBadRequest)
	}

	existing, err := s.repo.ListVerified(ctx, staff.ID, models.MFAMethodSecurityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load security keys: %w", err)
	}
	user, err := factors.NewStaffUser(staff, existing)
	if err != nil {
		return nil, err
	}

	cred, err := s.webauthn.CreateCredential(user, sessionData, parsed)
	if err != nil {
		s.logger.Info("security key attestation rejected", slog.String("staff_id", staff.ID), slog.Any("error", err))
		return nil, models.ErrInvalidSecondFactor
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential: %w", err)
	}

	if err := s.sessions.ClearChallenge(ctx, session); err != nil {
		return nil, err
	}

	enrollment, err := s.repo.Create(ctx, &models.MFAEnrollment{
		ID:             uuid.New().String(),
		StaffID:        staff.ID,
		Method:         models.MFAMethodSecurityKey,
		Label:          defaultLabel(label, "Security key"),
		CredentialData: data,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store enrollment: %w", err)
	}
	return enrollment, s.activate(ctx, session, staff, enrollment, meta)
}

// RegisterBiometric stores the Ed25519 public key of a device's platform
// authenticator.
func (s *EnrollmentService) RegisterBiometric(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string, publicKeyPEM []byte, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	if err := s.guard(ctx, session); err != nil {
		return nil, err
	}
	if _, err := jwt.ParseEdPublicKeyFromPEM(publicKeyPEM); err != nil {
		return nil, fmt.Errorf("%w: public key must be a PEM encoded Ed25519 key", models.ErrBadRequest)
	}

	enrollment, err := s.repo.Create(ctx, &models.MFAEnrollment{
		ID:             uuid.New().String(),
		StaffID:        staff.ID,
		Method:         models.MFAMethodBiometric,
		Label:          defaultLabel(label, "Biometric"),
		CredentialData: publicKeyPEM,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store enrollment: %w", err)
	}
	return enrollment, s.activate(ctx, session, staff, enrollment, meta)
}

func (s *EnrollmentService) pendingEnrollment(ctx context.Context, session *models.Session, staff *models.StaffAccount, id string, method models.MFAMethod) (*models.MFAEnrollment, error) {
	if err := s.guard(ctx, session); err != nil {
		return nil, err
	}
	enrollment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.StaffID != staff.ID {
		return nil, models.ErrNotFound
	}
	if method != "" && enrollment.Method != method {
		return nil, fmt.Errorf("%w: enrollment is not %s", models.ErrBadRequest, method)
	}
	if enrollment.IsVerified() {
		return nil, fmt.Errorf("%w: enrollment already confirmed", models.ErrConflict)
	}
	return enrollment, nil
}

// activate marks enrollment verified, audits it, and promotes a partial
// session when this is the account's first factor.
func (s *EnrollmentService) activate(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollment *models.MFAEnrollment, meta models.RequestMeta) error {
	now := s.now()
	if err := s.repo.MarkVerified(ctx, enrollment.ID, now); err != nil {
		return fmt.Errorf("failed to confirm enrollment: %w", err)
	}
	enrollment.VerifiedAt = &now

	e := event(models.AuditEventEnrollment, models.AuditOutcomeSuccess, meta)
	e.ActorID = staff.ID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staff.ID
	e.DeviceID = session.DeviceID
	e.Method = string(enrollment.Method)
	e.Metadata = models.AuditMetadata{"enrollment_id": enrollment.ID}
	if err := s.audit.Record(ctx, e); err != nil {
		return err
	}

	if session.State != models.SessionStatePartial {
		return nil
	}
	if err := s.sessions.Promote(ctx, session, enrollment.Method.Factor()); err != nil {
		return err
	}
	return s.lockouts.RecordSuccess(ctx, LockoutKey(staff.ID))
}

func defaultLabel(label, fallback string) string {
	if label = strings.TrimSpace(label); label != "" {
		return label
	}
	return fallback
}
