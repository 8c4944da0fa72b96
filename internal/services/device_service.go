package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/neurolock/internal/factors"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	"github.com/google/uuid"
)

// Device revocation reasons
const (
	RevokeReasonRemoved = "removed"
	RevokeReasonLost    = "reported-lost"
	RevokeReasonAdmin   = "admin-revoked"
)

// last_seen_at on devices is written at most this often
const seenWriteGranularity = time.Minute

// DeviceConfig holds device trust settings
type DeviceConfig struct {
	TrustTTL time.Duration
}

// DeviceService is the device trust registry.
type DeviceService struct {
	repo        repositories.DeviceRepository
	staff       repositories.StaffRepository
	enrollments repositories.EnrollmentRepository
	sessions    *SessionService
	lockouts    *LockoutService
	limiter     *RateLimitService
	otp         *OTPIssuer
	verifiers   *factors.Registry
	audit       *AuditService
	config      DeviceConfig
	logger      *slog.Logger
	now         Clock
}

// NewDeviceService creates a new DeviceService
func NewDeviceService(
	repo repositories.DeviceRepository,
	staff repositories.StaffRepository,
	enrollments repositories.EnrollmentRepository,
	sessions *SessionService,
	lockouts *LockoutService,
	limiter *RateLimitService,
	otp *OTPIssuer,
	verifiers *factors.Registry,
	audit *AuditService,
	config DeviceConfig,
	logger *slog.Logger,
	clock Clock,
) *DeviceService {
	return &DeviceService{
		repo:        repo,
		staff:       staff,
		enrollments: enrollments,
		sessions:    sessions,
		lockouts:    lockouts,
		limiter:     limiter,
		otp:         otp,
		verifiers:   verifiers,
		audit:       audit,
		config:      config,
		logger:      logger,
		now:         orSystemClock(clock),
	}
}

// Observe returns the live device for fingerprint, creating an untrusted
// record on first sight. An empty fingerprint yields no device.
func (s *DeviceService) Observe(ctx context.Context, staffID, fingerprint string, meta models.RequestMeta) (*models.Device, error) {
	if fingerprint == "" {
		return nil, nil
	}
	now := s.now()

	device, err := s.repo.GetLiveByFingerprint(ctx, staffID, fingerprint)
	if errors.Is(err, models.ErrNotFound) {
		device = &models.Device{
			ID:          uuid.New().String(),
			StaffID:     staffID,
			Fingerprint: fingerprint,
			Name:        meta.UserAgent,
			TrustState:  models.TrustUntrusted,
			LastSeenAt:  now,
			CreatedAt:   now,
		}
		err = s.repo.Create(ctx, device)
		if errors.Is(err, models.ErrConflict) {
			// Lost a first-sight race with a concurrent login.
			device, err = s.repo.GetLiveByFingerprint(ctx, staffID, fingerprint)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to record device: %w", err)
		}
		return device, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	if now.Sub(device.LastSeenAt) >= seenWriteGranularity {
		device.LastSeenAt = now
		if err := s.repo.Update(ctx, device); err != nil {
			s.logger.Warn("failed to update device last seen", slog.String("device_id", device.ID), slog.Any("error", err))
		}
	}
	return device, nil
}

// Get returns one device.
func (s *DeviceService) Get(ctx context.Context, id string) (*models.Device, error) {
	return s.repo.GetByID(ctx, id)
}

// CanWaive reports whether a login from device may skip the second factor.
func (s *DeviceService) CanWaive(device *models.Device) bool {
	return device != nil && device.CanWaiveMFA(s.now())
}

// TrustAfterMFA marks device trusted after a full MFA pass on it. Devices in
// the approval workflow are left alone.
func (s *DeviceService) TrustAfterMFA(ctx context.Context, device *models.Device, meta models.RequestMeta) error {
	now := s.now()
	if device == nil || !device.CanBecomeTrustedByMFA() || device.IsTrusted(now) {
		return nil
	}

	device.Trust(now, s.config.TrustTTL)
	if err := s.repo.Update(ctx, device); err != nil {
		return fmt.Errorf("failed to trust device: %w", err)
	}

	e := event(models.AuditEventDeviceTrusted, models.AuditOutcomeSuccess, meta)
	e.ActorID = device.StaffID
	e.TargetType = models.AuditTargetDevice
	e.TargetID = device.ID
	e.DeviceID = device.ID
	e.Reason = "mfa"
	e.Metadata = models.AuditMetadata{"trust_expires_at": device.TrustExpiresAt.Format(time.RFC3339)}
	return s.audit.Record(ctx, e)
}

// Register files a lost-device registration. Unknown or inactive accounts
// get an indistinguishable pending record that is never stored.
func (s *DeviceService) Register(ctx context.Context, identifier, fingerprint, name, justification string, meta models.RequestMeta) (*models.Device, error) {
	now := s.now()
	staff, err := s.staff.GetByEmail(ctx, models.NormalizeIdentifier(identifier))
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	if staff == nil || !staff.IsActive() {
		e := event(models.AuditEventDeviceRegistered, models.AuditOutcomeFailure, meta)
		e.Reason = "unknown_account"
		if err := s.audit.Record(ctx, e); err != nil {
			return nil, err
		}
		return &models.Device{
			ID:            uuid.New().String(),
			Fingerprint:   fingerprint,
			Name:          name,
			TrustState:    models.TrustPendingApproval,
			Justification: justification,
			LastSeenAt:    now,
			CreatedAt:     now,
		}, nil
	}

	device, err := s.repo.GetLiveByFingerprint(ctx, staff.ID, fingerprint)
	switch {
	case errors.Is(err, models.ErrNotFound):
		device = &models.Device{
			ID:            uuid.New().String(),
			StaffID:       staff.ID,
			Fingerprint:   fingerprint,
			Name:          name,
			TrustState:    models.TrustPendingApproval,
			Justification: justification,
			LastSeenAt:    now,
			CreatedAt:     now,
		}
		if err := s.repo.Create(ctx, device); err != nil {
			return nil, fmt.Errorf("failed to register device: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up device: %w", err)
	default:
		// A device used to file a registration loses any trust it had.
		if device.TrustState != models.TrustPendingApproval {
			device.IdentityVerifiedVia = ""
			device.IdentityVerifiedBy = ""
			device.IdentityVerifiedAt = nil
		}
		device.TrustState = models.TrustPendingApproval
		device.TrustedAt = nil
		device.TrustExpiresAt = nil
		device.Justification = justification
		if name != "" {
			device.Name = name
		}
		device.LastSeenAt = now
		if err := s.repo.Update(ctx, device); err != nil {
			return nil, fmt.Errorf("failed to register device: %w", err)
		}
	}

	e := event(models.AuditEventDeviceRegistered, models.AuditOutcomeSuccess, meta)
	e.ActorID = staff.ID
	e.TargetType = models.AuditTargetDevice
	e.TargetID = device.ID
	e.DeviceID = device.ID
	e.Metadata = models.AuditMetadata{"trust_state": string(device.TrustState)}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return device, nil
}

func (s *DeviceService) pending(ctx context.Context, deviceID string) (*models.Device, *models.StaffAccount, error) {
	device, err := s.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	if device.TrustState != models.TrustPendingApproval {
		return nil, nil, fmt.Errorf("%w: device is not pending approval", models.ErrBadRequest)
	}
	staff, err := s.staff.GetByID(ctx, device.StaffID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load device owner: %w", err)
	}
	return device, staff, nil
}

// RequestIdentityOTP sends an emergency code for a pending device to the
// owner's phone or email on file.
func (s *DeviceService) RequestIdentityOTP(ctx context.Context, deviceID string, channel models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error) {
	if !channel.IsOTPChannel() {
		return nil, fmt.Errorf("%w: channel must be sms or email", models.ErrBadRequest)
	}

	device, staff, err := s.pending(ctx, deviceID)
	if errors.Is(err, models.ErrNotFound) {
		// Same shape as a real receipt; nothing is sent.
		now := s.now()
		return &models.OTPReceipt{
			ReceiptID:   uuid.New().String(),
			Method:      channel,
			Destination: "********",
			ExpiresAt:   now.Add(10 * time.Minute),
			ResendAfter: now.Add(30 * time.Second),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Allow(LockoutKey(staff.ID)); err != nil {
		return nil, err
	}

	destination, err := s.contact(ctx, staff, channel)
	if err != nil {
		return nil, err
	}
	return s.otp.Issue(ctx, staff, channel, models.OTPPurposeDevice, device.ID, destination, meta)
}

// contact returns the verified destination for channel. Email falls back to
// the account address.
func (s *DeviceService) contact(ctx context.Context, staff *models.StaffAccount, channel models.MFAMethod) (string, error) {
	enrollments, err := s.enrollments.ListVerified(ctx, staff.ID, channel)
	if err != nil {
		return "", fmt.Errorf("failed to load contacts: %w", err)
	}
	for _, e := range enrollments {
		if e.Destination != "" {
			return e.Destination, nil
		}
	}
	if channel == models.MFAMethodEmail {
		return staff.Email, nil
	}
	return "", fmt.Errorf("%w: no verified phone on file", models.ErrBadRequest)
}

// IdentityProof is the alternate identity evidence for a pending device.
type IdentityProof struct {
	Method   models.MFAMethod
	Channel  models.MFAMethod
	Code     string
	Approver *models.StaffAccount
}

// VerifyIdentity records alternate identity evidence for a pending device:
// an emergency OTP, a supervisor vouching, or an admin's manual check.
func (s *DeviceService) VerifyIdentity(ctx context.Context, deviceID string, proof IdentityProof, meta models.RequestMeta) (*models.Device, error) {
	switch proof.Method {
	case models.MFAMethodEmergencyOTP, models.MFAMethodSupervisor, models.MFAMethodAdminManual:
	default:
		return nil, fmt.Errorf("%w: %s is not an identity channel", models.ErrBadRequest, proof.Method)
	}

	device, staff, err := s.pending(ctx, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) && proof.Method == models.MFAMethodEmergencyOTP {
			return nil, models.ErrInvalidSecondFactor
		}
		return nil, err
	}

	if proof.Method == models.MFAMethodEmergencyOTP {
		if err := s.limiter.Allow(LockoutKey(staff.ID)); err != nil {
			return nil, err
		}
	}

	verifier, err := s.verifiers.Get(proof.Method)
	if err != nil {
		return nil, err
	}

	now := s.now()
	verr := verifier.Verify(ctx, &factors.Challenge{
		Staff:    staff,
		Now:      now,
		Subject:  device.ID,
		Channel:  proof.Channel,
		Approver: proof.Approver,
		Code:     proof.Code,
	})

	approverID := ""
	if proof.Approver != nil {
		approverID = proof.Approver.ID
	}

	e := event(models.AuditEventDeviceIdentity, models.AuditOutcomeSuccess, meta)
	e.ActorID = approverID
	if e.ActorID == "" {
		e.ActorID = staff.ID
	}
	e.TargetType = models.AuditTargetDevice
	e.TargetID = device.ID
	e.DeviceID = device.ID
	e.Method = string(proof.Method)

	if verr != nil {
		e.Outcome = models.AuditOutcomeFailure
		e.Reason = verr.Error()
		if errors.Is(verr, models.ErrPermissionDenied) {
			e.Outcome = models.AuditOutcomeDenied
		}
		if err := s.audit.Record(ctx, e); err != nil {
			return nil, err
		}
		if proof.Method == models.MFAMethodEmergencyOTP && countsAsFailure(verr) {
			if lerr := s.lockouts.RecordFailure(ctx, LockoutKey(staff.ID), staff.ID, meta); lerr != nil && !errors.Is(lerr, models.ErrAccountLocked) {
				return nil, lerr
			}
		}
		return nil, verr
	}

	device.IdentityVerifiedVia = proof.Method
	device.IdentityVerifiedBy = approverID
	device.IdentityVerifiedAt = &now
	if err := s.repo.Update(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to record identity evidence: %w", err)
	}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return device, nil
}

// Approve completes the registration workflow: the device becomes trusted and
// the owner's account is unlocked. approver must be an admin other than the owner.
func (s *DeviceService) Approve(ctx context.Context, deviceID string, approver *models.StaffAccount, meta models.RequestMeta) (*models.Device, error) {
	if approver == nil || approver.Role != models.RoleAdmin || !approver.IsActive() {
		return nil, models.ErrPermissionDenied
	}

	device, staff, err := s.pending(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if staff.ID == approver.ID {
		return nil, fmt.Errorf("%w: cannot approve your own device", models.ErrPermissionDenied)
	}
	if !device.HasIdentityEvidence() {
		return nil, fmt.Errorf("%w: identity has not been verified for this device", models.ErrBadRequest)
	}

	// Unlock first: if the lockout store fails the device stays pending and
	// the approval can simply be retried.
	err = s.lockouts.Unlock(ctx, staff.ID, approver.ID, "device-approval", meta)
	if err != nil && !errors.Is(err, models.ErrNotLocked) {
		return nil, err
	}

	now := s.now()
	device.Trust(now, s.config.TrustTTL)
	device.ApprovedBy = approver.ID
	device.ApprovedAt = &now
	if err := s.repo.Update(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to approve device: %w", err)
	}

	e := event(models.AuditEventDeviceApproved, models.AuditOutcomeSuccess, meta)
	e.ActorID = approver.ID
	e.TargetType = models.AuditTargetDevice
	e.TargetID = device.ID
	e.DeviceID = device.ID
	e.Method = string(device.IdentityVerifiedVia)
	e.Metadata = models.AuditMetadata{
		"staff_id":         staff.ID,
		"trust_expires_at": device.TrustExpiresAt.Format(time.RFC3339),
	}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return device, nil
}

// Revoke terminally revokes a device and ends its sessions. The owner or an
// admin may revoke.
func (s *DeviceService) Revoke(ctx context.Context, deviceID string, actor *models.StaffAccount, reason string, meta models.RequestMeta) error {
	device, err := s.repo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if actor == nil || (actor.ID != device.StaffID && actor.Role != models.RoleAdmin) {
		return models.ErrPermissionDenied
	}
	if device.TrustState == models.TrustRevoked {
		return nil
	}

	now := s.now()
	device.TrustState = models.TrustRevoked
	device.RevokedAt = &now
	device.RevokeReason = reason
	device.TrustExpiresAt = nil
	if err := s.repo.Update(ctx, device); err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}

	ended, err := s.sessions.InvalidateDevice(ctx, device.ID, models.SessionEndDeviceRevoked)
	if err != nil {
		return err
	}

	e := event(models.AuditEventDeviceRevoked, models.AuditOutcomeSuccess, meta)
	e.ActorID = actor.ID
	e.TargetType = models.AuditTargetDevice
	e.TargetID = device.ID
	e.DeviceID = device.ID
	e.Reason = reason
	e.Metadata = models.AuditMetadata{"staff_id": device.StaffID, "sessions_ended": ended}
	return s.audit.Record(ctx, e)
}

// ReportLost revokes a device the owner no longer controls.
func (s *DeviceService) ReportLost(ctx context.Context, deviceID string, actor *models.StaffAccount, meta models.RequestMeta) error {
	return s.Revoke(ctx, deviceID, actor, RevokeReasonLost, meta)
}

// List returns every device known for staffID.
func (s *DeviceService) List(ctx context.Context, staffID string) ([]*models.Device, error) {
	devices, err := s.repo.ListByStaff(ctx, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// ListPending returns registrations awaiting approval, oldest first.
func (s *DeviceService) ListPending(ctx context.Context, limit, offset int) ([]*models.Device, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	devices, err := s.repo.ListPending(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending devices: %w", err)
	}
	return devices, nil
}

// countsAsFailure reports whether err is a wrong or stale proof, as opposed
// to a malformed request or an infrastructure error.
func countsAsFailure(err error) bool {
	return errors.Is(err, models.ErrInvalidSecondFactor) || errors.Is(err, models.ErrExpiredOrConsumedCode)
}
