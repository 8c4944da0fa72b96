package handlers

import (
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
)

// Login DTOs

// LoginRequest is the primary credential submission
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// LoginResponse tells the client which step comes next
type LoginResponse struct {
	SessionToken       string              `json:"session_token"`
	State              models.SessionState `json:"state"`
	MFARequired        bool                `json:"mfa_required"`
	Methods            []models.MFAMethod  `json:"methods"`
	EnrollmentRequired bool                `json:"enrollment_required"`
	ExpiresAt          time.Time           `json:"expires_at"`
}

// Second factor DTOs

// ChallengeRequest asks for a security-key or biometric challenge
type ChallengeRequest struct {
	Method models.MFAMethod `json:"method" validate:"required,oneof=security-key biometric"`
}

// VerifyMFARequest submits one second-factor proof. Assertion is the raw
// webauthn assertion or the signed biometric token.
type VerifyMFARequest struct {
	Method    models.MFAMethod `json:"method" validate:"required,oneof=authenticator sms email security-key biometric"`
	Code      string           `json:"code" validate:"omitempty,max=16"`
	Assertion string           `json:"assertion" validate:"omitempty,max=65536"`
}

// StepUpRequest re-verifies an established session
type StepUpRequest struct {
	Method    models.MFAMethod `json:"method" validate:"required,oneof=password authenticator sms email security-key biometric"`
	Code      string           `json:"code" validate:"omitempty,max=16"`
	Assertion string           `json:"assertion" validate:"omitempty,max=65536"`
	Password  string           `json:"password" validate:"omitempty,max=128"`
}

// OTPRequest asks for an SMS or email code
type OTPRequest struct {
	Method models.MFAMethod `json:"method" validate:"required,oneof=sms email"`
}

// SessionResponse describes the caller's session after a verification step
type SessionResponse struct {
	SessionID      string              `json:"session_id"`
	State          models.SessionState `json:"state"`
	Factors        []models.Factor     `json:"factors"`
	LastVerifiedAt time.Time           `json:"last_verified_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

func toSessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		SessionID:      s.ID,
		State:          s.State,
		Factors:        s.FactorsSatisfied,
		LastVerifiedAt: s.LastVerifiedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

// Recovery DTOs

// UnlockRequest spends a backup code against a failed-attempts lock
type UnlockRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,len=8,numeric"`
}

// UnlockResponse confirms the unlock
type UnlockResponse struct {
	Unlocked       bool   `json:"unlocked"`
	DeviceID       string `json:"device_id"`
	RemainingCodes int    `json:"remaining_codes"`
}

// BackupCodesResponse carries a freshly generated set. It is shown once.
type BackupCodesResponse struct {
	Codes   []string `json:"codes"`
	Message string   `json:"message"`
}

// Access DTOs

// AccessCheckRequest names the category about to be touched
type AccessCheckRequest struct {
	Category models.ResourceCategory `json:"category" validate:"required,max=64"`
}

// Enrollment DTOs

// BeginAuthenticatorRequest names a new authenticator
type BeginAuthenticatorRequest struct {
	Label string `json:"label" validate:"max=100"`
}

// BeginAuthenticatorResponse carries the secret and QR code, shown once
type BeginAuthenticatorResponse struct {
	EnrollmentID string `json:"enrollment_id"`
	Secret       string `json:"secret"`
	QRCode       string `json:"qr_code"`
}

// ConfirmEnrollmentRequest activates a pending enrollment
type ConfirmEnrollmentRequest struct {
	EnrollmentID string `json:"enrollment_id" validate:"required,uuid"`
	Code         string `json:"code" validate:"required,numeric,min=6,max=8"`
}

// AddContactRequest enrolls a phone number or email address
type AddContactRequest struct {
	Method      models.MFAMethod `json:"method" validate:"required,oneof=sms email"`
	Destination string           `json:"destination" validate:"required,max=254"`
}

// AddContactResponse names the pending enrollment and the code receipt
type AddContactResponse struct {
	EnrollmentID string             `json:"enrollment_id"`
	Receipt      *models.OTPReceipt `json:"receipt"`
}

// FinishSecurityKeyRequest wraps the browser's attestation response
type FinishSecurityKeyRequest struct {
	Label      string `json:"label" validate:"max=100"`
	Credential string `json:"credential" validate:"required"`
}

// RegisterBiometricRequest carries a device's Ed25519 public key
type RegisterBiometricRequest struct {
	Label     string `json:"label" validate:"max=100"`
	PublicKey string `json:"public_key" validate:"required,max=4096"`
}

// EnrollmentResponse is one second factor as shown to its owner
type EnrollmentResponse struct {
	ID         string           `json:"id"`
	Method     models.MFAMethod `json:"method"`
	Label      string           `json:"label"`
	Verified   bool             `json:"verified"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func toEnrollmentResponse(e *models.MFAEnrollment) EnrollmentResponse {
	return EnrollmentResponse{
		ID:         e.ID,
		Method:     e.Method,
		Label:      e.Label,
		Verified:   e.IsVerified(),
		LastUsedAt: e.LastUsedAt,
		CreatedAt:  e.CreatedAt,
	}
}

// Device DTOs

// RegisterDeviceRequest files a lost-device registration
type RegisterDeviceRequest struct {
	Email         string `json:"email" validate:"required,email,max=254"`
	Name          string `json:"name" validate:"required,max=100"`
	Justification string `json:"justification" validate:"required,min=10,max=1000"`
}

// IdentityOTPRequest picks the emergency OTP channel
type IdentityOTPRequest struct {
	Channel models.MFAMethod `json:"channel" validate:"required,oneof=sms email"`
}

// VerifyIdentityRequest submits the emergency code
type VerifyIdentityRequest struct {
	Channel models.MFAMethod `json:"channel" validate:"required,oneof=sms email"`
	Code    string           `json:"code" validate:"required,numeric,min=6,max=8"`
}

// DeviceResponse is a device as shown to its owner or an admin
type DeviceResponse struct {
	ID                  string            `json:"id"`
	StaffID             string            `json:"staff_id,omitempty"`
	Name                string            `json:"name"`
	TrustState          models.TrustState `json:"trust_state"`
	TrustExpiresAt      *time.Time        `json:"trust_expires_at,omitempty"`
	Justification       string            `json:"justification,omitempty"`
	IdentityVerifiedVia models.MFAMethod  `json:"identity_verified_via,omitempty"`
	LastSeenAt          time.Time         `json:"last_seen_at"`
	CreatedAt           time.Time         `json:"created_at"`
}

func toDeviceResponse(d *models.Device) DeviceResponse {
	return DeviceResponse{
		ID:                  d.ID,
		StaffID:             d.StaffID,
		Name:                d.Name,
		TrustState:          d.TrustState,
		TrustExpiresAt:      d.TrustExpiresAt,
		Justification:       d.Justification,
		IdentityVerifiedVia: d.IdentityVerifiedVia,
		LastSeenAt:          d.LastSeenAt,
		CreatedAt:           d.CreatedAt,
	}
}

// Staff administration DTOs

// CreateStaffRequest provisions an account
type CreateStaffRequest struct {
	Email    string      `json:"email" validate:"required,email,max=254"`
	Name     string      `json:"name" validate:"required,max=200"`
	Role     models.Role `json:"role" validate:"required,oneof=psychiatrist psychologist therapist nurse admin"`
	Password string      `json:"password" validate:"required,min=12,max=72"`
}

// UpdateStatusRequest activates or deactivates an account
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive"`
}

// LockRequest applies a manual lock
type LockRequest struct {
	Reason models.LockReason `json:"reason" validate:"required,oneof=security-breach admin-lock"`
}

// StaffResponse is a staff account without credentials
type StaffResponse struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Role      models.Role `json:"role"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

func toStaffResponse(s *models.StaffAccount) StaffResponse {
	return StaffResponse{
		ID:        s.ID,
		Email:     s.Email,
		Name:      s.Name,
		Role:      s.Role,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
}

// LockStatusResponse reports an account's lockout state
type LockStatusResponse struct {
	Locked              bool              `json:"locked"`
	Reason              models.LockReason `json:"reason,omitempty"`
	FailedCount         int               `json:"failed_count"`
	LockedUntil         *time.Time        `json:"locked_until,omitempty"`
	AdminReviewRequired bool              `json:"admin_review_required,omitempty"`
}
