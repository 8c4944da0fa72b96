package models

import (
	"time"
)

// MFAMethod identifies a second-factor method.
type MFAMethod string

const (
	MFAMethodAuthenticator MFAMethod = "authenticator"
	MFAMethodSMS           MFAMethod = "sms"
	MFAMethodEmail         MFAMethod = "email"
	MFAMethodSecurityKey   MFAMethod = "security-key"
	MFAMethodBiometric     MFAMethod = "biometric"

	// Accepted for step-up only
	MFAMethodPassword MFAMethod = "password"

	// Alternate identity-proofing channels for device approval
	MFAMethodSupervisor   MFAMethod = "supervisor"
	MFAMethodEmergencyOTP MFAMethod = "emergency-otp"
	MFAMethodAdminManual  MFAMethod = "admin-manual"
)

// Valid reports whether m is an enrollable second factor.
func (m MFAMethod) Valid() bool {
	switch m {
	case MFAMethodAuthenticator, MFAMethodSMS, MFAMethodEmail, MFAMethodSecurityKey, MFAMethodBiometric:
		return true
	}
	return false
}

// IsOTPChannel reports whether codes for m are delivered out of band.
func (m MFAMethod) IsOTPChannel() bool {
	return m == MFAMethodSMS || m == MFAMethodEmail
}

// Factor returns the factor recorded on a session when m succeeds.
func (m MFAMethod) Factor() Factor {
	switch m {
	case MFAMethodAuthenticator:
		return FactorTOTP
	case MFAMethodSMS:
		return FactorSMS
	case MFAMethodEmail:
		return FactorEmail
	case MFAMethodSecurityKey:
		return FactorSecurityKey
	case MFAMethodBiometric:
		return FactorBiometric
	}
	return Factor(m)
}

// MFAEnrollment is one registered second factor for a staff account.
type MFAEnrollment struct {
	ID      string
	StaffID string
	Method  MFAMethod
	Label   string
	// Destination is the phone number or email address for OTP channels.
	Destination string

	SecretEncrypted []byte // AES-256-GCM encrypted TOTP secret
	SecretNonce     []byte
	// CredentialData holds the webauthn credential (JSON) or the biometric public key (PEM).
	CredentialData []byte

	LastUsedAt *time.Time // For TOTP replay prevention
	CreatedAt  time.Time
	VerifiedAt *time.Time
}

// IsVerified checks if the enrollment has been confirmed by the owner
func (e *MFAEnrollment) IsVerified() bool {
	return e.VerifiedAt != nil
}

// BackupCode is a single-use recovery code.
type BackupCode struct {
	ID        string
	StaffID   string
	CodeHash  string // bcrypt
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (b *BackupCode) IsUsed() bool {
	return b.UsedAt != nil
}
