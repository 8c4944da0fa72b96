package models

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type SessionState string

const (
	SessionStatePartial        SessionState = "partial"
	SessionStateFull           SessionState = "full"
	SessionStateStepUpRequired SessionState = "step-up-required"
	SessionStateExpired        SessionState = "expired"
)

// Factor is a verification recorded on a session.
type Factor string

const (
	FactorPassword      Factor = "password"
	FactorTOTP          Factor = "totp"
	FactorSMS           Factor = "sms"
	FactorEmail         Factor = "email"
	FactorSecurityKey   Factor = "security-key"
	FactorBiometric     Factor = "biometric"
	FactorTrustedDevice Factor = "trusted-device"
)

// Session invalidation reasons
const (
	SessionEndLogout        = "logout"
	SessionEndLocked        = "account-locked"
	SessionEndDeviceRevoked = "device-revoked"
	SessionEndIdle          = "idle-timeout"
	SessionEndAbsolute      = "absolute-timeout"
	SessionEndDisabled      = "account-disabled"
)

type Session struct {
	ID               string
	StaffID          string
	DeviceID         string
	State            SessionState
	FactorsSatisfied []Factor
	IPAddress        string
	UserAgent        string

	CreatedAt      time.Time
	EstablishedAt  *time.Time
	LastVerifiedAt time.Time
	LastSeenAt     time.Time
	ExpiresAt      time.Time

	// Challenge is the outstanding webauthn session data or biometric nonce.
	Challenge          []byte
	ChallengeMethod    MFAMethod
	ChallengeExpiresAt *time.Time

	EndedAt   *time.Time
	EndReason string
}

func (s *Session) HasFactor(f Factor) bool {
	return slices.Contains(s.FactorsSatisfied, f)
}

// AddFactor records f once.
func (s *Session) AddFactor(f Factor) {
	if !s.HasFactor(f) {
		s.FactorsSatisfied = append(s.FactorsSatisfied, f)
	}
}

func (s *Session) IsFull() bool {
	return s.State == SessionStateFull
}

func (s *Session) IsEnded() bool {
	return s.EndedAt != nil
}

// Age returns how long ago the holder last proved their identity.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.LastVerifiedAt)
}

// Freshness is the per-operation freshness outcome. It never changes the stored session.
type Freshness struct {
	Fresh  bool
	Age    time.Duration
	Window time.Duration
}

// SessionClaims is the bearer token body. The session record stays authoritative.
type SessionClaims struct {
	Type      string `json:"type"`
	SessionID string `json:"sid"`
	StaffID   string `json:"staff_id"`
	jwt.RegisteredClaims
}
