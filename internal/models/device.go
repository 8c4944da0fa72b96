package models

import "time"

type TrustState string

const (
	TrustUntrusted       TrustState = "untrusted"
	TrustPendingApproval TrustState = "pending-approval"
	TrustTrusted         TrustState = "trusted"
	TrustRevoked         TrustState = "revoked"
)

// Device is a client fingerprint observed for one staff account.
type Device struct {
	ID          string
	StaffID     string
	Fingerprint string
	Name        string
	TrustState  TrustState

	TrustedAt      *time.Time
	TrustExpiresAt *time.Time

	// Lost-device registration workflow
	Justification       string
	IdentityVerifiedVia MFAMethod
	IdentityVerifiedBy  string
	IdentityVerifiedAt  *time.Time
	ApprovedBy          string
	ApprovedAt          *time.Time

	RevokedAt    *time.Time
	RevokeReason string
	LastSeenAt   time.Time
	CreatedAt    time.Time
}

// IsTrusted evaluates trust expiry lazily.
func (d *Device) IsTrusted(now time.Time) bool {
	if d.TrustState != TrustTrusted {
		return false
	}
	return d.TrustExpiresAt == nil || now.Before(*d.TrustExpiresAt)
}

// CanWaiveMFA reports whether a login from this device may skip the second factor.
func (d *Device) CanWaiveMFA(now time.Time) bool {
	return d.IsTrusted(now)
}

// CanBecomeTrustedByMFA is true for devices that only need a full MFA pass.
// Pending devices need alternate identity evidence and revoked devices are terminal.
func (d *Device) CanBecomeTrustedByMFA() bool {
	return d.TrustState == TrustUntrusted || d.TrustState == TrustTrusted
}

func (d *Device) HasIdentityEvidence() bool {
	return d.IdentityVerifiedAt != nil
}

// Trust moves the device to trusted until now+ttl.
func (d *Device) Trust(now time.Time, ttl time.Duration) {
	expires := now.Add(ttl)
	d.TrustState = TrustTrusted
	d.TrustedAt = &now
	d.TrustExpiresAt = &expires
}
