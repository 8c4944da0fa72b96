package models

import "time"

// OTP purposes. A code issued for one purpose cannot satisfy another.
const (
	OTPPurposeLogin      = "login"
	OTPPurposeStepUp     = "step-up"
	OTPPurposeEnrollment = "enrollment"
	OTPPurposeDevice     = "device-identity"
)

// OneTimeCode is an SMS or email code. Only the keyed hash is stored.
type OneTimeCode struct {
	ID      string
	StaffID string
	Method  MFAMethod
	Purpose string
	// Subject binds the code to an enrollment or device, empty for login/step-up.
	Subject    string
	CodeHash   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

func (c *OneTimeCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *OneTimeCode) IsConsumed() bool {
	return c.ConsumedAt != nil
}

// Usable is true iff the code is unconsumed and inside its validity window.
func (c *OneTimeCode) Usable(now time.Time) bool {
	return !c.IsConsumed() && !c.IsExpired(now)
}

// OTPReceipt is returned to the caller of requestOtp. It never carries the code.
type OTPReceipt struct {
	ReceiptID   string    `json:"receipt_id"`
	Method      MFAMethod `json:"method"`
	Destination string    `json:"destination"` // masked
	ExpiresAt   time.Time `json:"expires_at"`
	ResendAfter time.Time `json:"resend_after"`
}
