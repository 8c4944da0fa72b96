package factors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
)

// CodeStore is the subset of the one-time code store the OTP verifier needs.
type CodeStore interface {
	Lookup(ctx context.Context, staffID string, method models.MFAMethod, purpose, subject, codeHash string) (*models.OneTimeCode, error)
	Consume(ctx context.Context, id string, at time.Time) (bool, error)
}

// HashCode derives the stored form of a one-time code.
func HashCode(pepper []byte, code string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// OTPVerifier checks SMS or email codes and consumes them on success.
type OTPVerifier struct {
	method models.MFAMethod
	codes  CodeStore
	pepper []byte
}

func NewOTPVerifier(method models.MFAMethod, codes CodeStore, pepper []byte) *OTPVerifier {
	return &OTPVerifier{method: method, codes: codes, pepper: pepper}
}

func (v *OTPVerifier) Method() models.MFAMethod { return v.method }

func (v *OTPVerifier) Verify(ctx context.Context, c *Challenge) error {
	return verifyOTP(ctx, v.codes, v.pepper, v.method, c)
}

func verifyOTP(ctx context.Context, codes CodeStore, pepper []byte, method models.MFAMethod, c *Challenge) error {
	if c.Code == "" {
		return models.ErrInvalidSecondFactor
	}

	code, err := codes.Lookup(ctx, c.Staff.ID, method, c.Purpose, c.Subject, HashCode(pepper, c.Code))
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrInvalidSecondFactor
	}
	if err != nil {
		return fmt.Errorf("failed to look up code: %w", err)
	}

	if !code.Usable(c.Now) {
		return models.ErrExpiredOrConsumedCode
	}

	consumed, err := codes.Consume(ctx, code.ID, c.Now)
	if err != nil {
		return fmt.Errorf("failed to consume code: %w", err)
	}
	if !consumed {
		return models.ErrExpiredOrConsumedCode
	}
	return nil
}

// EmergencyOTPVerifier proves control of the on-file phone or email for a
// pending device. It reuses the OTP store under the device-identity purpose.
type EmergencyOTPVerifier struct {
	codes  CodeStore
	pepper []byte
}

func NewEmergencyOTPVerifier(codes CodeStore, pepper []byte) *EmergencyOTPVerifier {
	return &EmergencyOTPVerifier{codes: codes, pepper: pepper}
}

func (v *EmergencyOTPVerifier) Method() models.MFAMethod { return models.MFAMethodEmergencyOTP }

func (v *EmergencyOTPVerifier) Verify(ctx context.Context, c *Challenge) error {
	if !c.Channel.IsOTPChannel() {
		return fmt.Errorf("%w: emergency channel must be sms or email", models.ErrBadRequest)
	}
	scoped := *c
	scoped.Purpose = models.OTPPurposeDevice
	return verifyOTP(ctx, v.codes, v.pepper, c.Channel, &scoped)
}
