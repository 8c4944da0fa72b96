package factors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/models"
)

// TOTPEnrollments is the subset of the enrollment store the TOTP verifier needs.
type TOTPEnrollments interface {
	ListVerified(ctx context.Context, staffID string, method models.MFAMethod) ([]*models.MFAEnrollment, error)
	AdvanceLastUsed(ctx context.Context, id string, step time.Time) (bool, error)
}

// TOTPVerifier checks authenticator app codes with ±1 step of skew and
// rejects a code from a step that was already accepted.
type TOTPVerifier struct {
	enrollments TOTPEnrollments
	totp        *auth.TOTPManager
}

func NewTOTPVerifier(enrollments TOTPEnrollments, totp *auth.TOTPManager) *TOTPVerifier {
	return &TOTPVerifier{enrollments: enrollments, totp: totp}
}

func (v *TOTPVerifier) Method() models.MFAMethod { return models.MFAMethodAuthenticator }

func (v *TOTPVerifier) Verify(ctx context.Context, c *Challenge) error {
	enrollments, err := v.enrollments.ListVerified(ctx, c.Staff.ID, models.MFAMethodAuthenticator)
	if err != nil {
		return fmt.Errorf("failed to load authenticators: %w", err)
	}
	if len(enrollments) == 0 {
		return models.ErrNoEnrollment
	}

	replayed := false
	for _, e := range enrollments {
		secret, err := v.totp.DecryptSecret(e.SecretEncrypted, e.SecretNonce)
		if err != nil {
			return err
		}

		step, err := v.totp.ValidateCode(secret, c.Code, e.LastUsedAt, c.Now)
		switch {
		case errors.Is(err, auth.ErrTOTPReplay):
			replayed = true
			continue
		case errors.Is(err, auth.ErrTOTPInvalid):
			continue
		case err != nil:
			return err
		}

		// Two concurrent submissions of the same code race here; only one advances.
		advanced, err := v.enrollments.AdvanceLastUsed(ctx, e.ID, step)
		if err != nil {
			return fmt.Errorf("failed to record authenticator use: %w", err)
		}
		if !advanced {
			return models.ErrExpiredOrConsumedCode
		}
		return nil
	}

	if replayed {
		return models.ErrExpiredOrConsumedCode
	}
	return models.ErrInvalidSecondFactor
}
