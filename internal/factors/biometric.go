package factors

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// BiometricEnrollments is the subset of the enrollment store the biometric verifier needs.
type BiometricEnrollments interface {
	ListVerified(ctx context.Context, staffID string, method models.MFAMethod) ([]*models.MFAEnrollment, error)
}

// BiometricClaims is the body of the assertion signed by the device's
// platform authenticator after a local biometric match. Raw biometric data
// never reaches the server.
type BiometricClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// maxAssertionAge bounds iat so an old signed assertion cannot be replayed
// against a later nonce collision.
const maxAssertionAge = 2 * time.Minute

// BiometricVerifier trusts an EdDSA token over the session nonce, signed with
// the key registered at enrollment (PEM in CredentialData).
type BiometricVerifier struct {
	enrollments BiometricEnrollments
}

func NewBiometricVerifier(enrollments BiometricEnrollments) *BiometricVerifier {
	return &BiometricVerifier{enrollments: enrollments}
}

func (v *BiometricVerifier) Method() models.MFAMethod { return models.MFAMethodBiometric }

func (v *BiometricVerifier) BeginChallenge(ctx context.Context, staff *models.StaffAccount) (any, []byte, error) {
	enrollments, err := v.enrollments.ListVerified(ctx, staff.ID, models.MFAMethodBiometric)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load biometric enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return nil, nil, models.ErrNoEnrollment
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf)

	return map[string]string{"nonce": nonce}, []byte(nonce), nil
}

func (v *BiometricVerifier) Verify(ctx context.Context, c *Challenge) error {
	nonce, err := sessionChallenge(c, models.MFAMethodBiometric)
	if err != nil {
		return err
	}

	enrollments, err := v.enrollments.ListVerified(ctx, c.Staff.ID, models.MFAMethodBiometric)
	if err != nil {
		return fmt.Errorf("failed to load biometric enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return models.ErrNoEnrollment
	}

	for _, e := range enrollments {
		key, err := jwt.ParseEdPublicKeyFromPEM(e.CredentialData)
		if err != nil {
			continue
		}

		var claims BiometricClaims
		_, err = jwt.ParseWithClaims(string(c.Assertion), &claims,
			func(*jwt.Token) (interface{}, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithSubject(c.Staff.ID),
			jwt.WithTimeFunc(func() time.Time { return c.Now }),
		)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return models.ErrExpiredOrConsumedCode
			}
			continue
		}

		if claims.IssuedAt == nil || c.Now.Sub(claims.IssuedAt.Time) > maxAssertionAge {
			return models.ErrExpiredOrConsumedCode
		}
		if subtle.ConstantTimeCompare([]byte(claims.Nonce), nonce) != 1 {
			return models.ErrInvalidSecondFactor
		}
		return nil
	}

	return models.ErrInvalidSecondFactor
}
