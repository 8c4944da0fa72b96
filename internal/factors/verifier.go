// Package factors holds one Verifier per second-factor method.
//
// Verifiers report a wrong proof as models.ErrInvalidSecondFactor and a proof
// that was valid once but can no longer be used as models.ErrExpiredOrConsumedCode.
// A failed comparison never consumes state. Lockout accounting is the caller's job.
package factors

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
)

// Challenge is one verification attempt.
type Challenge struct {
	Staff   *models.StaffAccount
	Session *models.Session
	Now     time.Time

	// OTP scope
	Purpose string
	Subject string
	// Channel selects sms or email for emergency-otp
	Channel models.MFAMethod

	// Approver is the staff member vouching for a device (supervisor, admin-manual)
	Approver *models.StaffAccount

	Code      string
	Assertion []byte
}

// Verifier validates one method's proof.
type Verifier interface {
	Method() models.MFAMethod
	Verify(ctx context.Context, c *Challenge) error
}

// ChallengeIssuer is implemented by methods that need a server nonce first
// (security key, biometric). The returned state is stored on the session.
type ChallengeIssuer interface {
	BeginChallenge(ctx context.Context, staff *models.StaffAccount) (options any, state []byte, err error)
}

// Registry maps methods to verifiers.
type Registry struct {
	verifiers map[models.MFAMethod]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	r := &Registry{verifiers: make(map[models.MFAMethod]Verifier, len(verifiers))}
	for _, v := range verifiers {
		r.verifiers[v.Method()] = v
	}
	return r
}

// Get returns the verifier for m.
func (r *Registry) Get(m models.MFAMethod) (Verifier, error) {
	v, ok := r.verifiers[m]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported method %q", models.ErrBadRequest, m)
	}
	return v, nil
}

// Issuer returns the challenge issuer for m, if m has one.
func (r *Registry) Issuer(m models.MFAMethod) (ChallengeIssuer, bool) {
	v, ok := r.verifiers[m]
	if !ok {
		return nil, false
	}
	issuer, ok := v.(ChallengeIssuer)
	return issuer, ok
}

// sessionChallenge returns the pending challenge state for method, or an error
// if none is outstanding.
func sessionChallenge(c *Challenge, method models.MFAMethod) ([]byte, error) {
	s := c.Session
	if s == nil || len(s.Challenge) == 0 || s.ChallengeMethod != method {
		return nil, fmt.Errorf("%w: no pending %s challenge", models.ErrBadRequest, method)
	}
	if s.ChallengeExpiresAt == nil || !c.Now.Before(*s.ChallengeExpiresAt) {
		return nil, models.ErrExpiredOrConsumedCode
	}
	return s.Challenge, nil
}
