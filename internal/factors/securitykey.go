package factors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// KeyEnrollments is the subset of the enrollment store the security key verifier needs.
type KeyEnrollments interface {
	ListVerified(ctx context.Context, staffID string, method models.MFAMethod) ([]*models.MFAEnrollment, error)
	UpdateCredential(ctx context.Context, id string, data []byte) error
}

// WebAuthnLogin is the part of *webauthn.WebAuthn used for assertions.
type WebAuthnLogin interface {
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, parsedResponse *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// StaffUser adapts a staff account and its keys to webauthn.User.
type StaffUser struct {
	staff       *models.StaffAccount
	credentials []webauthn.Credential
}

func (u *StaffUser) WebAuthnID() []byte                         { return []byte(u.staff.ID) }
func (u *StaffUser) WebAuthnName() string                       { return u.staff.Email }
func (u *StaffUser) WebAuthnDisplayName() string                { return u.staff.Name }
func (u *StaffUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// NewStaffUser decodes the stored credentials of enrollments.
func NewStaffUser(staff *models.StaffAccount, enrollments []*models.MFAEnrollment) (*StaffUser, error) {
	u := &StaffUser{staff: staff, credentials: make([]webauthn.Credential, 0, len(enrollments))}
	for _, e := range enrollments {
		if len(e.CredentialData) == 0 {
			continue
		}
		var cred webauthn.Credential
		if err := json.Unmarshal(e.CredentialData, &cred); err != nil {
			return nil, fmt.Errorf("failed to decode credential %s: %w", e.ID, err)
		}
		u.credentials = append(u.credentials, cred)
	}
	return u, nil
}

// SecurityKeyVerifier validates WebAuthn assertions against the challenge
// stored on the session.
type SecurityKeyVerifier struct {
	enrollments KeyEnrollments
	webauthn    WebAuthnLogin
	parse       func(body []byte) (*protocol.ParsedCredentialAssertionData, error)
}

func NewSecurityKeyVerifier(enrollments KeyEnrollments, wa WebAuthnLogin) *SecurityKeyVerifier {
	return &SecurityKeyVerifier{
		enrollments: enrollments,
		webauthn:    wa,
		parse: func(body []byte) (*protocol.ParsedCredentialAssertionData, error) {
			return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
		},
	}
}

func (v *SecurityKeyVerifier) Method() models.MFAMethod { return models.MFAMethodSecurityKey }

func (v *SecurityKeyVerifier) user(ctx context.Context, staff *models.StaffAccount) (*StaffUser, []*models.MFAEnrollment, error) {
	enrollments, err := v.enrollments.ListVerified(ctx, staff.ID, models.MFAMethodSecurityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load security keys: %w", err)
	}
	if len(enrollments) == 0 {
		return nil, nil, models.ErrNoEnrollment
	}
	user, err := NewStaffUser(staff, enrollments)
	if err != nil {
		return nil, nil, err
	}
	return user, enrollments, nil
}

func (v *SecurityKeyVerifier) BeginChallenge(ctx context.Context, staff *models.StaffAccount) (any, []byte, error) {
	user, _, err := v.user(ctx, staff)
	if err != nil {
		return nil, nil, err
	}

	options, sessionData, err := v.webauthn.BeginLogin(user)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin webauthn login: %w", err)
	}

	state, err := json.Marshal(sessionData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize ceremony state: %w", err)
	}
	return options, state, nil
}

func (v *SecurityKeyVerifier) Verify(ctx context.Context, c *Challenge) error {
	state, err := sessionChallenge(c, models.MFAMethodSecurityKey)
	if err != nil {
		return err
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal(state, &sessionData); err != nil {
		return fmt.Errorf("corrupt ceremony state: %w", err)
	}

	user, enrollments, err := v.user(ctx, c.Staff)
	if err != nil {
		return err
	}

	parsed, err := v.parse(c.Assertion)
	if err != nil {
		return models.ErrInvalidSecondFactor
	}

	cred, err := v.webauthn.ValidateLogin(user, sessionData, parsed)
	if err != nil {
		return models.ErrInvalidSecondFactor
	}

	// Persist the new sign count so cloned authenticators are detectable.
	for _, e := range enrollments {
		var stored webauthn.Credential
		if json.Unmarshal(e.CredentialData, &stored) != nil || !bytes.Equal(stored.ID, cred.ID) {
			continue
		}
		data, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("failed to encode credential: %w", err)
		}
		if err := v.enrollments.UpdateCredential(ctx, e.ID, data); err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		break
	}
	return nil
}

// ChallengeTTL bounds how long a begun ceremony may be completed.
const ChallengeTTL = 2 * time.Minute
