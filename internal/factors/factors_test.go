package factors

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories/memory"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testStaff(t *testing.T, store *memory.Store, role models.Role) *models.StaffAccount {
	t.Helper()
	s, err := store.Staff().Create(context.Background(), &models.StaffAccount{
		Email: string(role) + "-" + time.Now().Format("150405.000000000") + "@clinic.test",
		Name:  "Test " + string(role),
		Role:  role,
	})
	require.NoError(t, err)
	return s
}

func verified(t *testing.T, store *memory.Store, e *models.MFAEnrollment) *models.MFAEnrollment {
	t.Helper()
	at := testNow.Add(-time.Hour)
	e.VerifiedAt = &at
	created, err := store.Enrollments().Create(context.Background(), e)
	require.NoError(t, err)
	return created
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistry(t *testing.T) {
	store := memory.NewStore()
	r := NewRegistry(
		NewOTPVerifier(models.MFAMethodSMS, store.OneTimeCodes(), []byte("pepper")),
		NewBiometricVerifier(store.Enrollments()),
		SupervisorVerifier{},
	)

	v, err := r.Get(models.MFAMethodSMS)
	require.NoError(t, err)
	assert.Equal(t, models.MFAMethodSMS, v.Method())

	_, err = r.Get(models.MFAMethodSecurityKey)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, ok := r.Issuer(models.MFAMethodBiometric)
	assert.True(t, ok)
	_, ok = r.Issuer(models.MFAMethodSMS)
	assert.False(t, ok)
}

// ============================================================================
// TOTP
// ============================================================================

func newTOTPFixture(t *testing.T) (*TOTPVerifier, *models.StaffAccount, string) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	tm, err := auth.NewTOTPManager(key, "NeuroLock")
	require.NoError(t, err)

	store := memory.NewStore()
	staff := testStaff(t, store, models.RolePsychiatrist)

	enrollment, err := tm.Enroll(staff.Email)
	require.NoError(t, err)
	verified(t, store, &models.MFAEnrollment{
		StaffID:         staff.ID,
		Method:          models.MFAMethodAuthenticator,
		SecretEncrypted: enrollment.SecretEncrypted,
		SecretNonce:     enrollment.SecretNonce,
	})

	return NewTOTPVerifier(store.Enrollments(), tm), staff, enrollment.Secret
}

func TestTOTPVerifier_AcceptsCurrentCodeOnce(t *testing.T) {
	v, staff, secret := newTOTPFixture(t)
	code, err := auth.GenerateCode(secret, testNow)
	require.NoError(t, err)

	err = v.Verify(context.Background(), &Challenge{Staff: staff, Now: testNow, Code: code})
	require.NoError(t, err)

	err = v.Verify(context.Background(), &Challenge{Staff: staff, Now: testNow.Add(5 * time.Second), Code: code})
	assert.ErrorIs(t, err, models.ErrExpiredOrConsumedCode)
}

func TestTOTPVerifier_AllowsOneStepOfDrift(t *testing.T) {
	v, staff, secret := newTOTPFixture(t)
	code, err := auth.GenerateCode(secret, testNow.Add(-30*time.Second))
	require.NoError(t, err)

	assert.NoError(t, v.Verify(context.Background(), &Challenge{Staff: staff, Now: testNow, Code: code}))
}

func TestTOTPVerifier_WrongCode(t *testing.T) {
	v, staff, _ := newTOTPFixture(t)

	err := v.Verify(context.Background(), &Challenge{Staff: staff, Now: testNow, Code: "abcdef"})
	assert.ErrorIs(t, err, models.ErrInvalidSecondFactor)
}

func TestTOTPVerifier_NoEnrollment(t *testing.T) {
	v, _, _ := newTOTPFixture(t)
	other := &models.StaffAccount{ID: "someone-else"}

	err := v.Verify(context.Background(), &Challenge{Staff: other, Now: testNow, Code: "123456"})
	assert.ErrorIs(t, err, models.ErrNoEnrollment)
}

// ============================================================================
// OTP
// ============================================================================

func issueCode(t *testing.T, store *memory.Store, staffID string, method models.MFAMethod, purpose, code string, issued time.Time) {
	t.Helper()
	require.NoError(t, store.OneTimeCodes().Create(context.Background(), &models.OneTimeCode{
		StaffID:   staffID,
		Method:    method,
		Purpose:   purpose,
		CodeHash:  HashCode([]byte("pepper"), code),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(10 * time.Minute),
	}))
}

func TestOTPVerifier_SingleUse(t *testing.T) {
	store := memory.NewStore()
	staff := testStaff(t, store, models.RoleNurse)
	issueCode(t, store, staff.ID, models.MFAMethodSMS, models.OTPPurposeLogin, "482913", testNow)

	v := NewOTPVerifier(models.MFAMethodSMS, store.OneTimeCodes(), []byte("pepper"))
	c := &Challenge{Staff: staff, Now: testNow.Add(time.Minute), Purpose: models.OTPPurposeLogin, Code: "482913"}

	require.NoError(t, v.Verify(context.Background(), c))
	assert.ErrorIs(t, v.Verify(context.Background(), c), models.ErrExpiredOrConsumedCode)
}

func TestOTPVerifier_Failures(t *testing.T) {
	store := memory.NewStore()
	staff := testStaff(t, store, models.RoleNurse)
	issueCode(t, store, staff.ID, models.MFAMethodEmail, models.OTPPurposeLogin, "111111", testNow)
	v := NewOTPVerifier(models.MFAMethodEmail, store.OneTimeCodes(), []byte("pepper"))

	tests := []struct {
		name    string
		c       *Challenge
		wantErr error
	}{
		{
			name:    "wrong code",
			c:       &Challenge{Staff: staff, Now: testNow, Purpose: models.OTPPurposeLogin, Code: "222222"},
			wantErr: models.ErrInvalidSecondFactor,
		},
		{
			name:    "empty code",
			c:       &Challenge{Staff: staff, Now: testNow, Purpose: models.OTPPurposeLogin},
			wantErr: models.ErrInvalidSecondFactor,
		},
		{
			name:    "other purpose",
			c:       &Challenge{Staff: staff, Now: testNow, Purpose: models.OTPPurposeStepUp, Code: "111111"},
			wantErr: models.ErrInvalidSecondFactor,
		},
		{
			name:    "expired",
			c:       &Challenge{Staff: staff, Now: testNow.Add(10 * time.Minute), Purpose: models.OTPPurposeLogin, Code: "111111"},
			wantErr: models.ErrExpiredOrConsumedCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Verify(context.Background(), tt.c), tt.wantErr)
		})
	}

	// None of the failures consumed the code.
	ok := &Challenge{Staff: staff, Now: testNow.Add(time.Minute), Purpose: models.OTPPurposeLogin, Code: "111111"}
	assert.NoError(t, v.Verify(context.Background(), ok))
}

func TestEmergencyOTPVerifier(t *testing.T) {
	store := memory.NewStore()
	staff := testStaff(t, store, models.RoleTherapist)
	issueCode(t, store, staff.ID, models.MFAMethodEmail, models.OTPPurposeDevice, "909090", testNow)
	v := NewEmergencyOTPVerifier(store.OneTimeCodes(), []byte("pepper"))

	err := v.Verify(context.Background(), &Challenge{Staff: staff, Now: testNow, Channel: models.MFAMethodAuthenticator, Code: "909090"})
	assert.ErrorIs(t, err, models.ErrBadRequest)

	// Purpose is forced to device identity whatever the caller passes.
	err = v.Verify(context.Background(), &Challenge{Staff: staff, Now: testNow, Channel: models.MFAMethodEmail, Purpose: models.OTPPurposeLogin, Code: "909090"})
	assert.NoError(t, err)
}

// ============================================================================
// Biometric
// ============================================================================

func newBiometricFixture(t *testing.T) (*BiometricVerifier, *models.StaffAccount, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	store := memory.NewStore()
	staff := testStaff(t, store, models.RolePsychologist)
	verified(t, store, &models.MFAEnrollment{
		StaffID:        staff.ID,
		Method:         models.MFAMethodBiometric,
		CredentialData: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
	})
	return NewBiometricVerifier(store.Enrollments()), staff, priv
}

func signAssertion(t *testing.T, key ed25519.PrivateKey, subject, nonce string, issued time.Time) []byte {
	t.Helper()
	claims := BiometricClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	require.NoError(t, err)
	return []byte(signed)
}

func pendingSession(method models.MFAMethod, state []byte) *models.Session {
	expires := testNow.Add(ChallengeTTL)
	return &models.Session{Challenge: state, ChallengeMethod: method, ChallengeExpiresAt: &expires}
}

func TestBiometricVerifier(t *testing.T) {
	v, staff, key := newBiometricFixture(t)

	_, state, err := v.BeginChallenge(context.Background(), staff)
	require.NoError(t, err)
	session := pendingSession(models.MFAMethodBiometric, state)
	nonce := string(state)

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name      string
		session   *models.Session
		assertion []byte
		wantErr   error
	}{
		{"valid", session, signAssertion(t, key, staff.ID, nonce, testNow), nil},
		{"wrong nonce", session, signAssertion(t, key, staff.ID, "stale", testNow), models.ErrInvalidSecondFactor},
		{"wrong subject", session, signAssertion(t, key, "intruder", nonce, testNow), models.ErrInvalidSecondFactor},
		{"unregistered key", session, signAssertion(t, otherKey, staff.ID, nonce, testNow), models.ErrInvalidSecondFactor},
		{"expired token", session, signAssertion(t, key, staff.ID, nonce, testNow.Add(-5*time.Minute)), models.ErrExpiredOrConsumedCode},
		{"no pending challenge", &models.Session{}, signAssertion(t, key, staff.ID, nonce, testNow), models.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(context.Background(), &Challenge{Staff: staff, Session: tt.session, Now: testNow, Assertion: tt.assertion})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBiometricVerifier_ChallengeExpired(t *testing.T) {
	v, staff, key := newBiometricFixture(t)
	_, state, err := v.BeginChallenge(context.Background(), staff)
	require.NoError(t, err)

	later := testNow.Add(ChallengeTTL)
	err = v.Verify(context.Background(), &Challenge{
		Staff:     staff,
		Session:   pendingSession(models.MFAMethodBiometric, state),
		Now:       later,
		Assertion: signAssertion(t, key, staff.ID, string(state), later),
	})
	assert.ErrorIs(t, err, models.ErrExpiredOrConsumedCode)
}

// ============================================================================
// Security key
// ============================================================================

type stubWebAuthn struct {
	validateErr error
	signCount   uint32
	gotSession  webauthn.SessionData
}

func (s *stubWebAuthn) BeginLogin(user webauthn.User, _ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "server-challenge", UserID: user.WebAuthnID()}, nil
}

func (s *stubWebAuthn) ValidateLogin(user webauthn.User, session webauthn.SessionData, _ *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	s.gotSession = session
	if s.validateErr != nil {
		return nil, s.validateErr
	}
	cred := user.WebAuthnCredentials()[0]
	cred.Authenticator.SignCount = s.signCount
	return &cred, nil
}

func TestSecurityKeyVerifier(t *testing.T) {
	store := memory.NewStore()
	staff := testStaff(t, store, models.RoleAdmin)
	data, err := json.Marshal(webauthn.Credential{ID: []byte("key-1"), Authenticator: webauthn.Authenticator{SignCount: 3}})
	require.NoError(t, err)
	enrollment := verified(t, store, &models.MFAEnrollment{StaffID: staff.ID, Method: models.MFAMethodSecurityKey, CredentialData: data})

	wa := &stubWebAuthn{signCount: 4}
	v := NewSecurityKeyVerifier(store.Enrollments(), wa)
	v.parse = func([]byte) (*protocol.ParsedCredentialAssertionData, error) {
		return &protocol.ParsedCredentialAssertionData{}, nil
	}

	_, state, err := v.BeginChallenge(context.Background(), staff)
	require.NoError(t, err)

	err = v.Verify(context.Background(), &Challenge{
		Staff:     staff,
		Session:   pendingSession(models.MFAMethodSecurityKey, state),
		Now:       testNow,
		Assertion: []byte("{}"),
	})
	require.NoError(t, err)
	assert.Equal(t, "server-challenge", wa.gotSession.Challenge)

	stored, err := store.Enrollments().GetByID(context.Background(), enrollment.ID)
	require.NoError(t, err)
	var cred webauthn.Credential
	require.NoError(t, json.Unmarshal(stored.CredentialData, &cred))
	assert.Equal(t, uint32(4), cred.Authenticator.SignCount)
}

func TestSecurityKeyVerifier_Rejected(t *testing.T) {
	store := memory.NewStore()
	staff := testStaff(t, store, models.RoleAdmin)
	data, err := json.Marshal(webauthn.Credential{ID: []byte("key-1")})
	require.NoError(t, err)
	verified(t, store, &models.MFAEnrollment{StaffID: staff.ID, Method: models.MFAMethodSecurityKey, CredentialData: data})

	v := NewSecurityKeyVerifier(store.Enrollments(), &stubWebAuthn{validateErr: errors.New("signature mismatch")})
	v.parse = func([]byte) (*protocol.ParsedCredentialAssertionData, error) {
		return &protocol.ParsedCredentialAssertionData{}, nil
	}
	_, state, err := v.BeginChallenge(context.Background(), staff)
	require.NoError(t, err)

	err = v.Verify(context.Background(), &Challenge{Staff: staff, Session: pendingSession(models.MFAMethodSecurityKey, state), Now: testNow})
	assert.ErrorIs(t, err, models.ErrInvalidSecondFactor)

	// A challenge begun for another method does not count.
	err = v.Verify(context.Background(), &Challenge{Staff: staff, Session: pendingSession(models.MFAMethodBiometric, state), Now: testNow})
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestSecurityKeyVerifier_NoKeys(t *testing.T) {
	store := memory.NewStore()
	staff := testStaff(t, store, models.RoleAdmin)
	v := NewSecurityKeyVerifier(store.Enrollments(), &stubWebAuthn{})

	_, _, err := v.BeginChallenge(context.Background(), staff)
	assert.ErrorIs(t, err, models.ErrNoEnrollment)
}

// ============================================================================
// Supervisor / admin manual
// ============================================================================

func TestIdentityVouching(t *testing.T) {
	owner := &models.StaffAccount{ID: "owner", Role: models.RoleNurse, Status: models.StaffStatusActive}
	psychiatrist := &models.StaffAccount{ID: "p1", Role: models.RolePsychiatrist, Status: models.StaffStatusActive}
	admin := &models.StaffAccount{ID: "a1", Role: models.RoleAdmin, Status: models.StaffStatusActive}
	nurse := &models.StaffAccount{ID: "n2", Role: models.RoleNurse, Status: models.StaffStatusActive}
	inactive := &models.StaffAccount{ID: "p2", Role: models.RolePsychiatrist, Status: models.StaffStatusInactive}
	selfAdmin := &models.StaffAccount{ID: "owner", Role: models.RoleAdmin, Status: models.StaffStatusActive}

	tests := []struct {
		name     string
		verifier Verifier
		approver *models.StaffAccount
		wantErr  bool
	}{
		{"supervisor by psychiatrist", SupervisorVerifier{}, psychiatrist, false},
		{"supervisor by admin", SupervisorVerifier{}, admin, false},
		{"supervisor by nurse", SupervisorVerifier{}, nurse, true},
		{"supervisor inactive", SupervisorVerifier{}, inactive, true},
		{"supervisor missing", SupervisorVerifier{}, nil, true},
		{"admin manual by admin", AdminManualVerifier{}, admin, false},
		{"admin manual by psychiatrist", AdminManualVerifier{}, psychiatrist, true},
		{"admin manual for self", AdminManualVerifier{}, selfAdmin, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.verifier.Verify(context.Background(), &Challenge{Staff: owner, Approver: tt.approver, Now: testNow})
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrPermissionDenied)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
