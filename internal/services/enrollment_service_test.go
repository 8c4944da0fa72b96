package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrollment_FirstAuthenticatorCompletesLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleTherapist, "first@clinic.test")

	res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	require.NoError(t, err)
	require.True(t, res.EnrollmentRequired)

	enrollment, material, err := f.enrollment.BeginAuthenticator(ctx, res.Session, staff, "")
	require.NoError(t, err)
	assert.Equal(t, "Authenticator app", enrollment.Label)
	assert.False(t, enrollment.IsVerified())
	assert.NotEmpty(t, material.Secret)

	_, err = f.enrollment.ConfirmAuthenticator(ctx, res.Session, staff, enrollment.ID, "000000x", meta(""))
	assert.ErrorIs(t, err, models.ErrInvalidSecondFactor)

	code := f.totpCode(t, material.Secret)
	confirmed, err := f.enrollment.ConfirmAuthenticator(ctx, res.Session, staff, enrollment.ID, code, meta(""))
	require.NoError(t, err)
	assert.True(t, confirmed.IsVerified())
	assert.Equal(t, models.SessionStateFull, res.Session.State)
	assert.True(t, res.Session.HasFactor(models.FactorTOTP))

	// the confirming code cannot be replayed for a login
	res2, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	require.NoError(t, err)
	_, err = f.second.Verify(ctx, res2.Session, staff, Proof{Method: models.MFAMethodAuthenticator, Code: code}, meta(""))
	assert.Error(t, err)

	n, err := f.enrollment.CountVerified(ctx, staff.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnrollment_PartialSessionCannotAddSecondFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleNurse, "second@clinic.test")
	f.enrollTOTP(t, staff)

	res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	require.NoError(t, err)

	_, _, err = f.enrollment.AddContact(ctx, res.Session, staff, models.MFAMethodSMS, "+15550100111", meta(""))
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestEnrollment_Contact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RolePsychologist, "contact@clinic.test")
	secret := f.enrollTOTP(t, staff)
	session := f.fullLogin(t, staff, secret, "")

	_, _, err := f.enrollment.AddContact(ctx, session, staff, models.MFAMethodAuthenticator, "x", meta(""))
	assert.ErrorIs(t, err, models.ErrBadRequest)

	enrollment, receipt, err := f.enrollment.AddContact(ctx, session, staff, models.MFAMethodSMS, " +15550100111 ", meta(""))
	require.NoError(t, err)
	assert.Equal(t, "+15550100111", enrollment.Destination)
	assert.Equal(t, "**********11", receipt.Destination)

	sent, ok := f.sms.Last()
	require.True(t, ok)

	// a code for this enrollment is not a login code
	res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	require.NoError(t, err)
	_, err = f.second.Verify(ctx, res.Session, staff, Proof{Method: models.MFAMethodSMS, Code: sent.Code}, meta(""))
	assert.ErrorIs(t, err, models.ErrInvalidSecondFactor)

	confirmed, err := f.enrollment.ConfirmContact(ctx, session, staff, enrollment.ID, sent.Code, meta(""))
	require.NoError(t, err)
	assert.True(t, confirmed.IsVerified())

	_, err = f.enrollment.ConfirmContact(ctx, session, staff, enrollment.ID, sent.Code, meta(""))
	assert.ErrorIs(t, err, models.ErrConflict)

	methods, err := f.second.Methods(ctx, staff.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.MFAMethod{models.MFAMethodAuthenticator, models.MFAMethodSMS}, methods)
}

func TestEnrollment_OtherStaffEnrollmentIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.addStaff(t, models.RoleNurse, "owner@clinic.test")
	other := f.addStaff(t, models.RoleNurse, "other@clinic.test")
	ownerSecret := f.enrollTOTP(t, owner)
	otherSecret := f.enrollTOTP(t, other)

	ownerSession := f.fullLogin(t, owner, ownerSecret, "")
	enrollment, _, err := f.enrollment.BeginAuthenticator(ctx, ownerSession, owner, "Backup phone")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	otherSession := f.fullLogin(t, other, otherSecret, "")
	_, err = f.enrollment.ConfirmAuthenticator(ctx, otherSession, other, enrollment.ID, "123456", meta(""))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEnrollment_RegisterBiometric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RolePsychiatrist, "bio@clinic.test")
	secret := f.enrollTOTP(t, staff)
	session := f.fullLogin(t, staff, secret, "")

	_, err := f.enrollment.RegisterBiometric(ctx, session, staff, "", []byte("not a key"), meta(""))
	assert.ErrorIs(t, err, models.ErrBadRequest)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	enrollment, err := f.enrollment.RegisterBiometric(ctx, session, staff, "", pemBytes, meta(""))
	require.NoError(t, err)
	assert.Equal(t, "Biometric", enrollment.Label)
	assert.True(t, enrollment.IsVerified())
	assert.Len(t, f.events(t, models.AuditEventEnrollment), 1)
}
