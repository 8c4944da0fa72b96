package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPrimary_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleNurse, "nurse@clinic.test")
	f.enrollTOTP(t, staff)

	res, err := f.credentials.VerifyPrimary(ctx, "  Nurse@Clinic.TEST ", testPassword, meta("fp-ward-3"))
	require.NoError(t, err)

	assert.True(t, res.MFARequired)
	assert.False(t, res.EnrollmentRequired)
	assert.Equal(t, []models.MFAMethod{models.MFAMethodAuthenticator}, res.Methods)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, models.SessionStatePartial, res.Session.State)
	assert.Equal(t, []models.Factor{models.FactorPassword}, res.Session.FactorsSatisfied)
	assert.NotEmpty(t, res.Session.DeviceID)

	device, err := f.devices.Get(ctx, res.Session.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.TrustUntrusted, device.TrustState)
}

func TestVerifyPrimary_NoEnrollment(t *testing.T) {
	f := newFixture(t)
	staff := f.addStaff(t, models.RoleTherapist, "new@clinic.test")

	res, err := f.credentials.VerifyPrimary(context.Background(), staff.Email, testPassword, meta(""))
	require.NoError(t, err)
	assert.True(t, res.EnrollmentRequired)
	assert.Empty(t, res.Methods)
	assert.Empty(t, res.Session.DeviceID)
}

func TestVerifyPrimary_FailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStaff(t, models.RoleNurse, "active@clinic.test")
	inactive := f.addStaff(t, models.RoleNurse, "gone@clinic.test")
	require.NoError(t, f.store.Staff().UpdateStatus(ctx, inactive.ID, models.StaffStatusInactive))

	tests := []struct {
		name       string
		identifier string
		password   string
	}{
		{"wrong password", "active@clinic.test", "not-the-password"},
		{"unknown account", "nobody@clinic.test", testPassword},
		{"inactive account", "gone@clinic.test", testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.credentials.VerifyPrimary(ctx, tt.identifier, tt.password, meta(""))
			assert.Equal(t, models.ErrInvalidCredentials, err)
		})
	}

	// unknown identifiers are counted too, in their own bucket
	rec, err := f.lockouts.Status(ctx, UnknownLockoutKey("NOBODY@clinic.test"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FailedCount)
}

func TestVerifyPrimary_FifthFailureLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RolePsychiatrist, "dr.k@clinic.test")

	for i := 1; i <= 4; i++ {
		_, err := f.credentials.VerifyPrimary(ctx, staff.Email, "wrong", meta(""))
		require.Equal(t, models.ErrInvalidCredentials, err, "attempt %d", i)
		f.clock.Advance(10 * time.Second)
	}

	_, err := f.credentials.VerifyPrimary(ctx, staff.Email, "wrong", meta(""))
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, models.LockReasonFailedAttempts, locked.Reason)
	require.NotNil(t, locked.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *locked.LockedUntil)
	assert.False(t, locked.AdminReviewRequired)

	rec := f.lockRecord(t, staff.ID)
	assert.True(t, rec.IsLocked(f.clock.Now()))
	assert.Len(t, f.events(t, models.AuditEventAccountLocked), 1)

	// the sixth attempt is refused before the password is looked at, even
	// with the right password
	_, err = f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, 5, f.lockRecord(t, staff.ID).FailedCount)

	// natural expiry
	f.clock.Advance(30 * time.Minute)
	_, err = f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	assert.NoError(t, err)
}

func TestVerifyPrimary_PrimaryAndSecondFactorShareCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleNurse, "shared@clinic.test")
	f.enrollTOTP(t, staff)

	for i := 0; i < 3; i++ {
		_, err := f.credentials.VerifyPrimary(ctx, staff.Email, "wrong", meta(""))
		require.Equal(t, models.ErrInvalidCredentials, err)
	}

	res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	require.NoError(t, err)
	assert.Equal(t, 3, f.lockRecord(t, staff.ID).FailedCount, "primary success alone does not reset")

	proof := Proof{Method: models.MFAMethodAuthenticator, Code: "000000"}
	_, err = f.second.Verify(ctx, res.Session, staff, proof, meta(""))
	require.ErrorIs(t, err, models.ErrInvalidSecondFactor)

	_, err = f.second.Verify(ctx, res.Session, staff, proof, meta(""))
	require.ErrorIs(t, err, models.ErrAccountLocked)

	// the lock ended the partial session
	_, _, err = f.sessions.Resolve(ctx, res.Session.ID)
	assert.ErrorIs(t, err, models.ErrSessionInvalid)
}

func TestVerifyPrimary_FullLoginResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleNurse, "reset@clinic.test")
	secret := f.enrollTOTP(t, staff)

	for i := 0; i < 4; i++ {
		_, err := f.credentials.VerifyPrimary(ctx, staff.Email, "wrong", meta(""))
		require.Equal(t, models.ErrInvalidCredentials, err)
	}
	require.Equal(t, 4, f.lockRecord(t, staff.ID).FailedCount)

	f.fullLogin(t, staff, secret, "fp-1")
	assert.Equal(t, 0, f.lockRecord(t, staff.ID).FailedCount)

	// four more failures are not enough to lock after the reset
	for i := 0; i < 4; i++ {
		_, err := f.credentials.VerifyPrimary(ctx, staff.Email, "wrong", meta(""))
		require.Equal(t, models.ErrInvalidCredentials, err)
	}
	assert.False(t, f.lockRecord(t, staff.ID).IsLocked(f.clock.Now()))
}

func TestVerifyPrimary_TrustedDeviceWaivesSecondFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleTherapist, "waive@clinic.test")
	secret := f.enrollTOTP(t, staff)

	first := f.fullLogin(t, staff, secret, "fp-office")
	device, err := f.devices.Get(ctx, first.DeviceID)
	require.NoError(t, err)
	assert.True(t, device.IsTrusted(f.clock.Now()))

	f.clock.Advance(time.Hour)
	res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta("fp-office"))
	require.NoError(t, err)
	assert.False(t, res.MFARequired)
	assert.Equal(t, models.SessionStateFull, res.Session.State)
	assert.True(t, res.Session.HasFactor(models.FactorTrustedDevice))
	assert.Equal(t, first.DeviceID, res.Session.DeviceID)

	// trust lapses lazily after 30 days
	f.clock.Advance(31 * 24 * time.Hour)
	res, err = f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta("fp-office"))
	require.NoError(t, err)
	assert.True(t, res.MFARequired)
}

func TestVerifyPrimary_UntrustedDeviceCannotWaive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleTherapist, "untrusted@clinic.test")
	secret := f.enrollTOTP(t, staff)
	f.fullLogin(t, staff, secret, "fp-office")

	for _, fp := range []string{"fp-kiosk", ""} {
		res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(fp))
		require.NoError(t, err)
		assert.True(t, res.MFARequired, "fingerprint %q", fp)
		assert.Equal(t, models.SessionStatePartial, res.Session.State)
	}

	// a registered but unapproved device cannot waive either
	_, err := f.devices.Register(ctx, staff.Email, "fp-new-laptop", "Laptop", "replacement", meta("fp-new-laptop"))
	require.NoError(t, err)
	res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta("fp-new-laptop"))
	require.NoError(t, err)
	assert.True(t, res.MFARequired)
}

func TestVerifyPrimary_LockedAttemptIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.addStaff(t, models.RoleNurse, "audit@clinic.test")
	_, err := f.lockouts.Lock(ctx, staff.ID, models.LockReasonAdminLock, "admin-1", meta(""))
	require.NoError(t, err)

	_, err = f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(""))
	var locked *models.LockedError
	require.True(t, errors.As(err, &locked))
	assert.True(t, locked.AdminReviewRequired)

	var outcomes []string
	for _, e := range f.events(t, models.AuditEventPrimaryAuth) {
		outcomes = append(outcomes, e.Outcome)
	}
	assert.Equal(t, []string{models.AuditOutcomeLocked}, outcomes)
}
