package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ repositories.StaffRepository       = (*StaffRepository)(nil)
	_ repositories.EnrollmentRepository  = (*EnrollmentRepository)(nil)
	_ repositories.OneTimeCodeRepository = (*OneTimeCodeRepository)(nil)
	_ repositories.BackupCodeRepository  = (*BackupCodeRepository)(nil)
	_ repositories.SessionRepository     = (*SessionRepository)(nil)
	_ repositories.DeviceRepository      = (*DeviceRepository)(nil)
	_ repositories.LockoutRepository     = (*LockoutRepository)(nil)
	_ repositories.AuditRepository       = (*AuditRepository)(nil)
)

func TestStaffRepository_UniqueEmail(t *testing.T) {
	repo := NewStore().Staff()
	ctx := context.Background()

	created, err := repo.Create(ctx, &models.StaffAccount{Email: " Dr.Who@Example.org ", Role: models.RolePsychiatrist})
	require.NoError(t, err)
	assert.Equal(t, "dr.who@example.org", created.Email)
	assert.Equal(t, models.StaffStatusActive, created.Status)

	_, err = repo.Create(ctx, &models.StaffAccount{Email: "dr.who@example.org"})
	assert.ErrorIs(t, err, models.ErrConflict)

	got, err := repo.GetByEmail(ctx, "dr.who@example.org")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestOneTimeCodeRepository_ConsumeOnce(t *testing.T) {
	repo := NewStore().OneTimeCodes()
	ctx := context.Background()
	now := time.Now()

	code := &models.OneTimeCode{StaffID: "s1", Method: models.MFAMethodSMS, Purpose: models.OTPPurposeLogin, CodeHash: "h", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, repo.Create(ctx, code))

	found, err := repo.Lookup(ctx, "s1", models.MFAMethodSMS, models.OTPPurposeLogin, "", "h")
	require.NoError(t, err)

	ok, err := repo.Consume(ctx, found.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Consume(ctx, found.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := repo.Lookup(ctx, "s1", models.MFAMethodSMS, models.OTPPurposeLogin, "", "h")
	require.NoError(t, err)
	assert.True(t, again.IsConsumed())
}

func TestOneTimeCodeRepository_InvalidateOutstandingIsScoped(t *testing.T) {
	repo := NewStore().OneTimeCodes()
	ctx := context.Background()
	now := time.Now()

	login := &models.OneTimeCode{StaffID: "s1", Method: models.MFAMethodEmail, Purpose: models.OTPPurposeLogin, CodeHash: "a", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	stepUp := &models.OneTimeCode{StaffID: "s1", Method: models.MFAMethodEmail, Purpose: models.OTPPurposeStepUp, CodeHash: "b", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, repo.Create(ctx, login))
	require.NoError(t, repo.Create(ctx, stepUp))

	require.NoError(t, repo.InvalidateOutstanding(ctx, "s1", models.MFAMethodEmail, models.OTPPurposeLogin, "", now))

	got, err := repo.Lookup(ctx, "s1", models.MFAMethodEmail, models.OTPPurposeLogin, "", "a")
	require.NoError(t, err)
	assert.True(t, got.IsConsumed())
	got, err = repo.Lookup(ctx, "s1", models.MFAMethodEmail, models.OTPPurposeStepUp, "", "b")
	require.NoError(t, err)
	assert.False(t, got.IsConsumed())

	latest, err := repo.LatestIssuedAt(ctx, "s1", models.MFAMethodEmail, models.OTPPurposeLogin, "")
	require.NoError(t, err)
	assert.True(t, latest.Equal(now))
}

func TestEnrollmentRepository_AdvanceLastUsed(t *testing.T) {
	repo := NewStore().Enrollments()
	ctx := context.Background()

	e, err := repo.Create(ctx, &models.MFAEnrollment{StaffID: "s1", Method: models.MFAMethodAuthenticator})
	require.NoError(t, err)

	step := time.Unix(1_700_000_010, 0)
	ok, err := repo.AdvanceLastUsed(ctx, e.ID, step)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AdvanceLastUsed(ctx, e.ID, step)
	require.NoError(t, err)
	assert.False(t, ok, "same step must not be accepted twice")

	ok, err = repo.AdvanceLastUsed(ctx, e.ID, step.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionRepository_EndedSessionsCannotBeUpdated(t *testing.T) {
	repo := NewStore().Sessions()
	ctx := context.Background()
	now := time.Now()

	sess := &models.Session{StaffID: "s1", DeviceID: "d1", State: models.SessionStateFull, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, sess))

	n, err := repo.EndAllForDevice(ctx, "d1", models.SessionEndDeviceRevoked, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = repo.Update(ctx, sess)
	assert.ErrorIs(t, err, models.ErrSessionInvalid)

	got, err := repo.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateExpired, got.State)
	assert.Equal(t, models.SessionEndDeviceRevoked, got.EndReason)
}

func TestDeviceRepository_OneLiveRecordPerFingerprint(t *testing.T) {
	repo := NewStore().Devices()
	ctx := context.Background()

	d := &models.Device{StaffID: "s1", Fingerprint: "fp", TrustState: models.TrustUntrusted}
	require.NoError(t, repo.Create(ctx, d))
	assert.ErrorIs(t, repo.Create(ctx, &models.Device{StaffID: "s1", Fingerprint: "fp", TrustState: models.TrustUntrusted}), models.ErrConflict)

	d.TrustState = models.TrustRevoked
	require.NoError(t, repo.Update(ctx, d))

	_, err := repo.GetLiveByFingerprint(ctx, "s1", "fp")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, repo.Create(ctx, &models.Device{StaffID: "s1", Fingerprint: "fp", TrustState: models.TrustUntrusted}))
}

func TestLockoutRepository_ConcurrentFailuresLockOnce(t *testing.T) {
	repo := NewStore().Lockouts()
	ctx := context.Background()
	now := time.Now()
	policy := models.DefaultLockoutPolicy()

	var transitions atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var locked bool
			_, _ = repo.Mutate(ctx, "s1", func(r *models.LockoutRecord) error {
				locked = r.ApplyFailure(now, policy)
				return nil
			})
			if locked {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), transitions.Load())
}

func TestAuditRepository_QueryNewestFirstWithTotal(t *testing.T) {
	repo := NewStore().Audit()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, &models.AuditEvent{
			EventType: models.AuditEventPrimaryAuth,
			ActorID:   "s1",
			Outcome:   models.AuditOutcomeFailure,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, repo.Append(ctx, &models.AuditEvent{EventType: models.AuditEventStepUp, ActorID: "s2", Outcome: models.AuditOutcomeSuccess, CreatedAt: base}))

	events, total, err := repo.Query(ctx, models.AuditFilter{ActorID: "s1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, events, 2)
	assert.True(t, events[0].CreatedAt.After(events[1].CreatedAt))

	events, _, err = repo.Query(ctx, models.AuditFilter{ActorID: "s1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
