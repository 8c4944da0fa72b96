package services

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/neurolock/internal/access"
	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/factors"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	"github.com/BradenHooton/neurolock/internal/repositories/memory"
	pkgauth "github.com/BradenHooton/neurolock/pkg/auth"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	t0         = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	testPepper = []byte("test-pepper")
)

const testPassword = "Clinic-Rounds-2026!"

// fixture wires every service over one memory store and a fake clock.
type fixture struct {
	store     *memory.Store
	lockStore *flakyLockouts
	clock     *FakeClock
	sms       *MockCodeSender
	email     *MockCodeSender
	publisher *MockAuditPublisher
	totp      *auth.TOTPManager

	audit       *AuditService
	lockouts    *LockoutService
	sessions    *SessionService
	limiter     *RateLimitService
	otp         *OTPIssuer
	verifiers   *factors.Registry
	devices     *DeviceService
	credentials *CredentialService
	second      *SecondFactorService
	access      *AccessService
	recovery    *RecoveryService
	enrollment  *EnrollmentService
	staff       *StaffService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	clock := NewFakeClock(t0)

	f := &fixture{
		store:     store,
		lockStore: &flakyLockouts{LockoutRepository: store.Lockouts()},
		clock:     clock,
		sms:       &MockCodeSender{},
		email:     &MockCodeSender{},
		publisher: &MockAuditPublisher{},
	}

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	f.totp, err = auth.NewTOTPManager(key, "NeuroLock Test")
	require.NoError(t, err)

	policy, err := access.DefaultPolicy()
	require.NoError(t, err)
	evaluator := access.NewEvaluator(policy)

	tm := auth.NewTokenManager("test-secret-that-is-long-enough-for-hs256", 12*time.Hour)

	f.audit = NewAuditService(store.Audit(), f.publisher, logger, clock.Now)
	f.lockouts = NewLockoutService(f.lockStore, store.Sessions(), f.audit, models.DefaultLockoutPolicy(), logger, clock.Now)
	f.sessions = NewSessionService(store.Sessions(), store.Staff(), f.lockouts, tm, f.audit, DefaultSessionConfig(), logger, clock.Now)
	f.limiter = NewRateLimitService(RateLimitConfig{PerMinute: 600, Burst: 100}, logger, clock.Now)
	f.otp = NewOTPIssuer(store.OneTimeCodes(), map[models.MFAMethod]CodeSender{
		models.MFAMethodSMS:   f.sms,
		models.MFAMethodEmail: f.email,
	}, f.audit, OTPConfig{
		TTL:            10 * time.Minute,
		ResendInterval: 30 * time.Second,
		Length:         6,
		Pepper:         testPepper,
	}, logger, clock.Now)
	f.verifiers = factors.NewRegistry(
		factors.NewTOTPVerifier(store.Enrollments(), f.totp),
		factors.NewOTPVerifier(models.MFAMethodSMS, store.OneTimeCodes(), testPepper),
		factors.NewOTPVerifier(models.MFAMethodEmail, store.OneTimeCodes(), testPepper),
		factors.NewEmergencyOTPVerifier(store.OneTimeCodes(), testPepper),
		factors.NewBiometricVerifier(store.Enrollments()),
		factors.SupervisorVerifier{},
		factors.AdminManualVerifier{},
	)
	f.devices = NewDeviceService(store.Devices(), store.Staff(), store.Enrollments(), f.sessions, f.lockouts,
		f.limiter, f.otp, f.verifiers, f.audit, DeviceConfig{TrustTTL: 30 * 24 * time.Hour}, logger, clock.Now)
	f.credentials = NewCredentialService(store.Staff(), store.Enrollments(), f.sessions, f.lockouts, f.devices,
		f.limiter, nil, f.audit, logger, clock.Now)
	f.second = NewSecondFactorService(store.Enrollments(), f.verifiers, f.sessions, f.lockouts, f.devices,
		f.limiter, f.otp, evaluator.StepUpMethods(), f.audit, logger, clock.Now)
	f.access = NewAccessService(evaluator, f.audit, logger, clock.Now)
	f.recovery = NewRecoveryService(store.Staff(), store.BackupCodes(), f.lockouts, f.devices, f.limiter, f.audit, logger, clock.Now)
	f.enrollment = NewEnrollmentService(store.Enrollments(), f.sessions, f.lockouts, f.totp, f.verifiers, f.otp, nil, f.audit, logger, clock.Now)
	f.staff = NewStaffService(store.Staff(), f.sessions, f.lockouts, f.audit, logger, clock.Now)
	return f
}

// flakyLockouts fails every Mutate with err once failWith is called.
type flakyLockouts struct {
	repositories.LockoutRepository

	mu  sync.Mutex
	err error
}

func (r *flakyLockouts) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *flakyLockouts) Mutate(ctx context.Context, key string, fn func(*models.LockoutRecord) error) (*models.LockoutRecord, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.LockoutRepository.Mutate(ctx, key, fn)
}

func meta(fingerprint string) models.RequestMeta {
	return models.RequestMeta{IPAddress: "10.0.0.7", UserAgent: "ward-terminal/1.0", DeviceFingerprint: fingerprint}
}

// addStaff stores an active account with testPassword at minimum bcrypt cost.
func (f *fixture) addStaff(t *testing.T, role models.Role, email string) *models.StaffAccount {
	t.Helper()
	hash, err := pkgauth.HashPasswordWithCost(testPassword, bcrypt.MinCost)
	require.NoError(t, err)
	staff, err := f.store.Staff().Create(context.Background(), &models.StaffAccount{
		Email:        email,
		Name:         string(role),
		Role:         role,
		PasswordHash: hash,
		Status:       models.StaffStatusActive,
	})
	require.NoError(t, err)
	return staff
}

// enrollTOTP gives staff a verified authenticator and returns its secret.
func (f *fixture) enrollTOTP(t *testing.T, staff *models.StaffAccount) string {
	t.Helper()
	material, err := f.totp.Enroll(staff.Email)
	require.NoError(t, err)
	verifiedAt := f.clock.Now().Add(-24 * time.Hour)
	_, err = f.store.Enrollments().Create(context.Background(), &models.MFAEnrollment{
		StaffID:         staff.ID,
		Method:          models.MFAMethodAuthenticator,
		Label:           "phone",
		SecretEncrypted: material.SecretEncrypted,
		SecretNonce:     material.SecretNonce,
		VerifiedAt:      &verifiedAt,
	})
	require.NoError(t, err)
	return material.Secret
}

// enrollContact gives staff a verified SMS or email destination.
func (f *fixture) enrollContact(t *testing.T, staff *models.StaffAccount, method models.MFAMethod, destination string) {
	t.Helper()
	verifiedAt := f.clock.Now().Add(-24 * time.Hour)
	_, err := f.store.Enrollments().Create(context.Background(), &models.MFAEnrollment{
		StaffID:     staff.ID,
		Method:      method,
		Destination: destination,
		VerifiedAt:  &verifiedAt,
	})
	require.NoError(t, err)
}

func (f *fixture) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := auth.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	return code
}

// fullLogin runs password then TOTP and returns the full session.
func (f *fixture) fullLogin(t *testing.T, staff *models.StaffAccount, secret, fingerprint string) *models.Session {
	t.Helper()
	ctx := context.Background()
	res, err := f.credentials.VerifyPrimary(ctx, staff.Email, testPassword, meta(fingerprint))
	require.NoError(t, err)
	require.True(t, res.MFARequired)

	session, err := f.second.Verify(ctx, res.Session, staff, Proof{
		Method: models.MFAMethodAuthenticator,
		Code:   f.totpCode(t, secret),
	}, meta(fingerprint))
	require.NoError(t, err)
	return session
}

func (f *fixture) events(t *testing.T, eventType string) []*models.AuditEvent {
	t.Helper()
	events, _, err := f.store.Audit().Query(context.Background(), models.AuditFilter{
		EventTypes: []string{eventType},
		Limit:      100,
	})
	require.NoError(t, err)
	return events
}

func (f *fixture) lockRecord(t *testing.T, staffID string) *models.LockoutRecord {
	t.Helper()
	rec, err := f.lockouts.Status(context.Background(), LockoutKey(staffID))
	require.NoError(t, err)
	return rec
}
