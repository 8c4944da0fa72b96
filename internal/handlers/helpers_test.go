package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/services"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithPrincipal attaches a session holder to the request context
func WithPrincipal(req *http.Request, staff *models.StaffAccount, state models.SessionState) *http.Request {
	now := time.Now()
	session := &models.Session{
		ID:             "session-" + staff.ID,
		StaffID:        staff.ID,
		State:          state,
		CreatedAt:      now,
		LastVerifiedAt: now,
		LastSeenAt:     now,
		ExpiresAt:      now.Add(time.Hour),
	}
	if state == models.SessionStateFull {
		session.FactorsSatisfied = []models.Factor{models.FactorPassword, models.FactorTOTP}
		session.EstablishedAt = &now
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{Session: session, Staff: staff}))
}

// WithURLParam sets a chi route parameter on the request
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

func testStaff(id string, role models.Role) *models.StaffAccount {
	return &models.StaffAccount{
		ID:     id,
		Email:  id + "@clinic.test",
		Name:   "Test " + id,
		Role:   role,
		Status: models.StaffStatusActive,
	}
}

// MockCredentialService implements CredentialServiceInterface for testing
type MockCredentialService struct {
	VerifyPrimaryFunc func(ctx context.Context, identifier, password string, meta models.RequestMeta) (*services.LoginResult, error)
}

func (m *MockCredentialService) VerifyPrimary(ctx context.Context, identifier, password string, meta models.RequestMeta) (*services.LoginResult, error) {
	if m.VerifyPrimaryFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.VerifyPrimaryFunc(ctx, identifier, password, meta)
}

// MockSecondFactorService implements SecondFactorServiceInterface for testing
type MockSecondFactorService struct {
	BeginChallengeFunc func(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod) (any, error)
	VerifyFunc         func(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof services.Proof, meta models.RequestMeta) (*models.Session, error)
	RequestOTPFunc     func(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error)
	StepUpFunc         func(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof services.Proof, meta models.RequestMeta) (*models.Session, error)
}

func (m *MockSecondFactorService) BeginChallenge(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod) (any, error) {
	if m.BeginChallengeFunc == nil {
		return nil, models.ErrNoEnrollment
	}
	return m.BeginChallengeFunc(ctx, session, staff, method)
}

func (m *MockSecondFactorService) Verify(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof services.Proof, meta models.RequestMeta) (*models.Session, error) {
	if m.VerifyFunc == nil {
		return nil, models.ErrInvalidSecondFactor
	}
	return m.VerifyFunc(ctx, session, staff, proof, meta)
}

func (m *MockSecondFactorService) RequestOTP(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error) {
	if m.RequestOTPFunc == nil {
		return nil, models.ErrNoEnrollment
	}
	return m.RequestOTPFunc(ctx, session, staff, method, meta)
}

func (m *MockSecondFactorService) StepUp(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof services.Proof, meta models.RequestMeta) (*models.Session, error) {
	if m.StepUpFunc == nil {
		return nil, models.ErrInvalidSecondFactor
	}
	return m.StepUpFunc(ctx, session, staff, proof, meta)
}

// MockSessionService implements SessionServiceInterface for testing
type MockSessionService struct {
	LogoutFunc func(ctx context.Context, session *models.Session, meta models.RequestMeta) error
}

func (m *MockSessionService) Logout(ctx context.Context, session *models.Session, meta models.RequestMeta) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, session, meta)
}

// MockRecoveryService implements RecoveryServiceInterface for testing
type MockRecoveryService struct {
	GenerateBackupCodesFunc  func(ctx context.Context, staffID string, meta models.RequestMeta) ([]string, error)
	UnlockWithBackupCodeFunc func(ctx context.Context, identifier, code string, meta models.RequestMeta) (*services.UnlockResult, error)
}

func (m *MockRecoveryService) GenerateBackupCodes(ctx context.Context, staffID string, meta models.RequestMeta) ([]string, error) {
	if m.GenerateBackupCodesFunc == nil {
		return nil, models.ErrInternalServer
	}
	return m.GenerateBackupCodesFunc(ctx, staffID, meta)
}

func (m *MockRecoveryService) UnlockWithBackupCode(ctx context.Context, identifier, code string, meta models.RequestMeta) (*services.UnlockResult, error) {
	if m.UnlockWithBackupCodeFunc == nil {
		return nil, models.ErrInvalidSecondFactor
	}
	return m.UnlockWithBackupCodeFunc(ctx, identifier, code, meta)
}

// MockDeviceService implements DeviceServiceInterface for testing
type MockDeviceService struct {
	RegisterFunc           func(ctx context.Context, identifier, fingerprint, name, justification string, meta models.RequestMeta) (*models.Device, error)
	RequestIdentityOTPFunc func(ctx context.Context, deviceID string, channel models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error)
	VerifyIdentityFunc     func(ctx context.Context, deviceID string, proof services.IdentityProof, meta models.RequestMeta) (*models.Device, error)
	ApproveFunc            func(ctx context.Context, deviceID string, approver *models.StaffAccount, meta models.RequestMeta) (*models.Device, error)
	RevokeFunc             func(ctx context.Context, deviceID string, actor *models.StaffAccount, reason string, meta models.RequestMeta) error
	ListFunc               func(ctx context.Context, staffID string) ([]*models.Device, error)
	ListPendingFunc        func(ctx context.Context, limit, offset int) ([]*models.Device, error)
}

func (m *MockDeviceService) Register(ctx context.Context, identifier, fingerprint, name, justification string, meta models.RequestMeta) (*models.Device, error) {
	if m.RegisterFunc == nil {
		return &models.Device{ID: "device-1"}, nil
	}
	return m.RegisterFunc(ctx, identifier, fingerprint, name, justification, meta)
}

func (m *MockDeviceService) RequestIdentityOTP(ctx context.Context, deviceID string, channel models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error) {
	if m.RequestIdentityOTPFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.RequestIdentityOTPFunc(ctx, deviceID, channel, meta)
}

func (m *MockDeviceService) VerifyIdentity(ctx context.Context, deviceID string, proof services.IdentityProof, meta models.RequestMeta) (*models.Device, error) {
	if m.VerifyIdentityFunc == nil {
		return nil, models.ErrInvalidSecondFactor
	}
	return m.VerifyIdentityFunc(ctx, deviceID, proof, meta)
}

func (m *MockDeviceService) Approve(ctx context.Context, deviceID string, approver *models.StaffAccount, meta models.RequestMeta) (*models.Device, error) {
	if m.ApproveFunc == nil {
		return nil, models.ErrPermissionDenied
	}
	return m.ApproveFunc(ctx, deviceID, approver, meta)
}

func (m *MockDeviceService) Revoke(ctx context.Context, deviceID string, actor *models.StaffAccount, reason string, meta models.RequestMeta) error {
	if m.RevokeFunc == nil {
		return nil
	}
	return m.RevokeFunc(ctx, deviceID, actor, reason, meta)
}

func (m *MockDeviceService) ReportLost(ctx context.Context, deviceID string, actor *models.StaffAccount, meta models.RequestMeta) error {
	return m.Revoke(ctx, deviceID, actor, services.RevokeReasonLost, meta)
}

func (m *MockDeviceService) List(ctx context.Context, staffID string) ([]*models.Device, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, staffID)
}

func (m *MockDeviceService) ListPending(ctx context.Context, limit, offset int) ([]*models.Device, error) {
	if m.ListPendingFunc == nil {
		return nil, nil
	}
	return m.ListPendingFunc(ctx, limit, offset)
}

// MockAuditService implements AuditServiceInterface for testing
type MockAuditService struct {
	QueryFunc func(ctx context.Context, f models.AuditFilter) (*models.AuditPage, error)
}

func (m *MockAuditService) Query(ctx context.Context, f models.AuditFilter) (*models.AuditPage, error) {
	if m.QueryFunc == nil {
		return &models.AuditPage{Events: []*models.AuditEvent{}}, nil
	}
	return m.QueryFunc(ctx, f)
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	CreateFunc     func(ctx context.Context, actorID string, in services.CreateStaffInput, meta models.RequestMeta) (*models.StaffAccount, error)
	GetFunc        func(ctx context.Context, id string) (*models.StaffAccount, error)
	ListFunc       func(ctx context.Context, limit, offset int) ([]*models.StaffAccount, error)
	SetStatusFunc  func(ctx context.Context, actorID, id, status string, meta models.RequestMeta) (*models.StaffAccount, error)
	LockFunc       func(ctx context.Context, actorID, id string, reason models.LockReason, meta models.RequestMeta) (*models.LockoutRecord, error)
	UnlockFunc     func(ctx context.Context, actorID, id string, meta models.RequestMeta) error
	LockStatusFunc func(ctx context.Context, id string) (*models.LockoutRecord, error)
}

func (m *MockAdminService) Create(ctx context.Context, actorID string, in services.CreateStaffInput, meta models.RequestMeta) (*models.StaffAccount, error) {
	if m.CreateFunc == nil {
		return nil, models.ErrConflict
	}
	return m.CreateFunc(ctx, actorID, in, meta)
}

func (m *MockAdminService) Get(ctx context.Context, id string) (*models.StaffAccount, error) {
	if m.GetFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetFunc(ctx, id)
}

func (m *MockAdminService) List(ctx context.Context, limit, offset int) ([]*models.StaffAccount, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, limit, offset)
}

func (m *MockAdminService) SetStatus(ctx context.Context, actorID, id, status string, meta models.RequestMeta) (*models.StaffAccount, error) {
	if m.SetStatusFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.SetStatusFunc(ctx, actorID, id, status, meta)
}

func (m *MockAdminService) Lock(ctx context.Context, actorID, id string, reason models.LockReason, meta models.RequestMeta) (*models.LockoutRecord, error) {
	if m.LockFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.LockFunc(ctx, actorID, id, reason, meta)
}

func (m *MockAdminService) Unlock(ctx context.Context, actorID, id string, meta models.RequestMeta) error {
	if m.UnlockFunc == nil {
		return models.ErrNotLocked
	}
	return m.UnlockFunc(ctx, actorID, id, meta)
}

func (m *MockAdminService) LockStatus(ctx context.Context, id string) (*models.LockoutRecord, error) {
	if m.LockStatusFunc == nil {
		return &models.LockoutRecord{Key: id}, nil
	}
	return m.LockStatusFunc(ctx, id)
}

// MockAccessChecker implements auth.AccessChecker for testing
type MockAccessChecker struct {
	CheckAccessFunc func(ctx context.Context, session *models.Session, staff *models.StaffAccount, category models.ResourceCategory, meta models.RequestMeta) (*models.AccessResult, error)
}

func (m *MockAccessChecker) CheckAccess(ctx context.Context, session *models.Session, staff *models.StaffAccount, category models.ResourceCategory, meta models.RequestMeta) (*models.AccessResult, error) {
	if m.CheckAccessFunc == nil {
		return nil, models.ErrPermissionDenied
	}
	return m.CheckAccessFunc(ctx, session, staff, category, meta)
}

// MockEnrollmentService implements EnrollmentServiceInterface for testing
type MockEnrollmentService struct {
	ListFunc                 func(ctx context.Context, staffID string) ([]*models.MFAEnrollment, error)
	BeginAuthenticatorFunc   func(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string) (*models.MFAEnrollment, *auth.TOTPEnrollment, error)
	ConfirmAuthenticatorFunc func(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollmentID, code string, meta models.RequestMeta) (*models.MFAEnrollment, error)
	AddContactFunc           func(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, destination string, meta models.RequestMeta) (*models.MFAEnrollment, *models.OTPReceipt, error)
	RegisterBiometricFunc    func(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string, publicKeyPEM []byte, meta models.RequestMeta) (*models.MFAEnrollment, error)
}

func (m *MockEnrollmentService) List(ctx context.Context, staffID string) ([]*models.MFAEnrollment, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, staffID)
}

func (m *MockEnrollmentService) BeginAuthenticator(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string) (*models.MFAEnrollment, *auth.TOTPEnrollment, error) {
	if m.BeginAuthenticatorFunc == nil {
		return nil, nil, models.ErrForbidden
	}
	return m.BeginAuthenticatorFunc(ctx, session, staff, label)
}

func (m *MockEnrollmentService) ConfirmAuthenticator(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollmentID, code string, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	if m.ConfirmAuthenticatorFunc == nil {
		return nil, models.ErrInvalidSecondFactor
	}
	return m.ConfirmAuthenticatorFunc(ctx, session, staff, enrollmentID, code, meta)
}

func (m *MockEnrollmentService) AddContact(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, destination string, meta models.RequestMeta) (*models.MFAEnrollment, *models.OTPReceipt, error) {
	if m.AddContactFunc == nil {
		return nil, nil, models.ErrForbidden
	}
	return m.AddContactFunc(ctx, session, staff, method, destination, meta)
}

func (m *MockEnrollmentService) ConfirmContact(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollmentID, code string, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	return m.ConfirmAuthenticator(ctx, session, staff, enrollmentID, code, meta)
}

func (m *MockEnrollmentService) BeginSecurityKey(ctx context.Context, session *models.Session, staff *models.StaffAccount) (*protocol.CredentialCreation, error) {
	return &protocol.CredentialCreation{}, nil
}

func (m *MockEnrollmentService) FinishSecurityKey(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string, body []byte, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	return nil, models.ErrInvalidSecondFactor
}

func (m *MockEnrollmentService) RegisterBiometric(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string, publicKeyPEM []byte, meta models.RequestMeta) (*models.MFAEnrollment, error) {
	if m.RegisterBiometricFunc == nil {
		return nil, models.ErrBadRequest
	}
	return m.RegisterBiometricFunc(ctx, session, staff, label, publicKeyPEM, meta)
}
