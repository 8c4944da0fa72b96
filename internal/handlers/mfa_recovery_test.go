package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/services"
	"github.com/stretchr/testify/assert"
)

func TestUnlock_Success(t *testing.T) {
	var gotMeta models.RequestMeta
	svc := &MockRecoveryService{
		UnlockWithBackupCodeFunc: func(ctx context.Context, identifier, code string, meta models.RequestMeta) (*services.UnlockResult, error) {
			gotMeta = meta
			return &services.UnlockResult{StaffID: "n1", Device: &models.Device{ID: "d1"}, RemainingCodes: 7}, nil
		},
	}
	h := NewRecoveryHandler(svc, nil, testLogger)

	req := NewTestRequest(t, "POST", "/auth/unlock", UnlockRequest{Email: "n1@clinic.test", Code: "12345678"})
	req.Header.Set(DeviceFingerprintHeader, "fp-1")
	w := httptest.NewRecorder()
	h.Unlock(w, req)

	var resp UnlockResponse
	AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.Unlocked)
	assert.Equal(t, "d1", resp.DeviceID)
	assert.Equal(t, 7, resp.RemainingCodes)
	assert.Equal(t, "fp-1", gotMeta.DeviceFingerprint)
}

func TestUnlock_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"code already used", models.ErrExpiredOrConsumedCode, http.StatusGone, "expired_or_consumed_code"},
		{"wrong code", models.ErrInvalidSecondFactor, http.StatusUnauthorized, "invalid_second_factor"},
		{"not locked", models.ErrNotLocked, http.StatusConflict, "conflict"},
		{"admin lock", &models.LockedError{Reason: models.LockReasonAdminLock, AdminReviewRequired: true}, http.StatusLocked, "account_locked"},
		{"pending device", models.ErrDeviceNotTrusted, http.StatusForbidden, "device_not_trusted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockRecoveryService{
				UnlockWithBackupCodeFunc: func(ctx context.Context, identifier, code string, meta models.RequestMeta) (*services.UnlockResult, error) {
					return nil, tt.err
				},
			}
			h := NewRecoveryHandler(svc, nil, testLogger)

			w := httptest.NewRecorder()
			h.Unlock(w, NewTestRequest(t, "POST", "/auth/unlock", UnlockRequest{Email: "n1@clinic.test", Code: "12345678"}))

			AssertErrorResponse(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestUnlock_MalformedCode(t *testing.T) {
	for _, code := range []string{"1234567", "123456789", "1234abcd"} {
		t.Run(code, func(t *testing.T) {
			h := NewRecoveryHandler(&MockRecoveryService{}, nil, testLogger)
			w := httptest.NewRecorder()
			h.Unlock(w, NewTestRequest(t, "POST", "/auth/unlock", UnlockRequest{Email: "n1@clinic.test", Code: code}))

			AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
		})
	}
}

func TestGenerateBackupCodes(t *testing.T) {
	svc := &MockRecoveryService{
		GenerateBackupCodesFunc: func(ctx context.Context, staffID string, meta models.RequestMeta) ([]string, error) {
			return []string{"11111111", "22222222"}, nil
		},
	}
	h := NewRecoveryHandler(svc, nil, testLogger)

	req := WithPrincipal(httptest.NewRequest("POST", "/mfa/backup-codes", nil), testStaff("n1", models.RoleNurse), models.SessionStateFull)
	w := httptest.NewRecorder()
	h.GenerateBackupCodes(w, req)

	var resp BackupCodesResponse
	AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, []string{"11111111", "22222222"}, resp.Codes)
	assert.NotEmpty(t, resp.Message)
}

func TestGenerateBackupCodes_PartialSessionForbidden(t *testing.T) {
	called := false
	svc := &MockRecoveryService{
		GenerateBackupCodesFunc: func(ctx context.Context, staffID string, meta models.RequestMeta) ([]string, error) {
			called = true
			return nil, nil
		},
	}
	h := NewRecoveryHandler(svc, nil, testLogger)

	req := WithPrincipal(httptest.NewRequest("POST", "/mfa/backup-codes", nil), testStaff("n1", models.RoleNurse), models.SessionStatePartial)
	w := httptest.NewRecorder()
	h.GenerateBackupCodes(w, req)

	AssertErrorResponse(t, w, http.StatusForbidden, "forbidden")
	assert.False(t, called)
}
