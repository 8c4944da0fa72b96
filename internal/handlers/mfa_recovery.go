package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/services"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
)

// RecoveryServiceInterface issues and spends backup codes
type RecoveryServiceInterface interface {
	GenerateBackupCodes(ctx context.Context, staffID string, meta models.RequestMeta) ([]string, error)
	UnlockWithBackupCode(ctx context.Context, identifier, code string, meta models.RequestMeta) (*services.UnlockResult, error)
}

// RecoveryHandler handles backup code requests
type RecoveryHandler struct {
	service  RecoveryServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(service RecoveryServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// Unlock handles POST /auth/unlock. The device presenting the code must send
// its fingerprint and becomes trusted on success.
func (h *RecoveryHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.service.UnlockWithBackupCode(r.Context(), req.Email, req.Code, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := UnlockResponse{Unlocked: true, RemainingCodes: result.RemainingCodes}
	if result.Device != nil {
		resp.DeviceID = result.Device.ID
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// GenerateBackupCodes handles POST /mfa/backup-codes. Any previous set stops working.
func (h *RecoveryHandler) GenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.Session.IsFull() {
		pkghttp.WriteForbidden(w, "Complete verification before generating backup codes")
		return
	}

	codes, err := h.service.GenerateBackupCodes(r.Context(), p.Staff.ID, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{
		Codes:   codes,
		Message: "Store these codes somewhere safe. Each code works once and they will not be shown again.",
	})
}
