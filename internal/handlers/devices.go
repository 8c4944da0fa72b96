package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/services"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/go-chi/chi/v5"
)

// DeviceServiceInterface is the device trust registry contract
type DeviceServiceInterface interface {
	Register(ctx context.Context, identifier, fingerprint, name, justification string, meta models.RequestMeta) (*models.Device, error)
	RequestIdentityOTP(ctx context.Context, deviceID string, channel models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error)
	VerifyIdentity(ctx context.Context, deviceID string, proof services.IdentityProof, meta models.RequestMeta) (*models.Device, error)
	Approve(ctx context.Context, deviceID string, approver *models.StaffAccount, meta models.RequestMeta) (*models.Device, error)
	Revoke(ctx context.Context, deviceID string, actor *models.StaffAccount, reason string, meta models.RequestMeta) error
	ReportLost(ctx context.Context, deviceID string, actor *models.StaffAccount, meta models.RequestMeta) error
	List(ctx context.Context, staffID string) ([]*models.Device, error)
	ListPending(ctx context.Context, limit, offset int) ([]*models.Device, error)
}

// DeviceHandler handles device registration and trust management
type DeviceHandler struct {
	service  DeviceServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewDeviceHandler creates a new DeviceHandler
func NewDeviceHandler(service DeviceServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// RegistrationResponse acknowledges a registration request
type RegistrationResponse struct {
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// Register handles POST /devices/register. The response is identical for
// known and unknown accounts.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	fingerprint := pkghttp.DeviceFingerprint(r)
	if fingerprint == "" {
		pkghttp.WriteBadRequest(w, "Missing or malformed "+DeviceFingerprintHeader+" header")
		return
	}
	var req RegisterDeviceRequest
	if !decode(w, r, &req) {
		return
	}

	device, err := h.service.Register(r.Context(), req.Email, fingerprint, req.Name, req.Justification, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, RegistrationResponse{
		DeviceID: device.ID,
		Message:  "Registration received. Verify your identity to continue.",
	})
}

// RequestIdentityOTP handles POST /devices/{id}/identity-otp
func (h *DeviceHandler) RequestIdentityOTP(w http.ResponseWriter, r *http.Request) {
	var req IdentityOTPRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := h.service.RequestIdentityOTP(r.Context(), chi.URLParam(r, "id"), req.Channel, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusAccepted, receipt)
}

// VerifyIdentity handles POST /devices/{id}/verify-identity
func (h *DeviceHandler) VerifyIdentity(w http.ResponseWriter, r *http.Request) {
	var req VerifyIdentityRequest
	if !decode(w, r, &req) {
		return
	}

	device, err := h.service.VerifyIdentity(r.Context(), chi.URLParam(r, "id"), services.IdentityProof{
		Method:  models.MFAMethodEmergencyOTP,
		Channel: req.Channel,
		Code:    req.Code,
	}, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toDeviceResponse(device))
}

// Vouch handles POST /devices/{id}/supervisor-approval. The caller vouches for
// the owner's identity as their supervisor, or as an admin after a manual check.
func (h *DeviceHandler) Vouch(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	method := models.MFAMethodSupervisor
	if p.Staff.Role == models.RoleAdmin {
		method = models.MFAMethodAdminManual
	}

	device, err := h.service.VerifyIdentity(r.Context(), chi.URLParam(r, "id"), services.IdentityProof{
		Method:   method,
		Approver: p.Staff,
	}, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toDeviceResponse(device))
}

// Approve handles POST /devices/{id}/approve
func (h *DeviceHandler) Approve(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	device, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), p.Staff, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("device approved",
		slog.String("device_id", device.ID),
		slog.String("staff_id", device.StaffID),
		slog.String("approver_id", p.Staff.ID))
	pkghttp.WriteJSON(w, http.StatusOK, toDeviceResponse(device))
}

// ListPending handles GET /admin/devices/pending
func (h *DeviceHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	devices, err := h.service.ListPending(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toDeviceResponses(devices))
}

// List handles GET /devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	devices, err := h.service.List(r.Context(), p.Staff.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toDeviceResponses(devices))
}

// Revoke handles DELETE /devices/{id}
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	reason := services.RevokeReasonRemoved
	if p.Staff.Role == models.RoleAdmin {
		reason = services.RevokeReasonAdmin
	}
	if err := h.service.Revoke(r.Context(), chi.URLParam(r, "id"), p.Staff, reason, requestMeta(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReportLost handles POST /devices/{id}/report-lost
func (h *DeviceHandler) ReportLost(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.service.ReportLost(r.Context(), chi.URLParam(r, "id"), p.Staff, requestMeta(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toDeviceResponses(devices []*models.Device) []DeviceResponse {
	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, toDeviceResponse(d))
	}
	return resp
}

// pagination reads limit and offset, falling back to 50 and 0
func pagination(r *http.Request) (int, int) {
	limit := 50
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
