package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/services"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AdminServiceInterface defines the staff administration contract.
type AdminServiceInterface interface {
	Create(ctx context.Context, actorID string, in services.CreateStaffInput, meta models.RequestMeta) (*models.StaffAccount, error)
	Get(ctx context.Context, id string) (*models.StaffAccount, error)
	List(ctx context.Context, limit, offset int) ([]*models.StaffAccount, error)
	SetStatus(ctx context.Context, actorID, id, status string, meta models.RequestMeta) (*models.StaffAccount, error)
	Lock(ctx context.Context, actorID, id string, reason models.LockReason, meta models.RequestMeta) (*models.LockoutRecord, error)
	Unlock(ctx context.Context, actorID, id string, meta models.RequestMeta) error
	LockStatus(ctx context.Context, id string) (*models.LockoutRecord, error)
}

// AdminHandler handles staff administration HTTP requests.
type AdminHandler struct {
	service  AdminServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// CreateStaff handles POST /admin/staff
func (h *AdminHandler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req CreateStaffRequest
	if !decode(w, r, &req) {
		return
	}

	staff, err := h.service.Create(r.Context(), p.Staff.ID, services.CreateStaffInput{
		Email:    req.Email,
		Name:     req.Name,
		Role:     req.Role,
		Password: req.Password,
	}, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, toStaffResponse(staff))
}

// ListStaff handles GET /admin/staff
// Accepts optional ?limit=N (1-100, default 50) and ?offset=N.
func (h *AdminHandler) ListStaff(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	staff, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := make([]StaffResponse, 0, len(staff))
	for _, s := range staff {
		resp = append(resp, toStaffResponse(s))
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// GetStaff handles GET /admin/staff/{id}
func (h *AdminHandler) GetStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toStaffResponse(staff))
}

// SetStatus handles PATCH /admin/staff/{id}/status
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !decode(w, r, &req) {
		return
	}

	staff, err := h.service.SetStatus(r.Context(), p.Staff.ID, chi.URLParam(r, "id"), req.Status, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toStaffResponse(staff))
}

// Lock handles POST /admin/staff/{id}/lock
func (h *AdminHandler) Lock(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req LockRequest
	if !decode(w, r, &req) {
		return
	}

	rec, err := h.service.Lock(r.Context(), p.Staff.ID, chi.URLParam(r, "id"), req.Reason, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toLockStatusResponse(rec))
}

// Unlock handles POST /admin/staff/{id}/unlock
func (h *AdminHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.service.Unlock(r.Context(), p.Staff.ID, chi.URLParam(r, "id"), requestMeta(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LockStatus handles GET /admin/staff/{id}/lock
func (h *AdminHandler) LockStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.LockStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toLockStatusResponse(rec))
}

func toLockStatusResponse(rec *models.LockoutRecord) LockStatusResponse {
	resp := LockStatusResponse{FailedCount: rec.FailedCount}
	if rec.IsLocked(time.Now()) {
		resp.Locked = true
		resp.Reason = rec.Reason
		resp.LockedUntil = rec.LockedUntil
		resp.AdminReviewRequired = rec.LockedUntil == nil
	}
	return resp
}
