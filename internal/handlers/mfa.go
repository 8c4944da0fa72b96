package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/models"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/go-webauthn/webauthn/protocol"
)

// EnrollmentServiceInterface registers second factors
type EnrollmentServiceInterface interface {
	List(ctx context.Context, staffID string) ([]*models.MFAEnrollment, error)
	BeginAuthenticator(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string) (*models.MFAEnrollment, *auth.TOTPEnrollment, error)
	ConfirmAuthenticator(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollmentID, code string, meta models.RequestMeta) (*models.MFAEnrollment, error)
	AddContact(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, destination string, meta models.RequestMeta) (*models.MFAEnrollment, *models.OTPReceipt, error)
	ConfirmContact(ctx context.Context, session *models.Session, staff *models.StaffAccount, enrollmentID, code string, meta models.RequestMeta) (*models.MFAEnrollment, error)
	BeginSecurityKey(ctx context.Context, session *models.Session, staff *models.StaffAccount) (*protocol.CredentialCreation, error)
	FinishSecurityKey(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string, body []byte, meta models.RequestMeta) (*models.MFAEnrollment, error)
	RegisterBiometric(ctx context.Context, session *models.Session, staff *models.StaffAccount, label string, publicKeyPEM []byte, meta models.RequestMeta) (*models.MFAEnrollment, error)
}

// MFAHandler handles second-factor enrollment requests
type MFAHandler struct {
	service  EnrollmentServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(service EnrollmentServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// ListEnrollments handles GET /mfa/enrollments
func (h *MFAHandler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	enrollments, err := h.service.List(r.Context(), p.Staff.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := make([]EnrollmentResponse, 0, len(enrollments))
	for _, e := range enrollments {
		resp = append(resp, toEnrollmentResponse(e))
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// BeginAuthenticator handles POST /mfa/authenticator
func (h *MFAHandler) BeginAuthenticator(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req BeginAuthenticatorRequest
	if !decode(w, r, &req) {
		return
	}

	enrollment, material, err := h.service.BeginAuthenticator(r.Context(), p.Session, p.Staff, req.Label)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BeginAuthenticatorResponse{
		EnrollmentID: enrollment.ID,
		Secret:       material.Secret,
		QRCode:       material.QRCodeDataURL,
	})
}

// ConfirmAuthenticator handles POST /mfa/authenticator/confirm
func (h *MFAHandler) ConfirmAuthenticator(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req ConfirmEnrollmentRequest
	if !decode(w, r, &req) {
		return
	}

	enrollment, err := h.service.ConfirmAuthenticator(r.Context(), p.Session, p.Staff, req.EnrollmentID, req.Code, requestMeta(r, h.ipConfig))
	if err != nil {
		h.logger.Warn("authenticator confirmation failed", slog.String("staff_id", p.Staff.ID), slog.Any("error", err))
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toEnrollmentResponse(enrollment))
}

// AddContact handles POST /mfa/contact
func (h *MFAHandler) AddContact(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req AddContactRequest
	if !decode(w, r, &req) {
		return
	}

	enrollment, receipt, err := h.service.AddContact(r.Context(), p.Session, p.Staff, req.Method, req.Destination, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusAccepted, AddContactResponse{EnrollmentID: enrollment.ID, Receipt: receipt})
}

// ConfirmContact handles POST /mfa/contact/confirm
func (h *MFAHandler) ConfirmContact(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req ConfirmEnrollmentRequest
	if !decode(w, r, &req) {
		return
	}

	enrollment, err := h.service.ConfirmContact(r.Context(), p.Session, p.Staff, req.EnrollmentID, req.Code, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toEnrollmentResponse(enrollment))
}

// BeginSecurityKey handles POST /mfa/security-key/begin
func (h *MFAHandler) BeginSecurityKey(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	creation, err := h.service.BeginSecurityKey(r.Context(), p.Session, p.Staff)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, creation)
}

// FinishSecurityKey handles POST /mfa/security-key/finish
func (h *MFAHandler) FinishSecurityKey(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req FinishSecurityKeyRequest
	if !decode(w, r, &req) {
		return
	}

	enrollment, err := h.service.FinishSecurityKey(r.Context(), p.Session, p.Staff, req.Label, []byte(req.Credential), requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, toEnrollmentResponse(enrollment))
}

// RegisterBiometric handles POST /mfa/biometric
func (h *MFAHandler) RegisterBiometric(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req RegisterBiometricRequest
	if !decode(w, r, &req) {
		return
	}

	enrollment, err := h.service.RegisterBiometric(r.Context(), p.Session, p.Staff, req.Label, []byte(req.PublicKey), requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, toEnrollmentResponse(enrollment))
}
