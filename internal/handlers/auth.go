package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/services"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
)

// CredentialServiceInterface verifies the primary credential
type CredentialServiceInterface interface {
	VerifyPrimary(ctx context.Context, identifier, password string, meta models.RequestMeta) (*services.LoginResult, error)
}

// SecondFactorServiceInterface completes and refreshes sessions
type SecondFactorServiceInterface interface {
	BeginChallenge(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod) (any, error)
	Verify(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof services.Proof, meta models.RequestMeta) (*models.Session, error)
	RequestOTP(ctx context.Context, session *models.Session, staff *models.StaffAccount, method models.MFAMethod, meta models.RequestMeta) (*models.OTPReceipt, error)
	StepUp(ctx context.Context, session *models.Session, staff *models.StaffAccount, proof services.Proof, meta models.RequestMeta) (*models.Session, error)
}

// SessionServiceInterface ends sessions at the holder's request
type SessionServiceInterface interface {
	Logout(ctx context.Context, session *models.Session, meta models.RequestMeta) error
}

// AuthHandler handles the login, second factor and step-up endpoints
type AuthHandler struct {
	credentials CredentialServiceInterface
	second      SecondFactorServiceInterface
	sessions    SessionServiceInterface
	ipConfig    *pkghttp.IPConfig
	logger      *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(credentials CredentialServiceInterface, second SecondFactorServiceInterface, sessions SessionServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		credentials: credentials,
		second:      second,
		sessions:    sessions,
		ipConfig:    ipConfig,
		logger:      logger,
	}
}

// Login handles POST /auth/login
// @Summary Verify the primary credential
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} LoginResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 423 {object} pkghttp.ErrorResponse
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.credentials.VerifyPrimary(r.Context(), req.Email, req.Password, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	methods := res.Methods
	if methods == nil {
		methods = []models.MFAMethod{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		SessionToken:       res.Token,
		State:              res.Session.State,
		MFARequired:        res.MFARequired,
		Methods:            methods,
		EnrollmentRequired: res.EnrollmentRequired,
		ExpiresAt:          res.Session.ExpiresAt,
	})
}

// Challenge handles POST /auth/mfa/challenge for security keys and biometrics
func (h *AuthHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req ChallengeRequest
	if !decode(w, r, &req) {
		return
	}

	options, err := h.second.BeginChallenge(r.Context(), p.Session, p.Staff, req.Method)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// VerifyMFA handles POST /auth/mfa/verify
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req VerifyMFARequest
	if !decode(w, r, &req) {
		return
	}

	session, err := h.second.Verify(r.Context(), p.Session, p.Staff, services.Proof{
		Method:    req.Method,
		Code:      req.Code,
		Assertion: []byte(req.Assertion),
	}, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

// RequestOTP handles POST /auth/otp. A full session gets a step-up code.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req OTPRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := h.second.RequestOTP(r.Context(), p.Session, p.Staff, req.Method, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusAccepted, receipt)
}

// StepUp handles POST /auth/step-up
func (h *AuthHandler) StepUp(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req StepUpRequest
	if !decode(w, r, &req) {
		return
	}

	session, err := h.second.StepUp(r.Context(), p.Session, p.Staff, services.Proof{
		Method:    req.Method,
		Code:      req.Code,
		Assertion: []byte(req.Assertion),
		Password:  req.Password,
	}, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Logout(r.Context(), p.Session, requestMeta(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
