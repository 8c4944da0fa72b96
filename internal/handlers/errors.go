package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/models"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
)

// DeviceFingerprintHeader carries the client's device fingerprint
const DeviceFingerprintHeader = pkghttp.DeviceFingerprintHeader

// requestMeta collects the caller's network context for audit events
func requestMeta(r *http.Request, ipConfig *pkghttp.IPConfig) models.RequestMeta {
	return models.RequestMeta{
		IPAddress:         pkghttp.ExtractClientIP(r, ipConfig),
		UserAgent:         pkghttp.UserAgent(r),
		DeviceFingerprint: pkghttp.DeviceFingerprint(r),
	}
}

// writeServiceError maps the verification taxonomy onto HTTP responses.
// Anything unrecognized is logged and reported as a 500.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		locked  *models.LockedError
		stepUp  *models.StepUpError
		limited *models.RateLimitError
	)
	switch {
	case errors.As(err, &locked):
		pkghttp.WriteAccountLocked(w, string(locked.Reason), locked.RemainingTime, locked.AdminReviewRequired)
	case errors.As(err, &limited):
		pkghttp.WriteRateLimited(w, limited.RetryAfter)
	case errors.As(err, &stepUp):
		auth.WriteAccessError(w, stepUp)
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid credentials")
	case errors.Is(err, models.ErrInvalidSecondFactor):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_second_factor", "Verification failed")
	case errors.Is(err, models.ErrExpiredOrConsumedCode):
		pkghttp.WriteError(w, http.StatusGone, "expired_or_consumed_code", "Code is expired or has already been used")
	case errors.Is(err, models.ErrDeviceNotTrusted):
		pkghttp.WriteError(w, http.StatusForbidden, "device_not_trusted", "This device is not trusted")
	case errors.Is(err, models.ErrPermissionDenied):
		pkghttp.WriteError(w, http.StatusForbidden, "permission_denied", "Your role does not permit this operation")
	case errors.Is(err, models.ErrNoEnrollment):
		pkghttp.WriteError(w, http.StatusBadRequest, "no_enrollment", "No verified enrollment for this method")
	case errors.Is(err, models.ErrNotLocked):
		pkghttp.WriteConflict(w, "Account is not locked")
	case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrSessionInvalid):
		pkghttp.WriteUnauthorized(w, "Session is not valid for this operation")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, err.Error())
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Not found")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, err.Error())
	default:
		if logger != nil {
			logger.Error("request failed", slog.Any("error", err))
		}
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// principal returns the session holder or writes a 401
func principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p := auth.GetPrincipal(r)
	if p == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return nil, false
	}
	return p, true
}

// decode reads and validates a JSON body into req
func decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := decodeJSON(r, req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}
