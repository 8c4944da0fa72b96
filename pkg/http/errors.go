package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`             // Machine-readable error code
	Message string `json:"message"`           // Human-readable message
	Details string `json:"details,omitempty"` // Optional additional context

	// Lock, step-up and rate-limit metadata
	RetryAfterSeconds   int64    `json:"retry_after,omitempty"`
	AdminReviewRequired bool     `json:"admin_review_required,omitempty"`
	Methods             []string `json:"methods,omitempty"`
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorWithDetails(w, statusCode, errorCode, message, "")
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteErrorResponse(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

// WriteErrorResponse writes a fully populated error body
func WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Log encoding errors but don't expose them to client
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes v as a JSON body with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, "rate_limited", message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

// WriteAccountLocked writes a 423 with either a retry window or an admin-review flag
func WriteAccountLocked(w http.ResponseWriter, reason string, remaining time.Duration, adminReview bool) {
	resp := ErrorResponse{
		Error:               "account_locked",
		Message:             "Account is locked",
		Details:             reason,
		AdminReviewRequired: adminReview,
	}
	if !adminReview {
		resp.RetryAfterSeconds = ceilSeconds(remaining)
	}
	WriteErrorResponse(w, http.StatusLocked, resp)
}

// WriteStepUpRequired writes a 403 listing the acceptable re-verification methods
func WriteStepUpRequired(w http.ResponseWriter, methods []string) {
	WriteErrorResponse(w, http.StatusForbidden, ErrorResponse{
		Error:   "step_up_required",
		Message: "Re-verification required for this resource",
		Methods: methods,
	})
}

// WriteRateLimited writes a 429 with Retry-After
func WriteRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	WriteErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
		Error:             "rate_limited",
		Message:           "Too many requests. Please try again later.",
		RetryAfterSeconds: ceilSeconds(retryAfter),
	})
}

func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second > 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
