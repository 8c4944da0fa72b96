package handlers

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/neurolock/internal/auth"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
)

// AccessHandler exposes the access evaluator to clients that gate their own views
type AccessHandler struct {
	checker  auth.AccessChecker
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAccessHandler creates a new AccessHandler
func NewAccessHandler(checker auth.AccessChecker, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{checker: checker, ipConfig: ipConfig, logger: logger}
}

// Check handles POST /access/check. Allow is a 200 with the decision; deny and
// step-up use the shared error bodies.
func (h *AccessHandler) Check(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req AccessCheckRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.checker.CheckAccess(r.Context(), p.Session, p.Staff, req.Category, requestMeta(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}
