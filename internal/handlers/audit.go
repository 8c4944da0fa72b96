package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
)

// AuditServiceInterface reads the audit trail
type AuditServiceInterface interface {
	Query(ctx context.Context, f models.AuditFilter) (*models.AuditPage, error)
}

// AuditHandler handles audit trail HTTP requests
type AuditHandler struct {
	service AuditServiceInterface
	logger  *slog.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(service AuditServiceInterface, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger,
	}
}

// Query handles GET /audit. Admins reach it through the view-audit access check.
//
// Query parameters: actor_id, target_id, event_type (comma separated),
// outcome, ip, since and until (RFC 3339), limit and offset.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.AuditFilter{
		ActorID:   q.Get("actor_id"),
		TargetID:  q.Get("target_id"),
		Outcome:   q.Get("outcome"),
		IPAddress: q.Get("ip"),
	}
	if types := q.Get("event_type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, t)
			}
		}
	}

	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		pkghttp.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		pkghttp.WriteBadRequest(w, "until must be an RFC 3339 timestamp")
		return
	}
	if l := q.Get("limit"); l != "" {
		if filter.Limit, err = strconv.Atoi(l); err != nil || filter.Limit < 0 {
			pkghttp.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
	}
	if o := q.Get("offset"); o != "" {
		if filter.Offset, err = strconv.Atoi(o); err != nil || filter.Offset < 0 {
			pkghttp.WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}

	page, err := h.service.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("X-Total-Count", strconv.FormatInt(page.Total, 10))
	pkghttp.WriteJSON(w, http.StatusOK, page)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
