package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/BradenHooton/neurolock/internal/models"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
)

// AccessChecker decides whether a session may touch a resource category.
type AccessChecker interface {
	CheckAccess(ctx context.Context, session *models.Session, staff *models.StaffAccount, category models.ResourceCategory, meta models.RequestMeta) (*models.AccessResult, error)
}

// RequireAccess gates a route on the access evaluator. It must run after SessionMiddleware.
func RequireAccess(checker AccessChecker, category models.ResourceCategory, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r)
			if p == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			meta := models.RequestMeta{
				IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
				UserAgent: r.Header.Get("User-Agent"),
			}
			_, err := checker.CheckAccess(r.Context(), p.Session, p.Staff, category, meta)
			if err != nil {
				WriteAccessError(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteAccessError maps evaluator errors to responses
func WriteAccessError(w http.ResponseWriter, err error) {
	var stepUp *models.StepUpError
	switch {
	case errors.As(err, &stepUp):
		methods := make([]string, 0, len(stepUp.Methods))
		for _, m := range stepUp.Methods {
			methods = append(methods, string(m))
		}
		pkghttp.WriteStepUpRequired(w, methods)
	case errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "Second factor required")
	case errors.Is(err, models.ErrPermissionDenied):
		pkghttp.WriteError(w, http.StatusForbidden, "permission_denied", "Your role does not permit this operation")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
