package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/neurolock/internal/models"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// PrincipalContextKey is the key for storing the authenticated principal in context
	PrincipalContextKey contextKey = "principal"
)

// Principal is the caller behind a validated session token.
type Principal struct {
	Session *models.Session
	Staff   *models.StaffAccount
}

// SessionResolver loads and validates the server-side session named by a token.
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID string) (*models.Session, *models.StaffAccount, error)
}

// EnrollmentCounter reports how many verified second factors an account has.
type EnrollmentCounter interface {
	CountVerified(ctx context.Context, staffID string) (int, error)
}

// SessionMiddleware validates the bearer token, resolves the session and injects
// the principal. Partial sessions are rejected unless allowPartial is set.
func SessionMiddleware(tm *TokenManager, resolver SessionResolver, allowPartial bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := authenticate(w, r, tm, resolver)
			if !ok {
				return
			}

			if !allowPartial && !principal.Session.IsFull() {
				pkghttp.WriteError(w, http.StatusUnauthorized, "mfa_required", "Second factor verification required")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// EnrollmentMiddleware admits full sessions, and partial sessions only while the
// account has no verified second factor (first-time enrollment).
func EnrollmentMiddleware(tm *TokenManager, resolver SessionResolver, enrollments EnrollmentCounter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := authenticate(w, r, tm, resolver)
			if !ok {
				return
			}

			if !principal.Session.IsFull() {
				n, err := enrollments.CountVerified(r.Context(), principal.Staff.ID)
				if err != nil {
					pkghttp.WriteInternalError(w, "Internal server error")
					return
				}
				if n > 0 {
					pkghttp.WriteError(w, http.StatusUnauthorized, "mfa_required", "Second factor verification required")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func authenticate(w http.ResponseWriter, r *http.Request, tm *TokenManager, resolver SessionResolver) (*Principal, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		pkghttp.WriteUnauthorized(w, "Missing authorization header")
		return nil, false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		pkghttp.WriteUnauthorized(w, "Invalid authorization header format")
		return nil, false
	}

	claims, err := tm.ValidateToken(parts[1])
	if err != nil {
		pkghttp.WriteUnauthorized(w, "Invalid or expired token")
		return nil, false
	}

	session, staff, err := resolver.Resolve(r.Context(), claims.SessionID)
	if err != nil {
		var locked *models.LockedError
		switch {
		case errors.As(err, &locked):
			pkghttp.WriteAccountLocked(w, string(locked.Reason), locked.RemainingTime, locked.AdminReviewRequired)
		case errors.Is(err, models.ErrSessionInvalid), errors.Is(err, models.ErrNotFound):
			pkghttp.WriteUnauthorized(w, "Session is no longer valid")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return nil, false
	}

	return &Principal{Session: session, Staff: staff}, true
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal extracts the principal from request context
func GetPrincipal(r *http.Request) *Principal {
	p, ok := r.Context().Value(PrincipalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}
