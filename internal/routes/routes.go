package routes

import (
	"net/http"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/handlers"
	"github.com/BradenHooton/neurolock/internal/middleware"
	"github.com/BradenHooton/neurolock/internal/models"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes
type Handlers struct {
	Auth     *handlers.AuthHandler
	Recovery *handlers.RecoveryHandler
	MFA      *handlers.MFAHandler
	Devices  *handlers.DeviceHandler
	Access   *handlers.AccessHandler
	Audit    *handlers.AuditHandler
	Admin    *handlers.AdminHandler
}

// Deps are the collaborators the route middleware needs
type Deps struct {
	Tokens      *auth.TokenManager
	Sessions    auth.SessionResolver
	Enrollments auth.EnrollmentCounter
	Access      auth.AccessChecker
	IPConfig    *pkghttp.IPConfig
	RateLimit   middleware.RateLimitConfig
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, d Deps) {
	limited := middleware.RateLimitByIP(d.RateLimit)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Public routes - no session required
	router.With(limited).Post("/auth/login", h.Auth.Login)
	router.With(limited).Post("/auth/unlock", h.Recovery.Unlock)
	router.With(limited).Post("/devices/register", h.Devices.Register)
	router.With(limited).Post("/devices/{id}/identity-otp", h.Devices.RequestIdentityOTP)
	router.With(limited).Post("/devices/{id}/verify-identity", h.Devices.VerifyIdentity)

	// Partial or full sessions
	router.Group(func(r chi.Router) {
		r.Use(auth.SessionMiddleware(d.Tokens, d.Sessions, true))

		r.Post("/auth/mfa/challenge", h.Auth.Challenge)
		r.Post("/auth/mfa/verify", h.Auth.VerifyMFA)
		r.Post("/auth/otp", h.Auth.RequestOTP)
		r.Post("/auth/logout", h.Auth.Logout)
	})

	// Enrollment: partial sessions only until the first factor is verified
	router.Route("/mfa", func(r chi.Router) {
		r.Use(auth.EnrollmentMiddleware(d.Tokens, d.Sessions, d.Enrollments))

		r.Get("/enrollments", h.MFA.ListEnrollments)
		r.Post("/authenticator", h.MFA.BeginAuthenticator)
		r.Post("/authenticator/confirm", h.MFA.ConfirmAuthenticator)
		r.Post("/contact", h.MFA.AddContact)
		r.Post("/contact/confirm", h.MFA.ConfirmContact)
		r.Post("/security-key/begin", h.MFA.BeginSecurityKey)
		r.Post("/security-key/finish", h.MFA.FinishSecurityKey)
		r.Post("/biometric", h.MFA.RegisterBiometric)
		r.Post("/backup-codes", h.Recovery.GenerateBackupCodes)
	})

	// Full sessions
	router.Group(func(r chi.Router) {
		r.Use(auth.SessionMiddleware(d.Tokens, d.Sessions, false))

		r.Post("/auth/step-up", h.Auth.StepUp)
		r.Post("/access/check", h.Access.Check)

		r.Get("/devices", h.Devices.List)
		r.Delete("/devices/{id}", h.Devices.Revoke)
		r.Post("/devices/{id}/report-lost", h.Devices.ReportLost)
		r.Post("/devices/{id}/supervisor-approval", h.Devices.Vouch)

		r.With(auth.RequireAccess(d.Access, models.CategoryViewAudit, d.IPConfig)).Get("/audit", h.Audit.Query)

		// Staff and device administration
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAccess(d.Access, models.CategoryManageStaff, d.IPConfig))

			r.Post("/devices/{id}/approve", h.Devices.Approve)
			r.Get("/admin/devices/pending", h.Devices.ListPending)

			r.Get("/admin/staff", h.Admin.ListStaff)
			r.Post("/admin/staff", h.Admin.CreateStaff)
			r.Get("/admin/staff/{id}", h.Admin.GetStaff)
			r.Patch("/admin/staff/{id}/status", h.Admin.SetStatus)
			r.Get("/admin/staff/{id}/lock", h.Admin.LockStatus)
			r.Post("/admin/staff/{id}/lock", h.Admin.Lock)
			r.Post("/admin/staff/{id}/unlock", h.Admin.Unlock)
		})
	})
}
