// Package app assembles stores, services and handlers from configuration.
// The API server and neurolockctl share it so both see the same wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/neurolock/internal/access"
	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/background"
	"github.com/BradenHooton/neurolock/internal/config"
	"github.com/BradenHooton/neurolock/internal/database"
	"github.com/BradenHooton/neurolock/internal/factors"
	"github.com/BradenHooton/neurolock/internal/handlers"
	"github.com/BradenHooton/neurolock/internal/messaging"
	"github.com/BradenHooton/neurolock/internal/middleware"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	"github.com/BradenHooton/neurolock/internal/repositories/memory"
	"github.com/BradenHooton/neurolock/internal/repositories/redisstore"
	"github.com/BradenHooton/neurolock/internal/routes"
	"github.com/BradenHooton/neurolock/internal/services"
	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Stores is one complete set of repositories.
type Stores struct {
	Staff        repositories.StaffRepository
	Enrollments  repositories.EnrollmentRepository
	OneTimeCodes repositories.OneTimeCodeRepository
	BackupCodes  repositories.BackupCodeRepository
	Sessions     repositories.SessionRepository
	Devices      repositories.DeviceRepository
	Lockouts     repositories.LockoutRepository
	Audit        repositories.AuditRepository
}

// PostgresStores builds every repository over db.
func PostgresStores(db *database.DB) Stores {
	return Stores{
		Staff:        repositories.NewStaffRepository(db),
		Enrollments:  repositories.NewEnrollmentRepository(db),
		OneTimeCodes: repositories.NewOneTimeCodeRepository(db),
		BackupCodes:  repositories.NewBackupCodeRepository(db),
		Sessions:     repositories.NewSessionRepository(db),
		Devices:      repositories.NewDeviceRepository(db),
		Lockouts:     repositories.NewLockoutRepository(db),
		Audit:        repositories.NewAuditRepository(db),
	}
}

// MemoryStores builds every repository over one in-process store.
func MemoryStores(s *memory.Store) Stores {
	return Stores{
		Staff:        s.Staff(),
		Enrollments:  s.Enrollments(),
		OneTimeCodes: s.OneTimeCodes(),
		BackupCodes:  s.BackupCodes(),
		Sessions:     s.Sessions(),
		Devices:      s.Devices(),
		Lockouts:     s.Lockouts(),
		Audit:        s.Audit(),
	}
}

// App holds the wired services.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *database.DB // nil with the memory driver
	Stores Stores
	Policy *access.Policy

	Tokens      *auth.TokenManager
	Audit       *services.AuditService
	Lockouts    *services.LockoutService
	Sessions    *services.SessionService
	Limiter     *services.RateLimitService
	OTP         *services.OTPIssuer
	Devices     *services.DeviceService
	Credentials *services.CredentialService
	Second      *services.SecondFactorService
	Access      *services.AccessService
	Recovery    *services.RecoveryService
	Enrollment  *services.EnrollmentService
	Staff       *services.StaffService

	closers []func()
	checks  []backendCheck
}

// backendCheck reports whether one backend is reachable.
type backendCheck struct {
	name  string
	check func(context.Context) error
}

// New connects the configured backends and wires every service. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	a.Policy, err = loadPolicy(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	evaluator := access.NewEvaluator(a.Policy)

	totp, err := auth.NewTOTPManager(cfg.TOTP.EncryptionKey, cfg.TOTP.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize TOTP manager: %w", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.WebAuthn.Timeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.WebAuthn.Timeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize webauthn: %w", err)
	}

	var publisher services.AuditPublisher
	var smsSender services.CodeSender = services.NewLogCodeSender("sms", cfg.Server.Env, logger)
	if cfg.NATS.Enabled() {
		nc, err := messaging.Connect(cfg.NATS.URL, "neurolock")
		if err != nil {
			return nil, err
		}
		dispatcher := messaging.NewDispatcher(nc, cfg.OTP.QueueSize, logger)
		a.closers = append(a.closers, func() {
			dispatcher.Close()
			nc.Close()
		})
		a.checks = append(a.checks, backendCheck{"nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		}})
		publisher = messaging.NewAuditPublisher(dispatcher, cfg.NATS.SubjectPrefix)
		smsSender = messaging.NewSMSGateway(dispatcher, cfg.NATS.SMSSubject)
		logger.Info("nats event stream enabled", slog.String("subject_prefix", cfg.NATS.SubjectPrefix))
	}

	var emailSender services.CodeSender = services.NewLogCodeSender("email", cfg.Server.Env, logger)
	if cfg.Email.Enabled {
		ses, err := services.NewSESCodeSender(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize email service: %w", err)
		}
		async := services.NewAsyncSender(ses, cfg.OTP.QueueSize, 2, logger)
		a.closers = append(a.closers, async.Close)
		emailSender = async
	}

	policy := models.DefaultLockoutPolicy()
	policy.Threshold = cfg.Lockout.Threshold
	policy.Window = cfg.Lockout.Window
	policy.Durations[models.LockReasonFailedAttempts] = cfg.Lockout.FailedAttemptsDuration
	policy.Durations[models.LockReasonSecurityBreach] = cfg.Lockout.SecurityBreachDuration

	s := a.Stores
	a.Tokens = auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AbsoluteTimeout)
	a.Audit = services.NewAuditService(s.Audit, publisher, logger, nil)
	a.Lockouts = services.NewLockoutService(s.Lockouts, s.Sessions, a.Audit, policy, logger, nil)
	a.Sessions = services.NewSessionService(s.Sessions, s.Staff, a.Lockouts, a.Tokens, a.Audit, services.SessionConfig{
		PartialTTL:      cfg.Auth.PartialSessionTTL,
		IdleTimeout:     cfg.Auth.IdleTimeout,
		AbsoluteTimeout: cfg.Auth.AbsoluteTimeout,
		TouchInterval:   cfg.Auth.TouchInterval,
	}, logger, nil)
	a.Limiter = services.NewRateLimitService(services.RateLimitConfig{
		PerMinute: cfg.RateLimit.VerifyPerMinute,
		Burst:     cfg.RateLimit.Burst,
	}, logger, nil)

	pepper := []byte(cfg.OTP.Pepper)
	a.OTP = services.NewOTPIssuer(s.OneTimeCodes, map[models.MFAMethod]services.CodeSender{
		models.MFAMethodSMS:   smsSender,
		models.MFAMethodEmail: emailSender,
	}, a.Audit, services.OTPConfig{
		TTL:            cfg.OTP.TTL,
		ResendInterval: cfg.OTP.ResendInterval,
		Length:         cfg.OTP.Length,
		Pepper:         pepper,
	}, logger, nil)

	verifiers := factors.NewRegistry(
		factors.NewTOTPVerifier(s.Enrollments, totp),
		factors.NewOTPVerifier(models.MFAMethodSMS, s.OneTimeCodes, pepper),
		factors.NewOTPVerifier(models.MFAMethodEmail, s.OneTimeCodes, pepper),
		factors.NewEmergencyOTPVerifier(s.OneTimeCodes, pepper),
		factors.NewSecurityKeyVerifier(s.Enrollments, wa),
		factors.NewBiometricVerifier(s.Enrollments),
		factors.SupervisorVerifier{},
		factors.AdminManualVerifier{},
	)

	timing := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelay:      cfg.Auth.TimingBaseDelay,
		RandomDelay:    cfg.Auth.TimingRandomDelay,
		DelayOnSuccess: true,
	})

	a.Devices = services.NewDeviceService(s.Devices, s.Staff, s.Enrollments, a.Sessions, a.Lockouts,
		a.Limiter, a.OTP, verifiers, a.Audit, services.DeviceConfig{TrustTTL: cfg.Device.TrustTTL}, logger, nil)
	a.Credentials = services.NewCredentialService(s.Staff, s.Enrollments, a.Sessions, a.Lockouts, a.Devices,
		a.Limiter, timing, a.Audit, logger, nil)
	a.Second = services.NewSecondFactorService(s.Enrollments, verifiers, a.Sessions, a.Lockouts, a.Devices,
		a.Limiter, a.OTP, evaluator.StepUpMethods(), a.Audit, logger, nil)
	a.Access = services.NewAccessService(evaluator, a.Audit, logger, nil)
	a.Recovery = services.NewRecoveryService(s.Staff, s.BackupCodes, a.Lockouts, a.Devices, a.Limiter, a.Audit, logger, nil)
	a.Enrollment = services.NewEnrollmentService(s.Enrollments, a.Sessions, a.Lockouts, totp, verifiers, a.OTP, wa, a.Audit, logger, nil)
	a.Staff = services.NewStaffService(s.Staff, a.Sessions, a.Lockouts, a.Audit, logger, nil)

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	if cfg.Store.Driver == config.StoreDriverMemory {
		a.Logger.Warn("using in-memory store, state is lost on restart")
		a.Stores = MemoryStores(memory.NewStore())
		return nil
	}

	db, err := database.NewConnection(ctx, &cfg.Database, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.checks = append(a.checks, backendCheck{"database", db.HealthCheck})
	a.Stores = PostgresStores(db)

	// Redis makes the lockout counter atomic across API replicas
	if cfg.Redis.Enabled() {
		rdb, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.checks = append(a.checks, backendCheck{"redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		a.Stores.Lockouts = redisstore.NewLockoutRepository(rdb)
		a.Logger.Info("redis lockout store enabled", slog.String("addr", cfg.Redis.Addr))
	}
	return nil
}

func loadPolicy(path string) (*access.Policy, error) {
	p, err := access.LoadPolicy(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load access policy: %w", err)
	}
	return p, nil
}

// Routes builds the HTTP handlers and route dependencies.
func (a *App) Routes() (routes.Handlers, routes.Deps) {
	ipConfig := &pkghttp.IPConfig{TrustedProxies: a.Config.Server.TrustedProxies}
	logger := a.Logger

	h := routes.Handlers{
		Auth:     handlers.NewAuthHandler(a.Credentials, a.Second, a.Sessions, ipConfig, logger),
		Recovery: handlers.NewRecoveryHandler(a.Recovery, ipConfig, logger),
		MFA:      handlers.NewMFAHandler(a.Enrollment, ipConfig, logger),
		Devices:  handlers.NewDeviceHandler(a.Devices, ipConfig, logger),
		Access:   handlers.NewAccessHandler(a.Access, ipConfig, logger),
		Audit:    handlers.NewAuditHandler(a.Audit, logger),
		Admin:    handlers.NewAdminHandler(a.Staff, ipConfig, logger),
	}
	d := routes.Deps{
		Tokens:      a.Tokens,
		Sessions:    a.Sessions,
		Enrollments: a.Enrollment,
		Access:      a.Access,
		IPConfig:    ipConfig,
		RateLimit:   middleware.RateLimitConfig{RequestsPerMinute: a.Config.Server.AuthRateLimit},
	}
	return h, d
}

// Router builds the HTTP stack: request IDs, security headers, request
// logging, panic recovery and every route.
func (a *App) Router() chi.Router {
	h, d := a.Routes()

	router := chi.NewRouter()
	// No RealIP here: it trusts forwarding headers from any peer.
	// Client addresses come from pkghttp.ExtractClientIP instead.
	router.Use(chimiddleware.RequestID)
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: a.Config.Server.Env}))
	router.Use(middleware.SecureLogger(a.Logger, d.IPConfig))
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, h, d)
	router.Get("/ready", a.ready)
	return router
}

// Ready checks every configured backend. The map holds "up" or the failure
// for each one; ok is false when any check failed.
func (a *App) Ready(ctx context.Context) (status map[string]string, ok bool) {
	status = map[string]string{"store": a.Config.Store.Driver}
	ok = true
	for _, p := range a.checks {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.check(pctx)
		cancel()
		if err != nil {
			a.Logger.Warn("readiness check failed", slog.String("backend", p.name), slog.Any("error", err))
			status[p.name] = "down"
			ok = false
			continue
		}
		status[p.name] = "up"
	}
	return status, ok
}

func (a *App) ready(w http.ResponseWriter, r *http.Request) {
	status, ok := a.Ready(r.Context())
	if !ok {
		status["status"] = "unavailable"
		pkghttp.WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["status"] = "ready"
	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// Cleanup returns the background garbage collector for codes, sessions and idle limiter buckets.
func (a *App) Cleanup() *background.CleanupManager {
	return background.NewCleanupManager(a.Stores.OneTimeCodes, a.Stores.Sessions, a.Limiter, a.Logger, background.CleanupConfig{
		Interval:  a.Config.Auth.CleanupInterval,
		Retention: 24 * time.Hour,
	})
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
