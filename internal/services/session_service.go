package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/neurolock/internal/auth"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	"github.com/google/uuid"
)

// SessionConfig holds session lifetime settings
type SessionConfig struct {
	PartialTTL      time.Duration
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	// TouchInterval bounds how often last_seen_at is written
	TouchInterval time.Duration
}

// DefaultSessionConfig: partial 5m, idle 30m, absolute 12h, touch once a minute.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PartialTTL:      5 * time.Minute,
		IdleTimeout:     30 * time.Minute,
		AbsoluteTimeout: 12 * time.Hour,
		TouchInterval:   time.Minute,
	}
}

// SessionService issues, promotes and resolves sessions. The stored record is
// authoritative; the bearer token only names it.
type SessionService struct {
	repo     repositories.SessionRepository
	staff    repositories.StaffRepository
	lockouts *LockoutService
	tm       *auth.TokenManager
	audit    *AuditService
	config   SessionConfig
	logger   *slog.Logger
	now      Clock
}

// NewSessionService creates a new SessionService
func NewSessionService(repo repositories.SessionRepository, staff repositories.StaffRepository, lockouts *LockoutService, tm *auth.TokenManager, audit *AuditService, config SessionConfig, logger *slog.Logger, clock Clock) *SessionService {
	return &SessionService{
		repo:     repo,
		staff:    staff,
		lockouts: lockouts,
		tm:       tm,
		audit:    audit,
		config:   config,
		logger:   logger,
		now:      orSystemClock(clock),
	}
}

// Token signs the bearer token for session.
func (s *SessionService) Token(session *models.Session) (string, error) {
	return s.tm.GenerateSessionToken(session)
}

// IssuePartial creates a session that has satisfied the password only.
func (s *SessionService) IssuePartial(ctx context.Context, staff *models.StaffAccount, deviceID string, meta models.RequestMeta) (*models.Session, error) {
	now := s.now()
	session := &models.Session{
		ID:               uuid.New().String(),
		StaffID:          staff.ID,
		DeviceID:         deviceID,
		State:            models.SessionStatePartial,
		FactorsSatisfied: []models.Factor{models.FactorPassword},
		IPAddress:        meta.IPAddress,
		UserAgent:        meta.UserAgent,
		CreatedAt:        now,
		LastVerifiedAt:   now,
		LastSeenAt:       now,
		ExpiresAt:        now.Add(s.config.PartialTTL),
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Promote marks session full after factor succeeded. established_at and the
// absolute deadline start here.
func (s *SessionService) Promote(ctx context.Context, session *models.Session, factor models.Factor) error {
	if session.State != models.SessionStatePartial {
		return fmt.Errorf("%w: session is not awaiting a second factor", models.ErrBadRequest)
	}

	now := s.now()
	session.AddFactor(factor)
	session.State = models.SessionStateFull
	session.EstablishedAt = &now
	session.LastVerifiedAt = now
	session.LastSeenAt = now
	session.ExpiresAt = now.Add(s.config.AbsoluteTimeout)
	clearChallenge(session)

	if err := s.repo.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to promote session: %w", err)
	}
	return nil
}

// RecordStepUp refreshes last_verified_at on an existing full session.
func (s *SessionService) RecordStepUp(ctx context.Context, session *models.Session, factor models.Factor) error {
	if !session.IsFull() {
		return fmt.Errorf("%w: step-up needs an established session", models.ErrBadRequest)
	}

	now := s.now()
	session.AddFactor(factor)
	session.LastVerifiedAt = now
	session.LastSeenAt = now
	clearChallenge(session)

	if err := s.repo.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to record step-up: %w", err)
	}
	return nil
}

// SetChallenge stores a pending webauthn or biometric challenge on session.
func (s *SessionService) SetChallenge(ctx context.Context, session *models.Session, method models.MFAMethod, state []byte, ttl time.Duration) error {
	expires := s.now().Add(ttl)
	session.Challenge = state
	session.ChallengeMethod = method
	session.ChallengeExpiresAt = &expires
	if err := s.repo.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// ClearChallenge drops a pending challenge once it has been answered.
func (s *SessionService) ClearChallenge(ctx context.Context, session *models.Session) error {
	clearChallenge(session)
	if err := s.repo.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to clear challenge: %w", err)
	}
	return nil
}

func clearChallenge(session *models.Session) {
	session.Challenge = nil
	session.ChallengeMethod = ""
	session.ChallengeExpiresAt = nil
}

// Freshness reports whether session has re-verified within window. It never
// changes the session.
func (s *SessionService) Freshness(session *models.Session, window time.Duration) models.Freshness {
	age := session.Age(s.now())
	return models.Freshness{
		Fresh:  age >= 0 && age <= window,
		Age:    age,
		Window: window,
	}
}

// Resolve loads a live session and its owner, ending it if a timeout has
// passed or the owner can no longer sign in.
func (s *SessionService) Resolve(ctx context.Context, sessionID string) (*models.Session, *models.StaffAccount, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrSessionInvalid
		}
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.IsEnded() {
		return nil, nil, models.ErrSessionInvalid
	}

	now := s.now()
	if reason := s.expiryReason(session, now); reason != "" {
		s.end(ctx, session, reason, now)
		return nil, nil, models.ErrSessionInvalid
	}

	staff, err := s.staff.GetByID(ctx, session.StaffID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session owner: %w", err)
	}
	if !staff.IsActive() {
		s.end(ctx, session, models.SessionEndDisabled, now)
		return nil, nil, models.ErrSessionInvalid
	}
	if err := s.lockouts.Check(ctx, LockoutKey(staff.ID)); err != nil {
		return nil, nil, err
	}

	if now.Sub(session.LastSeenAt) >= s.config.TouchInterval {
		if err := s.repo.Touch(ctx, session.ID, now); err != nil {
			s.logger.Warn("failed to touch session", slog.String("session_id", session.ID), slog.Any("error", err))
		} else {
			session.LastSeenAt = now
		}
	}

	return session, staff, nil
}

func (s *SessionService) expiryReason(session *models.Session, now time.Time) string {
	if !now.Before(session.ExpiresAt) {
		if session.State == models.SessionStatePartial {
			return models.SessionEndIdle
		}
		return models.SessionEndAbsolute
	}
	if session.IsFull() && now.Sub(session.LastSeenAt) > s.config.IdleTimeout {
		return models.SessionEndIdle
	}
	return ""
}

func (s *SessionService) end(ctx context.Context, session *models.Session, reason string, now time.Time) {
	if err := s.repo.End(ctx, session.ID, reason, now); err != nil {
		s.logger.Warn("failed to end session", slog.String("session_id", session.ID), slog.Any("error", err))
	}
}

// Logout ends session at the holder's request.
func (s *SessionService) Logout(ctx context.Context, session *models.Session, meta models.RequestMeta) error {
	if err := s.repo.End(ctx, session.ID, models.SessionEndLogout, s.now()); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	e := event(models.AuditEventSessionEnded, models.AuditOutcomeSuccess, meta)
	e.ActorID = session.StaffID
	e.TargetType = models.AuditTargetSession
	e.TargetID = session.ID
	e.DeviceID = session.DeviceID
	e.Reason = models.SessionEndLogout
	return s.audit.Record(ctx, e)
}

// InvalidateStaff ends every live session of staffID.
func (s *SessionService) InvalidateStaff(ctx context.Context, staffID, reason string) (int64, error) {
	n, err := s.repo.EndAllForStaff(ctx, staffID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to end sessions: %w", err)
	}
	return n, nil
}

// InvalidateDevice ends every live session bound to deviceID.
func (s *SessionService) InvalidateDevice(ctx context.Context, deviceID, reason string) (int64, error) {
	n, err := s.repo.EndAllForDevice(ctx, deviceID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to end sessions: %w", err)
	}
	return n, nil
}
