package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	pkgauth "github.com/BradenHooton/neurolock/pkg/auth"
	pkglogger "github.com/BradenHooton/neurolock/pkg/logger"
	"github.com/google/uuid"
)

// CreateStaffInput is the provisioning request for a staff account.
type CreateStaffInput struct {
	Email    string
	Name     string
	Role     models.Role
	Password string
}

// StaffService provisions staff accounts and carries out administrative
// locks. Accounts are never deleted, only made inactive.
type StaffService struct {
	repo     repositories.StaffRepository
	sessions *SessionService
	lockouts *LockoutService
	audit    *AuditService
	logger   *slog.Logger
	now      Clock
}

// NewStaffService creates a new StaffService.
func NewStaffService(repo repositories.StaffRepository, sessions *SessionService, lockouts *LockoutService, audit *AuditService, logger *slog.Logger, clock Clock) *StaffService {
	return &StaffService{
		repo:     repo,
		sessions: sessions,
		lockouts: lockouts,
		audit:    audit,
		logger:   logger,
		now:      orSystemClock(clock),
	}
}

// Create provisions an active account. actorID is empty when the CLI
// bootstraps the first administrator.
func (s *StaffService) Create(ctx context.Context, actorID string, in CreateStaffInput, meta models.RequestMeta) (*models.StaffAccount, error) {
	email := models.NormalizeIdentifier(in.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", models.ErrBadRequest)
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrBadRequest, in.Role)
	}
	if err := pkgauth.ValidatePassword(in.Password, email, in.Name); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrBadRequest, err.Error())
	}

	hash, err := pkgauth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	staff, err := s.repo.Create(ctx, &models.StaffAccount{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         in.Name,
		Role:         in.Role,
		PasswordHash: hash,
		Status:       models.StaffStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create staff account: %w", err)
	}

	s.logger.Info("staff account created",
		slog.String("staff_id", staff.ID),
		slog.String("email", pkglogger.SanitizedEmail(staff.Email)),
		slog.String("role", string(staff.Role)))

	e := s.change(actorID, staff.ID, "created", meta)
	e.Metadata = models.AuditMetadata{"role": string(staff.Role)}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return staff, nil
}

// Get returns one account.
func (s *StaffService) Get(ctx context.Context, id string) (*models.StaffAccount, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByEmail returns the account for an identifier.
func (s *StaffService) GetByEmail(ctx context.Context, identifier string) (*models.StaffAccount, error) {
	return s.repo.GetByEmail(ctx, models.NormalizeIdentifier(identifier))
}

// List returns accounts page by page.
func (s *StaffService) List(ctx context.Context, limit, offset int) ([]*models.StaffAccount, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// SetStatus activates or deactivates an account. Deactivation ends every
// live session of the account.
func (s *StaffService) SetStatus(ctx context.Context, actorID, id, status string, meta models.RequestMeta) (*models.StaffAccount, error) {
	if status != models.StaffStatusActive && status != models.StaffStatusInactive {
		return nil, fmt.Errorf("%w: status must be active or inactive", models.ErrBadRequest)
	}
	if actorID == id && status == models.StaffStatusInactive {
		return nil, fmt.Errorf("%w: cannot deactivate your own account", models.ErrBadRequest)
	}

	staff, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if staff.Status == status {
		return staff, nil
	}

	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	staff.Status = status

	var ended int64
	if status == models.StaffStatusInactive {
		ended, err = s.sessions.InvalidateStaff(ctx, id, models.SessionEndDisabled)
		if err != nil {
			return nil, err
		}
	}

	e := s.change(actorID, id, "status", meta)
	e.Metadata = models.AuditMetadata{"status": status, "sessions_ended": ended}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	return staff, nil
}

// Lock applies an administrative or security-breach lock.
func (s *StaffService) Lock(ctx context.Context, actorID, id string, reason models.LockReason, meta models.RequestMeta) (*models.LockoutRecord, error) {
	if actorID == id {
		return nil, fmt.Errorf("%w: cannot lock your own account", models.ErrBadRequest)
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.lockouts.Lock(ctx, id, reason, actorID, meta)
}

// Unlock lifts any lock on the account, including admin and breach locks.
func (s *StaffService) Unlock(ctx context.Context, actorID, id string, meta models.RequestMeta) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	return s.lockouts.Unlock(ctx, id, actorID, "admin", meta)
}

// LockStatus returns the lockout record of the account.
func (s *StaffService) LockStatus(ctx context.Context, id string) (*models.LockoutRecord, error) {
	return s.lockouts.Status(ctx, LockoutKey(id))
}

func (s *StaffService) change(actorID, staffID, reason string, meta models.RequestMeta) *models.AuditEvent {
	e := event(models.AuditEventStaffChange, models.AuditOutcomeSuccess, meta)
	e.ActorID = actorID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staffID
	e.Reason = reason
	return e
}
