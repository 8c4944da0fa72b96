package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	pkglogger "github.com/BradenHooton/neurolock/pkg/logger"
)

// AuditPublisher streams events to downstream detection consumers.
type AuditPublisher interface {
	Publish(ctx context.Context, e *models.AuditEvent)
}

// AuditService writes every security event three ways: structured log,
// append-only store and, when configured, the event stream.
type AuditService struct {
	repo        repositories.AuditRepository
	auditLogger *pkglogger.AuditLogger
	publisher   AuditPublisher
	logger      *slog.Logger
	now         Clock
}

// NewAuditService creates a new AuditService. publisher may be nil.
func NewAuditService(repo repositories.AuditRepository, publisher AuditPublisher, logger *slog.Logger, clock Clock) *AuditService {
	return &AuditService{
		repo:        repo,
		auditLogger: pkglogger.NewAuditLogger(logger),
		publisher:   publisher,
		logger:      logger,
		now:         orSystemClock(clock),
	}
}

// Record persists e. The slog line is written first so the event survives a
// store outage; the store error is returned so callers on the lockout path
// can refuse to continue without a durable record.
func (s *AuditService) Record(ctx context.Context, e *models.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	// Dual-write: immediate slog output
	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		EventType: e.EventType,
		ActorID:   e.ActorID,
		TargetID:  e.TargetID,
		Outcome:   e.Outcome,
		Method:    e.Method,
		Reason:    e.Reason,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Metadata:  e.Metadata,
	})

	if err := s.repo.Append(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit event",
			slog.String("event_type", e.EventType),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to persist audit event: %w", err)
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, e)
	}
	return nil
}

// Query returns one page of events, newest first.
func (s *AuditService) Query(ctx context.Context, f models.AuditFilter) (*models.AuditPage, error) {
	if f.Limit <= 0 || f.Limit > repositories.MaxAuditPageSize {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Since != nil && f.Until != nil && !f.Since.Before(*f.Until) {
		return nil, fmt.Errorf("%w: since must be before until", models.ErrBadRequest)
	}

	events, total, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}

	return &models.AuditPage{
		Events: events,
		Total:  total,
		Limit:  f.Limit,
		Offset: f.Offset,
	}, nil
}
