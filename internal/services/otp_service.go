package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/neurolock/internal/factors"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/repositories"
	pkgauth "github.com/BradenHooton/neurolock/pkg/auth"
	pkglogger "github.com/BradenHooton/neurolock/pkg/logger"
	"github.com/google/uuid"
)

// OTPConfig holds one-time code settings
type OTPConfig struct {
	TTL            time.Duration
	ResendInterval time.Duration
	Length         int
	Pepper         []byte
}

// OTPIssuer creates SMS and email codes and hands them to the channel's sender.
type OTPIssuer struct {
	codes   repositories.OneTimeCodeRepository
	senders map[models.MFAMethod]CodeSender
	audit   *AuditService
	config  OTPConfig
	logger  *slog.Logger
	now     Clock
}

// NewOTPIssuer creates a new OTPIssuer. senders is keyed by sms and email.
func NewOTPIssuer(codes repositories.OneTimeCodeRepository, senders map[models.MFAMethod]CodeSender, audit *AuditService, config OTPConfig, logger *slog.Logger, clock Clock) *OTPIssuer {
	if config.Length <= 0 {
		config.Length = 6
	}
	return &OTPIssuer{
		codes:   codes,
		senders: senders,
		audit:   audit,
		config:  config,
		logger:  logger,
		now:     orSystemClock(clock),
	}
}

// Issue replaces any outstanding code in the same scope with a new one. A
// second request inside the resend interval is rejected with a
// *models.RateLimitError.
func (i *OTPIssuer) Issue(ctx context.Context, staff *models.StaffAccount, method models.MFAMethod, purpose, subject, destination string, meta models.RequestMeta) (*models.OTPReceipt, error) {
	if !method.IsOTPChannel() {
		return nil, fmt.Errorf("%w: %s does not use delivered codes", models.ErrBadRequest, method)
	}
	sender, ok := i.senders[method]
	if !ok {
		return nil, fmt.Errorf("%w: no %s gateway configured", models.ErrBadRequest, method)
	}
	if destination == "" {
		return nil, fmt.Errorf("%w: no %s destination on file", models.ErrBadRequest, method)
	}

	now := i.now()
	latest, err := i.codes.LatestIssuedAt(ctx, staff.ID, method, purpose, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to check resend interval: %w", err)
	}
	if !latest.IsZero() {
		if wait := i.config.ResendInterval - now.Sub(latest); wait > 0 {
			return nil, &models.RateLimitError{RetryAfter: wait}
		}
	}

	plain, err := pkgauth.GenerateNumericCode(i.config.Length)
	if err != nil {
		return nil, err
	}

	if err := i.codes.InvalidateOutstanding(ctx, staff.ID, method, purpose, subject, now); err != nil {
		return nil, fmt.Errorf("failed to invalidate outstanding codes: %w", err)
	}

	code := &models.OneTimeCode{
		ID:        uuid.New().String(),
		StaffID:   staff.ID,
		Method:    method,
		Purpose:   purpose,
		Subject:   subject,
		CodeHash:  factors.HashCode(i.config.Pepper, plain),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.config.TTL),
	}
	if err := i.codes.Create(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to store code: %w", err)
	}

	if err := sender.SendCode(ctx, destination, plain, code.ExpiresAt); err != nil {
		i.logger.Error("failed to hand off code",
			slog.String("staff_id", staff.ID),
			slog.String("method", string(method)),
			slog.Any("error", err))
		return nil, fmt.Errorf("failed to deliver code: %w", err)
	}

	masked := MaskDestination(method, destination)
	e := event(models.AuditEventOTPIssued, models.AuditOutcomeSuccess, meta)
	e.ActorID = staff.ID
	e.TargetType = models.AuditTargetStaff
	e.TargetID = staff.ID
	e.Method = string(method)
	e.Metadata = models.AuditMetadata{"purpose": purpose, "destination": masked}
	if err := i.audit.Record(ctx, e); err != nil {
		return nil, err
	}

	return &models.OTPReceipt{
		ReceiptID:   code.ID,
		Method:      method,
		Destination: masked,
		ExpiresAt:   code.ExpiresAt,
		ResendAfter: now.Add(i.config.ResendInterval),
	}, nil
}

// MaskDestination hides all but enough of an address to recognize it.
func MaskDestination(method models.MFAMethod, destination string) string {
	if method == models.MFAMethodEmail {
		return pkglogger.SanitizedEmail(destination)
	}
	digits := strings.TrimSpace(destination)
	if len(digits) <= 2 {
		return "**"
	}
	return strings.Repeat("*", len(digits)-2) + digits[len(digits)-2:]
}
