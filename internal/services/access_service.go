package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/neurolock/internal/access"
	"github.com/BradenHooton/neurolock/internal/models"
)

// AccessService applies the access evaluator to live sessions and records
// every decision.
type AccessService struct {
	evaluator *access.Evaluator
	audit     *AuditService
	logger    *slog.Logger
	now       Clock
}

// NewAccessService creates a new AccessService
func NewAccessService(evaluator *access.Evaluator, audit *AuditService, logger *slog.Logger, clock Clock) *AccessService {
	return &AccessService{
		evaluator: evaluator,
		audit:     audit,
		logger:    logger,
		now:       orSystemClock(clock),
	}
}

// StepUpMethods lists the methods accepted for re-verification.
func (s *AccessService) StepUpMethods() []models.MFAMethod {
	return s.evaluator.StepUpMethods()
}

// CheckAccess evaluates category for the session holder. A denial is
// returned as models.ErrPermissionDenied and a stale session as a
// *models.StepUpError; the result is returned in every case.
func (s *AccessService) CheckAccess(ctx context.Context, session *models.Session, staff *models.StaffAccount, category models.ResourceCategory, meta models.RequestMeta) (*models.AccessResult, error) {
	if !session.IsFull() {
		return nil, fmt.Errorf("%w: session has not completed verification", models.ErrUnauthorized)
	}

	age := session.Age(s.now())
	result := s.evaluator.Evaluate(staff.Role, category, age)

	outcome := models.AuditOutcomeSuccess
	if result.Decision != models.DecisionAllow {
		outcome = models.AuditOutcomeDenied
	}
	e := event(models.AuditEventAccessDecision, outcome, meta)
	e.ActorID = staff.ID
	e.TargetType = models.AuditTargetResource
	e.TargetID = string(category)
	e.DeviceID = session.DeviceID
	e.Reason = string(result.Decision)
	e.Metadata = models.AuditMetadata{
		"role":                   string(staff.Role),
		"session_id":             session.ID,
		"seconds_since_verified": int64(age.Seconds()),
	}
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}

	switch result.Decision {
	case models.DecisionDeny:
		return &result, models.ErrPermissionDenied
	case models.DecisionStepUpRequired:
		return &result, &models.StepUpError{
			Category: category,
			Window:   s.evaluator.Window(category),
			Methods:  result.Methods,
		}
	}
	return &result, nil
}
