// Package services implements the verification, lockout, device trust,
// session and access workflows on top of the repositories.
//
// Services take their time from an injected Clock so that lock expiry,
// trust expiry and freshness are computed from one source per request.
package services

import (
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
)

// Clock returns the current time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

func orSystemClock(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}

// event fills the request context of an audit event.
func event(eventType, outcome string, meta models.RequestMeta) *models.AuditEvent {
	return &models.AuditEvent{
		EventType: eventType,
		Outcome:   outcome,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
