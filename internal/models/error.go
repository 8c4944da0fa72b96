package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Verification taxonomy surfaced to callers
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountLocked         = errors.New("account is locked")
	ErrExpiredOrConsumedCode = errors.New("code is expired or already used")
	ErrDeviceNotTrusted      = errors.New("device is not trusted")
	ErrStepUpRequired        = errors.New("step-up verification required")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrRateLimited           = errors.New("rate limited")

	ErrInvalidSecondFactor = errors.New("second factor verification failed")
	ErrNoEnrollment        = errors.New("no verified enrollment for method")
	ErrSessionInvalid      = errors.New("session is invalid or expired")
	ErrNotLocked           = errors.New("account is not locked")
	ErrAccountDisabled     = errors.New("account is disabled")
)

// LockedError carries the metadata a client needs to render a lock notice.
type LockedError struct {
	Reason              LockReason
	LockedUntil         *time.Time
	RemainingTime       time.Duration
	AdminReviewRequired bool
}

func (e *LockedError) Error() string {
	if e.AdminReviewRequired {
		return fmt.Sprintf("account is locked (%s): admin review required", e.Reason)
	}
	return fmt.Sprintf("account is locked (%s): retry in %s", e.Reason, e.RemainingTime.Round(time.Second))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// StepUpError lists the re-verification methods acceptable for the requested category.
type StepUpError struct {
	Category ResourceCategory
	Window   time.Duration
	Methods  []MFAMethod
}

func (e *StepUpError) Error() string {
	return fmt.Sprintf("step-up verification required for %s", e.Category)
}

func (e *StepUpError) Is(target error) bool {
	return target == ErrStepUpRequired
}

// RateLimitError is returned when a per-account token bucket is empty.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
