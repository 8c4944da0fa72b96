package models

import "time"

type LockReason string

const (
	LockReasonFailedAttempts LockReason = "failed-attempts"
	LockReasonSecurityBreach LockReason = "security-breach"
	LockReasonAdminLock      LockReason = "admin-lock"
)

// LockoutPolicy parameterises the lockout state machine.
// A zero duration means the lock has no natural expiry.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
	Durations map[LockReason]time.Duration
}

// DefaultLockoutPolicy: 5 failures in 15 minutes, 30m / 24h / indefinite.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold: 5,
		Window:    15 * time.Minute,
		Durations: map[LockReason]time.Duration{
			LockReasonFailedAttempts: 30 * time.Minute,
			LockReasonSecurityBreach: 24 * time.Hour,
			LockReasonAdminLock:      0,
		},
	}
}

// LockoutRecord is the per-key failure counter and lock state.
// Key is a staff ID or a normalized unknown-identifier bucket.
type LockoutRecord struct {
	Key           string     `json:"key"`
	FailedCount   int        `json:"failed_count"`
	WindowStart   time.Time  `json:"window_start"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	Reason        LockReason `json:"reason,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsLocked is true iff a lock was applied and has not expired.
func (r *LockoutRecord) IsLocked(now time.Time) bool {
	if r.LockedAt == nil {
		return false
	}
	return r.LockedUntil == nil || now.Before(*r.LockedUntil)
}

// ApplyFailure records one failed verification and reports whether this call
// moved the record into the locked state. Callers must hold the record's lock.
func (r *LockoutRecord) ApplyFailure(now time.Time, p LockoutPolicy) bool {
	r.UpdatedAt = now
	if r.IsLocked(now) {
		return false
	}

	// Natural expiry: a stale lock starts a fresh window.
	if r.LockedAt != nil {
		r.clear()
	}
	if r.WindowStart.IsZero() || now.Sub(r.WindowStart) > p.Window {
		r.FailedCount = 0
		r.WindowStart = now
	}

	r.FailedCount++
	r.LastFailureAt = &now

	if r.FailedCount >= p.Threshold {
		r.Lock(now, LockReasonFailedAttempts, p)
		return true
	}
	return false
}

// Lock applies reason regardless of the counter. It returns false if the
// record was already locked.
func (r *LockoutRecord) Lock(now time.Time, reason LockReason, p LockoutPolicy) bool {
	wasLocked := r.IsLocked(now)
	r.Reason = reason
	r.LockedAt = &now
	r.LockedUntil = nil
	if d := p.Durations[reason]; d > 0 {
		until := now.Add(d)
		r.LockedUntil = &until
	}
	r.UpdatedAt = now
	return !wasLocked
}

// Reset clears the counter after a fully successful login.
func (r *LockoutRecord) Reset(now time.Time) {
	if r.IsLocked(now) {
		return
	}
	r.clear()
	r.UpdatedAt = now
}

// Unlock lifts any lock and clears the counter.
func (r *LockoutRecord) Unlock(now time.Time) {
	r.clear()
	r.UpdatedAt = now
}

func (r *LockoutRecord) clear() {
	r.FailedCount = 0
	r.WindowStart = time.Time{}
	r.LastFailureAt = nil
	r.Reason = ""
	r.LockedAt = nil
	r.LockedUntil = nil
}

// LockedError builds the caller-facing lock metadata.
func (r *LockoutRecord) LockedError(now time.Time) *LockedError {
	e := &LockedError{Reason: r.Reason, LockedUntil: r.LockedUntil}
	if r.LockedUntil == nil {
		e.AdminReviewRequired = true
		return e
	}
	e.RemainingTime = r.LockedUntil.Sub(now)
	return e
}
