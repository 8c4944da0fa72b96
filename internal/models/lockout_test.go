package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutRecord_FifthFailureLocks(t *testing.T) {
	p := DefaultLockoutPolicy()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := &LockoutRecord{Key: "staff-1"}

	for i := 1; i <= 4; i++ {
		assert.False(t, r.ApplyFailure(now, p), "failure %d must not lock", i)
		assert.False(t, r.IsLocked(now))
	}

	require.True(t, r.ApplyFailure(now, p))
	assert.True(t, r.IsLocked(now))
	assert.Equal(t, LockReasonFailedAttempts, r.Reason)
	require.NotNil(t, r.LockedUntil)
	assert.Equal(t, now.Add(30*time.Minute), *r.LockedUntil)

	// Failures while locked never produce another transition.
	assert.False(t, r.ApplyFailure(now.Add(time.Minute), p))
	assert.Equal(t, 5, r.FailedCount)
}

func TestLockoutRecord_NaturalExpiry(t *testing.T) {
	p := DefaultLockoutPolicy()
	now := time.Now()
	r := &LockoutRecord{}
	for i := 0; i < 5; i++ {
		r.ApplyFailure(now, p)
	}

	assert.True(t, r.IsLocked(now.Add(29*time.Minute)))
	assert.False(t, r.IsLocked(now.Add(30*time.Minute)))

	// First failure after expiry starts a new window.
	later := now.Add(31 * time.Minute)
	assert.False(t, r.ApplyFailure(later, p))
	assert.Equal(t, 1, r.FailedCount)
	assert.Nil(t, r.LockedAt)
}

func TestLockoutRecord_WindowRollsOver(t *testing.T) {
	p := DefaultLockoutPolicy()
	now := time.Now()
	r := &LockoutRecord{}
	for i := 0; i < 4; i++ {
		r.ApplyFailure(now, p)
	}

	assert.False(t, r.ApplyFailure(now.Add(16*time.Minute), p))
	assert.Equal(t, 1, r.FailedCount)
}

func TestLockoutRecord_ResetOnSuccess(t *testing.T) {
	p := DefaultLockoutPolicy()
	now := time.Now()
	r := &LockoutRecord{}
	for i := 0; i < 4; i++ {
		r.ApplyFailure(now, p)
	}

	r.Reset(now)
	assert.Equal(t, 0, r.FailedCount)

	for i := 0; i < 4; i++ {
		assert.False(t, r.ApplyFailure(now, p))
	}
}

func TestLockoutRecord_ResetDoesNotLiftLock(t *testing.T) {
	p := DefaultLockoutPolicy()
	now := time.Now()
	r := &LockoutRecord{}
	r.Lock(now, LockReasonSecurityBreach, p)

	r.Reset(now)
	assert.True(t, r.IsLocked(now))
	assert.True(t, r.IsLocked(now.Add(23*time.Hour)))
	assert.False(t, r.IsLocked(now.Add(24*time.Hour)))
}

func TestLockoutRecord_AdminLockIsIndefinite(t *testing.T) {
	p := DefaultLockoutPolicy()
	now := time.Now()
	r := &LockoutRecord{}

	assert.True(t, r.Lock(now, LockReasonAdminLock, p))
	assert.Nil(t, r.LockedUntil)
	assert.True(t, r.IsLocked(now.Add(365*24*time.Hour)))

	lockErr := r.LockedError(now)
	assert.True(t, lockErr.AdminReviewRequired)
	assert.True(t, errors.Is(lockErr, ErrAccountLocked))

	r.Unlock(now)
	assert.False(t, r.IsLocked(now))
}

func TestLockoutRecord_LockedErrorRemaining(t *testing.T) {
	p := DefaultLockoutPolicy()
	now := time.Now()
	r := &LockoutRecord{}
	r.Lock(now, LockReasonFailedAttempts, p)

	lockErr := r.LockedError(now.Add(10 * time.Minute))
	assert.False(t, lockErr.AdminReviewRequired)
	assert.Equal(t, 20*time.Minute, lockErr.RemainingTime)
}

func TestDevice_CanWaiveMFA(t *testing.T) {
	now := time.Now()

	untrusted := &Device{TrustState: TrustUntrusted}
	assert.False(t, untrusted.CanWaiveMFA(now))

	pending := &Device{TrustState: TrustPendingApproval}
	assert.False(t, pending.CanWaiveMFA(now))
	assert.False(t, pending.CanBecomeTrustedByMFA())

	trusted := &Device{TrustState: TrustUntrusted}
	trusted.Trust(now, 30*24*time.Hour)
	assert.True(t, trusted.CanWaiveMFA(now.Add(29*24*time.Hour)))
	assert.False(t, trusted.CanWaiveMFA(now.Add(30*24*time.Hour)))

	revoked := &Device{TrustState: TrustRevoked}
	assert.False(t, revoked.CanWaiveMFA(now))
	assert.False(t, revoked.CanBecomeTrustedByMFA())
}

func TestOneTimeCode_Usable(t *testing.T) {
	now := time.Now()
	c := &OneTimeCode{IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}

	assert.True(t, c.Usable(now))
	assert.False(t, c.Usable(now.Add(10*time.Minute)))

	c.ConsumedAt = &now
	assert.False(t, c.Usable(now))
}
