package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// StaffRepository defines staff account persistence
type StaffRepository interface {
	Create(ctx context.Context, staff *models.StaffAccount) (*models.StaffAccount, error)
	GetByID(ctx context.Context, id string) (*models.StaffAccount, error)
	// GetByEmail expects a normalized identifier
	GetByEmail(ctx context.Context, email string) (*models.StaffAccount, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	List(ctx context.Context, limit, offset int) ([]*models.StaffAccount, error)
}

// EnrollmentRepository defines second-factor enrollment persistence
type EnrollmentRepository interface {
	Create(ctx context.Context, e *models.MFAEnrollment) (*models.MFAEnrollment, error)
	GetByID(ctx context.Context, id string) (*models.MFAEnrollment, error)
	ListByStaff(ctx context.Context, staffID string) ([]*models.MFAEnrollment, error)
	// ListVerified returns confirmed enrollments of one method
	ListVerified(ctx context.Context, staffID string, method models.MFAMethod) ([]*models.MFAEnrollment, error)
	CountVerified(ctx context.Context, staffID string) (int, error)
	MarkVerified(ctx context.Context, id string, at time.Time) error

	// AdvanceLastUsed moves last_used_at forward to step. It returns false
	// when another caller already recorded step or a later one.
	AdvanceLastUsed(ctx context.Context, id string, step time.Time) (bool, error)

	UpdateCredential(ctx context.Context, id string, data []byte) error
	Delete(ctx context.Context, id string) error
}

// OneTimeCodeRepository defines SMS/email code persistence
type OneTimeCodeRepository interface {
	Create(ctx context.Context, code *models.OneTimeCode) error
	// Lookup finds the newest code with this hash in the scope, consumed or not,
	// so that a resubmitted code can be told apart from a wrong one
	Lookup(ctx context.Context, staffID string, method models.MFAMethod, purpose, subject, codeHash string) (*models.OneTimeCode, error)
	// Consume marks the code used. It returns false if it was already consumed.
	Consume(ctx context.Context, id string, at time.Time) (bool, error)
	// InvalidateOutstanding consumes every open code in the scope
	InvalidateOutstanding(ctx context.Context, staffID string, method models.MFAMethod, purpose, subject string, at time.Time) error
	// LatestIssuedAt returns the zero time when no code was ever issued in the scope
	LatestIssuedAt(ctx context.Context, staffID string, method models.MFAMethod, purpose, subject string) (time.Time, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// BackupCodeRepository defines recovery code persistence
type BackupCodeRepository interface {
	// ReplaceAll discards every existing code for the staff member
	ReplaceAll(ctx context.Context, staffID string, codes []*models.BackupCode) error
	// List returns used codes too, so a resubmitted code can be told apart from a wrong one
	List(ctx context.Context, staffID string) ([]*models.BackupCode, error)
	// Consume returns false if the code was already used
	Consume(ctx context.Context, id string, at time.Time) (bool, error)
	CountUnused(ctx context.Context, staffID string) (int, error)
}

// SessionRepository defines session persistence
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	// Update writes state, factors, verification timestamps and challenge fields
	Update(ctx context.Context, s *models.Session) error
	Touch(ctx context.Context, id string, at time.Time) error
	End(ctx context.Context, id, reason string, at time.Time) error
	// EndAllForStaff returns the number of sessions ended
	EndAllForStaff(ctx context.Context, staffID, reason string, at time.Time) (int64, error)
	EndAllForDevice(ctx context.Context, deviceID, reason string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// DeviceRepository defines device trust persistence
type DeviceRepository interface {
	Create(ctx context.Context, d *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
	// GetLiveByFingerprint ignores revoked records
	GetLiveByFingerprint(ctx context.Context, staffID, fingerprint string) (*models.Device, error)
	ListByStaff(ctx context.Context, staffID string) ([]*models.Device, error)
	ListPending(ctx context.Context, limit, offset int) ([]*models.Device, error)
	Update(ctx context.Context, d *models.Device) error
}

// LockoutRepository defines lockout counter persistence.
//
// Mutate loads the record for key (a zero record if none exists), applies fn
// and stores the result atomically with respect to other Mutate calls on the
// same key. If fn returns an error nothing is written. Optimistic stores may
// call fn more than once, so fn must derive its outputs from the record alone.
type LockoutRepository interface {
	Get(ctx context.Context, key string) (*models.LockoutRecord, error)
	Mutate(ctx context.Context, key string, fn func(*models.LockoutRecord) error) (*models.LockoutRecord, error)
}

// AuditRepository defines append-only audit persistence
type AuditRepository interface {
	Append(ctx context.Context, e *models.AuditEvent) error
	// Query returns matching events newest first and the total match count
	Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, int64, error)
}
