package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/database"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deviceColumns = `id, staff_id, fingerprint, name, trust_state, trusted_at, trust_expires_at,
	justification, identity_verified_via, identity_verified_by, identity_verified_at,
	approved_by, approved_at, revoked_at, revoke_reason, last_seen_at, created_at`

// deviceRepoImpl implements DeviceRepository
type deviceRepoImpl struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(db *database.DB) DeviceRepository {
	return &deviceRepoImpl{pool: db.Pool}
}

func scanDeviceRow(scanner rowScanner) (*models.Device, error) {
	var d models.Device

	err := scanner.Scan(
		&d.ID, &d.StaffID, &d.Fingerprint, &d.Name, &d.TrustState, &d.TrustedAt, &d.TrustExpiresAt,
		&d.Justification, &d.IdentityVerifiedVia, &d.IdentityVerifiedBy, &d.IdentityVerifiedAt,
		&d.ApprovedBy, &d.ApprovedAt, &d.RevokedAt, &d.RevokeReason, &d.LastSeenAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &d, nil
}

func scanDeviceRows(rows pgx.Rows) ([]*models.Device, error) {
	defer rows.Close()

	devices := make([]*models.Device, 0)

	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device rows: %w", err)
	}

	return devices, nil
}

func (r *deviceRepoImpl) Create(ctx context.Context, d *models.Device) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO devices (
			id, staff_id, fingerprint, name, trust_state, trusted_at, trust_expires_at,
			justification, identity_verified_via, identity_verified_by, identity_verified_at,
			approved_by, approved_at, revoked_at, revoke_reason, last_seen_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.StaffID, d.Fingerprint, d.Name, d.TrustState, d.TrustedAt, d.TrustExpiresAt,
		d.Justification, d.IdentityVerifiedVia, d.IdentityVerifiedBy, d.IdentityVerifiedAt,
		d.ApprovedBy, d.ApprovedAt, d.RevokedAt, d.RevokeReason, d.LastSeenAt, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *deviceRepoImpl) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return scanDeviceRow(r.pool.QueryRow(ctx, query, id))
}

func (r *deviceRepoImpl) GetLiveByFingerprint(ctx context.Context, staffID, fingerprint string) (*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE staff_id = $1 AND fingerprint = $2 AND trust_state <> 'revoked'`
	return scanDeviceRow(r.pool.QueryRow(ctx, query, staffID, fingerprint))
}

func (r *deviceRepoImpl) ListByStaff(ctx context.Context, staffID string) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE staff_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}

	return scanDeviceRows(rows)
}

func (r *deviceRepoImpl) ListPending(ctx context.Context, limit, offset int) ([]*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices WHERE trust_state = 'pending-approval'
		ORDER BY created_at LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending devices: %w", err)
	}

	return scanDeviceRows(rows)
}

func (r *deviceRepoImpl) Update(ctx context.Context, d *models.Device) error {
	query := `
		UPDATE devices SET
			name = $1, trust_state = $2, trusted_at = $3, trust_expires_at = $4,
			justification = $5, identity_verified_via = $6, identity_verified_by = $7, identity_verified_at = $8,
			approved_by = $9, approved_at = $10, revoked_at = $11, revoke_reason = $12, last_seen_at = $13
		WHERE id = $14`

	result, err := r.pool.Exec(ctx, query,
		d.Name, d.TrustState, d.TrustedAt, d.TrustExpiresAt,
		d.Justification, d.IdentityVerifiedVia, d.IdentityVerifiedBy, d.IdentityVerifiedAt,
		d.ApprovedBy, d.ApprovedAt, d.RevokedAt, d.RevokeReason, d.LastSeenAt, d.ID,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
