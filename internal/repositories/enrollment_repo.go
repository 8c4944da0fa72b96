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

const enrollmentColumns = `id, staff_id, method, label, destination, secret_encrypted, secret_nonce,
	credential_data, last_used_at, created_at, verified_at`

// enrollmentRepoImpl implements EnrollmentRepository
type enrollmentRepoImpl struct {
	pool *pgxpool.Pool
}

func NewEnrollmentRepository(db *database.DB) EnrollmentRepository {
	return &enrollmentRepoImpl{pool: db.Pool}
}

func scanEnrollmentRow(scanner rowScanner) (*models.MFAEnrollment, error) {
	var e models.MFAEnrollment

	err := scanner.Scan(
		&e.ID, &e.StaffID, &e.Method, &e.Label, &e.Destination,
		&e.SecretEncrypted, &e.SecretNonce, &e.CredentialData,
		&e.LastUsedAt, &e.CreatedAt, &e.VerifiedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &e, nil
}

func scanEnrollmentRows(rows pgx.Rows) ([]*models.MFAEnrollment, error) {
	defer rows.Close()

	enrollments := make([]*models.MFAEnrollment, 0)

	for rows.Next() {
		e, err := scanEnrollmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		enrollments = append(enrollments, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollment rows: %w", err)
	}

	return enrollments, nil
}

func (r *enrollmentRepoImpl) Create(ctx context.Context, e *models.MFAEnrollment) (*models.MFAEnrollment, error) {
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now()

	query := `
		INSERT INTO mfa_enrollments
			(id, staff_id, method, label, destination, secret_encrypted, secret_nonce, credential_data, created_at, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + enrollmentColumns

	return scanEnrollmentRow(r.pool.QueryRow(ctx, query,
		e.ID, e.StaffID, e.Method, e.Label, e.Destination,
		e.SecretEncrypted, e.SecretNonce, e.CredentialData, e.CreatedAt, e.VerifiedAt,
	))
}

func (r *enrollmentRepoImpl) GetByID(ctx context.Context, id string) (*models.MFAEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM mfa_enrollments WHERE id = $1`
	return scanEnrollmentRow(r.pool.QueryRow(ctx, query, id))
}

func (r *enrollmentRepoImpl) ListByStaff(ctx context.Context, staffID string) ([]*models.MFAEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM mfa_enrollments WHERE staff_id = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}

	return scanEnrollmentRows(rows)
}

func (r *enrollmentRepoImpl) ListVerified(ctx context.Context, staffID string, method models.MFAMethod) ([]*models.MFAEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM mfa_enrollments
		WHERE staff_id = $1 AND method = $2 AND verified_at IS NOT NULL
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, staffID, method)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified enrollments: %w", err)
	}

	return scanEnrollmentRows(rows)
}

func (r *enrollmentRepoImpl) CountVerified(ctx context.Context, staffID string) (int, error) {
	query := `SELECT COUNT(*) FROM mfa_enrollments WHERE staff_id = $1 AND verified_at IS NOT NULL`

	var count int
	if err := r.pool.QueryRow(ctx, query, staffID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count enrollments: %w", err)
	}

	return count, nil
}

func (r *enrollmentRepoImpl) MarkVerified(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE mfa_enrollments SET verified_at = $1 WHERE id = $2 AND verified_at IS NULL`

	result, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *enrollmentRepoImpl) AdvanceLastUsed(ctx context.Context, id string, step time.Time) (bool, error) {
	query := `
		UPDATE mfa_enrollments SET last_used_at = $1
		WHERE id = $2 AND (last_used_at IS NULL OR last_used_at < $1)`

	result, err := r.pool.Exec(ctx, query, step, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *enrollmentRepoImpl) UpdateCredential(ctx context.Context, id string, data []byte) error {
	query := `UPDATE mfa_enrollments SET credential_data = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, data, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *enrollmentRepoImpl) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM mfa_enrollments WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
