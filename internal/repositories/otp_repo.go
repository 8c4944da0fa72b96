package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/database"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// oneTimeCodeRepoImpl implements OneTimeCodeRepository
type oneTimeCodeRepoImpl struct {
	pool *pgxpool.Pool
}

func NewOneTimeCodeRepository(db *database.DB) OneTimeCodeRepository {
	return &oneTimeCodeRepoImpl{pool: db.Pool}
}

func (r *oneTimeCodeRepoImpl) Create(ctx context.Context, c *models.OneTimeCode) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	query := `
		INSERT INTO one_time_codes (id, staff_id, method, purpose, subject, code_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.StaffID, c.Method, c.Purpose, c.Subject, c.CodeHash, c.IssuedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create one-time code: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *oneTimeCodeRepoImpl) Lookup(ctx context.Context, staffID string, method models.MFAMethod, purpose, subject, codeHash string) (*models.OneTimeCode, error) {
	query := `
		SELECT id, staff_id, method, purpose, subject, code_hash, issued_at, expires_at, consumed_at
		FROM one_time_codes
		WHERE staff_id = $1 AND method = $2 AND purpose = $3 AND subject = $4 AND code_hash = $5
		ORDER BY issued_at DESC
		LIMIT 1`

	var c models.OneTimeCode
	err := r.pool.QueryRow(ctx, query, staffID, method, purpose, subject, codeHash).Scan(
		&c.ID, &c.StaffID, &c.Method, &c.Purpose, &c.Subject, &c.CodeHash,
		&c.IssuedAt, &c.ExpiresAt, &c.ConsumedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &c, nil
}

func (r *oneTimeCodeRepoImpl) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE one_time_codes SET consumed_at = $1 WHERE id = $2 AND consumed_at IS NULL`

	result, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *oneTimeCodeRepoImpl) InvalidateOutstanding(ctx context.Context, staffID string, method models.MFAMethod, purpose, subject string, at time.Time) error {
	query := `
		UPDATE one_time_codes SET consumed_at = $1
		WHERE staff_id = $2 AND method = $3 AND purpose = $4 AND subject = $5 AND consumed_at IS NULL`

	if _, err := r.pool.Exec(ctx, query, at, staffID, method, purpose, subject); err != nil {
		return fmt.Errorf("failed to invalidate codes: %w", err)
	}
	return nil
}

func (r *oneTimeCodeRepoImpl) LatestIssuedAt(ctx context.Context, staffID string, method models.MFAMethod, purpose, subject string) (time.Time, error) {
	query := `
		SELECT MAX(issued_at) FROM one_time_codes
		WHERE staff_id = $1 AND method = $2 AND purpose = $3 AND subject = $4`

	var latest *time.Time
	if err := r.pool.QueryRow(ctx, query, staffID, method, purpose, subject).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest code: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (r *oneTimeCodeRepoImpl) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM one_time_codes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	return result.RowsAffected(), nil
}
