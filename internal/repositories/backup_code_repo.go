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

// backupCodeRepoImpl implements BackupCodeRepository
type backupCodeRepoImpl struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewBackupCodeRepository(db *database.DB) BackupCodeRepository {
	return &backupCodeRepoImpl{db: db, pool: db.Pool}
}

func (r *backupCodeRepoImpl) ReplaceAll(ctx context.Context, staffID string, codes []*models.BackupCode) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE staff_id = $1`, staffID); err != nil {
			return fmt.Errorf("failed to clear backup codes: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range codes {
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			c.StaffID = staffID
			batch.Queue(
				`INSERT INTO backup_codes (id, staff_id, code_hash, created_at) VALUES ($1, $2, $3, $4)`,
				c.ID, c.StaffID, c.CodeHash, c.CreatedAt,
			)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert backup codes: %w", database.MapPostgresError(err))
		}
		return nil
	})
}

func (r *backupCodeRepoImpl) List(ctx context.Context, staffID string) ([]*models.BackupCode, error) {
	query := `
		SELECT id, staff_id, code_hash, used_at, created_at
		FROM backup_codes WHERE staff_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*models.BackupCode, 0)
	for rows.Next() {
		var c models.BackupCode
		if err := rows.Scan(&c.ID, &c.StaffID, &c.CodeHash, &c.UsedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup code rows: %w", err)
	}

	return codes, nil
}

func (r *backupCodeRepoImpl) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `UPDATE backup_codes SET used_at = $1 WHERE id = $2 AND used_at IS NULL`, at, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *backupCodeRepoImpl) CountUnused(ctx context.Context, staffID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM backup_codes WHERE staff_id = $1 AND used_at IS NULL`, staffID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return count, nil
}
