package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/database"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/jackc/pgx/v5"
)

// lockoutRepoImpl implements LockoutRepository on Postgres. Mutate serialises
// writers on a key with SELECT ... FOR UPDATE.
type lockoutRepoImpl struct {
	db *database.DB
}

func NewLockoutRepository(db *database.DB) LockoutRepository {
	return &lockoutRepoImpl{db: db}
}

const lockoutColumns = `key, failed_count, window_start, last_failure_at, reason, locked_at, locked_until, updated_at`

func scanLockoutRow(scanner rowScanner) (*models.LockoutRecord, error) {
	var rec models.LockoutRecord
	var windowStart *time.Time

	err := scanner.Scan(
		&rec.Key, &rec.FailedCount, &windowStart, &rec.LastFailureAt,
		&rec.Reason, &rec.LockedAt, &rec.LockedUntil, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if windowStart != nil {
		rec.WindowStart = *windowStart
	}
	return &rec, nil
}

func (r *lockoutRepoImpl) Get(ctx context.Context, key string) (*models.LockoutRecord, error) {
	rec, err := scanLockoutRow(r.db.Pool.QueryRow(ctx, `SELECT `+lockoutColumns+` FROM lockout_records WHERE key = $1`, key))
	if errors.Is(err, models.ErrNotFound) {
		return &models.LockoutRecord{Key: key}, nil
	}
	return rec, err
}

func (r *lockoutRepoImpl) Mutate(ctx context.Context, key string, fn func(*models.LockoutRecord) error) (*models.LockoutRecord, error) {
	var out *models.LockoutRecord

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		// Make sure a row exists so FOR UPDATE has something to lock.
		_, err := tx.Exec(ctx, `INSERT INTO lockout_records (key, updated_at) VALUES ($1, now()) ON CONFLICT (key) DO NOTHING`, key)
		if err != nil {
			return fmt.Errorf("failed to seed lockout record: %w", err)
		}

		rec, err := scanLockoutRow(tx.QueryRow(ctx, `SELECT `+lockoutColumns+` FROM lockout_records WHERE key = $1 FOR UPDATE`, key))
		if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}

		var windowStart *time.Time
		if !rec.WindowStart.IsZero() {
			windowStart = &rec.WindowStart
		}

		query := `
			UPDATE lockout_records SET
				failed_count = $1, window_start = $2, last_failure_at = $3, reason = $4,
				locked_at = $5, locked_until = $6, updated_at = $7
			WHERE key = $8`

		_, err = tx.Exec(ctx, query,
			rec.FailedCount, windowStart, rec.LastFailureAt, rec.Reason,
			rec.LockedAt, rec.LockedUntil, rec.UpdatedAt, key,
		)
		if err != nil {
			return fmt.Errorf("failed to store lockout record: %w", err)
		}

		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
