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

const staffColumns = `id, email, name, role, password_hash, status, created_at, updated_at`

type StaffRepositoryImpl struct {
	pool *pgxpool.Pool
}

func NewStaffRepository(db *database.DB) StaffRepository {
	return &StaffRepositoryImpl{pool: db.Pool}
}

func scanStaffRow(scanner rowScanner) (*models.StaffAccount, error) {
	var s models.StaffAccount

	err := scanner.Scan(
		&s.ID, &s.Email, &s.Name, &s.Role, &s.PasswordHash, &s.Status,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

func scanStaffRows(rows pgx.Rows) ([]*models.StaffAccount, error) {
	defer rows.Close()

	staff := make([]*models.StaffAccount, 0)

	for rows.Next() {
		s, err := scanStaffRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staff: %w", err)
		}
		staff = append(staff, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return staff, nil
}

func (r *StaffRepositoryImpl) Create(ctx context.Context, s *models.StaffAccount) (*models.StaffAccount, error) {
	s.ID = uuid.New().String()
	s.Email = models.NormalizeIdentifier(s.Email)

	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	if s.Status == "" {
		s.Status = models.StaffStatusActive
	}

	query := `
		INSERT INTO staff_accounts (id, email, name, role, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + staffColumns

	return scanStaffRow(r.pool.QueryRow(ctx, query,
		s.ID, s.Email, s.Name, s.Role, s.PasswordHash, s.Status, s.CreatedAt, s.UpdatedAt,
	))
}

func (r *StaffRepositoryImpl) GetByID(ctx context.Context, id string) (*models.StaffAccount, error) {
	query := `SELECT ` + staffColumns + ` FROM staff_accounts WHERE id = $1`
	return scanStaffRow(r.pool.QueryRow(ctx, query, id))
}

func (r *StaffRepositoryImpl) GetByEmail(ctx context.Context, email string) (*models.StaffAccount, error) {
	query := `SELECT ` + staffColumns + ` FROM staff_accounts WHERE email = $1`
	return scanStaffRow(r.pool.QueryRow(ctx, query, email))
}

func (r *StaffRepositoryImpl) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE staff_accounts SET status = $1, updated_at = $2 WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, status, time.Now(), id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *StaffRepositoryImpl) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	query := `UPDATE staff_accounts SET password_hash = $1, updated_at = $2 WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, passwordHash, time.Now(), id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *StaffRepositoryImpl) List(ctx context.Context, limit, offset int) ([]*models.StaffAccount, error) {
	query := `SELECT ` + staffColumns + ` FROM staff_accounts ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query staff: %w", err)
	}

	return scanStaffRows(rows)
}
