package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/database"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const sessionColumns = `id, staff_id, device_id, state, factors, ip_address, user_agent,
	created_at, established_at, last_verified_at, last_seen_at, expires_at,
	challenge, challenge_method, challenge_expires_at, ended_at, end_reason`

// sessionRepoImpl implements SessionRepository
type sessionRepoImpl struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) SessionRepository {
	return &sessionRepoImpl{pool: db.Pool}
}

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session
	var deviceID *string
	var factors []string

	err := scanner.Scan(
		&s.ID, &s.StaffID, &deviceID, &s.State, &factors, &s.IPAddress, &s.UserAgent,
		&s.CreatedAt, &s.EstablishedAt, &s.LastVerifiedAt, &s.LastSeenAt, &s.ExpiresAt,
		&s.Challenge, &s.ChallengeMethod, &s.ChallengeExpiresAt, &s.EndedAt, &s.EndReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if deviceID != nil {
		s.DeviceID = *deviceID
	}
	s.FactorsSatisfied = make([]models.Factor, 0, len(factors))
	for _, f := range factors {
		s.FactorsSatisfied = append(s.FactorsSatisfied, models.Factor(f))
	}

	return &s, nil
}

func factorStrings(factors []models.Factor) []string {
	out := make([]string, len(factors))
	for i, f := range factors {
		out[i] = string(f)
	}
	return out
}

func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func (r *sessionRepoImpl) Create(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sessions (
			id, staff_id, device_id, state, factors, ip_address, user_agent,
			created_at, established_at, last_verified_at, last_seen_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		s.ID, s.StaffID, nullableID(s.DeviceID), s.State, pq.Array(factorStrings(s.FactorsSatisfied)),
		s.IPAddress, s.UserAgent, s.CreatedAt, s.EstablishedAt, s.LastVerifiedAt, s.LastSeenAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *sessionRepoImpl) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, id))
}

func (r *sessionRepoImpl) Update(ctx context.Context, s *models.Session) error {
	query := `
		UPDATE sessions SET
			state = $1, factors = $2, established_at = $3, last_verified_at = $4, last_seen_at = $5,
			expires_at = $6, challenge = $7, challenge_method = $8, challenge_expires_at = $9, device_id = $10
		WHERE id = $11 AND ended_at IS NULL`

	result, err := r.pool.Exec(ctx, query,
		s.State, pq.Array(factorStrings(s.FactorsSatisfied)), s.EstablishedAt, s.LastVerifiedAt, s.LastSeenAt,
		s.ExpiresAt, s.Challenge, s.ChallengeMethod, s.ChallengeExpiresAt, nullableID(s.DeviceID), s.ID,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrSessionInvalid
	}
	return nil
}

func (r *sessionRepoImpl) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET last_seen_at = $1 WHERE id = $2 AND ended_at IS NULL`, at, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *sessionRepoImpl) End(ctx context.Context, id, reason string, at time.Time) error {
	query := `UPDATE sessions SET ended_at = $1, end_reason = $2, state = $3 WHERE id = $4 AND ended_at IS NULL`

	_, err := r.pool.Exec(ctx, query, at, reason, models.SessionStateExpired, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *sessionRepoImpl) EndAllForStaff(ctx context.Context, staffID, reason string, at time.Time) (int64, error) {
	query := `UPDATE sessions SET ended_at = $1, end_reason = $2, state = $3 WHERE staff_id = $4 AND ended_at IS NULL`

	result, err := r.pool.Exec(ctx, query, at, reason, models.SessionStateExpired, staffID)
	if err != nil {
		return 0, fmt.Errorf("failed to end sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *sessionRepoImpl) EndAllForDevice(ctx context.Context, deviceID, reason string, at time.Time) (int64, error) {
	query := `UPDATE sessions SET ended_at = $1, end_reason = $2, state = $3 WHERE device_id = $4 AND ended_at IS NULL`

	result, err := r.pool.Exec(ctx, query, at, reason, models.SessionStateExpired, deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to end device sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes sessions that ended or passed their absolute expiry before the cutoff.
func (r *sessionRepoImpl) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at < $1 OR ended_at < $1`

	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected(), nil
}
