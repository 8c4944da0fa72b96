package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/neurolock/internal/database"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxAuditPageSize caps a single getAuditTrail page
const MaxAuditPageSize = 100

const auditColumns = `id, event_type, actor_id, target_type, target_id, outcome, method, reason,
	device_id, ip_address, user_agent, metadata, created_at`

// auditRepoImpl implements AuditRepository
type auditRepoImpl struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepoImpl{pool: db.Pool}
}

func scanAuditRow(row rowScanner) (*models.AuditEvent, error) {
	var e models.AuditEvent

	err := row.Scan(
		&e.ID, &e.EventType, &e.ActorID, &e.TargetType, &e.TargetID, &e.Outcome, &e.Method, &e.Reason,
		&e.DeviceID, &e.IPAddress, &e.UserAgent, &e.Metadata, &e.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &e, nil
}

func scanAuditRows(rows pgx.Rows) ([]*models.AuditEvent, error) {
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)

	for rows.Next() {
		e, err := scanAuditRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return events, nil
}

func (r *auditRepoImpl) Append(ctx context.Context, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO audit_events (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.EventType, e.ActorID, e.TargetType, e.TargetID, e.Outcome, e.Method, e.Reason,
		e.DeviceID, e.IPAddress, e.UserAgent, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// buildAuditWhere turns a filter into a WHERE clause and its arguments.
func buildAuditWhere(f models.AuditFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if len(f.EventTypes) > 0 {
		add("event_type = ANY($%d)", f.EventTypes)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *auditRepoImpl) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, int64, error) {
	where, args := buildAuditWhere(f)

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > MaxAuditPageSize {
		limit = MaxAuditPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_events%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit events: %w", err)
	}

	events, err := scanAuditRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}
