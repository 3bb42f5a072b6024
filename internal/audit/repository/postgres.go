package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"membership-platform/backend/internal/audit/domain"
)

type auditRow struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Handle    string    `db:"handle"`
	Action    string    `db:"action"`
	Resource  string    `db:"resource"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns an audit log repository backed by db (pgx stdlib driver).
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: sqlx.NewDb(db, "pgx")}
}

// Create persists the entry. The entry must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO audit_logs
		(id, account_id, handle, action, resource, metadata, created_at)
		VALUES (:id, :account_id, :handle, :action, :resource, :metadata, :created_at)`, auditRow(*a))
	return err
}

func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := r.db.SelectContext(ctx, &rows, `SELECT id, account_id, handle, action, resource, metadata, created_at
		FROM audit_logs WHERE account_id = $1 ORDER BY created_at, id LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.AuditLog, len(rows))
	for i := range rows {
		a := domain.AuditLog(rows[i])
		out[i] = &a
	}
	return out, nil
}
