package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"membership-platform/backend/internal/account/domain"
)

const pgUniqueViolation = "23505"

const accountColumns = `id, display_name, handle, contact_email, platform_email, phone, password_hash,
	email_verified, email_token_hash, email_token_expires_at,
	phone_verified, phone_code_hash, phone_code_expires_at, phone_code_attempts,
	os_account_provisioned, mailbox_provisioned, storage_provisioned, provisioning_started_at,
	status, registration_expires_at, warning_issued_at, created_at, updated_at`

// uniqueConstraintFields maps Postgres unique constraint names to the user-facing field name.
var uniqueConstraintFields = map[string]string{
	"accounts_pkey":               "id",
	"accounts_handle_key":         "handle",
	"accounts_contact_email_key":  "email",
	"accounts_platform_email_key": "platform_email",
	"accounts_phone_key":          "phone",
}

type accountRow struct {
	ID                    string         `db:"id"`
	DisplayName           string         `db:"display_name"`
	Handle                string         `db:"handle"`
	ContactEmail          string         `db:"contact_email"`
	PlatformEmail         sql.NullString `db:"platform_email"`
	Phone                 string         `db:"phone"`
	PasswordHash          string         `db:"password_hash"`
	EmailVerified         bool           `db:"email_verified"`
	EmailTokenHash        sql.NullString `db:"email_token_hash"`
	EmailTokenExpiresAt   sql.NullTime   `db:"email_token_expires_at"`
	PhoneVerified         bool           `db:"phone_verified"`
	PhoneCodeHash         sql.NullString `db:"phone_code_hash"`
	PhoneCodeExpiresAt    sql.NullTime   `db:"phone_code_expires_at"`
	PhoneCodeAttempts     int            `db:"phone_code_attempts"`
	OSAccountProvisioned  bool           `db:"os_account_provisioned"`
	MailboxProvisioned    bool           `db:"mailbox_provisioned"`
	StorageProvisioned    bool           `db:"storage_provisioned"`
	ProvisioningStartedAt sql.NullTime   `db:"provisioning_started_at"`
	Status                string         `db:"status"`
	RegistrationExpiresAt time.Time      `db:"registration_expires_at"`
	WarningIssuedAt       sql.NullTime   `db:"warning_issued_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

// PostgresStore implements Store on Postgres via sqlx. Conditional updates lock the row
// (SELECT ... FOR UPDATE) so the expectation check and the write are one linearizable step.
type PostgresStore struct {
	db   *sqlx.DB
	nowF func() time.Time
}

// NewPostgresStore wraps db (opened with the pgx stdlib driver) as an account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:   sqlx.NewDb(db, "pgx"),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Find returns matching accounts ordered by creation time.
func (s *PostgresStore) Find(ctx context.Context, f Filter) ([]*domain.Account, error) {
	where, args := buildWhere(f)
	q := `SELECT ` + accountColumns + ` FROM accounts` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Account, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// FindOne returns the first matching account, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (s *PostgresStore) FindOne(ctx context.Context, f Filter) (*domain.Account, error) {
	f.Limit = 1
	out, err := s.Find(ctx, f)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// Create inserts the account. Unique violations are reported as *DuplicateError.
func (s *PostgresStore) Create(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	row := rowFromDomain(a)
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES (
		:id, :display_name, :handle, :contact_email, :platform_email, :phone, :password_hash,
		:email_verified, :email_token_hash, :email_token_expires_at,
		:phone_verified, :phone_code_hash, :phone_code_expires_at, :phone_code_attempts,
		:os_account_provisioned, :mailbox_provisioned, :storage_provisioned, :provisioning_started_at,
		:status, :registration_expires_at, :warning_issued_at, :created_at, :updated_at)`, row)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return a.Clone(), nil
}

// ConditionalUpdate locks the row, checks expect, applies patch, validates invariants and writes back.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expect Expectation, patch Patch) (*domain.Account, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var row accountRow
	if err := tx.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	next := row.toDomain()
	if !expect.Matches(next) {
		return nil, ErrConflict
	}
	patch.Apply(next, s.nowF())
	if err := next.Validate(); err != nil {
		return nil, err
	}
	_, err = tx.NamedExecContext(ctx, `UPDATE accounts SET
		email_verified = :email_verified,
		email_token_hash = :email_token_hash,
		email_token_expires_at = :email_token_expires_at,
		phone_verified = :phone_verified,
		phone_code_hash = :phone_code_hash,
		phone_code_expires_at = :phone_code_expires_at,
		phone_code_attempts = :phone_code_attempts,
		os_account_provisioned = :os_account_provisioned,
		mailbox_provisioned = :mailbox_provisioned,
		storage_provisioned = :storage_provisioned,
		provisioning_started_at = :provisioning_started_at,
		status = :status,
		warning_issued_at = :warning_issued_at,
		updated_at = :updated_at
		WHERE id = :id`, rowFromDomain(next))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete removes the account row. Returns false if no row was deleted.
func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.ID != "" {
		add("id = $%d", f.ID)
	}
	if f.Handle != "" {
		add("handle = $%d", f.Handle)
	}
	if f.ContactEmail != "" {
		add("contact_email = $%d", f.ContactEmail)
	}
	if f.PlatformEmail != "" {
		add("platform_email = $%d", f.PlatformEmail)
	}
	if f.Phone != "" {
		add("phone = $%d", f.Phone)
	}
	if f.EmailTokenHash != "" {
		add("email_token_hash = $%d", f.EmailTokenHash)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.ExpiresAfter != nil {
		add("registration_expires_at > $%d", *f.ExpiresAfter)
	}
	if f.ExpiresBefore != nil {
		add("registration_expires_at < $%d", *f.ExpiresBefore)
	}
	if f.UpdatedBefore != nil {
		add("updated_at < $%d", *f.UpdatedBefore)
	}
	if f.WarningUnsent {
		clauses = append(clauses, "warning_issued_at IS NULL")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		field, ok := uniqueConstraintFields[pgErr.ConstraintName]
		if !ok {
			field = pgErr.ConstraintName
		}
		return &DuplicateError{Field: field}
	}
	return err
}

func (r *accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:                    r.ID,
		DisplayName:           r.DisplayName,
		Handle:                r.Handle,
		ContactEmail:          r.ContactEmail,
		PlatformEmail:         r.PlatformEmail.String,
		Phone:                 r.Phone,
		PasswordHash:          r.PasswordHash,
		EmailVerified:         r.EmailVerified,
		EmailTokenHash:        r.EmailTokenHash.String,
		EmailTokenExpiresAt:   timePtr(r.EmailTokenExpiresAt),
		PhoneVerified:         r.PhoneVerified,
		PhoneCodeHash:         r.PhoneCodeHash.String,
		PhoneCodeExpiresAt:    timePtr(r.PhoneCodeExpiresAt),
		PhoneCodeAttempts:     r.PhoneCodeAttempts,
		OSAccountProvisioned:  r.OSAccountProvisioned,
		MailboxProvisioned:    r.MailboxProvisioned,
		StorageProvisioned:    r.StorageProvisioned,
		ProvisioningStartedAt: timePtr(r.ProvisioningStartedAt),
		Status:                domain.Status(r.Status),
		RegistrationExpiresAt: r.RegistrationExpiresAt.UTC(),
		WarningIssuedAt:       timePtr(r.WarningIssuedAt),
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
}

func rowFromDomain(a *domain.Account) accountRow {
	return accountRow{
		ID:                    a.ID,
		DisplayName:           a.DisplayName,
		Handle:                a.Handle,
		ContactEmail:          a.ContactEmail,
		PlatformEmail:         nullString(a.PlatformEmail),
		Phone:                 a.Phone,
		PasswordHash:          a.PasswordHash,
		EmailVerified:         a.EmailVerified,
		EmailTokenHash:        nullString(a.EmailTokenHash),
		EmailTokenExpiresAt:   nullTime(a.EmailTokenExpiresAt),
		PhoneVerified:         a.PhoneVerified,
		PhoneCodeHash:         nullString(a.PhoneCodeHash),
		PhoneCodeExpiresAt:    nullTime(a.PhoneCodeExpiresAt),
		PhoneCodeAttempts:     a.PhoneCodeAttempts,
		OSAccountProvisioned:  a.OSAccountProvisioned,
		MailboxProvisioned:    a.MailboxProvisioned,
		StorageProvisioned:    a.StorageProvisioned,
		ProvisioningStartedAt: nullTime(a.ProvisioningStartedAt),
		Status:                string(a.Status),
		RegistrationExpiresAt: a.RegistrationExpiresAt,
		WarningIssuedAt:       nullTime(a.WarningIssuedAt),
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
