package repository

import (
	"context"

	"membership-platform/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	// ListByAccount returns the account's entries oldest first.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.AuditLog, error)
}
