// Package audit persists a trail of account lifecycle transitions. It subscribes to lifecycle
// events like any other publisher, so writing the trail never blocks or fails a transition.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"membership-platform/backend/internal/audit/domain"
	auditrepo "membership-platform/backend/internal/audit/repository"
	"membership-platform/backend/internal/events"
)

// Logger implements events.Publisher by writing one audit row per event.
// Publish is best-effort: failures are logged and nil is returned.
type Logger struct {
	repo   auditrepo.Repository
	logger *zap.Logger
	nowF   func() time.Time
}

// NewLogger returns a Logger persisting to repo. repo may be nil, in which case events are dropped.
func NewLogger(repo auditrepo.Repository, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, logger: logger, nowF: func() time.Time { return time.Now().UTC() }}
}

func (l *Logger) Publish(ctx context.Context, e events.Event) error {
	if l.repo == nil || e.AccountID == "" {
		return nil
	}
	createdAt := e.OccurredAt
	if createdAt.IsZero() {
		createdAt = l.nowF()
	}
	meta := ""
	if len(e.Attributes) > 0 {
		b, err := json.Marshal(e.Attributes)
		if err == nil {
			meta = string(b)
		}
	}
	action, resource := splitType(e.Type)
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		AccountID: e.AccountID,
		Handle:    e.Handle,
		Action:    action,
		Resource:  resource,
		Metadata:  meta,
		CreatedAt: createdAt,
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.logger.Error("audit: failed to record event",
			zap.String("type", string(e.Type)),
			zap.String("account_id", e.AccountID),
			zap.Error(err),
		)
	}
	return nil
}

// splitType turns "account.email_verified" into action "email_verified" and resource "account".
func splitType(t events.Type) (action, resource string) {
	s := string(t)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[i+1:], s[:i]
		}
	}
	return s, "account"
}
