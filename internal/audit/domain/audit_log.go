package domain

import "time"

// AuditLog records one lifecycle transition of an account.
type AuditLog struct {
	ID        string
	AccountID string
	Handle    string
	Action    string
	Resource  string
	Metadata  string
	CreatedAt time.Time
}
