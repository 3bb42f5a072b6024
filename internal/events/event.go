// Package events publishes account lifecycle transitions to downstream consumers (Kafka, OTel logs, audit).
// Publishing is best-effort: a failed publish never rolls back the transition it describes.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names a lifecycle transition.
type Type string

const (
	TypeRegistered         Type = "account.registered"
	TypeChallengeIssued    Type = "account.challenge_issued"
	TypeEmailVerified      Type = "account.email_verified"
	TypePhoneVerified      Type = "account.phone_verified"
	TypeVerified           Type = "account.verified"
	TypeProvisioned        Type = "account.provisioned"
	TypeProvisioningFailed Type = "account.provisioning_failed"
	TypeWarned             Type = "account.expiry_warned"
	TypeExpired            Type = "account.expired"
	TypeDeleted            Type = "account.deleted"
)

// Event is one lifecycle transition. It never carries secrets.
type Event struct {
	Type       Type              `json:"type"`
	AccountID  string            `json:"account_id"`
	Handle     string            `json:"handle"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher delivers events. Callers log and ignore errors.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publishTimeout bounds a single async publish.
const publishTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait before closing publishers so in-flight async publishes finish.
const ShutdownDrainDuration = publishTimeout

// PublishAsync publishes e in a goroutine detached from ctx cancellation; errors are logged.
func PublishAsync(p Publisher, e Event, logger *zap.Logger) {
	if p == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, e); err != nil && logger != nil {
			logger.Warn("events: publish failed", zap.String("type", string(e.Type)), zap.String("account_id", e.AccountID), zap.Error(err))
		}
	}()
}

// Recorder keeps published events in memory. Used by tests and the dev server.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}
