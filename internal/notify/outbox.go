package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sent is one notice captured by an Outbox.
type Sent struct {
	Kind   string
	To     Destination
	Secret string
	Hours  int
	At     time.Time
}

// Outbox is a Gateway that logs notices and keeps them in memory instead of delivering them.
// It backs local development (GET /dev/outbox) and tests. Not used in production.
type Outbox struct {
	mu     sync.RWMutex
	sent   []Sent
	latest map[string]Sent // address -> last challenge
	fail   map[string]error
	logger *zap.Logger
	nowF   func() time.Time
}

// NewOutbox returns an empty Outbox.
func NewOutbox(logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		latest: make(map[string]Sent),
		fail:   make(map[string]error),
		logger: logger,
		nowF:   func() time.Time { return time.Now().UTC() },
	}
}

// FailKind makes every send of kind return err until cleared with a nil err.
func (o *Outbox) FailKind(kind string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.fail, kind)
		return
	}
	o.fail[kind] = err
}

func (o *Outbox) record(kind string, dst Destination, secret string, hours int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[kind]; err != nil {
		return &DeliveryError{Channel: dst.Channel, Err: err}
	}
	s := Sent{Kind: kind, To: dst, Secret: secret, Hours: hours, At: o.nowF()}
	o.sent = append(o.sent, s)
	if kind == "challenge" {
		o.latest[dst.Address] = s
	}
	o.logger.Info("notify: outbox", zap.String("kind", kind), zap.String("channel", string(dst.Channel)))
	return nil
}

func (o *Outbox) SendVerificationChallenge(_ context.Context, dst Destination, secret string) error {
	return o.record("challenge", dst, secret, 0)
}

func (o *Outbox) SendWarning(_ context.Context, dst Destination, hoursRemaining int) error {
	return o.record("warning", dst, "", hoursRemaining)
}

func (o *Outbox) SendExpirationNotice(_ context.Context, dst Destination) error {
	return o.record("expiration", dst, "", 0)
}

func (o *Outbox) SendProvisioningFailure(_ context.Context, dst Destination, handle, step string) error {
	return o.record("provisioning_failure", dst, "", 0)
}

func (o *Outbox) SendWelcome(_ context.Context, dst Destination, handle, platformEmail, initialPassword string) error {
	return o.record("welcome", dst, initialPassword, 0)
}

// LastChallenge returns the most recent challenge secret sent to address.
func (o *Outbox) LastChallenge(address string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.latest[address]
	return s.Secret, ok
}

// Sent returns a copy of every captured notice.
func (o *Outbox) Sent() []Sent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Sent(nil), o.sent...)
}

// Count returns how many notices of kind were sent to address ("" matches any address).
func (o *Outbox) Count(kind, address string) int {
	n := 0
	for _, s := range o.Sent() {
		if s.Kind == kind && (address == "" || s.To.Address == address) {
			n++
		}
	}
	return n
}
