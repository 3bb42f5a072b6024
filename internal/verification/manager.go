// Package verification issues and consumes the email and phone challenges of a registration and
// triggers provisioning once both channels are confirmed.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"membership-platform/backend/internal/account/domain"
	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/events"
	"membership-platform/backend/internal/notify"
)

var (
	// ErrInvalidOrExpired is returned when a token or code is absent, mismatched, or past expiry.
	ErrInvalidOrExpired = errors.New("verification challenge is invalid or expired")
	// ErrRegistrationExpired is returned once the account's registration window has closed.
	ErrRegistrationExpired = errors.New("registration has expired")
	// ErrAccountNotFound is returned when a resend or code request names no account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDeliveryFailed wraps a gateway failure while sending a challenge. The challenge is persisted and may be resent.
	ErrDeliveryFailed = errors.New("verification challenge could not be delivered")
)

// maxConflictRetries bounds re-evaluation after a concurrent writer wins a conditional update.
const maxConflictRetries = 3

// Provisioner runs provisioning for a verified account.
type Provisioner interface {
	Provision(ctx context.Context, accountID string) (*domain.Account, error)
}

// Config holds challenge lifetimes.
type Config struct {
	EmailTokenTTL time.Duration
	PhoneCodeTTL  time.Duration
	// MaxPhoneAttempts is how many wrong guesses an outstanding phone code survives before it is cleared.
	MaxPhoneAttempts int
}

// Manager implements the verification half of the account lifecycle. All account writes go
// through conditional updates so concurrent requests and the cleanup sweep linearize per account.
type Manager struct {
	store       repository.Store
	gateway     notify.Gateway
	provisioner Provisioner
	publisher   events.Publisher
	logger      *zap.Logger
	cfg         Config
	nowF        func() time.Time
	newToken    func() (string, error)
	newCode     func() (string, error)
}

// NewManager returns a Manager. provisioner and publisher may be nil.
func NewManager(store repository.Store, gateway notify.Gateway, provisioner Provisioner, publisher events.Publisher, cfg Config, logger *zap.Logger) *Manager {
	if cfg.EmailTokenTTL <= 0 {
		cfg.EmailTokenTTL = 24 * time.Hour
	}
	if cfg.PhoneCodeTTL <= 0 {
		cfg.PhoneCodeTTL = 10 * time.Minute
	}
	if cfg.MaxPhoneAttempts <= 0 {
		cfg.MaxPhoneAttempts = 5
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		gateway:     gateway,
		provisioner: provisioner,
		publisher:   publisher,
		logger:      logger,
		cfg:         cfg,
		nowF:        func() time.Time { return time.Now().UTC() },
		newToken:    GenerateToken,
		newCode:     GenerateCode,
	}
}

// SetClock overrides the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) { m.nowF = now }

// IssueEmailChallenge replaces any outstanding email token with a fresh one and delivers it.
// The prior token stops working as soon as the new hash is stored.
func (m *Manager) IssueEmailChallenge(ctx context.Context, a *domain.Account) error {
	token, err := m.newToken()
	if err != nil {
		return fmt.Errorf("generate email token: %w", err)
	}
	ch := &repository.Challenge{Hash: HashSecret(token), ExpiresAt: m.nowF().Add(m.cfg.EmailTokenTTL)}
	updated, err := m.store.ConditionalUpdate(ctx, a.ID,
		repository.Expectation{Status: domain.StatusPending},
		repository.Patch{EmailChallenge: ch},
	)
	if err != nil {
		return m.transitionError(ctx, a.ID, err)
	}
	if err := m.gateway.SendVerificationChallenge(ctx, notify.Email(updated.ContactEmail, updated.DisplayName), token); err != nil {
		m.logger.Warn("verification: email challenge delivery failed", zap.String("account_id", a.ID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	m.publish(updated, events.TypeChallengeIssued, map[string]string{"channel": "email"})
	return nil
}

// IssuePhoneChallenge replaces any outstanding phone code with a fresh one and delivers it by SMS.
func (m *Manager) IssuePhoneChallenge(ctx context.Context, a *domain.Account) error {
	code, err := m.newCode()
	if err != nil {
		return fmt.Errorf("generate phone code: %w", err)
	}
	ch := &repository.Challenge{Hash: HashSecret(code), ExpiresAt: m.nowF().Add(m.cfg.PhoneCodeTTL)}
	updated, err := m.store.ConditionalUpdate(ctx, a.ID,
		repository.Expectation{Status: domain.StatusPending},
		repository.Patch{PhoneChallenge: ch},
	)
	if err != nil {
		return m.transitionError(ctx, a.ID, err)
	}
	if err := m.gateway.SendVerificationChallenge(ctx, notify.SMS(updated.Phone, updated.DisplayName), code); err != nil {
		m.logger.Warn("verification: phone challenge delivery failed", zap.String("account_id", a.ID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	m.publish(updated, events.TypeChallengeIssued, map[string]string{"channel": "phone"})
	return nil
}

// ResendEmailChallenge issues a new email token for the account named by handle or contact email.
// An already verified email is a no-op.
func (m *Manager) ResendEmailChallenge(ctx context.Context, identifier string) (*domain.Account, error) {
	f := repository.Filter{Handle: domain.NormalizeHandle(identifier)}
	if strings.Contains(identifier, "@") {
		f = repository.Filter{ContactEmail: domain.NormalizeEmail(identifier)}
	}
	a, err := m.lookupOpen(ctx, f)
	if err != nil {
		return nil, err
	}
	if a.EmailVerified {
		return a, nil
	}
	if err := m.IssueEmailChallenge(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// RequestPhoneCode issues a phone code for the account registered with phone.
// An already verified phone is a no-op.
func (m *Manager) RequestPhoneCode(ctx context.Context, phone string) (*domain.Account, error) {
	a, err := m.lookupOpen(ctx, repository.Filter{Phone: domain.NormalizePhone(phone)})
	if err != nil {
		return nil, err
	}
	if a.PhoneVerified {
		return a, nil
	}
	if err := m.IssuePhoneChallenge(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (m *Manager) lookupOpen(ctx context.Context, f repository.Filter) (*domain.Account, error) {
	a, err := m.store.FindOne(ctx, f)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAccountNotFound
	}
	if a.RegistrationExpired(m.nowF()) {
		return nil, ErrRegistrationExpired
	}
	return a, nil
}

// ConsumeEmailToken marks the email channel verified. The token is single-use: a second
// consumption finds no account and returns ErrInvalidOrExpired.
func (m *Manager) ConsumeEmailToken(ctx context.Context, token string) (*domain.Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidOrExpired
	}
	hash := HashSecret(token)
	for range maxConflictRetries {
		a, err := m.store.FindOne(ctx, repository.Filter{EmailTokenHash: hash})
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, ErrInvalidOrExpired
		}
		now := m.nowF()
		if a.RegistrationExpired(now) {
			return nil, ErrRegistrationExpired
		}
		if a.EmailVerified {
			return m.maybeTriggerProvisioning(ctx, a)
		}
		if !a.EmailTokenLive(now) {
			return nil, ErrInvalidOrExpired
		}
		updated, err := m.store.ConditionalUpdate(ctx, a.ID,
			repository.Expectation{Status: domain.StatusPending, EmailTokenHash: hash},
			repository.Patch{EmailVerified: repository.Bool(true), ClearEmailChallenge: true},
		)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.logger.Info("verification: email verified", zap.String("account_id", a.ID), zap.String("handle", a.Handle))
		m.publish(updated, events.TypeEmailVerified, nil)
		return m.maybeTriggerProvisioning(ctx, updated)
	}
	return nil, ErrInvalidOrExpired
}

// ConsumePhoneCode marks the phone channel verified when code matches the outstanding code for phone.
// Verifying an already verified phone is a no-op success.
func (m *Manager) ConsumePhoneCode(ctx context.Context, phone, code string) (*domain.Account, error) {
	phone = domain.NormalizePhone(phone)
	code = strings.TrimSpace(code)
	if phone == "" || code == "" {
		return nil, ErrInvalidOrExpired
	}
	for range maxConflictRetries {
		a, err := m.store.FindOne(ctx, repository.Filter{Phone: phone})
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, ErrInvalidOrExpired
		}
		now := m.nowF()
		if a.RegistrationExpired(now) {
			return nil, ErrRegistrationExpired
		}
		if a.PhoneVerified {
			return m.maybeTriggerProvisioning(ctx, a)
		}
		if !a.PhoneCodeLive(now) {
			return nil, ErrInvalidOrExpired
		}
		if !SecretEqual(code, a.PhoneCodeHash) {
			err = m.recordFailedAttempt(ctx, a)
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return nil, ErrInvalidOrExpired
		}
		updated, err := m.store.ConditionalUpdate(ctx, a.ID,
			repository.Expectation{Status: domain.StatusPending, PhoneCodeHash: a.PhoneCodeHash},
			repository.Patch{PhoneVerified: repository.Bool(true), ClearPhoneChallenge: true},
		)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.logger.Info("verification: phone verified", zap.String("account_id", a.ID), zap.String("handle", a.Handle))
		m.publish(updated, events.TypePhoneVerified, nil)
		return m.maybeTriggerProvisioning(ctx, updated)
	}
	return nil, ErrInvalidOrExpired
}

// recordFailedAttempt counts a wrong phone code; the guess that reaches MaxPhoneAttempts clears
// the code so the member has to request a new one.
func (m *Manager) recordFailedAttempt(ctx context.Context, a *domain.Account) error {
	patch := repository.Patch{IncPhoneCodeAttempts: true}
	if a.PhoneCodeAttempts+1 >= m.cfg.MaxPhoneAttempts {
		patch = repository.Patch{ClearPhoneChallenge: true}
	}
	_, err := m.store.ConditionalUpdate(ctx, a.ID,
		repository.Expectation{Status: domain.StatusPending, PhoneCodeHash: a.PhoneCodeHash},
		patch,
	)
	if err != nil {
		return err
	}
	if patch.ClearPhoneChallenge {
		m.logger.Warn("verification: phone code cleared after repeated failures",
			zap.String("account_id", a.ID), zap.Int("attempts", m.cfg.MaxPhoneAttempts))
	}
	return nil
}

// maybeTriggerProvisioning moves a fully verified Pending account to Verified and runs provisioning.
// The Pending->Verified update is the once-only guard: of two racing verifications only one wins it.
// Provisioning failures are logged, not returned; the account stays Verified for a later retry.
func (m *Manager) maybeTriggerProvisioning(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	if a.Status != domain.StatusPending || !a.FullyVerified() {
		return a, nil
	}
	verified, err := m.store.ConditionalUpdate(ctx, a.ID,
		repository.Expectation{Status: domain.StatusPending, FullyVerified: true},
		repository.Patch{Status: repository.StatusPtr(domain.StatusVerified)},
	)
	if errors.Is(err, repository.ErrConflict) {
		return m.reload(ctx, a)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("verification: both channels verified", zap.String("account_id", a.ID), zap.String("handle", a.Handle))
	m.publish(verified, events.TypeVerified, nil)
	if m.provisioner == nil {
		return verified, nil
	}
	provisioned, err := m.provisioner.Provision(context.WithoutCancel(ctx), a.ID)
	if err != nil {
		m.logger.Warn("verification: provisioning did not complete", zap.String("account_id", a.ID), zap.Error(err))
		return m.reload(ctx, verified)
	}
	return provisioned, nil
}

func (m *Manager) reload(ctx context.Context, fallback *domain.Account) (*domain.Account, error) {
	a, err := m.store.FindOne(ctx, repository.Filter{ID: fallback.ID})
	if err != nil || a == nil {
		return fallback, nil
	}
	return a, nil
}

// transitionError maps a failed challenge write to a caller-facing error.
func (m *Manager) transitionError(ctx context.Context, id string, err error) error {
	if !errors.Is(err, repository.ErrConflict) {
		return err
	}
	a, ferr := m.store.FindOne(ctx, repository.Filter{ID: id})
	if ferr == nil && (a == nil || a.RegistrationExpired(m.nowF())) {
		return ErrRegistrationExpired
	}
	return err
}

func (m *Manager) publish(a *domain.Account, t events.Type, attrs map[string]string) {
	events.PublishAsync(m.publisher, events.Event{
		Type:       t,
		AccountID:  a.ID,
		Handle:     a.Handle,
		Attributes: attrs,
		OccurredAt: m.nowF(),
	}, m.logger)
}
