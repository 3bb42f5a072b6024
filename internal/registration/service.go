// Package registration creates Pending accounts and issues their first email challenge.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"membership-platform/backend/internal/account/domain"
	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/events"
)

// DuplicateResourceError is returned when a handle, email, platform email or phone is already claimed.
type DuplicateResourceError struct {
	Field string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("%s is already registered", e.Field)
}

// ErrDuplicateResource matches any *DuplicateResourceError with errors.Is.
var ErrDuplicateResource = errors.New("duplicate resource")

func (e *DuplicateResourceError) Is(target error) bool { return target == ErrDuplicateResource }

// reservedHandles are system account names a handle may never take, since handles become OS usernames.
var reservedHandles = map[string]bool{
	"root": true, "admin": true, "administrator": true, "daemon": true, "bin": true, "sys": true,
	"sync": true, "games": true, "man": true, "lp": true, "mail": true, "news": true, "uucp": true,
	"proxy": true, "www-data": true, "backup": true, "list": true, "irc": true, "nobody": true,
	"postmaster": true, "abuse": true, "hostmaster": true, "webmaster": true, "noreply": true,
	"sshd": true, "systemd-network": true, "messagebus": true, "support": true, "security": true,
}

// Input is a registration request.
type Input struct {
	DisplayName string
	Handle      string
	Email       string
	Phone       string
	Password    string
}

// Result is the created account and whether the email challenge reached the gateway.
type Result struct {
	Account            *domain.Account
	ChallengeDelivered bool
}

// PasswordHasher hashes the account password.
type PasswordHasher interface {
	Hash(password []byte) (string, error)
}

// Challenger issues the email challenge for a newly created account.
type Challenger interface {
	IssueEmailChallenge(ctx context.Context, a *domain.Account) error
}

// Config holds registration policy.
type Config struct {
	RegistrationExpiry  time.Duration
	PlatformEmailDomain string
}

// Service registers accounts.
type Service struct {
	store      repository.Store
	hasher     PasswordHasher
	challenger Challenger
	publisher  events.Publisher
	logger     *zap.Logger
	cfg        Config
	nowF       func() time.Time
	newID      func() string
}

func NewService(store repository.Store, hasher PasswordHasher, challenger Challenger, publisher events.Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.RegistrationExpiry <= 0 {
		cfg.RegistrationExpiry = 48 * time.Hour
	}
	if cfg.PlatformEmailDomain == "" {
		cfg.PlatformEmailDomain = "cosmical.me"
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		hasher:     hasher,
		challenger: challenger,
		publisher:  publisher,
		logger:     logger,
		cfg:        cfg,
		nowF:       func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.nowF = now }

// Register validates in, rejects duplicates, creates a Pending account expiring after the
// registration window and issues an email challenge. A failed challenge delivery does not undo
// the registration; the client can request a resend.
func (s *Service) Register(ctx context.Context, in Input) (*Result, error) {
	in = normalize(in)
	if err := validate(in); err != nil {
		return nil, err
	}
	platformEmail := in.Handle + "@" + s.cfg.PlatformEmailDomain

	checks := []struct {
		field  string
		filter repository.Filter
	}{
		{"handle", repository.Filter{Handle: in.Handle}},
		{"email", repository.Filter{ContactEmail: in.Email}},
		{"phone", repository.Filter{Phone: in.Phone}},
		{"platform_email", repository.Filter{PlatformEmail: platformEmail}},
	}
	for _, c := range checks {
		existing, err := s.store.FindOne(ctx, c.filter)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &DuplicateResourceError{Field: c.field}
		}
	}

	hash, err := s.hasher.Hash([]byte(in.Password))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.nowF()
	acct := &domain.Account{
		ID:                    s.newID(),
		DisplayName:           in.DisplayName,
		Handle:                in.Handle,
		ContactEmail:          in.Email,
		PlatformEmail:         platformEmail,
		Phone:                 in.Phone,
		PasswordHash:          hash,
		Status:                domain.StatusPending,
		RegistrationExpiresAt: now.Add(s.cfg.RegistrationExpiry),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	created, err := s.store.Create(ctx, acct)
	if err != nil {
		var dup *repository.DuplicateError
		if errors.As(err, &dup) {
			return nil, &DuplicateResourceError{Field: dup.Field}
		}
		return nil, err
	}
	s.logger.Info("registration: account created", zap.String("account_id", created.ID), zap.String("handle", created.Handle))
	events.PublishAsync(s.publisher, events.Event{
		Type:       events.TypeRegistered,
		AccountID:  created.ID,
		Handle:     created.Handle,
		OccurredAt: now,
	}, s.logger)

	res := &Result{Account: created}
	if err := s.challenger.IssueEmailChallenge(ctx, created); err != nil {
		s.logger.Warn("registration: email challenge not delivered", zap.String("account_id", created.ID), zap.Error(err))
		return res, nil
	}
	res.ChallengeDelivered = true
	if fresh, err := s.store.FindOne(ctx, repository.Filter{ID: created.ID}); err == nil && fresh != nil {
		res.Account = fresh
	}
	return res, nil
}

func normalize(in Input) Input {
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Handle = domain.NormalizeHandle(in.Handle)
	in.Email = domain.NormalizeEmail(in.Email)
	in.Phone = domain.NormalizePhone(in.Phone)
	return in
}

func validate(in Input) error {
	if err := domain.ValidateDisplayName(in.DisplayName); err != nil {
		return err
	}
	if err := domain.ValidateHandle(in.Handle); err != nil {
		return err
	}
	if reservedHandles[in.Handle] {
		return &domain.ValidationError{Field: "handle", Message: "is reserved"}
	}
	if err := domain.ValidateEmail(in.Email); err != nil {
		return err
	}
	if err := domain.ValidatePhone(in.Phone); err != nil {
		return err
	}
	return domain.ValidatePassword(in.Password)
}
