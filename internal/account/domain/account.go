package domain

import (
	"errors"
	"fmt"
	"time"
)

// Account is the central membership entity: identity, verification state, provisioned resources and lifecycle.
type Account struct {
	ID            string
	DisplayName   string
	Handle        string // unique, immutable once Status leaves Pending
	ContactEmail  string
	PlatformEmail string // derived from Handle; empty until assigned
	Phone         string
	PasswordHash  string

	EmailVerified       bool
	EmailTokenHash      string     // SHA-256 of the outstanding email token; empty when none
	EmailTokenExpiresAt *time.Time // nil when no token is outstanding
	PhoneVerified       bool
	PhoneCodeHash       string
	PhoneCodeExpiresAt  *time.Time
	PhoneCodeAttempts   int // failed guesses against the outstanding phone code

	OSAccountProvisioned bool
	MailboxProvisioned   bool
	StorageProvisioned   bool
	// ProvisioningStartedAt is set while a provisioning run holds the account; nil otherwise.
	ProvisioningStartedAt *time.Time

	Status                Status
	RegistrationExpiresAt time.Time
	WarningIssuedAt       *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Status is the lifecycle state of an account. Exactly one holds at any time.
type Status string

const (
	StatusPending     Status = "pending"
	StatusVerified    Status = "verified"
	StatusProvisioned Status = "provisioned"
	StatusExpired     Status = "expired"
	StatusDeleted     Status = "deleted"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusProvisioned, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// ErrInvariant is wrapped by every error returned from Account.Validate.
var ErrInvariant = errors.New("account invariant violated")

// Validate checks the lifecycle invariants that must hold after every write.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvariant)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, a.Status)
	}
	switch a.Status {
	case StatusVerified:
		if !a.FullyVerified() {
			return fmt.Errorf("%w: verified account without both channels", ErrInvariant)
		}
	case StatusProvisioned:
		if !a.FullyVerified() || !a.FullyProvisioned() {
			return fmt.Errorf("%w: provisioned account with incomplete verification or resources", ErrInvariant)
		}
	case StatusExpired, StatusDeleted:
		if a.AnyProvisioned() {
			return fmt.Errorf("%w: %s account still holds provisioned resources", ErrInvariant, a.Status)
		}
	}
	return nil
}

// FullyVerified reports whether both verification channels are confirmed.
func (a *Account) FullyVerified() bool {
	return a.EmailVerified && a.PhoneVerified
}

// FullyProvisioned reports whether all three external resources exist.
func (a *Account) FullyProvisioned() bool {
	return a.OSAccountProvisioned && a.MailboxProvisioned && a.StorageProvisioned
}

// AnyProvisioned reports whether at least one external resource exists.
func (a *Account) AnyProvisioned() bool {
	return a.OSAccountProvisioned || a.MailboxProvisioned || a.StorageProvisioned
}

// RegistrationExpired is the single expiry rule shared by verification and the cleanup sweep:
// an account is past its window once it has been marked Expired/Deleted, or while still Pending
// after RegistrationExpiresAt.
func (a *Account) RegistrationExpired(now time.Time) bool {
	switch a.Status {
	case StatusExpired, StatusDeleted:
		return true
	case StatusPending:
		return !now.Before(a.RegistrationExpiresAt)
	}
	return false
}

// EmailTokenLive reports whether an email token is outstanding and not past its expiry.
func (a *Account) EmailTokenLive(now time.Time) bool {
	return a.EmailTokenHash != "" && a.EmailTokenExpiresAt != nil && now.Before(*a.EmailTokenExpiresAt)
}

// PhoneCodeLive reports whether a phone code is outstanding and not past its expiry.
func (a *Account) PhoneCodeLive(now time.Time) bool {
	return a.PhoneCodeHash != "" && a.PhoneCodeExpiresAt != nil && now.Before(*a.PhoneCodeExpiresAt)
}

// Clone returns a deep copy so callers never share time pointers with a store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.EmailTokenExpiresAt = cloneTime(a.EmailTokenExpiresAt)
	c.PhoneCodeExpiresAt = cloneTime(a.PhoneCodeExpiresAt)
	c.ProvisioningStartedAt = cloneTime(a.ProvisioningStartedAt)
	c.WarningIssuedAt = cloneTime(a.WarningIssuedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
