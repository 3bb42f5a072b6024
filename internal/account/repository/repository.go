// Package repository persists accounts. Every lifecycle transition goes through ConditionalUpdate so
// concurrent verification calls and the cleanup sweep cannot interleave on the same account.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"membership-platform/backend/internal/account/domain"
)

var (
	// ErrNotFound is returned when no account has the requested id.
	ErrNotFound = errors.New("account not found")
	// ErrConflict is returned by ConditionalUpdate when the stored account no longer matches the expectation.
	ErrConflict = errors.New("account state changed concurrently")
)

// DuplicateError is returned by Create when a unique attribute is already claimed.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already registered", e.Field)
}

// Store is the account persistence contract.
type Store interface {
	Find(ctx context.Context, f Filter) ([]*domain.Account, error)
	// FindOne returns the first matching account, or nil if none matches.
	FindOne(ctx context.Context, f Filter) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) (*domain.Account, error)
	// ConditionalUpdate applies patch only if the stored account satisfies expect, validating the
	// account invariants on the result. Returns ErrConflict when the expectation does not hold.
	ConditionalUpdate(ctx context.Context, id string, expect Expectation, patch Patch) (*domain.Account, error)
	// Delete hard-deletes the account. Returns false if it was already gone.
	Delete(ctx context.Context, id string) (bool, error)
}

// Filter selects accounts. Zero-valued fields are ignored; set fields are ANDed.
type Filter struct {
	ID             string
	Handle         string
	ContactEmail   string
	PlatformEmail  string
	Phone          string
	EmailTokenHash string
	Statuses       []domain.Status
	// ExpiresAfter/ExpiresBefore bound RegistrationExpiresAt (exclusive).
	ExpiresAfter  *time.Time
	ExpiresBefore *time.Time
	UpdatedBefore *time.Time
	WarningUnsent bool
	Limit         int
}

// Matches reports whether a satisfies the filter. Used by the in-memory store.
func (f Filter) Matches(a *domain.Account) bool {
	if f.ID != "" && a.ID != f.ID {
		return false
	}
	if f.Handle != "" && a.Handle != f.Handle {
		return false
	}
	if f.ContactEmail != "" && a.ContactEmail != f.ContactEmail {
		return false
	}
	if f.PlatformEmail != "" && a.PlatformEmail != f.PlatformEmail {
		return false
	}
	if f.Phone != "" && a.Phone != f.Phone {
		return false
	}
	if f.EmailTokenHash != "" && a.EmailTokenHash != f.EmailTokenHash {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ExpiresAfter != nil && !a.RegistrationExpiresAt.After(*f.ExpiresAfter) {
		return false
	}
	if f.ExpiresBefore != nil && !a.RegistrationExpiresAt.Before(*f.ExpiresBefore) {
		return false
	}
	if f.UpdatedBefore != nil && !a.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	if f.WarningUnsent && a.WarningIssuedAt != nil {
		return false
	}
	return true
}

// Expectation is the prior state a ConditionalUpdate requires. Zero-valued fields are not checked.
type Expectation struct {
	Status         domain.Status
	EmailTokenHash string
	PhoneCodeHash  string
	// FullyVerified requires both verification flags to be set.
	FullyVerified bool
	WarningUnsent bool
	// WarningIssuedAt requires the warning timestamp to equal this value.
	WarningIssuedAt *time.Time
	// ClaimedAt requires the provisioning claim to equal this value.
	ClaimedAt *time.Time
	// ClaimableBefore requires the provisioning claim to be absent or older than this time.
	ClaimableBefore *time.Time
}

// Matches reports whether a satisfies the expectation.
func (e Expectation) Matches(a *domain.Account) bool {
	if e.Status != "" && a.Status != e.Status {
		return false
	}
	if e.EmailTokenHash != "" && a.EmailTokenHash != e.EmailTokenHash {
		return false
	}
	if e.PhoneCodeHash != "" && a.PhoneCodeHash != e.PhoneCodeHash {
		return false
	}
	if e.FullyVerified && !a.FullyVerified() {
		return false
	}
	if e.WarningUnsent && a.WarningIssuedAt != nil {
		return false
	}
	if e.WarningIssuedAt != nil && (a.WarningIssuedAt == nil || !a.WarningIssuedAt.Equal(*e.WarningIssuedAt)) {
		return false
	}
	if e.ClaimedAt != nil && (a.ProvisioningStartedAt == nil || !a.ProvisioningStartedAt.Equal(*e.ClaimedAt)) {
		return false
	}
	if e.ClaimableBefore != nil && a.ProvisioningStartedAt != nil && !a.ProvisioningStartedAt.Before(*e.ClaimableBefore) {
		return false
	}
	return true
}

// Patch lists the fields a ConditionalUpdate writes. Nil fields are left unchanged.
type Patch struct {
	Status               *domain.Status
	EmailVerified        *bool
	PhoneVerified        *bool
	OSAccountProvisioned *bool
	MailboxProvisioned   *bool
	StorageProvisioned   *bool

	// EmailChallenge replaces the outstanding email token; ClearEmailChallenge removes it.
	EmailChallenge      *Challenge
	ClearEmailChallenge bool
	PhoneChallenge      *Challenge
	ClearPhoneChallenge bool
	// IncPhoneCodeAttempts records one failed guess. Setting or clearing the phone challenge resets the count.
	IncPhoneCodeAttempts bool

	ProvisioningStartedAt  *time.Time
	ClearProvisioningClaim bool
	WarningIssuedAt        *time.Time
	ClearWarning           bool
}

// Challenge is a hashed verification secret and its expiry.
type Challenge struct {
	Hash      string
	ExpiresAt time.Time
}

// Apply writes the patch into a and stamps UpdatedAt.
func (p Patch) Apply(a *domain.Account, now time.Time) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.EmailVerified != nil {
		a.EmailVerified = *p.EmailVerified
	}
	if p.PhoneVerified != nil {
		a.PhoneVerified = *p.PhoneVerified
	}
	if p.OSAccountProvisioned != nil {
		a.OSAccountProvisioned = *p.OSAccountProvisioned
	}
	if p.MailboxProvisioned != nil {
		a.MailboxProvisioned = *p.MailboxProvisioned
	}
	if p.StorageProvisioned != nil {
		a.StorageProvisioned = *p.StorageProvisioned
	}
	if p.ClearEmailChallenge {
		a.EmailTokenHash, a.EmailTokenExpiresAt = "", nil
	}
	if p.EmailChallenge != nil {
		exp := p.EmailChallenge.ExpiresAt
		a.EmailTokenHash, a.EmailTokenExpiresAt = p.EmailChallenge.Hash, &exp
	}
	if p.IncPhoneCodeAttempts {
		a.PhoneCodeAttempts++
	}
	if p.ClearPhoneChallenge {
		a.PhoneCodeHash, a.PhoneCodeExpiresAt, a.PhoneCodeAttempts = "", nil, 0
	}
	if p.PhoneChallenge != nil {
		exp := p.PhoneChallenge.ExpiresAt
		a.PhoneCodeHash, a.PhoneCodeExpiresAt, a.PhoneCodeAttempts = p.PhoneChallenge.Hash, &exp, 0
	}
	if p.ClearProvisioningClaim {
		a.ProvisioningStartedAt = nil
	}
	if p.ProvisioningStartedAt != nil {
		t := *p.ProvisioningStartedAt
		a.ProvisioningStartedAt = &t
	}
	if p.ClearWarning {
		a.WarningIssuedAt = nil
	}
	if p.WarningIssuedAt != nil {
		t := *p.WarningIssuedAt
		a.WarningIssuedAt = &t
	}
	a.UpdatedAt = now
}

// Bool and StatusPtr build patch values inline.
func Bool(v bool) *bool { return &v }

func StatusPtr(s domain.Status) *domain.Status { return &s }
