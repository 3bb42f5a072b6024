package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"membership-platform/backend/internal/account/domain"
)

func newAccount(id, handle, email, phone string, now time.Time) *domain.Account {
	return &domain.Account{
		ID:                    id,
		DisplayName:           "Test User",
		Handle:                handle,
		ContactEmail:          email,
		PlatformEmail:         handle + "@cosmical.me",
		Phone:                 phone,
		PasswordHash:          "hash",
		Status:                domain.StatusPending,
		RegistrationExpiresAt: now.Add(48 * time.Hour),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func TestMemoryStore_CreateUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	if _, err := s.Create(ctx, newAccount("a1", "novax", "n@example.com", "+15551234567", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name  string
		acct  *domain.Account
		field string
	}{
		{"handle", newAccount("a2", "novax", "other@example.com", "+15550000001", now), "handle"},
		{"email", newAccount("a3", "other", "n@example.com", "+15550000002", now), "email"},
		{"phone", newAccount("a4", "third", "t@example.com", "+15551234567", now), "phone"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Create(ctx, tc.acct)
			var dup *DuplicateError
			if !errors.As(err, &dup) {
				t.Fatalf("want DuplicateError, got %v", err)
			}
			if dup.Field != tc.field {
				t.Errorf("Field = %q, want %q", dup.Field, tc.field)
			}
		})
	}
}

func TestMemoryStore_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	a, _ := s.Create(ctx, newAccount("a1", "novax", "n@example.com", "+15551234567", now))

	_, err := s.ConditionalUpdate(ctx, a.ID, Expectation{Status: domain.StatusVerified}, Patch{EmailVerified: Bool(true)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("status mismatch: want ErrConflict, got %v", err)
	}

	got, err := s.ConditionalUpdate(ctx, a.ID, Expectation{Status: domain.StatusPending}, Patch{EmailVerified: Bool(true)})
	if err != nil {
		t.Fatalf("ConditionalUpdate: %v", err)
	}
	if !got.EmailVerified {
		t.Error("EmailVerified not applied")
	}

	if _, err := s.ConditionalUpdate(ctx, "missing", Expectation{}, Patch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: want ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ConditionalUpdateRejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	a, _ := s.Create(ctx, newAccount("a1", "novax", "n@example.com", "+15551234567", now))

	_, err := s.ConditionalUpdate(ctx, a.ID, Expectation{Status: domain.StatusPending}, Patch{Status: StatusPtr(domain.StatusProvisioned)})
	if !errors.Is(err, domain.ErrInvariant) {
		t.Fatalf("want ErrInvariant, got %v", err)
	}
	stored, _ := s.FindOne(ctx, Filter{ID: a.ID})
	if stored.Status != domain.StatusPending {
		t.Errorf("rejected patch was persisted: status %s", stored.Status)
	}
}

func TestMemoryStore_ConditionalUpdateRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	a, _ := s.Create(ctx, newAccount("a1", "novax", "n@example.com", "+15551234567", now))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConditionalUpdate(ctx, a.ID, Expectation{Status: domain.StatusPending}, Patch{Status: StatusPtr(domain.StatusExpired)})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestMemoryStore_FindFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	soon := newAccount("a1", "soon", "soon@example.com", "+15550000001", now)
	soon.RegistrationExpiresAt = now.Add(2 * time.Hour)
	late := newAccount("a2", "late", "late@example.com", "+15550000002", now)
	past := newAccount("a3", "past", "past@example.com", "+15550000003", now)
	past.RegistrationExpiresAt = now.Add(-time.Hour)
	for _, a := range []*domain.Account{soon, late, past} {
		if _, err := s.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	window := now.Add(4 * time.Hour)
	got, _ := s.Find(ctx, Filter{Statuses: []domain.Status{domain.StatusPending}, ExpiresAfter: &now, ExpiresBefore: &window, WarningUnsent: true})
	if len(got) != 1 || got[0].Handle != "soon" {
		t.Fatalf("warning window: got %v", handles(got))
	}

	got, _ = s.Find(ctx, Filter{Statuses: []domain.Status{domain.StatusPending}, ExpiresBefore: &now})
	if len(got) != 1 || got[0].Handle != "past" {
		t.Fatalf("expired: got %v", handles(got))
	}

	got, _ = s.Find(ctx, Filter{Limit: 2})
	if len(got) != 2 {
		t.Fatalf("limit: got %d", len(got))
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, _ := s.Create(ctx, newAccount("a1", "novax", "n@example.com", "+15551234567", time.Now().UTC()))
	ok, err := s.Delete(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("first Delete = %v, %v", ok, err)
	}
	ok, err = s.Delete(ctx, a.ID)
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v; want false, nil", ok, err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, _ := s.Create(ctx, newAccount("a1", "novax", "n@example.com", "+15551234567", time.Now().UTC()))
	a.Handle = "mutated"
	stored, _ := s.FindOne(ctx, Filter{ID: "a1"})
	if stored.Handle != "novax" {
		t.Errorf("store shares memory with caller: handle %q", stored.Handle)
	}
}

func handles(as []*domain.Account) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Handle
	}
	return out
}
