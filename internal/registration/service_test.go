package registration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"membership-platform/backend/internal/account/domain"
	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/security"
)

type fakeChallenger struct {
	issued []string
	err    error
}

func (f *fakeChallenger) IssueEmailChallenge(_ context.Context, a *domain.Account) error {
	if f.err != nil {
		return f.err
	}
	f.issued = append(f.issued, a.ID)
	return nil
}

// dupOnCreate reports a unique violation from Create to simulate a lost race past the pre-checks.
type dupOnCreate struct {
	*repository.MemoryStore
}

func (d dupOnCreate) Create(context.Context, *domain.Account) (*domain.Account, error) {
	return nil, &repository.DuplicateError{Field: "phone"}
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(store repository.Store, ch Challenger) *Service {
	s := NewService(store, security.NewHasher(4), ch, nil, Config{}, nil)
	s.SetClock(func() time.Time { return fixedNow })
	n := 0
	s.newID = func() string { n++; return fmt.Sprintf("acc-%d", n) }
	return s
}

func validInput() Input {
	return Input{DisplayName: "Nova X", Handle: "novax", Email: "n@example.com", Phone: "+15551234567", Password: "correct horse"}
}

func TestRegister_CreatesPendingAccount(t *testing.T) {
	store := repository.NewMemoryStore()
	ch := &fakeChallenger{}
	res, err := newService(store, ch).Register(context.Background(), Input{
		DisplayName: " Nova X ", Handle: "NovaX", Email: "N@Example.com", Phone: "+1 555 123 4567", Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	a := res.Account
	if a.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	if !a.RegistrationExpiresAt.Equal(fixedNow.Add(48 * time.Hour)) {
		t.Errorf("expires = %v, want now+48h", a.RegistrationExpiresAt)
	}
	if a.Handle != "novax" || a.ContactEmail != "n@example.com" || a.Phone != "+15551234567" {
		t.Errorf("normalization: %q %q %q", a.Handle, a.ContactEmail, a.Phone)
	}
	if a.PlatformEmail != "novax@cosmical.me" {
		t.Errorf("platform email = %q", a.PlatformEmail)
	}
	if a.PasswordHash == "" || a.PasswordHash == "correct horse" {
		t.Error("password must be stored hashed")
	}
	if err := security.NewHasher(4).Compare(a.PasswordHash, []byte("correct horse")); err != nil {
		t.Errorf("stored hash does not verify: %v", err)
	}
	if !res.ChallengeDelivered || len(ch.issued) != 1 || ch.issued[0] != a.ID {
		t.Errorf("email challenge not issued: %+v", ch.issued)
	}
}

func TestRegister_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Input)
		field string
	}{
		{"short display name", func(in *Input) { in.DisplayName = "N" }, "display_name"},
		{"bad handle", func(in *Input) { in.Handle = "no" }, "handle"},
		{"handle symbols", func(in *Input) { in.Handle = "nova_x" }, "handle"},
		{"reserved handle", func(in *Input) { in.Handle = "root" }, "handle"},
		{"bad email", func(in *Input) { in.Email = "not-an-email" }, "email"},
		{"bad phone", func(in *Input) { in.Phone = "12" }, "phone"},
		{"short password", func(in *Input) { in.Password = "short" }, "password"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			in := validInput()
			tc.mut(&in)
			_, err := newService(store, &fakeChallenger{}).Register(context.Background(), in)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("got %v, want ValidationError on %s", err, tc.field)
			}
			if all, _ := store.Find(context.Background(), repository.Filter{}); len(all) != 0 {
				t.Error("no account may be created on validation failure")
			}
		})
	}
}

func TestRegister_Duplicates(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Input)
		field string
	}{
		{"handle", func(in *Input) { in.Email, in.Phone = "other@example.com", "+15550000001" }, "handle"},
		{"email", func(in *Input) { in.Handle, in.Phone = "other", "+15550000001" }, "email"},
		{"phone", func(in *Input) { in.Handle, in.Email = "other", "other@example.com" }, "phone"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			svc := newService(store, &fakeChallenger{})
			if _, err := svc.Register(context.Background(), validInput()); err != nil {
				t.Fatal(err)
			}
			in := validInput()
			tc.mut(&in)
			_, err := svc.Register(context.Background(), in)
			var de *DuplicateResourceError
			if !errors.As(err, &de) || de.Field != tc.field {
				t.Fatalf("got %v, want duplicate %s", err, tc.field)
			}
			if !errors.Is(err, ErrDuplicateResource) {
				t.Error("errors.Is(ErrDuplicateResource) should hold")
			}
		})
	}
}

func TestRegister_DuplicateFromStoreRace(t *testing.T) {
	store := dupOnCreate{repository.NewMemoryStore()}
	_, err := newService(store, &fakeChallenger{}).Register(context.Background(), validInput())
	var de *DuplicateResourceError
	if !errors.As(err, &de) || de.Field != "phone" {
		t.Fatalf("got %v, want duplicate phone", err)
	}
}

func TestRegister_ChallengeFailureKeepsAccount(t *testing.T) {
	store := repository.NewMemoryStore()
	res, err := newService(store, &fakeChallenger{err: errors.New("smtp down")}).Register(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.ChallengeDelivered {
		t.Error("ChallengeDelivered should be false")
	}
	if a, _ := store.FindOne(context.Background(), repository.Filter{Handle: "novax"}); a == nil {
		t.Error("account should remain registered")
	}
}
