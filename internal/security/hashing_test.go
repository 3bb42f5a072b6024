package security

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndCompare(t *testing.T) {
	h := NewHasher(4)
	hash, err := h.Hash([]byte("correct horse"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "" || strings.Contains(hash, "correct horse") {
		t.Fatalf("unexpected hash %q", hash)
	}
	if err := h.Compare(hash, []byte("correct horse")); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if err := h.Compare(hash, []byte("wrong")); !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		t.Errorf("Compare wrong password: %v", err)
	}
}

func TestHasher_RejectsBadInput(t *testing.T) {
	h := NewHasher(4)
	if _, err := h.Hash(nil); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("empty: %v", err)
	}
	if _, err := h.Hash([]byte(strings.Repeat("a", MaxPasswordBytes+1))); !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("too long: %v", err)
	}
	if _, err := h.Hash([]byte(strings.Repeat("a", MaxPasswordBytes))); err != nil {
		t.Errorf("72 bytes should hash: %v", err)
	}
}

func TestNewHasher_Cost(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{12, 12},
		{0, bcrypt.DefaultCost},
		{2, bcrypt.MinCost},
		{99, bcrypt.MaxCost},
	}
	for _, tc := range tests {
		if got := NewHasher(tc.in).Cost; got != tc.want {
			t.Errorf("NewHasher(%d).Cost = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestHasher_NeedsRehash(t *testing.T) {
	low := NewHasher(4)
	hash, err := low.Hash([]byte("correct horse"))
	if err != nil {
		t.Fatal(err)
	}
	if low.NeedsRehash(hash) {
		t.Error("same cost should not need rehash")
	}
	if !NewHasher(5).NeedsRehash(hash) {
		t.Error("different cost should need rehash")
	}
	if !low.NeedsRehash("not-a-hash") {
		t.Error("garbage hash should need rehash")
	}
}
