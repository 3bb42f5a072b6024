package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"membership-platform/backend/internal/account/domain"
)

// MemoryStore is an in-memory Store. It backs development runs without DATABASE_URL and tests.
type MemoryStore struct {
	mu   sync.Mutex
	m    map[string]*domain.Account
	nowF func() time.Time
}

// NewMemoryStore returns an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]*domain.Account),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used to stamp UpdatedAt.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowF = now
}

func (s *MemoryStore) Find(ctx context.Context, f Filter) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Account
	for _, a := range s.m {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindOne(ctx context.Context, f Filter) (*domain.Account, error) {
	f.Limit = 1
	out, err := s.Find(ctx, f)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (s *MemoryStore) Create(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[a.ID]; ok {
		return nil, &DuplicateError{Field: "id"}
	}
	for _, other := range s.m {
		switch {
		case other.Handle == a.Handle:
			return nil, &DuplicateError{Field: "handle"}
		case other.ContactEmail == a.ContactEmail:
			return nil, &DuplicateError{Field: "email"}
		case a.PlatformEmail != "" && other.PlatformEmail == a.PlatformEmail:
			return nil, &DuplicateError{Field: "platform_email"}
		case other.Phone == a.Phone:
			return nil, &DuplicateError{Field: "phone"}
		}
	}
	stored := a.Clone()
	s.m[a.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expect Expectation, patch Patch) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !expect.Matches(cur) {
		return nil, ErrConflict
	}
	next := cur.Clone()
	patch.Apply(next, s.nowF())
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.m[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return false, nil
	}
	delete(s.m, id)
	return true, nil
}
