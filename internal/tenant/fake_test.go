package tenant_test

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/store"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// memStore is an in-memory tenant store with registry ordering.
type memStore struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant
	gets    atomic.Int64
}

func newMemStore(ts ...*models.Tenant) *memStore {
	s := &memStore{tenants: make(map[string]*models.Tenant)}
	for _, t := range ts {
		s.tenants[t.Code] = t
	}
	return s
}

func (s *memStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.Code]; ok {
		return store.ErrDuplicateKey
	}
	if t.IsDefault {
		s.clearDefault()
	}
	cp := *t
	s.tenants[t.Code] = &cp
	return nil
}

func (s *memStore) UpdateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.Code]; !ok {
		return store.ErrNotFound
	}
	if t.IsDefault {
		s.clearDefault()
	}
	cp := *t
	s.tenants[t.Code] = &cp
	return nil
}

func (s *memStore) GetTenant(_ context.Context, code string) (*models.Tenant, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) ListTenants(_ context.Context, activeOnly bool) ([]*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Tenant
	for _, t := range s.tenants {
		if activeOnly && !t.IsActive {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (s *memStore) DeactivateTenant(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[code]
	if !ok {
		return store.ErrNotFound
	}
	t.IsActive = false
	t.IsDefault = false
	return nil
}

func (s *memStore) clearDefault() {
	for _, t := range s.tenants {
		t.IsDefault = false
	}
}

// countingCache is a cache.Cache that only counts tenant purges.
type countingCache struct {
	purges int
}

func newCountingCache() *countingCache { return &countingCache{} }

func (c *countingCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *countingCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *countingCache) Delete(context.Context, string) error                     { return nil }
func (c *countingCache) Ping(context.Context) error                               { return nil }

func (c *countingCache) DeleteMatching(context.Context, string) (int, error) {
	c.purges++
	return 0, nil
}

func (c *countingCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}
