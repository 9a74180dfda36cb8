// Package jobs owns the generation lifecycle: record storage, the
// poll-until-terminal loop, and webhook terminal delivery.
package jobs

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"server/internal/domain"
)

// RecordStore persists GenerationRecords. The in-memory implementation
// below is the default; a Postgres-backed one lives in
// internal/adapter/repo for deployments that set DATABASE_URL.
type RecordStore interface {
	Create(ctx context.Context, rec *domain.GenerationRecord) error
	Get(ctx context.Context, id string) (*domain.GenerationRecord, error)
	GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.GenerationRecord, error)
	Update(ctx context.Context, rec *domain.GenerationRecord) error
	List(ctx context.Context) ([]*domain.GenerationRecord, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps records in a no-expiration cache. Records are
// copied on the way in and out so callers never share mutable state.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
	byJob map[string]string
}

// NewMemoryStore builds an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, 0),
		byJob: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *domain.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.cache.Set(rec.ID, &cp, gocache.NoExpiration)
	if rec.ProviderJobID != "" {
		s.byJob[rec.ProviderJobID] = rec.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *MemoryStore) get(id string) (*domain.GenerationRecord, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v.(*domain.GenerationRecord)
	return &cp, nil
}

func (s *MemoryStore) GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byJob[providerJobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.get(id)
}

func (s *MemoryStore) Update(ctx context.Context, rec *domain.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(rec.ID); !ok {
		return domain.ErrNotFound
	}
	cp := *rec
	s.cache.Set(rec.ID, &cp, gocache.NoExpiration)
	if rec.ProviderJobID != "" {
		s.byJob[rec.ProviderJobID] = rec.ID
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*domain.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.cache.Items()
	out := make([]*domain.GenerationRecord, 0, len(items))
	for _, item := range items {
		cp := *item.Object.(*domain.GenerationRecord)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(id); ok {
		rec := v.(*domain.GenerationRecord)
		if rec.ProviderJobID != "" {
			delete(s.byJob, rec.ProviderJobID)
		}
	}
	s.cache.Delete(id)
	return nil
}

var _ RecordStore = (*MemoryStore)(nil)
