package catalog

import (
	"context"

	"github.com/patrickmn/go-cache"
)

const problemsKey = "problems"

// MemoryStore keeps the catalogue in process memory. This is the default
// backend; the catalogue never expires and is simply overwritten by each
// refresh.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates an in-memory catalogue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, list string) error {
	s.cache.Set(problemsKey, list, cache.NoExpiration)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context) (string, error) {
	if val, found := s.cache.Get(problemsKey); found {
		if list, ok := val.(string); ok {
			return list, nil
		}
	}

	return Empty, nil
}
