package resources

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/beam-cloud/orchfs/pkg/types"
)

// Store is the cache of one resource kind, keyed by synthetic file name.
// Handles are copied in and out so callers never share them.
type Store interface {
	Get(key string) (*types.ResourceHandle, bool)
	Put(key string, h *types.ResourceHandle)
	Invalidate(key string)
	InvalidateAll()
	// Replace swaps the whole content in one step.
	Replace(entries map[string]*types.ResourceHandle)
	Keys() []string
	Len() int
}

// lruStore is a Store on an expirable LRU. A size of 0 is unbounded and a
// ttl of 0 never expires.
type lruStore struct {
	mu      sync.RWMutex
	entries *expirable.LRU[string, *types.ResourceHandle]
}

func NewStore(size int, ttl time.Duration) Store {
	return &lruStore{
		entries: expirable.NewLRU[string, *types.ResourceHandle](size, nil, ttl),
	}
}

func (s *lruStore) Get(key string) (*types.ResourceHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.entries.Get(key)
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

func (s *lruStore) Put(key string, h *types.ResourceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add(key, h.Clone())
}

func (s *lruStore) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
}

func (s *lruStore) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
}

func (s *lruStore) Replace(entries map[string]*types.ResourceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	for k, h := range entries {
		s.entries.Add(k, h.Clone())
	}
}

func (s *lruStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Keys()
}

func (s *lruStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Len()
}
