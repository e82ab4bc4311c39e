package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryRegistry is an in-process Registry. Entries never expire; the
// registry only forgets a store when Delete is called.
type MemoryRegistry struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{stores: make(map[string]*memoryStore)}
}

func (r *MemoryRegistry) Open(_ context.Context, name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[name]
	if !ok {
		s = &memoryStore{name: name, items: gocache.New(gocache.NoExpiration, 0)}
		r.stores[name] = s
	}
	return s, nil
}

func (r *MemoryRegistry) Has(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stores[name]
	return ok, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]string, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	CacheStores.Set(float64(len(names)))
	return names, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[name]
	if !ok {
		return false, nil
	}
	s.dropped.Store(true)
	s.items.Flush()
	delete(r.stores, name)
	return true, nil
}

type memoryStore struct {
	name    string
	items   *gocache.Cache
	dropped atomic.Bool
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Match(_ context.Context, key Key, opts MatchOptions) (*Entry, error) {
	if v, ok := s.items.Get(key.String()); ok {
		CacheHits.WithLabelValues(s.name).Inc()
		return v.(*Entry).Clone(), nil
	}
	if opts.IgnoreSearch {
		var found string
		var entry *Entry
		for field, item := range s.items.Items() {
			candidate, err := ParseKey(field)
			if err != nil || !matchesIgnoringQuery(candidate, key) {
				continue
			}
			if entry == nil || field < found {
				found, entry = field, item.Object.(*Entry)
			}
		}
		if entry != nil {
			CacheHits.WithLabelValues(s.name).Inc()
			return entry.Clone(), nil
		}
	}
	CacheMisses.Inc()
	return nil, ErrCacheMiss
}

func (s *memoryStore) Put(_ context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if s.dropped.Load() {
		return fmt.Errorf("put into %s: %w", s.name, ErrStoreNotFound)
	}
	s.items.Set(key.String(), entry.Clone(), gocache.NoExpiration)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key Key) error {
	s.items.Delete(key.String())
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]Key, error) {
	items := s.items.Items()
	fields := make([]string, 0, len(items))
	for field := range items {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		if k, err := ParseKey(f); err == nil {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
