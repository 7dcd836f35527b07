// Package promptcache caches populated prompt material per user and template
// so repeated conversation starts skip re-rendering and re-fetching openers.
package promptcache

import (
	"sync"
	"time"
)

// Entry is the cached material for one (user, template) pair.
type Entry struct {
	SystemPrompt string
	Opener       string
}

// Cache is the lookup interface the coordinator depends on. Implementations
// are injected; nothing in this package is ambient.
type Cache interface {
	Get(userID, template string) (Entry, bool)
	Set(userID, template string, entry Entry)
	Invalidate(userID, template string)
	InvalidateUser(userID string)
}

type cacheKey struct {
	userID   string
	template string
}

type cacheItem struct {
	storedAt time.Time
	entry    Entry
}

// Store is a capacity and TTL bounded in-memory cache.
type Store struct {
	items    map[cacheKey]cacheItem
	now      func() time.Time
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
}

// New creates a Store. A capacity of 0 or less disables the size bound; a TTL
// of 0 or less disables expiry.
func New(capacity int, ttl time.Duration) *Store {
	return &Store{
		items:    make(map[cacheKey]cacheItem),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the cached entry for a user and template, if present and fresh.
func (s *Store) Get(userID, template string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[cacheKey{userID, template}]
	if !ok {
		return Entry{}, false
	}
	if s.ttl > 0 && s.now().Sub(item.storedAt) > s.ttl {
		delete(s.items, cacheKey{userID, template})
		return Entry{}, false
	}
	return item.entry, true
}

// Set stores an entry, evicting the oldest item when over capacity.
func (s *Store) Set(userID, template string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey{userID, template}
	if _, exists := s.items[key]; !exists && s.capacity > 0 && len(s.items) >= s.capacity {
		s.evictOldest()
	}
	s.items[key] = cacheItem{entry: entry, storedAt: s.now()}
}

// evictOldest removes the stalest item. Caller holds the lock.
func (s *Store) evictOldest() {
	var oldestKey cacheKey
	var oldestAt time.Time
	first := true
	for key, item := range s.items {
		if first || item.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = item.storedAt
			first = false
		}
	}
	if !first {
		delete(s.items, oldestKey)
	}
}

// Invalidate removes one (user, template) entry.
func (s *Store) Invalidate(userID, template string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, cacheKey{userID, template})
}

// InvalidateUser removes every entry belonging to a user.
func (s *Store) InvalidateUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.items {
		if key.userID == userID {
			delete(s.items, key)
		}
	}
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Nop is a cache that stores nothing. Useful when caching is disabled.
type Nop struct{}

func (Nop) Get(string, string) (Entry, bool) { return Entry{}, false }
func (Nop) Set(string, string, Entry)        {}
func (Nop) Invalidate(string, string)        {}
func (Nop) InvalidateUser(string)            {}
