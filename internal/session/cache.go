package session

import (
	"strings"
	"sync"
)

// MarketKey holds the serialized token collection
const MarketKey = "market_data"

// ProfileKey returns the snapshot key of a user profile
func ProfileKey(id string) string {
	return "user_" + id
}

// Navigation is how the current page load was initiated
type Navigation string

const (
	NavigationNavigate    Navigation = "navigate"
	NavigationReload      Navigation = "reload"
	NavigationBackForward Navigation = "back_forward"
	NavigationPrerender   Navigation = "prerender"
)

// ParseNavigation maps a navigation type string; unknown values are treated
// as a plain navigation so they never purge the cache.
func ParseNavigation(s string) Navigation {
	switch Navigation(strings.ToLower(strings.TrimSpace(s))) {
	case NavigationReload:
		return NavigationReload
	case NavigationBackForward:
		return NavigationBackForward
	case NavigationPrerender:
		return NavigationPrerender
	default:
		return NavigationNavigate
	}
}

// Cache is a session-scoped key/value store of serialized snapshots.
// Values are replaced whole under the lock, so a reader never sees a partial write.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]byte)}
}

// Begin starts a page load. A hard reload purges every snapshot.
func (c *Cache) Begin(nav Navigation) bool {
	if nav != NavigationReload {
		return false
	}
	c.Clear()
	return true
}

// Get returns a copy of the stored value
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Set replaces the value of key
func (c *Cache) Set(key string, value []byte) {
	c.mu.Lock()
	c.entries[key] = clone(value)
	c.mu.Unlock()
}

// Update runs fn on the current value (nil, false when absent) under the write
// lock. fn returns the new value and whether to store it.
func (c *Cache) Update(key string, fn func(current []byte, ok bool) ([]byte, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries[key]
	next, store := fn(clone(current), ok)
	if !store {
		return false
	}
	c.entries[key] = clone(next)
	return true
}

// Delete removes key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string][]byte)
	c.mu.Unlock()
}

// Len returns the number of entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
