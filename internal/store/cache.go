package store

import "sync"

// DefaultCacheSize bounds the in-process duplicate cache.
const DefaultCacheSize = 1000

// DuplicateCache is a bounded in-process set of completed event ids used to
// short-circuit store lookups. Positive hits are authoritative; a miss always
// consults the store. Eviction is FIFO when full.
type DuplicateCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]struct{}
	order   []string
	head    int
}

// NewDuplicateCache returns a cache holding at most max ids; max <= 0 uses
// DefaultCacheSize.
func NewDuplicateCache(max int) *DuplicateCache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &DuplicateCache{
		max:     max,
		entries: make(map[string]struct{}, max),
		order:   make([]string, 0, max),
	}
}

// Contains reports whether eventID is a known completed event.
func (c *DuplicateCache) Contains(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[eventID]
	return ok
}

// Add records eventID, evicting the oldest entry when full.
func (c *DuplicateCache) Add(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[eventID]; ok {
		return
	}
	if len(c.entries) >= c.max {
		oldest := c.order[c.head]
		delete(c.entries, oldest)
		c.head++
		// Compact once the dead prefix dominates the slice.
		if c.head > c.max {
			c.order = append([]string(nil), c.order[c.head:]...)
			c.head = 0
		}
	}
	c.entries[eventID] = struct{}{}
	c.order = append(c.order, eventID)
}

// Len returns the live entry count.
func (c *DuplicateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
