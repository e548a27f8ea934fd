package engine

import (
	"sync"
	"time"
)

const dedupeCompactAt = 10000

// DedupeCache remembers event IDs for a bounded time so redelivered events
// are recorded once.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

// Seen reports whether id was recorded within ttl of now, and marks it.
// An empty id or non-positive ttl is never a duplicate.
func (d *DedupeCache) Seen(id string, now time.Time, ttl time.Duration) bool {
	if id == "" || ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if first, ok := d.items[id]; ok && now.Sub(first) <= ttl {
		return true
	}
	d.items[id] = now
	if len(d.items) > dedupeCompactAt {
		for k, ts := range d.items {
			if now.Sub(ts) > ttl {
				delete(d.items, k)
			}
		}
	}
	return false
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) clear() {
	d.mu.Lock()
	d.items = make(map[string]time.Time)
	d.mu.Unlock()
}
