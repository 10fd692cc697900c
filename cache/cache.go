package cache

import (
	iface "RecycleDetServer/interface"
	"sync"
)

const (
	DefaultCapacity      = 100
	DefaultClearInterval = 50
)

// ResultCache memoizes fused detections per image fingerprint.
//
// Entries are only added while the cache is below capacity; nothing is evicted.
// Every interval-th Tick clears all entries and the counter together.
type ResultCache struct {
	mu       sync.Mutex
	entries  map[string][]iface.Detection
	capacity int
	interval int
	counter  int
}

func New(capacity, interval int) *ResultCache {
	return &ResultCache{
		entries:  make(map[string][]iface.Detection),
		capacity: capacity,
		interval: interval,
	}
}

func (c *ResultCache) Get(fingerprint string) ([]iface.Detection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dets, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	return clone(dets), true
}

// Put is a no-op once the cache holds capacity entries, existing keys included.
func (c *ResultCache) Put(fingerprint string, dets []iface.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.capacity {
		return
	}
	c.entries[fingerprint] = clone(dets)
}

// Tick counts one pipeline run and reports whether it triggered a flush.
func (c *ResultCache) Tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval <= 0 {
		return false
	}
	c.counter++
	if c.counter >= c.interval {
		c.entries = make(map[string][]iface.Detection)
		c.counter = 0
		return true
	}
	return false
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]iface.Detection)
	c.counter = 0
}

func clone(dets []iface.Detection) []iface.Detection {
	out := make([]iface.Detection, len(dets))
	copy(out, dets)
	return out
}
