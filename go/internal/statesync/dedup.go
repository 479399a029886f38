package statesync

import (
	"sync"
)

// DefaultDedupCapacity bounds how many processed event ids are retained.
const DefaultDedupCapacity = 1000

// Deduper turns the transport's at-least-once delivery into effectively-once
// processing. It remembers which event ids have already been handled, within
// a capacity bound; on overflow the oldest half is evicted so recent ids
// stay protected against reconnect replays.
type Deduper struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

// NewDeduper creates a deduper with the given capacity. Non-positive
// capacity falls back to DefaultDedupCapacity.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Deduper{
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Accept returns true the first time an id is seen and false on any
// subsequent sighting. An empty id is always accepted: dropping events we
// cannot identify would trade availability for nothing.
func (d *Deduper) Accept(id string) bool {
	if id == "" {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[id]; dup {
		return false
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.capacity {
		d.evictOldestHalf()
	}
	return true
}

// Len returns the number of retained ids.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *Deduper) evictOldestHalf() {
	cut := len(d.order) / 2
	for _, id := range d.order[:cut] {
		delete(d.seen, id)
	}
	remaining := make([]string, len(d.order)-cut, d.capacity)
	copy(remaining, d.order[cut:])
	d.order = remaining
}
