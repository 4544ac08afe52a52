// pkg/events/deduplicator.go
package events

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDedupeCapacity = 10000

// EventDeduplicator drops re-published events (same ID) seen within a time
// window. Memory is bounded by an LRU of recently seen IDs.
type EventDeduplicator struct {
	seen   *lru.Cache[string, time.Time]
	window time.Duration
	mu     sync.Mutex
}

// NewEventDeduplicator creates a deduplicator remembering up to capacity IDs
func NewEventDeduplicator(window time.Duration, capacity int) *EventDeduplicator {
	if capacity <= 0 {
		capacity = defaultDedupeCapacity
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New[string, time.Time](capacity)

	return &EventDeduplicator{
		seen:   cache,
		window: window,
	}
}

// IsDuplicate reports whether an event with the same ID was seen within the
// window ending at now, and records the sighting otherwise.
func (ed *EventDeduplicator) IsDuplicate(event ThreatEvent, now time.Time) bool {
	if event.ID == "" {
		return false
	}

	ed.mu.Lock()
	defer ed.mu.Unlock()

	if lastSeen, ok := ed.seen.Get(event.ID); ok && now.Sub(lastSeen) < ed.window {
		return true
	}

	ed.seen.Add(event.ID, now)
	return false
}

// Len returns the number of remembered IDs
func (ed *EventDeduplicator) Len() int {
	return ed.seen.Len()
}

// Reset forgets all remembered IDs
func (ed *EventDeduplicator) Reset() {
	ed.seen.Purge()
}
