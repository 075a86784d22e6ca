package detect

import (
	"sync"
	"time"
)

// ActivityEvent is one observed host activity entry fed to behavioral
// analysis.
type ActivityEvent struct {
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	ObservedAt time.Time `json:"observed_at"`
}

// ActivityBuffer is a bounded time-window buffer of recent host
// activity. It is owned by whoever constructs it and passed into the
// behavioral scanner explicitly; this package keeps no process-wide
// buffers.
type ActivityBuffer struct {
	mu         sync.Mutex
	events     []ActivityEvent
	maxAge     time.Duration
	maxEntries int
}

// NewActivityBuffer returns a buffer that retains at most maxEntries
// events no older than maxAge. Non-positive arguments fall back to
// 30 minutes and 1000 entries.
func NewActivityBuffer(maxAge time.Duration, maxEntries int) *ActivityBuffer {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &ActivityBuffer{maxAge: maxAge, maxEntries: maxEntries}
}

// Add records an event, evicting expired entries and, when the buffer
// is full, the oldest surviving entry.
func (b *ActivityBuffer) Add(ev ActivityEvent) {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(time.Now())
	if len(b.events) >= b.maxEntries {
		b.events = b.events[1:]
	}
	b.events = append(b.events, ev)
}

// Recent returns the events inside the retention window, oldest first.
// The returned slice is a copy.
func (b *ActivityBuffer) Recent() []ActivityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(time.Now())
	out := make([]ActivityEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Len returns the number of events inside the retention window.
// Expired entries are dropped before counting, same as Recent.
func (b *ActivityBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(time.Now())
	return len(b.events)
}

// evictLocked drops entries older than maxAge. Callers hold b.mu.
func (b *ActivityBuffer) evictLocked(now time.Time) {
	cutoff := now.Add(-b.maxAge)
	i := 0
	for i < len(b.events) && b.events[i].ObservedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
}
