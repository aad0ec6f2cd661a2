// Package ratelimit implements a sliding-window attempt counter.
package ratelimit

import (
	"sync"
	"time"
)

// Window allows at most limit attempts per key within interval.
// A limit <= 0 disables limiting.
type Window[K comparable] struct {
	mu       sync.Mutex
	history  map[K][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewWindow[K comparable](limit int, interval time.Duration) *Window[K] {
	return &Window[K]{
		history:  make(map[K][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (w *Window[K]) WithClock(now func() time.Time) *Window[K] {
	w.now = now
	return w
}

func (w *Window[K]) Allow(key K) bool {
	if w == nil || w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	fresh := w.freshLocked(key, now)
	if len(fresh) >= w.limit {
		w.history[key] = fresh
		return false
	}
	w.history[key] = append(fresh, now)
	return true
}

// Remaining reports how many attempts key has left in the current window.
func (w *Window[K]) Remaining(key K) int {
	if w == nil || w.limit <= 0 {
		return -1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fresh := w.freshLocked(key, w.now())
	w.history[key] = fresh
	return w.limit - len(fresh)
}

// Forget drops the history of key.
func (w *Window[K]) Forget(key K) {
	if w == nil {
		return
	}
	w.mu.Lock()
	delete(w.history, key)
	w.mu.Unlock()
}

func (w *Window[K]) freshLocked(key K, now time.Time) []time.Time {
	windowStart := now.Add(-w.interval)
	attempts := w.history[key]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
