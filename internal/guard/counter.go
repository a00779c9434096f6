// Package guard implements the abuse controls in front of the SSO protocol
// endpoints: fixed-window admission counters, the failed-login tally and the
// revoked-token blacklist.
package guard

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Counter hit.
type Decision struct {
	Limited    bool
	Count      int           // attempts counted in the current window
	Ceiling    int           // ceiling the hit was evaluated against
	RetryAfter time.Duration // time until the window resets, when limited
}

// Remaining returns how many more hits the window admits.
func (d Decision) Remaining() int {
	if r := d.Ceiling - d.Count; r > 0 {
		return r
	}
	return 0
}

// Counter is a fixed-window request counter.  The first hit in a window
// starts the count at 1; later hits increment it; a hit that finds the count
// at or above ceiling is limited and does not increment further.  Once
// window has elapsed since the first hit the count starts over.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration, ceiling int) (Decision, error)
	// Purge drops windows that have elapsed at now and returns how many.
	Purge(ctx context.Context, now time.Time) (int, error)
	// Limited returns how many keys are currently at their ceiling.
	Limited(ctx context.Context) (int, error)
}

type window struct {
	attempts int
	ceiling  int
	start    time.Time
	length   time.Duration
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.RWMutex
	windows map[string]window
	now     func() time.Time
}

// NewMemoryCounter returns an empty counter.  now may be nil.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{windows: make(map[string]window), now: now}
}

func (m *MemoryCounter) Hit(_ context.Context, key string, length time.Duration, ceiling int) (Decision, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) > length {
		m.windows[key] = window{attempts: 1, ceiling: ceiling, start: now, length: length}
		return Decision{Count: 1, Ceiling: ceiling}, nil
	}
	if w.attempts >= ceiling {
		w.ceiling = ceiling
		m.windows[key] = w
		return Decision{
			Limited:    true,
			Count:      w.attempts,
			Ceiling:    ceiling,
			RetryAfter: w.start.Add(length).Sub(now),
		}, nil
	}
	w.attempts++
	w.ceiling = ceiling
	m.windows[key] = w
	return Decision{Count: w.attempts, Ceiling: ceiling}, nil
}

func (m *MemoryCounter) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	var stale []string
	for k, w := range m.windows {
		if now.Sub(w.start) > w.length {
			stale = append(stale, k)
		}
	}
	m.mu.RUnlock()

	if len(stale) == 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range stale {
		if w, ok := m.windows[k]; ok && now.Sub(w.start) > w.length {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryCounter) Limited(_ context.Context) (int, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, w := range m.windows {
		if w.attempts >= w.ceiling && now.Sub(w.start) <= w.length {
			n++
		}
	}
	return n, nil
}
