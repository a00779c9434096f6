package guard

import (
	"sync"
	"time"
)

// FailureTally counts failed logins per (ip, username).  It is diagnostic:
// admission decisions come from Counter and lockout from the credential
// store.
type FailureTally struct {
	mu      sync.RWMutex
	entries map[string]failure
	now     func() time.Time
}

type failure struct {
	attempts int
	first    time.Time
	last     time.Time
}

func NewFailureTally(now func() time.Time) *FailureTally {
	if now == nil {
		now = time.Now
	}
	return &FailureTally{entries: make(map[string]failure), now: now}
}

func tallyKey(ip, username string) string { return ip + ":" + username }

// Record counts one failure and returns the running total for the pair.
func (t *FailureTally) Record(ip, username string) int {
	now := t.now()
	k := tallyKey(ip, username)
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[k]
	if !ok {
		f.first = now
	}
	f.attempts++
	f.last = now
	t.entries[k] = f
	return f.attempts
}

// Count returns the running total for the pair.
func (t *FailureTally) Count(ip, username string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[tallyKey(ip, username)].attempts
}

// Len returns the number of tracked pairs.
func (t *FailureTally) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Purge drops pairs whose first failure is older than retention.
func (t *FailureTally) Purge(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	t.mu.RLock()
	var stale []string
	for k, f := range t.entries {
		if f.first.Before(cutoff) {
			stale = append(stale, k)
		}
	}
	t.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, k := range stale {
		if f, ok := t.entries[k]; ok && f.first.Before(cutoff) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
