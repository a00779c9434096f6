package guard

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/gate-sso/internal/utils"
)

// Blacklist records revoked tokens until their natural expiry.  Tokens are
// passed raw; implementations store only their hash.
type Blacklist interface {
	Add(ctx context.Context, token string, expiresAt time.Time) error
	Contains(ctx context.Context, token string) (bool, error)
	// Purge drops entries whose expiry has passed at now.
	Purge(ctx context.Context, now time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}

// MemoryBlacklist is a process-local Blacklist.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time // token hash -> expiry
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time)}
}

func (b *MemoryBlacklist) Add(_ context.Context, token string, expiresAt time.Time) error {
	h := utils.HashToken(token)
	b.mu.Lock()
	defer b.mu.Unlock()
	// Keep the later expiry if the token is revoked twice.
	if cur, ok := b.entries[h]; ok && cur.After(expiresAt) {
		return nil
	}
	b.entries[h] = expiresAt
	return nil
}

func (b *MemoryBlacklist) Contains(_ context.Context, token string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[utils.HashToken(token)]
	return ok, nil
}

func (b *MemoryBlacklist) Purge(_ context.Context, now time.Time) (int, error) {
	b.mu.RLock()
	var stale []string
	for h, exp := range b.entries {
		if now.After(exp) {
			stale = append(stale, h)
		}
	}
	b.mu.RUnlock()

	if len(stale) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, h := range stale {
		if exp, ok := b.entries[h]; ok && now.After(exp) {
			delete(b.entries, h)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBlacklist) Len(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries), nil
}
