package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/gate-sso/internal/model"
)

// MemoryCodeStore is a process-local CodeStore.  Take deletes under the
// write lock, which is what makes redemption single-use.
type MemoryCodeStore struct {
	mu    sync.RWMutex
	codes map[string]model.AuthorizationCode
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]model.AuthorizationCode)}
}

func (s *MemoryCodeStore) Save(_ context.Context, c model.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[c.Code]; ok {
		return fmt.Errorf("authorization code: %w", ErrConflict)
	}
	s.codes[c.Code] = c
	return nil
}

func (s *MemoryCodeStore) Take(_ context.Context, code string) (model.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return model.AuthorizationCode{}, ErrNotFound
	}
	delete(s.codes, code)
	return c, nil
}

// DeleteExpired snapshots expired codes first, then deletes them, re-checking
// each one so a code saved in between is never removed early.
func (s *MemoryCodeStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var expired []string
	for k, c := range s.codes {
		if c.Expired(now) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range expired {
		if c, ok := s.codes[k]; ok && c.Expired(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryCodeStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes), nil
}
