package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/gate-sso/internal/model"
)

// MemoryTokenStore is a process-local TokenStore with secondary indexes by
// client and by session.
type MemoryTokenStore struct {
	mu        sync.RWMutex
	records   map[string]model.TokenRecord
	byClient  map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		records:   make(map[string]model.TokenRecord),
		byClient:  make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryTokenStore) Save(_ context.Context, r model.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Hash]; ok {
		return fmt.Errorf("token record: %w", ErrConflict)
	}
	r.Scopes = append([]string(nil), r.Scopes...)
	s.records[r.Hash] = r
	addIndex(s.byClient, r.ClientID, r.Hash)
	addIndex(s.bySession, r.SessionID, r.Hash)
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, hash string) (model.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[hash]
	if !ok {
		return model.TokenRecord{}, ErrNotFound
	}
	r.Scopes = append([]string(nil), r.Scopes...)
	return r, nil
}

func (s *MemoryTokenStore) Take(_ context.Context, hash string) (model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(hash)
}

func (s *MemoryTokenStore) Delete(_ context.Context, hash string) (model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(hash)
}

func (s *MemoryTokenStore) DeleteByClient(_ context.Context, clientID string) ([]model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeAllLocked(s.byClient[clientID]), nil
}

func (s *MemoryTokenStore) DeleteBySession(_ context.Context, sessionID string) ([]model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeAllLocked(s.bySession[sessionID]), nil
}

func (s *MemoryTokenStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var expired []string
	for h, r := range s.records {
		if r.Expired(now) {
			expired = append(expired, h)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range expired {
		if r, ok := s.records[h]; ok && r.Expired(now) {
			_, _ = s.removeLocked(h)
			n++
		}
	}
	return n, nil
}

func (s *MemoryTokenStore) Count(_ context.Context, typ model.TokenType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Type == typ {
			n++
		}
	}
	return n, nil
}

func (s *MemoryTokenStore) removeLocked(hash string) (model.TokenRecord, error) {
	r, ok := s.records[hash]
	if !ok {
		return model.TokenRecord{}, ErrNotFound
	}
	delete(s.records, hash)
	dropIndex(s.byClient, r.ClientID, hash)
	dropIndex(s.bySession, r.SessionID, hash)
	return r, nil
}

func (s *MemoryTokenStore) removeAllLocked(set map[string]struct{}) []model.TokenRecord {
	// Copy the keys first: removeLocked mutates the set being ranged over.
	hashes := make([]string, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	out := make([]model.TokenRecord, 0, len(hashes))
	for _, h := range hashes {
		if r, err := s.removeLocked(h); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func addIndex(idx map[string]map[string]struct{}, key, member string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[member] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, member string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(idx, key)
	}
}
