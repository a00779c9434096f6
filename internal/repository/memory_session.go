package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/gate-sso/internal/model"
)

// MemorySessionStore is a process-local SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	byUser   map[string]map[string]struct{}
	byClient map[string]map[string]struct{}
	history  map[string][]model.SessionEvent
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]model.Session),
		byUser:   make(map[string]map[string]struct{}),
		byClient: make(map[string]map[string]struct{}),
		history:  make(map[string][]model.SessionEvent),
	}
}

func (s *MemorySessionStore) Create(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrConflict)
	}
	s.sessions[sess.ID] = sess.Clone()
	addIndex(s.byUser, sess.UserID, sess.ID)
	addIndex(s.byClient, sess.ClientID, sess.ID)
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemorySessionStore) Update(_ context.Context, id string, fn func(model.Session) (model.Session, error)) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return model.Session{}, err
	}
	next.ID, next.UserID, next.ClientID = cur.ID, cur.UserID, cur.ClientID
	s.sessions[id] = next.Clone()
	return next, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	delete(s.sessions, id)
	dropIndex(s.byUser, sess.UserID, id)
	dropIndex(s.byClient, sess.ClientID, id)
	return sess, nil
}

func (s *MemorySessionStore) ListByUser(_ context.Context, userID string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byUser[userID]), nil
}

func (s *MemorySessionStore) ListByClient(_ context.Context, clientID string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byClient[clientID]), nil
}

func (s *MemorySessionStore) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemorySessionStore) AppendEvent(_ context.Context, ev model.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[ev.SessionID] = append(s.history[ev.SessionID], ev)
	return nil
}

func (s *MemorySessionStore) History(_ context.Context, sessionID string) ([]model.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.history[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]model.SessionEvent(nil), events...), nil
}

// PurgeHistory drops events older than before, and the whole history of a
// session once it has no events left.
func (s *MemorySessionStore) PurgeHistory(_ context.Context, before time.Time) (int, error) {
	s.mu.RLock()
	var stale []string
	for id, events := range s.history {
		if len(events) > 0 && events[0].At.Before(before) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range stale {
		events := s.history[id]
		kept := events[:0]
		for _, ev := range events {
			if ev.At.Before(before) {
				n++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(s.history, id)
			continue
		}
		s.history[id] = kept
	}
	return n, nil
}

func (s *MemorySessionStore) Stats(_ context.Context) (SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SessionStats{
		ActiveSessions: len(s.sessions),
		TotalUsers:     len(s.byUser),
		TotalClients:   len(s.byClient),
	}
	for _, sess := range s.sessions {
		st.TotalRequests += sess.RequestCount
		st.TotalRefreshes += sess.RefreshCount
	}
	return st, nil
}

// collectLocked returns the sessions in set, oldest first.
func (s *MemorySessionStore) collectLocked(set map[string]struct{}) []model.Session {
	out := make([]model.Session, 0, len(set))
	for id := range set {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
