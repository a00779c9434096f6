package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/gate-sso/internal/model"
)

// MemoryUserStore is a process-local UserStore.
type MemoryUserStore struct {
	mu         sync.RWMutex
	users      map[string]model.User // by id
	byUsername map[string]string     // lower(username) -> id
	byEmail    map[string]string     // lower(email) -> id
}

// NewMemoryUserStore returns an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:      make(map[string]model.User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (s *MemoryUserStore) FindByUsername(_ context.Context, username string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[normalize(username)]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *MemoryUserStore) FindByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalize(email)]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *MemoryUserStore) FindByID(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryUserStore) Create(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	if _, ok := s.byUsername[normalize(u.Username)]; ok {
		return fmt.Errorf("username %s: %w", u.Username, ErrConflict)
	}
	if u.Email != "" {
		if _, ok := s.byEmail[normalize(u.Email)]; ok {
			return fmt.Errorf("email %s: %w", u.Email, ErrConflict)
		}
		s.byEmail[normalize(u.Email)] = u.ID
	}
	s.byUsername[normalize(u.Username)] = u.ID
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryUserStore) RegisterFailure(_ context.Context, id string, threshold int, lockUntil time.Time) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	u.FailedAttempts++
	if u.FailedAttempts >= threshold {
		t := lockUntil
		u.LockedUntil = &t
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return cloneUser(u), nil
}

func (s *MemoryUserStore) RegisterSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedAttempts = 0
	u.LockedUntil = nil
	t := at
	u.LastLogin = &t
	u.UpdatedAt = at
	s.users[id] = u
	return nil
}

func (s *MemoryUserStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func cloneUser(u model.User) model.User {
	cp := u
	cp.Roles = append([]string(nil), u.Roles...)
	cp.Permissions = append([]string(nil), u.Permissions...)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		cp.LockedUntil = &t
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		cp.LastLogin = &t
	}
	return cp
}
