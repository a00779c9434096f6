package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/iliyamo/gate-sso/internal/model"
)

// MemoryClientStore is a process-local ClientStore.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]model.Client
}

func NewMemoryClientStore() *MemoryClientStore {
	return &MemoryClientStore{clients: make(map[string]model.Client)}
}

func (s *MemoryClientStore) Create(_ context.Context, c model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return fmt.Errorf("client %s: %w", c.ID, ErrConflict)
	}
	s.clients[c.ID] = c.Clone()
	return nil
}

func (s *MemoryClientStore) Get(_ context.Context, id string) (model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return model.Client{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryClientStore) Update(_ context.Context, id string, fn func(*model.Client) error) (model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return model.Client{}, ErrNotFound
	}
	next := c.Clone()
	if err := fn(&next); err != nil {
		return model.Client{}, err
	}
	// The id is the map key and cannot change through an update.
	next.ID = id
	s.clients[id] = next.Clone()
	return next, nil
}

func (s *MemoryClientStore) List(_ context.Context, f ClientFilter) ([]model.Client, int, error) {
	s.mu.RLock()
	matched := make([]model.Client, 0, len(s.clients))
	search := strings.ToLower(strings.TrimSpace(f.Search))
	for _, c := range s.clients {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Name), search) &&
			!strings.Contains(strings.ToLower(c.Description), search) {
			continue
		}
		matched = append(matched, c.Clone())
	}
	s.mu.RUnlock()

	// Newest first, id as tie breaker so pages are stable.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if f.Offset >= total {
		return []model.Client{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (s *MemoryClientStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), nil
}
