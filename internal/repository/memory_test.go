package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gate-sso/internal/model"
)

func TestMemoryUserStoreLookupAndLockout(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryUserStore()
	require.NoError(t, s.Create(ctx, model.User{ID: "u1", Username: "Admin", Email: "admin@example.com", IsActive: true}))

	_, err := s.FindByUsername(ctx, "admin")
	require.NoError(t, err)
	_, err = s.FindByEmail(ctx, "ADMIN@example.com")
	require.NoError(t, err)
	_, err = s.FindByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Create(ctx, model.User{ID: "u2", Username: "admin"})
	assert.ErrorIs(t, err, ErrConflict)

	until := time.Now().Add(30 * time.Minute)
	for i := 1; i <= 2; i++ {
		u, err := s.RegisterFailure(ctx, "u1", 3, until)
		require.NoError(t, err)
		assert.Equal(t, i, u.FailedAttempts)
		assert.Nil(t, u.LockedUntil)
	}
	u, err := s.RegisterFailure(ctx, "u1", 3, until)
	require.NoError(t, err)
	require.NotNil(t, u.LockedUntil)
	assert.Equal(t, until, *u.LockedUntil)

	require.NoError(t, s.RegisterSuccess(ctx, "u1", time.Now()))
	u, err = s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, u.FailedAttempts)
	assert.Nil(t, u.LockedUntil)
	assert.NotNil(t, u.LastLogin)
}

func TestMemoryUserStoreRegisterFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryUserStore()
	require.NoError(t, s.Create(ctx, model.User{ID: "u1", Username: "u"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RegisterFailure(ctx, "u1", 1000, time.Now())
		}()
	}
	wg.Wait()

	u, err := s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, u.FailedAttempts)
}

func TestMemoryClientStoreListAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryClientStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := model.ClientActive
		if i%2 == 1 {
			status = model.ClientInactive
		}
		require.NoError(t, s.Create(ctx, model.Client{
			ID:        fmt.Sprintf("c%d", i),
			Name:      fmt.Sprintf("App %d", i),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, total, err := s.List(ctx, ClientFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c4", page[0].ID)
	assert.Equal(t, "c3", page[1].ID)

	page, total, err = s.List(ctx, ClientFilter{Status: model.ClientInactive})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, page, 2)

	page, total, err = s.List(ctx, ClientFilter{Search: "app 2"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "c2", page[0].ID)

	page, _, err = s.List(ctx, ClientFilter{Offset: 10, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, page)

	updated, err := s.Update(ctx, "c1", func(c *model.Client) error {
		c.Name = "Renamed"
		c.ID = "hijack"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", updated.ID)
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	_, err = s.Update(ctx, "missing", func(*model.Client) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCodeStoreTakeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCodeStore()
	require.NoError(t, s.Save(ctx, model.AuthorizationCode{Code: "abc", ExpiresAt: time.Now().Add(time.Minute)}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, "abc"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryCodeStoreDeleteExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCodeStore()
	now := time.Now()
	require.NoError(t, s.Save(ctx, model.AuthorizationCode{Code: "old", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.Save(ctx, model.AuthorizationCode{Code: "new", ExpiresAt: now.Add(time.Minute)}))

	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	count, _ := s.Count(ctx)
	assert.Equal(t, 1, count)
}

func TestMemoryTokenStoreIndexes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()
	exp := time.Now().Add(time.Hour)
	records := []model.TokenRecord{
		{Hash: "a1", Type: model.AccessToken, ClientID: "c1", SessionID: "s1", ExpiresAt: exp},
		{Hash: "r1", Type: model.RefreshToken, ClientID: "c1", SessionID: "s1", ExpiresAt: exp},
		{Hash: "a2", Type: model.AccessToken, ClientID: "c2", SessionID: "s2", ExpiresAt: exp},
		{Hash: "a3", Type: model.AccessToken, ClientID: "c1", SessionID: "s3", ExpiresAt: time.Now().Add(-time.Second)},
	}
	for _, r := range records {
		require.NoError(t, s.Save(ctx, r))
	}

	n, _ := s.Count(ctx, model.AccessToken)
	assert.Equal(t, 3, n)

	removed, err := s.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	_, err = s.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	expired, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	removed, err = s.DeleteByClient(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = s.DeleteByClient(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "a2", removed[0].Hash)

	_, err = s.Take(ctx, "a2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySessionStoreIndexesAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	now := time.Now()
	require.NoError(t, s.Create(ctx, model.Session{ID: "s1", UserID: "u1", ClientID: "c1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), IsActive: true}))
	require.NoError(t, s.Create(ctx, model.Session{ID: "s2", UserID: "u1", ClientID: "c2", CreatedAt: now.Add(time.Second), ExpiresAt: now.Add(-time.Minute), IsActive: true}))

	byUser, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "s1", byUser[0].ID)

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, expired)

	updated, err := s.Update(ctx, "s1", func(cur model.Session) (model.Session, error) {
		return cur.Touched(now, "", ""), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RequestCount)

	_, err = s.Delete(ctx, "s2")
	require.NoError(t, err)
	byClient, err := s.ListByClient(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, byClient)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, SessionStats{ActiveSessions: 1, TotalUsers: 1, TotalClients: 1, TotalRequests: 1}, st)

	require.NoError(t, s.AppendEvent(ctx, model.SessionEvent{SessionID: "s1", Action: model.SessionCreated, At: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.AppendEvent(ctx, model.SessionEvent{SessionID: "s1", Action: model.SessionRefreshed, At: now}))
	purged, err := s.PurgeHistory(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	events, err := s.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.SessionRefreshed, events[0].Action)
}
