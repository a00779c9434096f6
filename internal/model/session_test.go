package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionTransitionsReturnNewSnapshots(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := Session{
		ID:        "s1",
		Scopes:    []string{"read"},
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		IsActive:  true,
	}

	touched := s.Touched(now.Add(time.Minute), "10.0.0.1", "curl")
	assert.Equal(t, 1, touched.RequestCount)
	assert.Equal(t, 0, s.RequestCount)
	assert.Equal(t, "10.0.0.1", touched.IPAddress)

	refreshed := touched.Refreshed(now.Add(time.Hour), 24*time.Hour)
	assert.Equal(t, now.Add(25*time.Hour), refreshed.ExpiresAt)
	assert.Equal(t, 1, refreshed.RefreshCount)
	assert.Equal(t, now.Add(24*time.Hour), touched.ExpiresAt)

	ended := refreshed.Ended(now.Add(2*time.Hour), "logout")
	assert.False(t, ended.IsActive)
	assert.True(t, refreshed.IsActive)
	assert.Equal(t, "logout", ended.EndReason)
	if assert.NotNil(t, ended.LogoutTime) {
		assert.Equal(t, now.Add(2*time.Hour), *ended.LogoutTime)
	}

	ended.Scopes[0] = "admin"
	assert.Equal(t, "read", s.Scopes[0])
}

func TestClientHasRedirectURIIsLiteral(t *testing.T) {
	c := Client{RedirectURIs: []string{"http://localhost:3001/callback"}}

	assert.True(t, c.HasRedirectURI("http://localhost:3001/callback"))
	assert.False(t, c.HasRedirectURI("http://localhost:3001/callback/"))
	assert.False(t, c.HasRedirectURI("HTTP://LOCALHOST:3001/callback"))
	assert.False(t, c.HasRedirectURI("http://localhost:3001/callback?x=1"))
	assert.False(t, c.HasRedirectURI(""))
}

func TestUserLockRemaining(t *testing.T) {
	now := time.Now()
	until := now.Add(10 * time.Minute)
	u := User{LockedUntil: &until}

	assert.Equal(t, 10*time.Minute, u.LockRemaining(now))
	assert.Zero(t, u.LockRemaining(now.Add(11*time.Minute)))
	assert.Zero(t, User{}.LockRemaining(now))
}

func TestUserDisplayName(t *testing.T) {
	assert.Equal(t, "Admin User", User{Username: "admin", FirstName: "Admin", LastName: "User"}.DisplayName())
	assert.Equal(t, "admin", User{Username: "admin"}.DisplayName())
}
