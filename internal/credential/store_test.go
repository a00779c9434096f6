package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/utils"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newStore(t *testing.T) (*Store, *repository.MemoryUserStore, *testClock) {
	t.Helper()
	users := repository.NewMemoryUserStore()
	hash, err := utils.HashPassword("password", bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, users.Create(context.Background(), model.User{
		ID: "u-admin", Username: "admin", Email: "admin@example.com", PasswordHash: hash, IsActive: true,
	}))
	require.NoError(t, users.Create(context.Background(), model.User{
		ID: "u-off", Username: "disabled", Email: "off@example.com", PasswordHash: hash, IsActive: false,
	}))
	clock := &testClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	return NewStore(users, DefaultPolicy(), WithClock(clock.Now)), users, clock
}

func TestVerifyByUsernameAndEmail(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	u, err := s.Verify(ctx, "admin", "password")
	require.NoError(t, err)
	assert.Equal(t, "u-admin", u.ID)
	assert.NotNil(t, u.LastLogin)

	u, err = s.Verify(ctx, "admin@example.com", "password")
	require.NoError(t, err)
	assert.Equal(t, "u-admin", u.ID)
}

func TestVerifyFailuresShareMessage(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, unknown := s.Verify(ctx, "ghost", "password")
	_, wrong := s.Verify(ctx, "admin", "nope")
	_, inactive := s.Verify(ctx, "disabled", "password")

	assert.ErrorIs(t, unknown, ErrUnknownUser)
	assert.ErrorIs(t, wrong, ErrBadPassword)
	assert.ErrorIs(t, inactive, ErrInactiveUser)
	for _, err := range []error{unknown, wrong, inactive} {
		assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
		assert.Equal(t, "invalid credentials", apperr.As(err).Message)
	}
}

func TestVerifyMissingInput(t *testing.T) {
	s, _, _ := newStore(t)
	_, err := s.Verify(context.Background(), "  ", "x")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLockoutCycle(t *testing.T) {
	s, users, clock := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Verify(ctx, "admin", "wrong")
		require.ErrorIs(t, err, ErrBadPassword, "attempt %d", i+1)
	}

	clock.now = clock.now.Add(10 * time.Minute)
	_, err := s.Verify(ctx, "admin", "password")
	require.ErrorIs(t, err, ErrLocked, "correct password is still rejected while locked")
	assert.Equal(t, apperr.KindLocked, apperr.KindOf(err))
	assert.Equal(t, 20*time.Minute, apperr.As(err).RetryAfter)

	// Attempts during lockout do not move the lockout clock.
	u, err := users.FindByID(ctx, "u-admin")
	require.NoError(t, err)
	require.NotNil(t, u.LockedUntil)
	lockedUntil := *u.LockedUntil
	_, _ = s.Verify(ctx, "admin", "wrong")
	u, _ = users.FindByID(ctx, "u-admin")
	assert.Equal(t, lockedUntil, *u.LockedUntil)
	assert.Equal(t, 5, u.FailedAttempts)

	clock.now = lockedUntil.Add(time.Second)
	got, err := s.Verify(ctx, "admin", "password")
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)

	u, _ = users.FindByID(ctx, "u-admin")
	assert.Zero(t, u.FailedAttempts)
	assert.Nil(t, u.LockedUntil)
}

type failingUsers struct{ repository.UserStore }

func (failingUsers) FindByUsername(context.Context, string) (model.User, error) {
	return model.User{}, errors.New("db down")
}

func TestVerifyStoreFailureIsInternal(t *testing.T) {
	s := NewStore(failingUsers{}, DefaultPolicy())
	_, err := s.Verify(context.Background(), "admin", "password")
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Equal(t, "internal server error", apperr.As(err).Message)
}

func TestLookup(t *testing.T) {
	s, _, _ := newStore(t)
	u, err := s.Lookup(context.Background(), "u-admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Username)

	_, err = s.Lookup(context.Background(), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
