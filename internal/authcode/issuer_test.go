package authcode

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func request() IssueRequest {
	return IssueRequest{
		User:        model.UserSnapshot{ID: "u1", Username: "admin"},
		ClientID:    "test_client",
		RedirectURI: "http://localhost:3001/callback",
		Scopes:      []string{"read"},
		State:       "xyz",
	}
}

func redisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client, "sso:code", nil)
}

func TestIssueBindsRequest(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	iss := NewIssuer(repository.NewMemoryCodeStore(), 0, WithClock(c.Now))

	code, err := iss.Issue(context.Background(), request())
	require.NoError(t, err)
	assert.Len(t, code.Code, 64)
	assert.Equal(t, c.now.Add(10*time.Minute), code.ExpiresAt)

	got, err := iss.RedeemFor(context.Background(), code.Code, "test_client", "http://localhost:3001/callback")
	require.NoError(t, err)
	assert.Equal(t, "xyz", got.State)
	assert.Equal(t, "u1", got.User.ID)
}

func redeemConcurrently(t *testing.T, store repository.CodeStore) {
	iss := NewIssuer(store, time.Minute)
	code, err := iss.Issue(context.Background(), request())
	require.NoError(t, err)

	const attempts = 32
	var ok, notFound atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := iss.Redeem(context.Background(), code.Code)
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrCodeNotFound):
				notFound.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(attempts-1), notFound.Load())
}

func TestRedeemAtMostOnceMemory(t *testing.T) {
	redeemConcurrently(t, repository.NewMemoryCodeStore())
}

func TestRedeemAtMostOnceRedis(t *testing.T) {
	_, store := redisStore(t)
	redeemConcurrently(t, store)
}

func TestRedeemExpired(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	iss := NewIssuer(repository.NewMemoryCodeStore(), 10*time.Minute, WithClock(c.Now))
	ctx := context.Background()

	code, err := iss.Issue(ctx, request())
	require.NoError(t, err)

	c.Advance(10*time.Minute + time.Second)
	_, err = iss.Redeem(ctx, code.Code)
	assert.ErrorIs(t, err, ErrCodeExpired)

	// The expired code was consumed by the failed attempt.
	_, err = iss.Redeem(ctx, code.Code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
	assert.Equal(t, apperr.As(ErrCodeExpired).Message, apperr.As(ErrCodeNotFound).Message)
}

func TestRedeemForMismatchConsumesCode(t *testing.T) {
	iss := NewIssuer(repository.NewMemoryCodeStore(), 0)
	ctx := context.Background()

	code, err := iss.Issue(ctx, request())
	require.NoError(t, err)
	_, err = iss.RedeemFor(ctx, code.Code, "other_client", "http://localhost:3001/callback")
	assert.ErrorIs(t, err, ErrCodeClientMismatch)
	_, err = iss.RedeemFor(ctx, code.Code, "test_client", "http://localhost:3001/callback")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	code, err = iss.Issue(ctx, request())
	require.NoError(t, err)
	_, err = iss.RedeemFor(ctx, code.Code, "test_client", "http://localhost:3001/callback/")
	assert.ErrorIs(t, err, ErrCodeRedirect)
}

func TestPurgeAndPending(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	iss := NewIssuer(repository.NewMemoryCodeStore(), time.Minute, WithClock(c.Now))
	ctx := context.Background()

	_, err := iss.Issue(ctx, request())
	require.NoError(t, err)
	n, err := iss.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c.Advance(2 * time.Minute)
	n, err = iss.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = iss.Pending(ctx)
	assert.Zero(t, n)
}

func TestRedisStoreExpiresCodes(t *testing.T) {
	mr, store := redisStore(t)
	iss := NewIssuer(store, time.Minute)
	ctx := context.Background()

	code, err := iss.Issue(ctx, request())
	require.NoError(t, err)
	n, err := iss.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mr.FastForward(time.Minute + time.Second)
	_, err = iss.Redeem(ctx, code.Code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}
