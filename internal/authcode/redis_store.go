package authcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/utils"
)

// RedisStore keeps codes in Redis as JSON under prefix:<sha256(code)>, with
// a TTL equal to the code lifetime.  Take uses GETDEL, which Redis executes
// atomically.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, prefix: prefix, now: now}
}

func (s *RedisStore) key(code string) string {
	return s.prefix + ":" + utils.HashToken(code)
}

func (s *RedisStore) Save(ctx context.Context, c model.AuthorizationCode) error {
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(c.Code), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("authorization code: %w", repository.ErrConflict)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, code string) (model.AuthorizationCode, error) {
	raw, err := s.client.GetDel(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.AuthorizationCode{}, repository.ErrNotFound
	}
	if err != nil {
		return model.AuthorizationCode{}, fmt.Errorf("take authorization code: %w", err)
	}
	var c model.AuthorizationCode
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.AuthorizationCode{}, fmt.Errorf("decode authorization code: %w", err)
	}
	return c, nil
}

// DeleteExpired is a no-op: keys carry a Redis TTL.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}
