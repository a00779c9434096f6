package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript keeps one hash per key with the attempt count and the
// window start.  Redis expires the hash when the window ends, so Purge has
// nothing to do for this backend.
var fixedWindowScript = redis.NewScript(`
    local key = KEYS[1]
    local now_ms = tonumber(ARGV[1])
    local window_ms = tonumber(ARGV[2])
    local ceiling = tonumber(ARGV[3])

    local state = redis.call('HMGET', key, 'attempts', 'window_start_ms')
    local attempts = tonumber(state[1])
    local start = tonumber(state[2])

    if attempts == nil or start == nil or now_ms - start > window_ms then
        redis.call('HSET', key, 'attempts', 1, 'window_start_ms', now_ms, 'ceiling', ceiling)
        redis.call('PEXPIRE', key, window_ms)
        return { 0, 1, 0 }
    end

    if attempts >= ceiling then
        redis.call('HSET', key, 'ceiling', ceiling)
        local retry = window_ms - (now_ms - start)
        if retry < 0 then retry = 0 end
        return { 1, attempts, retry }
    end

    attempts = redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'ceiling', ceiling)
    return { 0, attempts, 0 }
`)

// RedisCounter is a Counter shared by every process using the same Redis.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisCounter returns a counter storing windows under prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string, now func() time.Time) *RedisCounter {
	if now == nil {
		now = time.Now
	}
	return &RedisCounter{client: client, prefix: prefix, now: now}
}

func (r *RedisCounter) key(k string) string { return r.prefix + ":" + k }

func (r *RedisCounter) Hit(ctx context.Context, key string, window time.Duration, ceiling int) (Decision, error) {
	vals, err := fixedWindowScript.Run(ctx, r.client, []string{r.key(key)},
		r.now().UnixMilli(), window.Milliseconds(), ceiling).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate window %s: %w", key, err)
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("rate window %s: unexpected script result %#v", key, vals)
	}
	return Decision{
		Limited:    asInt64(arr[0]) == 1,
		Count:      int(asInt64(arr[1])),
		Ceiling:    ceiling,
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

// Purge is a no-op: windows carry a Redis TTL.
func (r *RedisCounter) Purge(context.Context, time.Time) (int, error) { return 0, nil }

// Limited scans the counter keys and counts those at their ceiling.
func (r *RedisCounter) Limited(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		vals, err := r.client.HMGet(ctx, iter.Val(), "attempts", "ceiling").Result()
		if err != nil || len(vals) != 2 {
			continue
		}
		if a, c := asInt64(vals[0]), asInt64(vals[1]); c > 0 && a >= c {
			n++
		}
	}
	return n, iter.Err()
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
