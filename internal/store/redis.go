package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock key only if the caller still owns it,
// mirroring the teacher's DistributedLock.Release Lua script.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisStore is the production Store implementation, backed by
// redis/go-redis/v9. It is expected to be a single logical instance shared
// by every orchestrator and worker process.
type RedisStore struct {
	client *redis.Client

	contentionMu   sync.Mutex
	contentionHook func()
}

// NewRedisStore dials addr (a redis:// URL) and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to %s: %w", opts.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying redis client for callers that need
// operations this interface doesn't cover.
func (s *RedisStore) Client() *redis.Client { return s.client }

// OnLockContention implements store.LockContentionNotifier.
func (s *RedisStore) OnLockContention(fn func()) {
	s.contentionMu.Lock()
	defer s.contentionMu.Unlock()
	s.contentionHook = fn
}

func (s *RedisStore) notifyLockContention() {
	s.contentionMu.Lock()
	fn := s.contentionHook
	s.contentionMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: del %v: %w", keys, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: hget %s/%s: %w", key, field, err)
	}
	return v, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("store: hset %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HVals(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.client.HVals(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hvals %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := s.client.HExists(ctx, key, field).Result()
	if err != nil {
		return false, fmt.Errorf("store: hexists %s/%s: %w", key, field, err)
	}
	return ok, nil
}

func (s *RedisStore) HScan(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hscan %s: %w", key, err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) HDel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("store: hdel %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store: expire %s: %w", key, err)
	}
	return nil
}

// WithLock acquires the named mutex with SETNX, retrying with bounded
// backoff until acquireTimeout elapses, then releases it with a
// compare-and-delete Lua script so a caller can never release a lock it no
// longer owns. This is the direct descendant of the teacher's
// DistributedLock.WithLock.
func (s *RedisStore) WithLock(ctx context.Context, name string, acquireTimeout, maxHold time.Duration, fn func(ctx context.Context) error) error {
	key := "goflow:lock:" + name
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	deadline := time.Now().Add(acquireTimeout)
	backoff := 20 * time.Millisecond

	for {
		ok, err := s.client.SetNX(ctx, key, token, maxHold).Result()
		if err != nil {
			return fmt.Errorf("store: lock %s: %w", name, err)
		}
		if ok {
			break
		}
		s.notifyLockContention()
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 300*time.Millisecond {
				backoff = 300 * time.Millisecond
			}
		}
	}

	defer releaseScript.Run(ctx, s.client, []string{key}, token)

	return fn(ctx)
}

func (s *RedisStore) LPush(ctx context.Context, key string, value []byte) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("store: lpush %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, []byte, error) {
	res, err := s.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("store: brpop %v: %w", keys, err)
	}
	return res[0], []byte(res[1]), nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("store: ltrim %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store: lrange %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: llen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("store: zadd %s: %w", key, err)
	}
	return nil
}

// ZPopMinReady atomically removes and returns up to count members whose
// score is at most maxScore: the entries in a delay queue that have come
// due. Grounded on the teacher's Scheduler.processScheduled, which used
// ZRangeByScore followed by ZRem; here a single Lua script makes the
// read-and-remove atomic across concurrent delay pumps.
var zPopMinReadyScript = redis.NewScript(`
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #members > 0 then
	redis.call("ZREM", KEYS[1], unpack(members))
end
return members
`)

func (s *RedisStore) ZPopMinReady(ctx context.Context, key string, maxScore float64, count int64) ([][]byte, error) {
	res, err := zPopMinReadyScript.Run(ctx, s.client, []string{key}, maxScore, count).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("store: zpopminready %s: %w", key, err)
	}
	out := make([][]byte, len(res))
	for i, v := range res {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) XAdd(ctx context.Context, key string, maxLen int64, value []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{"data": value},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("store: xadd %s: %w", key, err)
	}
	return id, nil
}

func (s *RedisStore) XRange(ctx context.Context, key string, count int64) ([]StreamEntry, error) {
	msgs, err := s.client.XRevRangeN(ctx, key, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("store: xrange %s: %w", key, err)
	}
	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		data, _ := m.Values["data"].(string)
		out = append(out, StreamEntry{ID: m.ID, Data: []byte(data)})
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
