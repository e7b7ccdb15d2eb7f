// Package store abstracts the backing key-value store behind an interface
// that mirrors the subset of Redis semantics the engine needs: string
// get/set, per-workflow hashes, key scans, TTLs, and a named advisory lock
// used to serialize successor enqueue across workers.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("store: not found")

// ErrLockNotAcquired is returned by WithLock when the lock could not be
// obtained before acquireTimeout elapsed.
var ErrLockNotAcquired = errors.New("store: lock not acquired")

// Store is the storage contract the orchestrator, worker, dead-letter
// queue, event log, and scheduler all depend on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HVals(ctx context.Context, key string) ([][]byte, error)
	HExists(ctx context.Context, key, field string) (bool, error)
	HScan(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key, field string) error

	Scan(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// WithLock runs fn while holding the named advisory mutex. It polls for
	// up to acquireTimeout before giving up with ErrLockNotAcquired, and
	// holds the lock for at most maxHold before it auto-expires.
	WithLock(ctx context.Context, name string, acquireTimeout, maxHold time.Duration, fn func(ctx context.Context) error) error

	// LPush, BRPop, LTrim, LRange, and LLen back the dead-letter queue and
	// the undelayed half of the enqueuer.
	LPush(ctx context.Context, key string, value []byte) error
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (key string, value []byte, err error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LLen(ctx context.Context, key string) (int64, error)

	// ZAdd and ZPopMinReady back the delayed half of the
	// enqueuer: members are scored by their ready-at unix timestamp.
	ZAdd(ctx context.Context, key string, score float64, member []byte) error
	ZPopMinReady(ctx context.Context, key string, maxScore float64, count int64) ([][]byte, error)

	// XAdd and XRange back the event log.
	XAdd(ctx context.Context, key string, maxLen int64, value []byte) (id string, err error)
	XRange(ctx context.Context, key string, count int64) ([]StreamEntry, error)

	// Close releases any underlying connection. Safe to call more than once.
	Close() error
}

// StreamEntry is one append-only event log record.
type StreamEntry struct {
	ID   string
	Data []byte
}

// LockContentionNotifier is implemented by stores that can report every time
// WithLock found its named mutex already held and had to back off, so a
// caller can feed a metric without this package depending on metrics. Both
// RedisStore and MemoryStore implement it; cmd/worker and cmd/workflowctl
// call OnLockContention directly on their concrete *RedisStore.
type LockContentionNotifier interface {
	// OnLockContention registers fn to be called synchronously, from the
	// waiting goroutine, every time
	// an acquire attempt finds the lock already held. A nil fn disables
	// notification.
	OnLockContention(fn func())
}
