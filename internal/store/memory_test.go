package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/workflowengine/internal/store"
)

func TestMemoryStoreGetSetDel(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Del(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreHashOps(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "jobs:wf1:A", "1", []byte("jobA1")))
	require.NoError(t, s.HSet(ctx, "jobs:wf1:A", "2", []byte("jobA2")))

	v, err := s.HGet(ctx, "jobs:wf1:A", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jobA1"), v)

	all, err := s.HScan(ctx, "jobs:wf1:A")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.HDel(ctx, "jobs:wf1:A", "1"))
	ok, err := s.HExists(ctx, "jobs:wf1:A", "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreScanPrefix(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "workflows:1", []byte("a"), 0))
	require.NoError(t, s.Set(ctx, "workflows:2", []byte("b"), 0))
	require.NoError(t, s.Set(ctx, "other:1", []byte("c"), 0))

	keys, err := s.Scan(ctx, "workflows:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"workflows:1", "workflows:2"}, keys)
}

func TestMemoryStoreWithLockExcludesConcurrentHolders(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithLock(ctx, "enqueue_outgoing:wf1:C", time.Second, 2*time.Second, func(ctx context.Context) error {
				cur := atomic.AddInt64(&counter, 1)
				assert.Equal(t, int64(1), cur, "lock should exclude concurrent holders")
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&counter, -1)
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestMemoryStoreOnLockContentionFiresWhileLockIsHeld(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	var contentions int64
	s.OnLockContention(func() { atomic.AddInt64(&contentions, 1) })

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(ctx, "contended", time.Second, time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithLock(ctx, "contended", 200*time.Millisecond, time.Second, func(ctx context.Context) error {
		return nil
	})
	close(release)

	assert.ErrorIs(t, err, store.ErrLockNotAcquired)
	assert.Greater(t, atomic.LoadInt64(&contentions), int64(0), "second acquirer should have observed contention while waiting")
}

func TestMemoryStoreWithLockTimesOut(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(ctx, "x", time.Second, time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := s.WithLock(ctx, "x", 30*time.Millisecond, time.Second, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, store.ErrLockNotAcquired)
}

func TestMemoryStoreListOps(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "q", []byte("first")))
	require.NoError(t, s.LPush(ctx, "q", []byte("second")))

	n, err := s.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	key, val, err := s.BRPop(ctx, time.Second, "q")
	require.NoError(t, err)
	assert.Equal(t, "q", key)
	assert.Equal(t, []byte("first"), val)
}

func TestMemoryStoreZSetDelayQueue(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "delayed", 100, []byte("early")))
	require.NoError(t, s.ZAdd(ctx, "delayed", 200, []byte("late")))

	ready, err := s.ZPopMinReady(ctx, "delayed", 150, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, []byte("early"), ready[0])

	ready, err = s.ZPopMinReady(ctx, "delayed", 150, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestMemoryStoreStreamAppendAndRange(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	_, err := s.XAdd(ctx, "events:wf1", 100, []byte(`{"type":"enqueued"}`))
	require.NoError(t, err)
	_, err = s.XAdd(ctx, "events:wf1", 100, []byte(`{"type":"succeeded"}`))
	require.NoError(t, err)

	entries, err := s.XRange(ctx, "events:wf1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, `{"type":"succeeded"}`, string(entries[0].Data), "newest first")
}
