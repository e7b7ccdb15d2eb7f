package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests: the engine's own test
// suites never stand up a live Redis, mirroring the teacher's own
// pkg/cache/memory.go fake used in place of DragonflyCache.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	hashes  map[string]map[string][]byte
	lists   map[string][][]byte
	zsets   map[string]map[string]float64
	streams map[string][]StreamEntry
	locks   map[string]lockEntry
	seq     int

	contentionHook func()
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memEntry),
		hashes:  make(map[string]map[string][]byte),
		lists:   make(map[string][][]byte),
		zsets:   make(map[string]map[string]float64),
		streams: make(map[string][]StreamEntry),
		locks:   make(map[string]lockEntry),
	}
}

func (s *MemoryStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.strings[key]
	if !ok || s.expired(e) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.strings[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.lists, k)
		delete(s.zsets, k)
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.strings[key]
	return ok && !s.expired(e), nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) HVals(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hashes[key]
	out := make([][]byte, 0, len(h))
	for _, v := range h {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *MemoryStore) HExists(ctx context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		return false, nil
	}
	_, ok = h[field]
	return ok, nil
}

func (s *MemoryStore) HScan(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hashes[key]
	out := make(map[string][]byte, len(h))
	for k, v := range h {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

// Scan supports only the trailing-"*" prefix patterns the engine actually
// issues (workflows:*, jobs:<wfid>:*); it is a test double, not a general
// glob matcher.
func (s *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range s.strings {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range s.hashes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.strings[key]; ok {
		e.expiresAt = time.Now().Add(ttl)
		s.strings[key] = e
	}
	return nil
}

func (s *MemoryStore) WithLock(ctx context.Context, name string, acquireTimeout, maxHold time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(acquireTimeout)
	backoff := 5 * time.Millisecond

	token, err := s.tryLockLoop(ctx, name, maxHold, deadline, backoff)
	if err != nil {
		return err
	}
	defer s.unlock(name, token)

	return fn(ctx)
}

// OnLockContention implements store.LockContentionNotifier.
func (s *MemoryStore) OnLockContention(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentionHook = fn
}

func (s *MemoryStore) notifyLockContention() {
	s.mu.Lock()
	fn := s.contentionHook
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *MemoryStore) tryLockLoop(ctx context.Context, name string, maxHold time.Duration, deadline time.Time, backoff time.Duration) (string, error) {
	for {
		if token, ok := s.tryLock(name, maxHold); ok {
			return token, nil
		}
		s.notifyLockContention()
		if time.Now().After(deadline) {
			return "", ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *MemoryStore) tryLock(name string, maxHold time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, held := s.locks[name]; held && time.Now().Before(e.expiresAt) {
		return "", false
	}
	s.seq++
	token := time.Now().String()
	s.locks[name] = lockEntry{token: token, expiresAt: time.Now().Add(maxHold)}
	return token, true
}

func (s *MemoryStore) unlock(name, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.locks[name]; ok && e.token == token {
		delete(s.locks, name)
	}
}

func (s *MemoryStore) LPush(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[key] = append([][]byte{append([]byte(nil), value...)}, s.lists[key]...)
	return nil
}

func (s *MemoryStore) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		for _, k := range keys {
			l := s.lists[k]
			if len(l) > 0 {
				v := l[len(l)-1]
				s.lists[k] = l[:len(l)-1]
				s.mu.Unlock()
				return k, v, nil
			}
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return "", nil, ErrNotFound
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = append([][]byte(nil), l[start:stop+1]...)
	return nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range l[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[string(member)] = score
	return nil
}

func (s *MemoryStore) ZPopMinReady(ctx context.Context, key string, maxScore float64, count int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.zsets[key]
	type kv struct {
		member string
		score  float64
	}
	var ready []kv
	for m, sc := range z {
		if sc <= maxScore {
			ready = append(ready, kv{m, sc})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].score < ready[j].score })
	if int64(len(ready)) > count {
		ready = ready[:count]
	}

	out := make([][]byte, 0, len(ready))
	for _, e := range ready {
		delete(z, e.member)
		out = append(out, []byte(e.member))
	}
	return out, nil
}

func (s *MemoryStore) XAdd(ctx context.Context, key string, maxLen int64, value []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := time.Now().Format("20060102150405.000000000") + "-" + strconv.Itoa(s.seq)
	entries := append(s.streams[key], StreamEntry{ID: id, Data: append([]byte(nil), value...)})
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[int64(len(entries))-maxLen:]
	}
	s.streams[key] = entries
	return id, nil
}

func (s *MemoryStore) XRange(ctx context.Context, key string, count int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.streams[key]
	if count <= 0 || count > int64(len(entries)) {
		count = int64(len(entries))
	}
	out := make([]StreamEntry, count)
	copy(out, entries[int64(len(entries))-count:])
	// Newest first, matching RedisStore.XRange's XRevRangeN ordering.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
