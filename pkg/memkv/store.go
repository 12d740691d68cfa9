// Package memkv provides a small sharded in-memory key/value store with
// optional per-key TTL. It backs the master-side registry of workers.
package memkv

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes the store.
type Options struct {
	Shards          int           // shard count (default 64)
	CleanupInterval time.Duration // expired-key sweep period (default 1s)
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Second
	}
	return o
}

// Store is a sharded map of string → bytes. Values are copied on Set and Get
// so callers cannot alias internal buffers.
type Store struct {
	opts    Options
	shards  []shard
	closeCh chan struct{}
	wg      sync.WaitGroup
	nowFn   func() time.Time

	mHits   atomic.Uint64
	mMisses atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

// New builds a store and starts its expiry sweeper.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry)
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// Close stops the sweeper. The store stays usable but no longer expires keys.
func (s *Store) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

// Set stores val under key. ttl <= 0 means the key never expires.
func (s *Store) Set(key string, val []byte, ttl time.Duration) {
	e := entry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expireAt = s.nowFn().Add(ttl).UnixNano()
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.m[key] = e
	sh.mu.Unlock()
}

// Get returns a copy of the value and whether it exists and is unexpired.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok || s.expired(e) {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return append([]byte(nil), e.val...), true
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()
	return ok
}

// ErrAborted is returned by Update when fn declines the update.
var ErrAborted = errors.New("memkv: update aborted")

// Update applies fn to the current value of key (nil when absent) under the
// shard lock and stores the result. Returning nil from fn aborts the update.
func (s *Store) Update(key string, fn func(old []byte) []byte) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var old []byte
	if e, ok := sh.m[key]; ok && !s.expired(e) {
		old = e.val
	}
	next := fn(old)
	if next == nil {
		return ErrAborted
	}
	sh.m[key] = entry{val: append([]byte(nil), next...)}
	return nil
}

// Len counts live keys across shards.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.m {
			if !s.expired(e) {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Stats returns hit/miss counters.
func (s *Store) Stats() (hits, misses uint64) {
	return s.mHits.Load(), s.mMisses.Load()
}

func (s *Store) expired(e entry) bool {
	return e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano()
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			now := s.nowFn().UnixNano()
			for i := range s.shards {
				sh := &s.shards[i]
				sh.mu.Lock()
				for k, e := range sh.m {
					if e.expireAt != 0 && e.expireAt <= now {
						delete(sh.m, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
