// Package cache provides a bounded, concurrent associative cache with
// at-most-one-build semantics under concurrent misses and a pluggable
// eviction policy. It is used throughout the write path for mark files,
// uncompressed blocks, query results, and index pages.
package cache

import "sync"

// token is the per-missing-key coordination object described in the
// cache entry data model: it exists only while at least one caller is
// attempting to build a value for its key. refCount is protected by the
// owning Cache's lock. A waiter takes the cache lock to find or create
// the token and releases it, then takes mu alone to do the actual
// build. Where both locks are held together (releaseToken), mu is taken
// first and the cache lock inside it; no code path takes mu while
// holding the cache lock, so this single fixed ordering is
// deadlock-free.
type token[V any] struct {
	mu       sync.Mutex
	value    V
	has      bool
	refCount int
}

// Cache is a generic, policy-backed, stampede-safe cache. All exported
// methods are safe under arbitrary parallelism.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	policy   Policy[K, V]
	pending  map[K]*token[V]
	hits     uint64
	misses   uint64
}

// New wraps policy as a Cache. policy is assumed to be exclusively owned
// by the returned Cache from this point on.
func New[K comparable, V any](policy Policy[K, V]) *Cache[K, V] {
	return &Cache[K, V]{
		policy:  policy,
		pending: make(map[K]*token[V]),
	}
}

// Get reports a hit/miss without ever invoking a builder.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.policy.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Set inserts or replaces key's value, possibly triggering eviction.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.Set(key, value)
}

// Remove evicts key if present. It does not abort any in-flight build
// for key; that build's result is simply discarded on completion
// because its token is no longer the one registered in pending.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.Remove(key)
}

// Reset drops every entry and, implicitly, invalidates every in-flight
// token: completing builds will find their token no longer registered
// and discard their result instead of inserting it.
func (c *Cache[K, V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.Reset()
	c.pending = make(map[K]*token[V])
}

func (c *Cache[K, V]) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.Weight()
}

func (c *Cache[K, V]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.Count()
}

func (c *Cache[K, V]) SetMaxSize(maxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.SetMaxSize(maxSize)
}

func (c *Cache[K, V]) SetMaxCount(maxCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.SetMaxCount(maxCount)
}

func (c *Cache[K, V]) Dump() []Entry[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.Dump()
}

// Stats returns the cumulative hit/miss counts from Get and GetOrBuild.
func (c *Cache[K, V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// GetOrBuild implements the stampede-safe get-or-build contract. build
// is invoked at most once per miss across all concurrent callers racing
// on the same key; producedHere tells the caller whether its build was
// the authoritative one. build errors surface to the caller without
// poisoning other waiters — the next miss on the same key gets its own
// fresh token and retries build from scratch.
func (c *Cache[K, V]) GetOrBuild(key K, build func() (V, error)) (value V, producedHere bool, err error) {
	c.mu.Lock()
	if v, ok := c.policy.Get(key); ok {
		c.hits++
		c.mu.Unlock()
		return v, false, nil
	}
	c.misses++
	tok, ok := c.pending[key]
	if !ok {
		tok = &token[V]{}
		c.pending[key] = tok
	}
	tok.refCount++
	c.mu.Unlock()

	tok.mu.Lock()
	tokUnlocked := false
	defer func() {
		if !tokUnlocked {
			tok.mu.Unlock()
		}
		c.releaseToken(key, tok)
	}()

	if tok.has {
		return tok.value, false, nil
	}

	v, buildErr := build()
	if buildErr != nil {
		var zero V
		return zero, false, buildErr
	}
	tok.value = v
	tok.has = true
	tok.mu.Unlock()
	tokUnlocked = true

	c.mu.Lock()
	if c.pending[key] == tok {
		c.policy.Set(key, v)
	}
	c.mu.Unlock()
	return v, true, nil
}

// releaseToken drops this caller's hold on tok and, if it was the last
// one, removes tok from pending provided tok is still the registered
// token for key (a concurrent Reset may have already cleared it). Per
// the data model invariant, a token's refcount reaches zero only while
// both its own lock and the cache lock are held.
func (c *Cache[K, V]) releaseToken(key K, tok *token[V]) {
	tok.mu.Lock()
	c.mu.Lock()
	tok.refCount--
	if tok.refCount == 0 && c.pending[key] == tok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	tok.mu.Unlock()
}
