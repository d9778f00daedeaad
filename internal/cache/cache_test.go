package cache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/coldb/internal/cache"
	"github.com/devrev/coldb/internal/cache/lru"
	"github.com/devrev/coldb/internal/cache/slru"
)

func weighOne[V any](V) int64 { return 1 }

// Property 1 and scenario S6: 16 concurrent get_or_build(k, slow_build)
// callers — build runs exactly once, exactly one caller sees
// producedHere true, and every caller sees the same value.
func TestCacheStampede(t *testing.T) {
	c := cache.New[string, int](lru.New[string, int](0, 0, weighOne[int], nil))

	var builds int32
	build := func() (int, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(100 * time.Millisecond)
		return 42, nil
	}

	const n = 16
	var wg sync.WaitGroup
	values := make([]int, n)
	produced := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, p, err := c.GetOrBuild("k", build)
			require.NoError(t, err)
			values[i] = v
			produced[i] = p
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, builds)
	producedCount := 0
	for i := 0; i < n; i++ {
		assert.Equal(t, 42, values[i])
		if produced[i] {
			producedCount++
		}
	}
	assert.Equal(t, 1, producedCount)
}

// Property 2: a failing build caches nothing, and the next GetOrBuild on
// the same key invokes build anew.
func TestCacheGetOrBuildFailureNotCached(t *testing.T) {
	c := cache.New[string, int](lru.New[string, int](0, 0, weighOne[int], nil))

	var calls int32
	failing := func() (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("boom")
	}

	_, produced, err := c.GetOrBuild("k", failing)
	require.Error(t, err)
	assert.False(t, produced)
	_, hit := c.Get("k")
	assert.False(t, hit)

	_, produced, err = c.GetOrBuild("k", failing)
	require.Error(t, err)
	assert.False(t, produced)
	assert.EqualValues(t, 2, calls)
}

func TestCacheGetOrBuildSecondCallerSeesCachedValue(t *testing.T) {
	c := cache.New[string, int](lru.New[string, int](0, 0, weighOne[int], nil))

	v, produced, err := c.GetOrBuild("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.True(t, produced)
	assert.Equal(t, 7, v)

	v, produced, err = c.GetOrBuild("k", func() (int, error) {
		t.Fatal("build must not run again on a warm key")
		return 0, nil
	})
	require.NoError(t, err)
	assert.False(t, produced)
	assert.Equal(t, 7, v)
}

// Property 3: after arbitrary set/remove, every dumped entry's weight is
// bounded, the sum of weights never exceeds max_size, and count never
// exceeds max_count.
func TestLRUInvariantsUnderSetRemove(t *testing.T) {
	weigher := func(v int) int64 { return int64(v) }
	var lost int64
	p := lru.New[int, int](20, 5, weigher, func(w int64) { lost += w })
	c := cache.New[int, int](p)

	for i := 0; i < 50; i++ {
		c.Set(i%9, (i%5)+1)
		if i%7 == 0 {
			c.Remove(i % 3)
		}
		assertCacheInvariants(t, c, 20, 5)
	}
	assert.GreaterOrEqual(t, lost, int64(0))
}

func TestSLRUInvariantsUnderSetRemove(t *testing.T) {
	weigher := func(v int) int64 { return int64(v) }
	p := slru.New[int, int](30, 8, 0.5, weigher, nil)
	c := cache.New[int, int](p)

	for i := 0; i < 80; i++ {
		c.Set(i%11, (i%4)+1)
		if i%6 == 0 {
			c.Remove(i % 5)
		}
		if i%9 == 0 {
			c.Get(i % 11)
		}
		assertCacheInvariants(t, c, 30, 8)
	}
}

func assertCacheInvariants[K comparable, V any](t *testing.T, c *cache.Cache[K, V], maxSize int64, maxCount int) {
	t.Helper()
	entries := c.Dump()
	var sum int64
	for _, e := range entries {
		sum += e.Weight
	}
	assert.LessOrEqual(t, sum, maxSize)
	assert.Equal(t, sum, c.Weight())
	assert.LessOrEqual(t, len(entries), maxCount)
	assert.Equal(t, len(entries), c.Count())
}

// A panicking build must still release the per-key token; otherwise
// every later GetOrBuild on the same key blocks forever waiting for a
// lock the panicking goroutine never released.
func TestCacheGetOrBuildPanicReleasesTokenForNextCaller(t *testing.T) {
	c := cache.New[string, int](lru.New[string, int](0, 0, weighOne[int], nil))

	func() {
		defer func() { recover() }()
		c.GetOrBuild("k", func() (int, error) {
			panic("boom")
		})
	}()

	done := make(chan struct{})
	go func() {
		v, produced, err := c.GetOrBuild("k", func() (int, error) { return 9, nil })
		require.NoError(t, err)
		assert.True(t, produced)
		assert.Equal(t, 9, v)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("GetOrBuild on the same key hung after a previous build panicked")
	}
}

func TestCacheResetDiscardsInFlightBuildResult(t *testing.T) {
	c := cache.New[string, int](lru.New[string, int](0, 0, weighOne[int], nil))

	started := make(chan struct{})
	resumeBuild := make(chan struct{})
	var producedHere bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, p, err := c.GetOrBuild("k", func() (int, error) {
			close(started)
			<-resumeBuild
			return 1, nil
		})
		require.NoError(t, err)
		producedHere = p
	}()

	<-started
	c.Reset()
	close(resumeBuild)
	wg.Wait()

	assert.True(t, producedHere)
	_, hit := c.Get("k")
	assert.False(t, hit, "Reset during an in-flight build must discard its result")
}
