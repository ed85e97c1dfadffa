package tilecache

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(clock *fakeClock, idle time.Duration) *Cache[string, int] {
	return New[string, int](StringHasher, WithIdleTimeout(idle), WithClock(clock.Now))
}

func TestCacheGetSet(t *testing.T) {
	c := newTestCache(newFakeClock(), time.Minute)

	c.Set("key1", 42)

	val, ok := c.Get("key1")
	if !ok || val != 42 {
		t.Fatalf("Get(key1) = %d, %v; want 42, true", val, ok)
	}
	if _, ok := c.Get("nonexistent"); ok {
		t.Error("expected nonexistent key to not exist")
	}

	c.Set("key1", 43)
	if val, _ := c.Get("key1"); val != 43 {
		t.Errorf("expected overwrite to 43, got %d", val)
	}

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 || st.Len != 1 {
		t.Errorf("stats = %+v; want 2 hits, 1 miss, 1 entry", st)
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := newTestCache(newFakeClock(), time.Minute)
	createCalled := 0

	val, loaded := c.GetOrCreate("key1", func() int {
		createCalled++
		return 100
	})
	if val != 100 || loaded {
		t.Errorf("first call = %d, %v; want 100, false", val, loaded)
	}

	val, loaded = c.GetOrCreate("key1", func() int {
		createCalled++
		return 200
	})
	if val != 100 || !loaded {
		t.Errorf("second call = %d, %v; want 100 (cached), true", val, loaded)
	}
	if createCalled != 1 {
		t.Errorf("expected create called once, got %d", createCalled)
	}
}

func TestCacheDelete(t *testing.T) {
	c := newTestCache(newFakeClock(), time.Minute)
	c.Set("key1", 42)

	if !c.Delete("key1") {
		t.Error("expected Delete to return true for existing key")
	}
	if _, ok := c.Get("key1"); ok {
		t.Error("expected key1 to be deleted")
	}
	if c.Delete("key1") {
		t.Error("expected Delete of an absent key to be a no-op")
	}
}

func TestSweepIdleBoundary(t *testing.T) {
	const idle = 300 * time.Second
	clock := newFakeClock()
	c := newTestCache(clock, idle)

	t0 := clock.Now()
	c.Set("tile", 1)

	if n := c.SweepAt(t0.Add(idle - time.Nanosecond)); n != 0 {
		t.Fatalf("sweep just before the timeout removed %d entries", n)
	}
	if _, ok := c.Peek("tile"); !ok {
		t.Fatal("entry removed before its idle timeout")
	}
	if n := c.SweepAt(t0.Add(idle)); n != 1 {
		t.Fatalf("sweep at the timeout removed %d entries; want 1", n)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d after sweep; want 0", c.Len())
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("evictions = %d; want 1", c.Stats().Evictions)
	}
}

func TestSweepAccessRefreshes(t *testing.T) {
	const idle = time.Minute
	clock := newFakeClock()
	c := newTestCache(clock, idle)

	c.Set("read", 1)
	c.Set("peeked", 2)
	c.Set("untouched", 3)

	clock.Advance(idle / 2)
	c.Get("read")
	c.Peek("peeked")

	clock.Advance(idle / 2)
	if n := c.Sweep(); n != 2 {
		t.Fatalf("sweep removed %d entries; want 2", n)
	}
	if _, ok := c.Peek("read"); !ok {
		t.Fatal("recently read entry was evicted")
	}
	if _, ok := c.Peek("peeked"); ok {
		t.Fatal("Peek should not refresh an entry")
	}
}

func TestCacheConcurrentAccessAndSweep(t *testing.T) {
	c := New[string, int](StringHasher, WithIdleTimeout(time.Millisecond))

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 500 {
				key := strconv.Itoa(g*1000 + i%50)
				c.Set(key, i)
				c.Get(key)
				c.GetOrCreate(key, func() int { return i })
				if i%7 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			c.Sweep()
		}
	}()
	wg.Wait()
}

func TestCacheRunSweeps(t *testing.T) {
	c := New[string, int](StringHasher,
		WithIdleTimeout(5*time.Millisecond),
		WithSweepInterval(2*time.Millisecond),
	)
	for i := range 20 {
		c.Set(strconv.Itoa(i), i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if c.Len() != 0 {
		t.Fatalf("len = %d; background sweep did not evict idle entries", c.Len())
	}
}
