package lookupcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxSize int) (*Cache[string], *time.Time) {
	t.Helper()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := New[string](time.Minute, 10*time.Second, maxSize, time.Hour)
	c.now = func() time.Time { return clock }
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, &clock
}

func TestGetSetAndExpiry(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Set("jane@example.com", "Jane", true)
	c.Set("nobody@example.com", "", false)

	v, found, ok := c.Get("jane@example.com")
	assert.True(t, ok)
	assert.True(t, found)
	assert.Equal(t, "Jane", v)

	_, found, ok = c.Get("nobody@example.com")
	assert.True(t, ok, "negative entries are cached")
	assert.False(t, found)

	*clock = clock.Add(30 * time.Second)
	_, _, ok = c.Get("nobody@example.com")
	assert.False(t, ok, "negative entry expired")
	_, _, ok = c.Get("jane@example.com")
	assert.True(t, ok, "positive entry still valid")

	*clock = clock.Add(time.Minute)
	c.cleanup()
	_, _, size := c.GetStats()
	assert.Equal(t, 0, size)
}

func TestEvictOldest(t *testing.T) {
	c, clock := newTestCache(t, 2)
	c.Set("a", "1", true)
	*clock = clock.Add(time.Second)
	c.Set("b", "2", true)
	*clock = clock.Add(time.Second)
	c.Set("c", "3", true)

	_, _, ok := c.Get("a")
	assert.False(t, ok)
	_, _, ok = c.Get("c")
	assert.True(t, ok)
}

func TestGetOrLoadSingleflight(t *testing.T) {
	c, _ := newTestCache(t, 10)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (string, bool, error) {
		loads.Add(1)
		<-release
		return "Jane", true, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrLoad(context.Background(), "jane@example.com", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(5))
	assert.GreaterOrEqual(t, loads.Load(), int32(1))
	for _, r := range results {
		assert.Equal(t, "Jane", r)
	}

	v, found, err := c.GetOrLoad(context.Background(), "jane@example.com", func(context.Context) (string, bool, error) {
		t.Fatal("cached value must not be reloaded")
		return "", false, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Jane", v)
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	c, _ := newTestCache(t, 10)
	boom := errors.New("database locked")

	_, _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, bool, error) {
		return "", false, boom
	})
	assert.ErrorIs(t, err, boom)

	_, _, ok := c.Get("k")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Set("k", "v", false)
	c.Invalidate("k")
	_, _, ok := c.Get("k")
	assert.False(t, ok)
}
