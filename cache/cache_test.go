package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/mailstore"
	"github.com/migadu/mailfilter/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCache creates a cache instance in a temporary directory.
func newTestCache(t *testing.T, capacity, maxObjectSize int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), capacity, maxObjectSize, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKey(t *testing.T) {
	a := Key("imap", "INBOX", "1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Key("imap", "INBOX", "1"))
	assert.NotEqual(t, a, Key("imap", "INBOX", "2"))
	assert.NotEqual(t, a, Key("s3", "INBOX", "1"))
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("  ", 1024, 1024, time.Hour)
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	c, err := NewFromConfig(config.LocalCacheConfig{Path: t.TempDir(), Capacity: "1mb", MaxObjectSize: "10kb"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, int64(1024*1024), c.capacity)

	_, err = NewFromConfig(config.LocalCacheConfig{Path: t.TempDir(), Capacity: "lots"})
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<10)
	key := Key("memory", "INBOX", "1")

	_, err := c.Get(key)
	assert.ErrorIs(t, err, consts.ErrCacheMiss)

	require.NoError(t, c.Put(key, []byte("payload")))
	got, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	count, size, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(7), size)

	require.NoError(t, c.Delete(key))
	_, err = c.Get(key)
	assert.ErrorIs(t, err, consts.ErrCacheMiss)
	require.NoError(t, c.Delete(key), "deleting a missing entry")

	// The fan-out directories are gone again.
	entries, err := os.ReadDir(filepath.Join(c.basePath, DataDir))
	require.NoError(t, err)
	assert.Empty(t, entries)

	hits, misses := c.HitRatio()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestPutRejectsLargeObjects(t *testing.T) {
	c := newTestCache(t, 1<<20, 4)
	err := c.Put(Key("memory", "INBOX", "1"), []byte("too large"))
	assert.ErrorContains(t, err, "exceeds object limit")
}

func TestPurgeIfNeeded(t *testing.T) {
	c := newTestCache(t, 10, 100)
	keys := []string{Key("m", "c", "1"), Key("m", "c", "2"), Key("m", "c", "3")}
	for _, k := range keys {
		require.NoError(t, c.Put(k, []byte("123456")))
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, c.PurgeIfNeeded(context.Background()))

	count, size, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(6), size)

	_, err = c.Get(keys[0])
	assert.ErrorIs(t, err, consts.ErrCacheMiss)
	_, err = c.Get(keys[2])
	assert.NoError(t, err, "newest entry survives")
}

type countingStore struct {
	*mailstore.Memory
	fetches map[search.RequiredPart]int
}

func (s *countingStore) Fetch(ctx context.Context, ref item.Ref, part search.RequiredPart) (*item.Item, error) {
	s.fetches[part]++
	return s.Memory.Fetch(ctx, ref, part)
}

const sample = "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

func TestStoreServesCompleteFetchesFromCache(t *testing.T) {
	inner := &countingStore{Memory: mailstore.NewMemory(), fetches: map[search.RequiredPart]int{}}
	ref := inner.Add("INBOX", []byte(sample))
	s := NewStore(inner, newTestCache(t, 1<<20, 1<<20))
	ctx := context.Background()

	first, err := s.Fetch(ctx, ref, search.CompleteMessage)
	require.NoError(t, err)
	assert.Equal(t, sample, string(first.Message.RawEncodedContent()))

	second, err := s.Fetch(ctx, ref, search.CompleteMessage)
	require.NoError(t, err)
	assert.Equal(t, sample, string(second.Message.RawEncodedContent()))
	assert.Equal(t, 1, inner.fetches[search.CompleteMessage])
	assert.Equal(t, 1, inner.fetches[search.Envelope])

	_, err = s.Fetch(ctx, ref, search.Header)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.fetches[search.Header])
}

func TestStoreInvalidatesOnWrites(t *testing.T) {
	inner := &countingStore{Memory: mailstore.NewMemory(), fetches: map[search.RequiredPart]int{}}
	ref := inner.Add("INBOX", []byte(sample))
	c := newTestCache(t, 1<<20, 1<<20)
	s := NewStore(inner, c)
	ctx := context.Background()

	it, err := s.Fetch(ctx, ref, search.CompleteMessage)
	require.NoError(t, err)
	it.Message.SetHeader("Subject", "changed")
	require.NoError(t, s.StorePayload(ctx, it))

	_, err = c.Get(Key("memory", ref.Collection, ref.ID))
	assert.ErrorIs(t, err, consts.ErrCacheMiss)

	again, err := s.Fetch(ctx, ref, search.CompleteMessage)
	require.NoError(t, err)
	subject, _ := again.Message.HeaderByName("Subject")
	assert.Equal(t, "changed", subject)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = c.Get(Key("memory", ref.Collection, ref.ID))
	assert.ErrorIs(t, err, consts.ErrCacheMiss)
}
