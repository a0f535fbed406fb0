package filterlog

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	entries []Entry
	err     error
}

func (s *recordingSink) Write(_ context.Context, e Entry) error {
	s.entries = append(s.entries, e)
	return s.err
}

func TestNilLogIsInert(t *testing.T) {
	var l *Log
	l.Add("ignored", Meta)
	l.SetEnabledCategories(Meta)
	l.AddSink(&recordingSink{})
	l.Clear()
	assert.False(t, l.IsLogging(Meta))
	assert.Nil(t, l.Entries())
	assert.Zero(t, l.Size())
}

func TestAddAndCategories(t *testing.T) {
	l := New(0)
	fixed := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	before := testutil.ToFloat64(metrics.FilterLogEntries.WithLabelValues("applied-action"))
	l.Add("<b>Evaluating filter rules:</b>", PatternDescription)
	l.SetEnabledCategories(AppliedAction)
	l.Add("skipped", RuleResult)
	l.Add("delete", AppliedAction)

	assert.True(t, l.IsLogging(AppliedAction))
	assert.False(t, l.IsLogging(RuleResult))
	assert.Equal(t, []string{"[12:30:00] <b>Evaluating filter rules:</b>", "[12:30:00] delete"}, l.Strings())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FilterLogEntries.WithLabelValues("applied-action")))

	l.Clear()
	assert.Empty(t, l.Entries())
	assert.Zero(t, l.Size())
}

func TestSizeBound(t *testing.T) {
	l := New(100)
	for i := 0; i < 20; i++ {
		l.Add(strings.Repeat("x", 10), Meta)
	}
	assert.LessOrEqual(t, l.Size(), int64(100))
	assert.Equal(t, int64(len(l.Entries())*10), l.Size())
}

func TestSinksReceiveEntries(t *testing.T) {
	l := New(0)
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("down")}
	l.AddSink(failing)
	l.AddSink(ok)
	l.AddSink(LoggerSink{})

	l.Add("one", Meta)
	require.Len(t, ok.entries, 1)
	assert.Equal(t, "one", ok.entries[0].Message)
	assert.Len(t, failing.entries, 1)
	assert.Len(t, l.Entries(), 1)
}

func TestParseCategories(t *testing.T) {
	mask, err := ParseCategories(nil)
	require.NoError(t, err)
	assert.Equal(t, AllCategories, mask)

	mask, err = ParseCategories([]string{"meta", " Applied-Action "})
	require.NoError(t, err)
	assert.Equal(t, Meta|AppliedAction, mask)

	_, err = ParseCategories([]string{"nope"})
	assert.Error(t, err)
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("MAILFILTER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAILFILTER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	sink := NewRedisSink(client, "mailfilter:test:log", 2)
	require.NoError(t, sink.Clear(ctx))
	defer sink.Clear(ctx)

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, sink.Write(ctx, Entry{Time: time.Now(), Category: Meta, Message: msg}))
	}
	entries, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "b", entries[1].Message)
}
