package filterlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/migadu/mailfilter/logger"
	"github.com/redis/go-redis/v9"
)

// LoggerSink forwards entries to the process logger at debug level.
type LoggerSink struct{}

func (LoggerSink) Write(ctx context.Context, e Entry) error {
	logger.DebugContext(ctx, "FILTERLOG: "+e.Message, "category", e.Category.String())
	return nil
}

// RedisSink keeps the most recent entries in a Redis list, newest first.
type RedisSink struct {
	client     redis.Cmdable
	key        string
	maxEntries int64
}

func NewRedisSink(client redis.Cmdable, key string, maxEntries int) *RedisSink {
	return &RedisSink{client: client, key: key, maxEntries: int64(maxEntries)}
}

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	if s.maxEntries > 0 {
		pipe.LTrim(ctx, s.key, 0, s.maxEntries-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push filter log entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	values, err := s.client.LRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read filter log entries: %w", err)
	}
	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			logger.Warn("FILTERLOG: skipping malformed entry", "key", s.key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear removes the list.
func (s *RedisSink) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
