package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/mailstore"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/search"
)

// Store serves complete-message fetches of an inner store from the cache.
// On a hit only the envelope is fetched from the inner store, for the
// current flags. Writes go to the inner store and drop the cached copy.
type Store struct {
	mailstore.Store
	cache *Cache
}

var _ mailstore.Store = (*Store)(nil)

func NewStore(inner mailstore.Store, c *Cache) *Store {
	return &Store{Store: inner, cache: c}
}

func (s *Store) key(ref item.Ref) string {
	return Key(s.Store.Name(), ref.Collection, ref.ID)
}

func (s *Store) Fetch(ctx context.Context, ref item.Ref, part search.RequiredPart) (*item.Item, error) {
	if part != search.CompleteMessage {
		return s.Store.Fetch(ctx, ref, part)
	}

	key := s.key(ref)
	raw, err := s.cache.Get(key)
	switch {
	case err == nil:
		it, err := s.Store.Fetch(ctx, ref, search.Envelope)
		if err != nil {
			return nil, err
		}
		msg, err := message.Parse(raw)
		if err != nil {
			logger.Warn("CACHE: dropping unparsable entry", "ref", ref.String(), "error", err)
			_ = s.cache.Delete(key)
			return s.Store.Fetch(ctx, ref, part)
		}
		it.Message = msg
		it.Size = int64(len(raw))
		return it, nil
	case !errors.Is(err, consts.ErrCacheMiss):
		logger.Warn("CACHE: read failed", "ref", ref.String(), "error", err)
	}

	it, err := s.Store.Fetch(ctx, ref, part)
	if err != nil {
		return nil, err
	}
	if it.Message != nil {
		if err := s.cache.Put(key, it.Message.RawEncodedContent()); err != nil {
			logger.Debug("CACHE: not caching payload", "ref", ref.String(), "error", err)
		}
	}
	return it, nil
}

func (s *Store) StorePayload(ctx context.Context, it *item.Item) error {
	old := s.key(it.Ref())
	if err := s.Store.StorePayload(ctx, it); err != nil {
		return err
	}
	return s.forget(old)
}

func (s *Store) Delete(ctx context.Context, ref item.Ref) error {
	if err := s.Store.Delete(ctx, ref); err != nil {
		return err
	}
	return s.forget(s.key(ref))
}

func (s *Store) Move(ctx context.Context, ref item.Ref, collection string) error {
	if err := s.Store.Move(ctx, ref, collection); err != nil {
		return err
	}
	return s.forget(s.key(ref))
}

func (s *Store) forget(key string) error {
	if err := s.cache.Delete(key); err != nil {
		return fmt.Errorf("failed to invalidate cached payload: %w", err)
	}
	return nil
}
