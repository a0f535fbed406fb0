package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/helpers"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/mailstore"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/search"
)

// meta is the sidecar stored next to every message.
type meta struct {
	Flags      []imap.Flag       `json:"flags,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Size       int64             `json:"size"`
	Updated    time.Time         `json:"updated"`
}

// MailStore is a mailstore.Store over an object bucket.
type MailStore struct {
	objects ObjectStore
	prefix  string
}

var _ mailstore.Store = (*MailStore)(nil)

func NewMailStore(objects ObjectStore, prefix string) *MailStore {
	return &MailStore{objects: objects, prefix: prefix}
}

func (s *MailStore) Name() string { return "s3" }

func (s *MailStore) key(ref item.Ref) string {
	return helpers.NewS3Key(s.prefix, ref.Collection, ref.ID)
}

func (s *MailStore) collectionPrefix(collection string) string {
	k := helpers.NewS3Key(s.prefix, collection, "x")
	return strings.TrimSuffix(k, "x.eml")
}

func (s *MailStore) record(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(s.Name(), op, result).Inc()
}

func (s *MailStore) readMeta(ctx context.Context, key string) (meta, error) {
	var m meta
	data, err := s.objects.Get(ctx, helpers.S3MetaKey(key))
	if errors.Is(err, consts.ErrMessageNotFound) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn("S3STORE: ignoring unreadable meta", "key", key, "error", err)
		return meta{}, nil
	}
	return m, nil
}

func (s *MailStore) writeMeta(ctx context.Context, key string, m meta) error {
	m.Updated = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.objects.Put(ctx, helpers.S3MetaKey(key), bytes.NewReader(data), int64(len(data)))
}

func itemMeta(it *item.Item) meta {
	m := meta{
		Flags: helpers.SanitizeFlags(it.Flags),
		Tags:  append([]string(nil), it.Tags...),
		Size:  it.Size,
	}
	if len(it.Attributes) > 0 {
		m.Attributes = make(map[string]string, len(it.Attributes))
		for k, v := range it.Attributes {
			m.Attributes[k] = v
		}
	}
	return m
}

// Add stores raw as a new message of collection.
func (s *MailStore) Add(ctx context.Context, collection string, raw []byte, flags ...imap.Flag) (item.Ref, error) {
	ref := item.Ref{Collection: collection, ID: uuid.New().String()}
	key := s.key(ref)
	err := s.objects.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)))
	if err == nil {
		err = s.writeMeta(ctx, key, meta{Flags: flags, Size: int64(len(raw))})
	}
	s.record("add", err)
	if err != nil {
		return item.Ref{}, fmt.Errorf("failed to add message to %s: %w", collection, err)
	}
	return ref, nil
}

// List returns the items directly inside collection, ordered by ID.
func (s *MailStore) List(ctx context.Context, collection string) ([]*item.Item, error) {
	prefix := s.collectionPrefix(collection)
	keys, err := s.objects.List(ctx, prefix)
	s.record("list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	var ids []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if !strings.HasSuffix(rest, ".eml") || strings.Contains(rest, "/") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(rest, ".eml"))
	}
	sort.Strings(ids)

	items := make([]*item.Item, 0, len(ids))
	for _, id := range ids {
		ref := item.Ref{Collection: collection, ID: id}
		m, err := s.readMeta(ctx, s.key(ref))
		if err != nil {
			return nil, fmt.Errorf("failed to read meta of %s: %w", ref, err)
		}
		items = append(items, &item.Item{
			ID:         id,
			Collection: collection,
			RemoteID:   s.key(ref),
			Size:       m.Size,
			Flags:      m.Flags,
			Tags:       m.Tags,
		})
	}
	return items, nil
}

func (s *MailStore) Fetch(ctx context.Context, ref item.Ref, part search.RequiredPart) (*item.Item, error) {
	key := s.key(ref)
	raw, err := s.objects.Get(ctx, key)
	s.record("fetch", err)
	if err != nil {
		if errors.Is(err, consts.ErrMessageNotFound) {
			return nil, fmt.Errorf("%s: %w", ref, consts.ErrMessageNotFound)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	m, err := s.readMeta(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta of %s: %w", ref, err)
	}

	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, consts.ErrMalformedMessage)
	}
	if part != search.CompleteMessage {
		if msg, err = message.Parse(msg.RawHeader()); err != nil {
			return nil, fmt.Errorf("%s: %w", ref, consts.ErrMalformedMessage)
		}
	}

	it := &item.Item{
		ID:         ref.ID,
		RemoteID:   key,
		Collection: ref.Collection,
		Size:       int64(len(raw)),
		Flags:      m.Flags,
		Tags:       m.Tags,
		Message:    msg,
	}
	for k, v := range m.Attributes {
		it.SetAttribute(k, v)
	}
	return it, nil
}

func (s *MailStore) StorePayload(ctx context.Context, it *item.Item) error {
	key := s.key(it.Ref())
	raw := it.Message.RawEncodedContent()
	err := s.objects.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)))
	if err == nil {
		it.Size = int64(len(raw))
		err = s.writeMeta(ctx, key, itemMeta(it))
	}
	s.record("store_payload", err)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", it.Ref(), err)
	}
	return nil
}

func (s *MailStore) StoreFlags(ctx context.Context, it *item.Item) error {
	err := s.writeMeta(ctx, s.key(it.Ref()), itemMeta(it))
	s.record("store_flags", err)
	if err != nil {
		return fmt.Errorf("failed to store flags of %s: %w", it.Ref(), err)
	}
	return nil
}

func (s *MailStore) exists(ctx context.Context, ref item.Ref) error {
	ok, err := s.objects.Exists(ctx, s.key(ref))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", ref, consts.ErrMessageNotFound)
	}
	return nil
}

func (s *MailStore) Delete(ctx context.Context, ref item.Ref) error {
	if err := s.exists(ctx, ref); err != nil {
		return err
	}
	key := s.key(ref)
	err := s.objects.Delete(ctx, key)
	if err == nil {
		err = s.objects.Delete(ctx, helpers.S3MetaKey(key))
	}
	s.record("delete", err)
	return err
}

// copyTo duplicates the message and its sidecar under dst.
func (s *MailStore) copyTo(ctx context.Context, src, dst item.Ref) error {
	if err := s.exists(ctx, src); err != nil {
		return err
	}
	srcKey, dstKey := s.key(src), s.key(dst)
	if err := s.objects.Copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	m, err := s.readMeta(ctx, srcKey)
	if err != nil {
		return err
	}
	return s.writeMeta(ctx, dstKey, m)
}

// Move keeps the item's ID.
func (s *MailStore) Move(ctx context.Context, ref item.Ref, collection string) error {
	if collection == ref.Collection {
		return nil
	}
	err := s.copyTo(ctx, ref, item.Ref{Collection: collection, ID: ref.ID})
	if err == nil {
		key := s.key(ref)
		if err = s.objects.Delete(ctx, key); err == nil {
			err = s.objects.Delete(ctx, helpers.S3MetaKey(key))
		}
	}
	s.record("move", err)
	return err
}

// Copy gives the copy a fresh ID.
func (s *MailStore) Copy(ctx context.Context, ref item.Ref, collection string) error {
	err := s.copyTo(ctx, ref, item.Ref{Collection: collection, ID: uuid.New().String()})
	s.record("copy", err)
	return err
}
