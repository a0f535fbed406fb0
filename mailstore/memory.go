package mailstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/search"
)

type memoryEntry struct {
	raw   []byte
	flags []imap.Flag
	tags  []string
	attrs map[string]string
}

// Memory is a Store kept in memory. The HTTP API uses it to run filters on
// a submitted message, and tests use it as a reference implementation.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]*memoryEntry
	nextID      int
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]*memoryEntry)}
}

func (m *Memory) Name() string { return "memory" }

// Add stores raw in collection and returns its reference.
func (m *Memory) Add(collection string, raw []byte, flags ...imap.Flag) item.Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(collection, &memoryEntry{raw: append([]byte(nil), raw...), flags: flags})
}

func (m *Memory) addLocked(collection string, e *memoryEntry) item.Ref {
	m.nextID++
	id := strconv.Itoa(m.nextID)
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]*memoryEntry)
	}
	m.collections[collection][id] = e
	return item.Ref{Collection: collection, ID: id}
}

func (m *Memory) lookup(ref item.Ref) (*memoryEntry, error) {
	e, ok := m.collections[ref.Collection][ref.ID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, consts.ErrMessageNotFound)
	}
	return e, nil
}

// Raw returns the stored message.
func (m *Memory) Raw(ref item.Ref) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.raw...), nil
}

func (m *Memory) List(_ context.Context, collection string) ([]*item.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		n, _ := strconv.Atoi(id)
		ids = append(ids, n)
	}
	sort.Ints(ids)
	items := make([]*item.Item, 0, len(ids))
	for _, n := range ids {
		id := strconv.Itoa(n)
		e := m.collections[collection][id]
		items = append(items, &item.Item{
			ID:         id,
			Collection: collection,
			Size:       int64(len(e.raw)),
			Flags:      append([]imap.Flag(nil), e.flags...),
		})
	}
	return items, nil
}

func (m *Memory) Fetch(_ context.Context, ref item.Ref, part search.RequiredPart) (*item.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	full, err := message.Parse(e.raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, consts.ErrMalformedMessage)
	}
	msg := full
	if part != search.CompleteMessage {
		msg, err = message.Parse(full.RawHeader())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref, consts.ErrMalformedMessage)
		}
	}
	it := &item.Item{
		ID:         ref.ID,
		Collection: ref.Collection,
		Size:       int64(len(e.raw)),
		Flags:      append([]imap.Flag(nil), e.flags...),
		Tags:       append([]string(nil), e.tags...),
		Message:    msg,
	}
	for k, v := range e.attrs {
		it.SetAttribute(k, v)
	}
	return it, nil
}

func (m *Memory) StorePayload(_ context.Context, it *item.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(it.Ref())
	if err != nil {
		return err
	}
	e.raw = append([]byte(nil), it.Message.RawEncodedContent()...)
	it.Size = int64(len(e.raw))
	return nil
}

func (m *Memory) StoreFlags(_ context.Context, it *item.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(it.Ref())
	if err != nil {
		return err
	}
	e.flags = append([]imap.Flag(nil), it.Flags...)
	e.tags = append([]string(nil), it.Tags...)
	e.attrs = make(map[string]string, len(it.Attributes))
	for k, v := range it.Attributes {
		e.attrs[k] = v
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, ref item.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(ref); err != nil {
		return err
	}
	delete(m.collections[ref.Collection], ref.ID)
	return nil
}

// Move keeps the item's ID.
func (m *Memory) Move(_ context.Context, ref item.Ref, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(ref)
	if err != nil {
		return err
	}
	delete(m.collections[ref.Collection], ref.ID)
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]*memoryEntry)
	}
	m.collections[collection][ref.ID] = e
	return nil
}

func (m *Memory) Copy(_ context.Context, ref item.Ref, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(ref)
	if err != nil {
		return err
	}
	c := *e
	c.raw = append([]byte(nil), e.raw...)
	c.flags = append([]imap.Flag(nil), e.flags...)
	c.tags = append([]string(nil), e.tags...)
	m.addLocked(collection, &c)
	return nil
}

var _ Store = (*Memory)(nil)
