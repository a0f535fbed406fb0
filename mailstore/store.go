// Package mailstore is the boundary between the filter pipeline and the
// places messages live.
package mailstore

import (
	"context"

	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/search"
)

// Store gives the pipeline access to stored items. Implementations must be
// safe for concurrent use.
type Store interface {
	// Name identifies the store in logs, metrics and cache keys.
	Name() string
	// List returns the items of a collection without their messages.
	List(ctx context.Context, collection string) ([]*item.Item, error)
	// Fetch loads an item with as much of its message as part asks for.
	// Envelope and Header fetches carry the header block only.
	Fetch(ctx context.Context, ref item.Ref, part search.RequiredPart) (*item.Item, error)
	// StorePayload replaces the stored message. The store may assign the
	// item a new ID, which it writes back into it.
	StorePayload(ctx context.Context, it *item.Item) error
	StoreFlags(ctx context.Context, it *item.Item) error
	Delete(ctx context.Context, ref item.Ref) error
	Move(ctx context.Context, ref item.Ref, collection string) error
	Copy(ctx context.Context, ref item.Ref, collection string) error
}

// Apply persists what the actions recorded in ic. Deletion wins over every
// other change; otherwise payload, flags and the move are applied in that
// order.
func Apply(ctx context.Context, s Store, ic *item.ItemContext) error {
	it := ic.Item()
	if ic.DeleteItem() {
		return s.Delete(ctx, it.Ref())
	}
	if ic.NeedsPayloadStore() {
		if err := s.StorePayload(ctx, it); err != nil {
			return err
		}
	}
	if ic.NeedsFlagStore() {
		if err := s.StoreFlags(ctx, it); err != nil {
			return err
		}
	}
	if target, ok := ic.MoveTargetCollection(); ok {
		if err := s.Move(ctx, it.Ref(), target); err != nil {
			return err
		}
		it.Collection = target
	}
	return nil
}
