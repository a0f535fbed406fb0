package item

// ItemContext carries one item through a filter run and records what the
// caller has to persist afterwards. Flags only ever go from false to true.
type ItemContext struct {
	item             *Item
	needsFullPayload bool

	needsPayloadStore bool
	needsFlagStore    bool
	deleteItem        bool
	moveTarget        string
	hasMoveTarget     bool
}

// NewContext wraps it. needsFullPayload tells actions whether the message
// holds the complete body or only the header block.
func NewContext(it *Item, needsFullPayload bool) *ItemContext {
	return &ItemContext{item: it, needsFullPayload: needsFullPayload}
}

func (c *ItemContext) Item() *Item {
	return c.item
}

func (c *ItemContext) NeedsFullPayload() bool {
	return c.needsFullPayload
}

func (c *ItemContext) SetNeedsPayloadStore() {
	c.needsPayloadStore = true
}

func (c *ItemContext) NeedsPayloadStore() bool {
	return c.needsPayloadStore
}

func (c *ItemContext) SetNeedsFlagStore() {
	c.needsFlagStore = true
}

func (c *ItemContext) NeedsFlagStore() bool {
	return c.needsFlagStore
}

func (c *ItemContext) SetDeleteItem() {
	c.deleteItem = true
}

func (c *ItemContext) DeleteItem() bool {
	return c.deleteItem
}

// SetMoveTargetCollection records where the item goes once all actions ran.
// The last call wins.
func (c *ItemContext) SetMoveTargetCollection(collection string) {
	c.moveTarget = collection
	c.hasMoveTarget = true
}

func (c *ItemContext) MoveTargetCollection() (string, bool) {
	return c.moveTarget, c.hasMoveTarget
}
