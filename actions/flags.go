package actions

import (
	"context"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/search"
)

// Delete marks the item for deletion.
type Delete struct {
	base
}

func NewDelete() *Delete {
	return &Delete{base: base{name: "delete", label: "Delete Message"}}
}

func (a *Delete) IsEmpty() bool                     { return false }
func (a *Delete) RequiredPart() search.RequiredPart { return search.Envelope }
func (a *Delete) ArgsFromString(string)             {}
func (a *Delete) ArgsAsString() string              { return "" }
func (a *Delete) SieveCode() string                 { return "discard;" }

func (a *Delete) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	ic.SetDeleteItem()
	return GoOn
}

// AddTag attaches an existing tag to the item.
type AddTag struct {
	base
	Tag StringParam
}

func NewAddTag() *AddTag {
	return &AddTag{base: base{name: "add tag", label: "Add Tag"}}
}

func (a *AddTag) IsEmpty() bool                     { return a.Tag.IsEmpty() }
func (a *AddTag) RequiredPart() search.RequiredPart { return search.Envelope }
func (a *AddTag) ArgsFromString(args string)        { a.Tag.FromString(args) }
func (a *AddTag) ArgsAsString() string              { return a.Tag.String() }
func (a *AddTag) SieveRequires() []string           { return []string{"imap4flags"} }

func (a *AddTag) SieveCode() string {
	return "addflag " + sieveString(a.Tag.Value) + ";"
}

func (a *AddTag) InformationAboutNotValidAction() string {
	if a.Tag.IsEmpty() {
		return "No tag selected."
	}
	return ""
}

func (a *AddTag) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	if env == nil || env.Tags == nil {
		logger.Warn("ACTIONS: no tag registry configured", "action", a.Name())
		return ErrorButGoOn
	}
	tag, ok, err := env.Tags.Tag(ctx, a.Tag.Value)
	if err != nil {
		logger.Warn("ACTIONS: tag lookup failed", "tag", a.Tag.Value, "error", err)
		return ErrorButGoOn
	}
	if !ok {
		return ErrorButGoOn
	}
	ic.Item().AddTag(tag.ID)
	ic.SetNeedsFlagStore()
	return GoOn
}

// statusAction sets or clears one status of the item.
type statusAction struct {
	base
	Status ListParam
	unset  bool
}

// SetStatus gives the item a status such as "Read" or "Important".
type SetStatus struct{ statusAction }

// UnsetStatus takes a status away from the item.
type UnsetStatus struct{ statusAction }

func NewSetStatus() *SetStatus {
	return &SetStatus{statusAction{
		base:   base{name: "set status", label: "Mark As"},
		Status: NewListParam(search.StatusNames()...),
	}}
}

func NewUnsetStatus() *UnsetStatus {
	return &UnsetStatus{statusAction{
		base:   base{name: "unset status", label: "Remove Status"},
		Status: NewListParam(search.StatusNames()...),
		unset:  true,
	}}
}

func (a *statusAction) status() (search.Status, bool) {
	return search.LookupStatus(a.Status.Value)
}

func (a *statusAction) IsEmpty() bool {
	_, ok := a.status()
	return !ok
}

func (a *statusAction) RequiredPart() search.RequiredPart { return search.Envelope }
func (a *statusAction) ArgsFromString(args string)        { a.Status.FromString(args) }
func (a *statusAction) ArgsAsString() string              { return a.Status.String() }
func (a *statusAction) SieveRequires() []string           { return []string{"imap4flags"} }

func (a *statusAction) SieveCode() string {
	st, ok := a.status()
	if !ok {
		return ""
	}
	// An inverted status is set by removing its flag.
	cmd := "addflag"
	if a.unset != st.Inverted {
		cmd = "removeflag"
	}
	return cmd + " " + sieveString(string(st.Flag)) + ";"
}

func (a *statusAction) process(ic *item.ItemContext) ReturnCode {
	st, ok := a.status()
	if !ok {
		return ErrorButGoOn
	}
	var changed bool
	if a.unset {
		changed = st.Unset(ic.Item())
	} else {
		changed = st.Set(ic.Item())
	}
	if changed {
		ic.SetNeedsFlagStore()
	}
	return GoOn
}

func (a *SetStatus) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	return a.process(ic)
}

func (a *UnsetStatus) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	return a.process(ic)
}

// Move files the item into another collection once all actions ran.
type Move struct {
	base
	Collection StringParam
}

func NewMove() *Move {
	return &Move{base: base{name: "transfer", label: "Move Into Folder"}}
}

func (a *Move) IsEmpty() bool                     { return a.Collection.IsEmpty() }
func (a *Move) RequiredPart() search.RequiredPart { return search.Envelope }
func (a *Move) ArgsFromString(args string)        { a.Collection.FromString(args) }
func (a *Move) ArgsAsString() string              { return a.Collection.String() }
func (a *Move) SieveRequires() []string           { return []string{"fileinto"} }

func (a *Move) SieveCode() string {
	return "fileinto " + sieveString(a.Collection.Value) + ";"
}

func (a *Move) InformationAboutNotValidAction() string {
	if a.Collection.IsEmpty() {
		return "Folder destination was not defined."
	}
	return ""
}

func (a *Move) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	if ic.Item().Collection == a.Collection.Value {
		return GoOn
	}
	ic.SetMoveTargetCollection(a.Collection.Value)
	return GoOn
}

// Copy places a copy of the item into another collection right away.
type Copy struct {
	base
	Collection StringParam
}

func NewCopy() *Copy {
	return &Copy{base: base{name: "copy", label: "Copy Into Folder"}}
}

func (a *Copy) IsEmpty() bool                     { return a.Collection.IsEmpty() }
func (a *Copy) RequiredPart() search.RequiredPart { return search.Envelope }
func (a *Copy) ArgsFromString(args string)        { a.Collection.FromString(args) }
func (a *Copy) ArgsAsString() string              { return a.Collection.String() }
func (a *Copy) SieveRequires() []string           { return []string{"fileinto", "copy"} }

func (a *Copy) SieveCode() string {
	return "fileinto :copy " + sieveString(a.Collection.Value) + ";"
}

func (a *Copy) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	if env == nil || env.Copier == nil {
		logger.Warn("ACTIONS: no copier configured", "action", a.Name())
		return ErrorButGoOn
	}
	if err := env.Copier.Copy(ctx, ic.Item().Ref(), a.Collection.Value); err != nil {
		logger.Warn("ACTIONS: copy failed", "item", ic.Item().Ref(), "collection", a.Collection.Value, "error", err)
		return ErrorButGoOn
	}
	return GoOn
}
