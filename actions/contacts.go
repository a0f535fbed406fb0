package actions

import (
	"context"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/helpers"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/search"
)

var addressBookHeaders = map[string]message.FieldKind{
	"from": message.FieldFrom,
	"to":   message.FieldTo,
	"cc":   message.FieldCc,
	"bcc":  message.FieldBcc,
}

// AddToAddressBook creates contacts for the addresses of a header field.
// Existing contacts are looked up before returning; creation runs in the
// background and the action does not wait for it.
type AddToAddressBook struct {
	base
	Header     ListParam
	Collection StringParam
	Category   StringParam
}

func NewAddToAddressBook() *AddToAddressBook {
	return &AddToAddressBook{
		base:   base{name: "add to address book", label: "Add to Address Book"},
		Header: NewListParam("From", "To", "Cc", "Bcc"),
	}
}

func (a *AddToAddressBook) headerKind() (message.FieldKind, bool) {
	k, ok := addressBookHeaders[strings.ToLower(strings.TrimSpace(a.Header.Value))]
	return k, ok
}

func (a *AddToAddressBook) IsEmpty() bool {
	_, ok := a.headerKind()
	return !ok || a.Collection.IsEmpty()
}

func (a *AddToAddressBook) RequiredPart() search.RequiredPart { return search.Envelope }

func (a *AddToAddressBook) ArgsFromString(args string) {
	f := splitArgs(args, 3)
	a.Header.FromString(f[0])
	a.Collection.FromString(f[1])
	a.Category.FromString(f[2])
}

func (a *AddToAddressBook) ArgsAsString() string {
	return joinArgs(a.Header.String(), a.Collection.String(), a.Category.String())
}

func (a *AddToAddressBook) InformationAboutNotValidAction() string {
	if _, ok := a.headerKind(); !ok {
		return "Header type selected is unknown."
	}
	if a.Collection.IsEmpty() {
		return "No address book selected."
	}
	return ""
}

func (a *AddToAddressBook) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	kind, _ := a.headerKind()
	if env == nil || env.AddressBook == nil {
		logger.Warn("ACTIONS: no address book configured", "action", a.Name())
		return ErrorButGoOn
	}
	book := env.AddressBook
	exists, err := book.HasCollection(ctx, a.Collection.Value)
	if err != nil || !exists {
		logger.Warn("ACTIONS: address book collection unavailable", "collection", a.Collection.Value, "error", err)
		return ErrorButGoOn
	}

	msg := ic.Item().Message
	if msg == nil {
		return ErrorButGoOn
	}
	value := msg.StructuredField(kind)
	if strings.TrimSpace(value) == "" {
		return ErrorButGoOn
	}

	collection := a.Collection.Value
	for _, addr := range helpers.ParseAddressList(value) {
		known, err := book.FindByEmail(ctx, addr.Address)
		if err != nil {
			logger.Warn("ACTIONS: address book lookup failed", "email", addr.Address, "error", err)
			return ErrorButGoOn
		}
		if len(known) > 0 {
			continue
		}
		contact := filterenv.Contact{Name: addr.Name, Email: addr.Address}
		if !a.Category.IsEmpty() {
			contact.Categories = []string{a.Category.Value}
		}
		env.Jobs.Go("add-contact", func(ctx context.Context) error {
			return book.CreateContact(ctx, collection, contact)
		})
	}
	return GoOn
}

// PlaySound plays a sound file without waiting for it to finish.
type PlaySound struct {
	base
	File StringParam
}

func NewPlaySound() *PlaySound {
	return &PlaySound{base: base{name: "play sound", label: "Play Sound"}}
}

func (a *PlaySound) IsEmpty() bool                     { return a.File.IsEmpty() }
func (a *PlaySound) RequiredPart() search.RequiredPart { return search.Envelope }
func (a *PlaySound) ArgsFromString(args string)        { a.File.FromString(args) }
func (a *PlaySound) ArgsAsString() string              { return a.File.String() }

func (a *PlaySound) Process(_ context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	if env == nil || env.Sound == nil {
		return ErrorButGoOn
	}
	player, file := env.Sound, a.File.Value
	env.Jobs.Go("play-sound", func(ctx context.Context) error {
		return player.Play(ctx, file)
	})
	return GoOn
}
