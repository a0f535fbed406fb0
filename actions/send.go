package actions

import (
	"context"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/mdn"
	"github.com/migadu/mailfilter/search"
)

// sender returns the composition options and transport for messages the
// filters send on the user's behalf, taken from the default identity.
func sender(env *filterenv.Env) (mdn.Options, string) {
	opts := mdn.Options{Now: env.Clock()}
	if env.Identities == nil {
		return opts, ""
	}
	ident, ok := env.Identities.Default()
	if !ok {
		return opts, ""
	}
	opts.From = ident.FullEmail()
	return opts, ident.Transport
}

func send(ctx context.Context, env *filterenv.Env, action string, compose func(mdn.Options) (*mdn.Envelope, error)) ReturnCode {
	if env == nil || env.Sender == nil {
		logger.Warn("ACTIONS: no sender configured", "action", action)
		return ErrorButGoOn
	}
	opts, transport := sender(env)
	envelope, err := compose(opts)
	if err != nil {
		logger.Warn("ACTIONS: cannot compose message", "action", action, "error", err)
		return ErrorButGoOn
	}
	if err := env.Sender.Send(ctx, transport, envelope.From, envelope.Recipients, envelope.Raw); err != nil {
		logger.Warn("ACTIONS: cannot send message", "action", action, "recipients", envelope.Recipients, "error", err)
		return ErrorButGoOn
	}
	return GoOn
}

// Redirect resends the item unchanged to another address.
type Redirect struct {
	base
	Address AddressParam
}

func NewRedirect() *Redirect {
	return &Redirect{base: base{name: "redirect", label: "Redirect To"}}
}

func (a *Redirect) IsEmpty() bool                     { return a.Address.IsEmpty() }
func (a *Redirect) RequiredPart() search.RequiredPart { return search.CompleteMessage }
func (a *Redirect) ArgsFromString(args string)        { a.Address.FromString(args) }
func (a *Redirect) ArgsAsString() string              { return a.Address.String() }

func (a *Redirect) SieveCode() string {
	return "redirect " + sieveString(a.Address.Value) + ";"
}

func (a *Redirect) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	return send(ctx, env, a.Name(), func(opts mdn.Options) (*mdn.Envelope, error) {
		return mdn.Redirect(ic.Item().Message, a.Address.Value, opts)
	})
}

// Forward sends the item as an attachment to another address.
type Forward struct {
	base
	Address AddressParam
	// Template is kept for round trips; forwards always use the built in
	// layout.
	Template string
}

func NewForward() *Forward {
	return &Forward{base: base{name: "forward", label: "Forward To"}}
}

func (a *Forward) IsEmpty() bool                     { return a.Address.IsEmpty() }
func (a *Forward) RequiredPart() search.RequiredPart { return search.CompleteMessage }

func (a *Forward) ArgsFromString(args string) {
	f := splitArgs(args, 2)
	a.Address.FromString(f[0])
	a.Template = f[1]
}

func (a *Forward) ArgsAsString() string {
	if a.Template == "" {
		return a.Address.String()
	}
	return joinArgs(a.Address.String(), a.Template)
}

func (a *Forward) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	code := send(ctx, env, a.Name(), func(opts mdn.Options) (*mdn.Envelope, error) {
		return mdn.Forward(ic.Item().Message, a.Address.Value, opts)
	})
	if code == GoOn && ic.Item().SetFlag(item.FlagForwarded) {
		ic.SetNeedsFlagStore()
	}
	return code
}

// ConfirmDelivery sends a delivery receipt to the sender.
type ConfirmDelivery struct {
	base
}

func NewConfirmDelivery() *ConfirmDelivery {
	return &ConfirmDelivery{base: base{name: "confirm delivery", label: "Confirm Delivery"}}
}

func (a *ConfirmDelivery) IsEmpty() bool                     { return false }
func (a *ConfirmDelivery) RequiredPart() search.RequiredPart { return search.Header }
func (a *ConfirmDelivery) ArgsFromString(string)             {}
func (a *ConfirmDelivery) ArgsAsString() string              { return "" }

func (a *ConfirmDelivery) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	return send(ctx, env, a.Name(), func(opts mdn.Options) (*mdn.Envelope, error) {
		return mdn.DeliveryReceipt(ic.Item().Message, opts)
	})
}

// MDNIgnore is the FakeMDN value that suppresses receipt requests instead of
// answering them.
const MDNIgnore = "ignore"

// FakeMDN answers a read receipt request with a fixed disposition.
type FakeMDN struct {
	base
	Disposition ListParam
}

func NewFakeMDN() *FakeMDN {
	allowed := []string{"", MDNIgnore}
	for _, d := range mdn.Dispositions {
		allowed = append(allowed, string(d))
	}
	return &FakeMDN{
		base:        base{name: "fake mdn", label: "Send Fake MDN"},
		Disposition: NewListParam(allowed...),
	}
}

func (a *FakeMDN) IsEmpty() bool                     { return a.Disposition.IsEmpty() }
func (a *FakeMDN) RequiredPart() search.RequiredPart { return search.CompleteMessage }

func (a *FakeMDN) ArgsFromString(args string) {
	// Stored values carry no leading character for the default entry.
	a.Disposition.FromString(strings.ToLower(strings.TrimSpace(args)))
}

func (a *FakeMDN) ArgsAsString() string { return a.Disposition.String() }

func (a *FakeMDN) InformationAboutNotValidAction() string {
	if a.Disposition.IsEmpty() {
		return "No disposition selected."
	}
	return ""
}

func (a *FakeMDN) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	it := ic.Item()
	if a.Disposition.Value == MDNIgnore {
		it.SetAttribute(item.AttributeMDNIgnore, MDNIgnore)
		ic.SetNeedsFlagStore()
		return GoOn
	}

	d, ok := mdn.ParseDisposition(a.Disposition.Value)
	if !ok {
		return ErrorButGoOn
	}
	if dnt, ok := it.Message.HeaderByName("Disposition-Notification-To"); !ok || strings.TrimSpace(dnt) == "" {
		return GoOn
	}
	if it.HasFlag(item.FlagMDNSent) {
		return GoOn
	}
	if env != nil && env.MDN != nil {
		msgID, _ := it.Message.HeaderByName("Message-ID")
		first, err := env.MDN.RecordMDN(ctx, msgID, string(d))
		if err != nil {
			logger.Warn("ACTIONS: cannot record MDN", "message_id", msgID, "error", err)
			return ErrorButGoOn
		}
		if !first {
			return GoOn
		}
	}

	code := send(ctx, env, a.Name(), func(opts mdn.Options) (*mdn.Envelope, error) {
		return mdn.Compose(it.Message, d, opts)
	})
	if code != GoOn {
		return code
	}
	it.SetFlag(item.FlagMDNSent)
	ic.SetNeedsFlagStore()
	return GoOn
}
