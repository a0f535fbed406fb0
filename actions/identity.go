package actions

import (
	"context"
	"strconv"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/search"
)

// HeaderIdentity and HeaderTransport carry the sending identity and
// transport of a message through the store.
const (
	HeaderIdentity  = "X-KMail-Identity"
	HeaderTransport = "X-KMail-Transport"
)

// SetIdentity switches the identity a message belongs to.
type SetIdentity struct {
	base
	Identity UOIDParam
}

func NewSetIdentity() *SetIdentity {
	return &SetIdentity{base: base{name: "set identity", label: "Set Identity To"}}
}

func (a *SetIdentity) IsEmpty() bool                     { return a.Identity.IsEmpty() }
func (a *SetIdentity) RequiredPart() search.RequiredPart { return search.CompleteMessage }
func (a *SetIdentity) ArgsFromString(args string)        { a.Identity.FromString(args) }
func (a *SetIdentity) ArgsAsString() string              { return a.Identity.String() }

func (a *SetIdentity) Process(_ context.Context, env *filterenv.Env, ic *item.ItemContext, applyOnOutbound bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	if env == nil || env.Identities == nil {
		return ErrorButGoOn
	}
	ident, ok := env.Identities.Identity(a.Identity.UOID)
	if !ok || ident.IsNull() {
		return ErrorButGoOn
	}

	msg := ic.Item().Message
	current, _ := msg.HeaderByName(HeaderIdentity)
	if n, err := strconv.ParseUint(strings.TrimSpace(current), 10, 32); err == nil && uint32(n) == ident.UOID {
		return GoOn
	}

	msg.SetHeader(HeaderIdentity, a.Identity.String())
	if applyOnOutbound {
		msg.SetHeader("From", ident.FullEmail())
		if len(ident.Bcc) > 0 {
			bcc := ident.Bcc
			if existing, ok := msg.HeaderByName("Bcc"); ok && strings.TrimSpace(existing) != "" {
				bcc = append([]string{existing}, bcc...)
			}
			msg.SetHeader("Bcc", strings.Join(bcc, ", "))
		}
	}
	msg.Reassemble()
	ic.SetNeedsPayloadStore()
	return GoOn
}

// SetTransport selects the transport an outgoing message is sent through.
type SetTransport struct {
	base
	Transport StringParam
}

func NewSetTransport() *SetTransport {
	return &SetTransport{base: base{name: "set transport", label: "Set Transport To"}}
}

func (a *SetTransport) IsEmpty() bool                     { return a.Transport.IsEmpty() }
func (a *SetTransport) RequiredPart() search.RequiredPart { return search.CompleteMessage }
func (a *SetTransport) ArgsFromString(args string)        { a.Transport.FromString(strings.TrimSpace(args)) }
func (a *SetTransport) ArgsAsString() string              { return a.Transport.String() }

func (a *SetTransport) Process(_ context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	if env == nil || env.Transports == nil || !env.Transports.HasTransport(a.Transport.Value) {
		return ErrorButGoOn
	}
	msg := ic.Item().Message
	if current, ok := msg.HeaderByName(HeaderTransport); ok && strings.TrimSpace(current) == a.Transport.Value {
		return GoOn
	}
	msg.SetHeader(HeaderTransport, a.Transport.Value)
	msg.Reassemble()
	ic.SetNeedsPayloadStore()
	return GoOn
}
