package actions

import (
	"context"
	"regexp"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/search"
)

var defaultHeaderFields = []string{
	"Reply-To",
	"Delivered-To",
	"X-KDE-PR-Message",
	"X-KDE-PR-Package",
	"X-KDE-PR-Keywords",
}

// AddHeader sets a header field, replacing an existing one.
type AddHeader struct {
	base
	Field ListParam
	Value StringParam
}

func NewAddHeader() *AddHeader {
	return &AddHeader{
		base:  base{name: "add header", label: "Add Header"},
		Field: NewListParam(defaultHeaderFields...),
	}
}

func (a *AddHeader) IsEmpty() bool {
	return a.Field.IsEmpty() || a.Value.Value == ""
}

func (a *AddHeader) RequiredPart() search.RequiredPart { return search.CompleteMessage }

func (a *AddHeader) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	msg := ic.Item().Message
	msg.SetHeader(a.Field.Value, a.Value.Value)
	msg.Reassemble()
	ic.SetNeedsPayloadStore()
	return GoOn
}

func (a *AddHeader) ArgsFromString(args string) {
	f := splitArgs(args, 2)
	a.Field.FromString(f[0])
	a.Value.FromString(f[1])
}

func (a *AddHeader) ArgsAsString() string {
	return joinArgs(a.Field.String(), a.Value.String())
}

func (a *AddHeader) SieveRequires() []string { return []string{"editheader"} }

func (a *AddHeader) SieveCode() string {
	return "addheader " + sieveString(a.Field.Value) + " " + sieveString(a.Value.Value) + ";"
}

func (a *AddHeader) InformationAboutNotValidAction() string {
	if a.Field.IsEmpty() {
		return "Header name undefined."
	}
	if a.Value.Value == "" {
		return "Header value undefined."
	}
	return ""
}

// RemoveHeader deletes every occurrence of a header field.
type RemoveHeader struct {
	base
	Field ListParam
}

func NewRemoveHeader() *RemoveHeader {
	return &RemoveHeader{
		base:  base{name: "remove header", label: "Remove Header"},
		Field: NewListParam(defaultHeaderFields...),
	}
}

func (a *RemoveHeader) IsEmpty() bool                     { return a.Field.IsEmpty() }
func (a *RemoveHeader) RequiredPart() search.RequiredPart { return search.CompleteMessage }

func (a *RemoveHeader) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	msg := ic.Item().Message
	if msg.RemoveHeader(a.Field.Value) > 0 {
		msg.Reassemble()
		ic.SetNeedsPayloadStore()
	}
	return GoOn
}

func (a *RemoveHeader) ArgsFromString(args string) { a.Field.FromString(args) }
func (a *RemoveHeader) ArgsAsString() string       { return a.Field.String() }
func (a *RemoveHeader) SieveRequires() []string    { return []string{"editheader"} }

func (a *RemoveHeader) SieveCode() string {
	return "deleteheader " + sieveString(a.Field.Value) + ";"
}

func (a *RemoveHeader) InformationAboutNotValidAction() string {
	if a.Field.IsEmpty() {
		return "Header name undefined."
	}
	return ""
}

// RewriteHeader rewrites a header value through a regular expression.
type RewriteHeader struct {
	base
	Field       ListParam
	Pattern     StringParam
	Replacement StringParam
	re          *regexp.Regexp
}

func NewRewriteHeader() *RewriteHeader {
	return &RewriteHeader{
		base:  base{name: "rewrite header", label: "Rewrite Header"},
		Field: NewListParam("Subject", "Reply-To", "Delivered-To", "X-KDE-PR-Message", "X-KDE-PR-Package", "X-KDE-PR-Keywords"),
	}
}

func (a *RewriteHeader) IsEmpty() bool {
	return a.Field.IsEmpty() || a.Pattern.Value == "" || a.Replacement.Value == "" || a.re == nil
}

func (a *RewriteHeader) RequiredPart() search.RequiredPart { return search.CompleteMessage }

var backReference = regexp.MustCompile(`\\(\d+)`)

// replacementTemplate turns "\1" style back references into the form
// regexp.Expand understands and protects literal dollars.
func replacementTemplate(s string) string {
	s = strings.ReplaceAll(s, "$", "$$")
	return backReference.ReplaceAllString(s, "$${$1}")
}

func (a *RewriteHeader) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	msg := ic.Item().Message
	old, ok := msg.HeaderByName(a.Field.Value)
	if !ok {
		return GoOn
	}
	rewritten := a.re.ReplaceAllString(old, replacementTemplate(a.Replacement.Value))
	if rewritten == old {
		return GoOn
	}
	msg.SetHeader(a.Field.Value, rewritten)
	msg.Reassemble()
	ic.SetNeedsPayloadStore()
	return GoOn
}

func (a *RewriteHeader) ArgsFromString(args string) {
	f := splitArgs(args, 3)
	a.Field.FromString(f[0])
	a.Pattern.FromString(f[1])
	a.Replacement.FromString(f[2])
	a.re = nil
	if a.Pattern.Value != "" {
		a.re, _ = regexp.Compile(a.Pattern.Value)
	}
}

func (a *RewriteHeader) ArgsAsString() string {
	return joinArgs(a.Field.String(), a.Pattern.String(), a.Replacement.String())
}

func (a *RewriteHeader) InformationAboutNotValidAction() string {
	switch {
	case a.Field.IsEmpty():
		return "Header name undefined."
	case a.Pattern.Value == "":
		return "Search string undefined."
	case a.re == nil:
		return "Search string is not a valid regular expression."
	case a.Replacement.Value == "":
		return "Replacement string undefined."
	}
	return ""
}

// ReplyTo sets the Reply-To header.
type ReplyTo struct {
	base
	Address AddressParam
}

func NewReplyTo() *ReplyTo {
	return &ReplyTo{base: base{name: "set Reply-To", label: "Set Reply-To To"}}
}

func (a *ReplyTo) IsEmpty() bool                     { return a.Address.IsEmpty() }
func (a *ReplyTo) RequiredPart() search.RequiredPart { return search.CompleteMessage }

func (a *ReplyTo) Process(_ context.Context, _ *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	msg := ic.Item().Message
	msg.SetHeader("Reply-To", a.Address.Value)
	msg.Reassemble()
	ic.SetNeedsPayloadStore()
	return GoOn
}

func (a *ReplyTo) ArgsFromString(args string) { a.Address.FromString(args) }
func (a *ReplyTo) ArgsAsString() string       { return a.Address.String() }

func (a *ReplyTo) SieveRequires() []string { return []string{"editheader"} }

func (a *ReplyTo) SieveCode() string {
	return "deleteheader \"Reply-To\";\naddheader \"Reply-To\" " + sieveString(a.Address.Value) + ";"
}
