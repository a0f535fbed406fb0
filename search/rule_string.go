package search

import (
	"context"
	"regexp"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/helpers"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/message"
)

// StringRule compares header values, the body or the raw message against
// a string.
type StringRule struct {
	ruleBase
	re    *regexp.Regexp
	reErr error
}

func NewStringRule(field string, function Function, contents string) *StringRule {
	r := &StringRule{ruleBase: newRuleBase(field, function, contents)}
	if function.Positive() == FuncRegExp {
		r.re, r.reErr = regexp.Compile("(?i)" + contents)
	}
	return r
}

// contentsOptional lists functions that test the message itself, not the
// rule contents.
func contentsOptional(f Function) bool {
	switch f.Positive() {
	case FuncHasAttachment, FuncHasInvitation, FuncIsInAddressbook:
		return true
	}
	return false
}

func (r *StringRule) IsEmpty() bool {
	if r.fieldBlank() {
		return true
	}
	if r.contents == "" && !contentsOptional(r.function) {
		return true
	}
	return r.reErr != nil
}

func (r *StringRule) Matches(ctx context.Context, env *filterenv.Env, it *item.Item) bool {
	return r.finish(env, r.matches(ctx, env, it))
}

func (r *StringRule) matches(ctx context.Context, env *filterenv.Env, it *item.Item) bool {
	if it == nil {
		return false
	}
	msg := it.Message

	switch r.function {
	case FuncHasAttachment, FuncHasNoAttachment:
		has := it.HasFlag(item.FlagHasAttachment) || (msg != nil && msg.HasAttachment())
		return has == (r.function == FuncHasAttachment)
	case FuncHasInvitation, FuncHasNoInvitation:
		has := it.HasFlag(item.FlagHasInvitation) || (msg != nil && msg.HasInvitation())
		return has == (r.function == FuncHasInvitation)
	}

	if r.info.tag == FieldTags {
		return r.matchesTags(ctx, env, it.Tags)
	}
	if msg == nil {
		return false
	}

	// Equality on recipients holds if any single recipient header is equal
	// (or not equal), while the substring tests see all of them at once.
	if r.info.tag == FieldRecipients && (r.function == FuncEquals || r.function == FuncNotEqual) {
		for _, kind := range []message.FieldKind{message.FieldTo, message.FieldCc, message.FieldBcc} {
			if r.matchesInternal(msg.StructuredField(kind)) {
				return true
			}
		}
		return false
	}

	value := r.resolve(msg)
	switch r.function.Positive() {
	case FuncIsInAddressbook, FuncIsInCategory:
		return r.matchesAddressBook(ctx, env, value)
	}
	return r.matchesInternal(value)
}

func (r *StringRule) resolve(msg *message.Message) string {
	switch r.info.tag {
	case FieldMessage, FieldAttachment:
		return string(msg.RawEncodedContent())
	case FieldBody:
		return string(msg.DecodedBody())
	case FieldAnyHeader:
		return string(msg.RawHeader())
	case FieldRecipients:
		var parts []string
		for _, kind := range []message.FieldKind{message.FieldTo, message.FieldCc, message.FieldBcc} {
			if v := msg.StructuredField(kind); v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, ", ")
	default:
		v, _ := msg.HeaderByName(r.field)
		return v
	}
}

// matchesTags tests the item's tags. Items carry tag IDs; the rule sees the
// registered name as well, so rules can be written against either.
func (r *StringRule) matchesTags(ctx context.Context, env *filterenv.Env, tags []string) bool {
	if len(tags) == 0 {
		return false
	}
	positive := false
	for _, tag := range tags {
		if p, _ := r.evaluate(tag); p {
			positive = true
			break
		}
		if name := tagName(ctx, env, tag); name != "" && name != tag {
			if p, _ := r.evaluate(name); p {
				positive = true
				break
			}
		}
	}
	_, supported := r.evaluate(tags[0])
	return negate(r.function, positive, supported)
}

func tagName(ctx context.Context, env *filterenv.Env, id string) string {
	if env == nil || env.Tags == nil {
		return ""
	}
	t, ok, err := env.Tags.Tag(ctx, id)
	if err != nil || !ok {
		return ""
	}
	return t.Name
}

// matchesInternal applies the function to a resolved value. Empty values
// never match.
func (r *StringRule) matchesInternal(value string) bool {
	if value == "" {
		return false
	}
	positive, supported := r.evaluate(value)
	return negate(r.function, positive, supported)
}

func (r *StringRule) evaluate(value string) (positive, supported bool) {
	switch r.function.Positive() {
	case FuncContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(r.contents)), true
	case FuncEquals:
		return strings.ToLower(value) == strings.ToLower(r.contents), true
	case FuncRegExp:
		if r.re == nil {
			return false, false
		}
		return r.re.MatchString(value), true
	case FuncIsGreater:
		return strings.Compare(strings.ToLower(value), strings.ToLower(r.contents)) > 0, true
	case FuncIsLess:
		return strings.Compare(strings.ToLower(value), strings.ToLower(r.contents)) < 0, true
	case FuncStartWith:
		return strings.HasPrefix(value, r.contents), true
	case FuncEndWith:
		return strings.HasSuffix(value, r.contents), true
	}
	return false, false
}

// matchesAddressBook looks every address in value up and stops at the first
// hit. The category variants also require the contact to carry the
// category named by the rule contents.
func (r *StringRule) matchesAddressBook(ctx context.Context, env *filterenv.Env, value string) bool {
	if value == "" || env == nil || env.AddressBook == nil {
		return false
	}
	wantCategory := r.function.Positive() == FuncIsInCategory

	found := false
	for _, addr := range helpers.ParseAddressList(value) {
		contacts, err := env.AddressBook.FindByEmail(ctx, helpers.NormalizeEmail(addr.Address))
		if err != nil {
			logger.WarnContext(ctx, "SEARCH: address book lookup failed", "email", addr.Address, "error", err)
			continue
		}
		for _, c := range contacts {
			if !wantCategory || c.HasCategory(r.contents) {
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	return negate(r.function, found, true)
}
