// Package filter ties patterns and actions together and drives them over
// items.
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/mailfilter/actions"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/search"
)

// ApplySet says on which occasions a filter runs.
type ApplySet uint8

const (
	// Inbound filters run on newly arrived mail.
	Inbound ApplySet = 1 << iota
	// Outbound filters run on mail after it was sent.
	Outbound
	// BeforeOutbound filters run on mail just before it is sent.
	BeforeOutbound
	// Explicit filters run when the user asks for them.
	Explicit

	AllSets = Inbound | Outbound | BeforeOutbound | Explicit
)

var applySetNames = []struct {
	set  ApplySet
	name string
}{
	{Inbound, "inbound"},
	{Outbound, "outbound"},
	{BeforeOutbound, "before_outbound"},
	{Explicit, "explicit"},
}

func (s ApplySet) String() string {
	var names []string
	for _, n := range applySetNames {
		if s&n.set != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseApplySet parses a list of set names.
func ParseApplySet(names []string) (ApplySet, error) {
	var s ApplySet
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		found := false
		for _, n := range applySetNames {
			if n.name == name {
				s |= n.set
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown apply set %q", name)
		}
	}
	return s, nil
}

// Filter is a pattern and the actions applied to items it matches.
type Filter struct {
	ID                 string
	Name               string
	Enabled            bool
	Pattern            *search.Pattern
	Actions            []actions.Action
	Apply              ApplySet
	StopProcessingHere bool
	// Accounts limits the filter to some accounts. Empty means all.
	Accounts []string
}

// New returns an enabled filter with an empty and-pattern that runs on
// inbound mail and on request.
func New(id, name string) *Filter {
	return &Filter{
		ID:      id,
		Name:    name,
		Enabled: true,
		Pattern: search.NewPattern(name, search.OpAnd),
		Apply:   Inbound | Explicit,
	}
}

// AppliesTo reports whether the filter runs for any occasion in set.
func (f *Filter) AppliesTo(set ApplySet) bool {
	return f.Apply&set != 0
}

// AppliesToAccount reports whether the filter runs for account. An empty
// account means the caller does not filter by account.
func (f *Filter) AppliesToAccount(account string) bool {
	if len(f.Accounts) == 0 || account == "" {
		return true
	}
	for _, a := range f.Accounts {
		if strings.EqualFold(a, account) {
			return true
		}
	}
	return false
}

// RequiredPart is the most expensive part the pattern or a configured
// action needs.
func (f *Filter) RequiredPart() search.RequiredPart {
	part := search.Envelope
	if f.Pattern != nil {
		part = f.Pattern.RequiredPart()
	}
	for _, a := range f.Actions {
		if a.IsEmpty() {
			continue
		}
		part = search.MaxPart(part, a.RequiredPart())
	}
	return part
}

// IsEmpty reports a filter with neither rules nor actions.
func (f *Filter) IsEmpty() bool {
	return (f.Pattern == nil || f.Pattern.IsEmpty()) && len(f.Actions) == 0
}

// Execute runs the actions in order. Failed actions do not stop the run;
// a need for the complete message or a critical error does, and is
// returned.
func (f *Filter) Execute(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, applyOnOutbound bool) actions.ReturnCode {
	for _, a := range f.Actions {
		switch code := actions.Run(ctx, env, a, ic, applyOnOutbound); code {
		case actions.ErrorNeedComplete, actions.CriticalError:
			return code
		}
	}
	return actions.GoOn
}

// Purify reports invalid rules and actions and, with remove, drops them.
func (f *Filter) Purify(remove bool) string {
	var notes []string
	if f.Pattern != nil {
		if n := f.Pattern.Purify(remove); n != "" {
			notes = append(notes, n)
		}
	}
	kept := f.Actions[:0]
	for _, a := range f.Actions {
		if a.IsEmpty() {
			info := a.InformationAboutNotValidAction()
			if info == "" {
				info = "parameters are missing"
			}
			notes = append(notes, fmt.Sprintf("Action %q is not valid: %s", a.Label(), info))
			if remove {
				continue
			}
		}
		kept = append(kept, a)
	}
	f.Actions = kept
	if len(f.Actions) == 0 {
		notes = append(notes, fmt.Sprintf("Filter %q has no valid actions", f.Name))
	}
	return strings.Join(notes, "\n")
}

// String describes the filter for logs.
func (f *Filter) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Filter %q", f.Name)
	if !f.Enabled {
		b.WriteString(" (disabled)")
	}
	b.WriteString(":\n")
	if f.Pattern != nil {
		b.WriteString(f.Pattern.String())
	}
	for _, a := range f.Actions {
		b.WriteString("\n\t-> ")
		b.WriteString(actions.Describe(a))
	}
	return b.String()
}
