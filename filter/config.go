package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/mailfilter/actions"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/search"
)

// ReadConfig loads the filter stored in g. Actions of unknown kinds are
// skipped and reported in the returned notes.
func (f *Filter) ReadConfig(g search.ConfigGroup) string {
	var notes []string
	f.ID = g.ReadEntry("identifier", f.ID)
	f.Enabled = search.ReadBoolEntry(g, "Enabled", true)
	f.StopProcessingHere = search.ReadBoolEntry(g, "StopProcessingHere", false)

	if f.Pattern == nil {
		f.Pattern = search.NewPattern("", search.OpAnd)
	}
	f.Pattern.ReadConfig(g)
	f.Name = f.Pattern.Name

	set, err := ParseApplySet(splitList(g.ReadEntry("apply-on", "inbound,explicit")))
	if err != nil {
		notes = append(notes, err.Error())
		set = Inbound | Explicit
	}
	f.Apply = set
	f.Accounts = splitList(g.ReadEntry("accounts-set", ""))

	f.Actions = nil
	n := search.ReadIntEntry(g, "actions", 0)
	for i := 0; i < n; i++ {
		name := g.ReadEntry(fmt.Sprintf("action-name-%d", i), "")
		args := g.ReadEntry(fmt.Sprintf("action-args-%d", i), "")
		a, err := actions.Create(name, args)
		if err != nil {
			notes = append(notes, err.Error())
			continue
		}
		f.Actions = append(f.Actions, a)
	}
	return strings.Join(notes, "\n")
}

// WriteConfig stores the filter in g.
func (f *Filter) WriteConfig(g search.ConfigGroup) {
	g.WriteEntry("identifier", f.ID)
	g.WriteEntry("Enabled", strconv.FormatBool(f.Enabled))
	g.WriteEntry("StopProcessingHere", strconv.FormatBool(f.StopProcessingHere))
	g.WriteEntry("apply-on", f.Apply.String())
	if len(f.Accounts) > 0 {
		g.WriteEntry("accounts-set", strings.Join(f.Accounts, ","))
	} else {
		g.DeleteEntry("accounts-set")
	}

	if f.Pattern == nil {
		f.Pattern = search.NewPattern(f.Name, search.OpAnd)
	}
	f.Pattern.Name = f.Name
	f.Pattern.WriteConfig(g)

	old := search.ReadIntEntry(g, "actions", 0)
	g.WriteEntry("actions", strconv.Itoa(len(f.Actions)))
	for i, a := range f.Actions {
		g.WriteEntry(fmt.Sprintf("action-name-%d", i), a.Name())
		g.WriteEntry(fmt.Sprintf("action-args-%d", i), a.ArgsAsString())
	}
	for i := len(f.Actions); i < old; i++ {
		g.DeleteEntry(fmt.Sprintf("action-name-%d", i))
		g.DeleteEntry(fmt.Sprintf("action-args-%d", i))
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromConfig builds a filter from its TOML definition. Invalid rules and
// actions are dropped with a warning; unknown action kinds and functions
// are errors.
func FromConfig(cfg config.FilterConfig, index int) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := New(cfg.GetID(index), cfg.Name)
	f.Enabled = cfg.IsEnabled()
	f.StopProcessingHere = cfg.StopProcessing
	f.Accounts = append([]string(nil), cfg.Accounts...)
	f.Pattern.Op = search.ParseOperator(cfg.Operator)

	set, err := ParseApplySet(cfg.GetApplyOn())
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", cfg.Name, err)
	}
	f.Apply = set

	for i, r := range cfg.Rules {
		fn := search.FuncContains
		if r.Function != "" {
			fn = search.ParseFunction(r.Function)
			if fn == search.FuncNone {
				return nil, fmt.Errorf("filter %q: rule #%d: unknown function %q", cfg.Name, i+1, r.Function)
			}
		}
		f.Pattern.Append(search.CreateInstance(r.Field, fn, r.Contents))
	}
	for i, ac := range cfg.Actions {
		a, err := actions.Create(ac.Name, ac.ArgsString())
		if err != nil {
			return nil, fmt.Errorf("filter %q: action #%d: %w", cfg.Name, i+1, err)
		}
		f.Actions = append(f.Actions, a)
	}

	if notes := f.Purify(true); notes != "" {
		for _, n := range strings.Split(notes, "\n") {
			logger.Warn("FILTER: invalid filter definition", "filter", f.Name, "problem", n)
		}
	}
	return f, nil
}

// LoadFilters builds every configured filter, keeping their order.
func LoadFilters(cfgs []config.FilterConfig) ([]*Filter, error) {
	filters := make([]*Filter, 0, len(cfgs))
	seen := make(map[string]bool)
	for i, c := range cfgs {
		f, err := FromConfig(c, i)
		if err != nil {
			return nil, err
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("duplicate filter id %q", f.ID)
		}
		seen[f.ID] = true
		filters = append(filters, f)
	}
	return filters, nil
}
