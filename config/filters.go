package config

import (
	"fmt"
	"strings"
)

// FilterRuleConfig is one search rule of a filter.
type FilterRuleConfig struct {
	Field    string `toml:"field"`
	Function string `toml:"function"`
	Contents string `toml:"contents" trim:"false"`
}

// FilterActionConfig is one action of a filter. Args holds the tab separated
// argument string; Params is a friendlier list form joined with tabs.
type FilterActionConfig struct {
	Name   string   `toml:"name"`
	Args   string   `toml:"args" trim:"false"`
	Params []string `toml:"params" trim:"false"`
}

// ArgsString returns the persisted argument string of the action.
func (a *FilterActionConfig) ArgsString() string {
	if a.Args != "" || len(a.Params) == 0 {
		return a.Args
	}
	return strings.Join(a.Params, "\t")
}

// FilterConfig describes a filter declared in the configuration file.
type FilterConfig struct {
	ID             string               `toml:"id"`
	Name           string               `toml:"name"`
	Enabled        *bool                `toml:"enabled"`
	Operator       string               `toml:"operator"` // "and", "or" or "all"
	ApplyOn        []string             `toml:"apply_on"` // inbound, outbound, before_outbound, explicit
	StopProcessing bool                 `toml:"stop_processing"`
	Accounts       []string             `toml:"accounts"` // Empty applies to every account
	Rules          []FilterRuleConfig   `toml:"rule"`
	Actions        []FilterActionConfig `toml:"action"`
}

var validApplyOn = map[string]bool{
	"inbound":         true,
	"outbound":        true,
	"before_outbound": true,
	"explicit":        true,
}

// IsEnabled returns true unless the filter was explicitly disabled.
func (f *FilterConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// GetID returns the configured id or a positional one.
func (f *FilterConfig) GetID(index int) string {
	if f.ID != "" {
		return f.ID
	}
	return fmt.Sprintf("filter-%d", index+1)
}

// GetApplyOn returns the apply-on set, defaulting to inbound and explicit.
func (f *FilterConfig) GetApplyOn() []string {
	if len(f.ApplyOn) == 0 {
		return []string{"inbound", "explicit"}
	}
	return f.ApplyOn
}

// Validate checks the filter definition for structural errors. Unknown rule
// functions and action names are reported by the filter loader.
func (f *FilterConfig) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch strings.ToLower(f.Operator) {
	case "", "and", "or", "all":
	default:
		return fmt.Errorf("filter %q: invalid operator %q (expected and, or or all)", f.Name, f.Operator)
	}
	for _, a := range f.ApplyOn {
		if !validApplyOn[strings.ToLower(a)] {
			return fmt.Errorf("filter %q: invalid apply_on value %q", f.Name, a)
		}
	}
	for i, r := range f.Rules {
		if r.Field == "" {
			return fmt.Errorf("filter %q: rule #%d has no field", f.Name, i+1)
		}
	}
	for i, a := range f.Actions {
		if a.Name == "" {
			return fmt.Errorf("filter %q: action #%d has no name", f.Name, i+1)
		}
	}
	return nil
}
