package search

import (
	"context"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
)

// StatusRule tests one status of the item. Only the contains and equals
// pairs are meaningful, and both mean "has the status".
type StatusRule struct {
	ruleBase
	status Status
	known  bool
}

func NewStatusRule(field string, function Function, contents string) *StatusRule {
	r := &StatusRule{ruleBase: newRuleBase(field, function, contents)}
	r.status, r.known = LookupStatus(contents)
	return r
}

func (r *StatusRule) IsEmpty() bool {
	return r.fieldBlank() || !r.known
}

func (r *StatusRule) Matches(_ context.Context, env *filterenv.Env, it *item.Item) bool {
	return r.finish(env, r.matches(it))
}

func (r *StatusRule) matches(it *item.Item) bool {
	if !r.known || it == nil {
		return false
	}
	switch r.function.Positive() {
	case FuncContains, FuncEquals:
		return negate(r.function, r.status.IsSet(it), true)
	}
	return false
}
