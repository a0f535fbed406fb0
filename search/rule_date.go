package search

import (
	"context"
	"strings"
	"time"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
)

// DateRule compares the calendar date of the Date header with an ISO date.
type DateRule struct {
	ruleBase
	date  time.Time
	valid bool
}

func NewDateRule(field string, function Function, contents string) *DateRule {
	r := &DateRule{ruleBase: newRuleBase(field, function, contents)}
	r.date, r.valid = parseISODate(contents)
	return r
}

func parseISODate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func (r *DateRule) IsEmpty() bool {
	return r.fieldBlank() || !r.valid
}

func (r *DateRule) Matches(_ context.Context, env *filterenv.Env, it *item.Item) bool {
	return r.finish(env, r.matches(it))
}

func (r *DateRule) matches(it *item.Item) bool {
	if !r.valid || it == nil || it.Message == nil {
		return false
	}
	msgTime, ok := it.Message.Date()
	if !ok {
		return false
	}
	// The date as written in the header, its own offset included.
	msgDate := time.Date(msgTime.Year(), msgTime.Month(), msgTime.Day(), 0, 0, 0, 0, time.UTC)

	var positive, supported bool
	switch r.function.Positive() {
	case FuncEquals:
		positive, supported = msgDate.Equal(r.date), true
	case FuncIsGreater:
		positive, supported = msgDate.After(r.date), true
	case FuncIsLess:
		positive, supported = msgDate.Before(r.date), true
	}
	return negate(r.function, positive, supported)
}
