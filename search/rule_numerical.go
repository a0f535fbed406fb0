package search

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
)

// NumericalRule compares the item size or the message age in days.
type NumericalRule struct {
	ruleBase
	value int64
	valid bool
}

func NewNumericalRule(field string, function Function, contents string) *NumericalRule {
	r := &NumericalRule{ruleBase: newRuleBase(field, function, contents)}
	r.value, r.valid = parseInt(contents)
	return r
}

func parseInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v, err == nil
}

func (r *NumericalRule) IsEmpty() bool {
	return r.fieldBlank() || !r.valid
}

func (r *NumericalRule) Matches(_ context.Context, env *filterenv.Env, it *item.Item) bool {
	return r.finish(env, r.matches(env, it))
}

func (r *NumericalRule) matches(env *filterenv.Env, it *item.Item) bool {
	if !r.valid || it == nil {
		return false
	}
	msgValue, ok := r.resolve(env, it)
	if !ok {
		return false
	}
	msgString := strconv.FormatInt(msgValue, 10)

	var positive, supported bool
	switch r.function.Positive() {
	case FuncContains:
		positive, supported = strings.Contains(msgString, strings.TrimSpace(r.contents)), true
	case FuncEquals:
		positive, supported = msgValue == r.value, true
	case FuncRegExp:
		re, err := regexp.Compile(r.contents)
		if err != nil {
			return false
		}
		positive, supported = re.MatchString(msgString), true
	case FuncIsGreater:
		positive, supported = msgValue > r.value, true
	case FuncIsLess:
		positive, supported = msgValue < r.value, true
	}
	return negate(r.function, positive, supported)
}

func (r *NumericalRule) resolve(env *filterenv.Env, it *item.Item) (int64, bool) {
	switch r.info.tag {
	case FieldSize:
		if it.Size > 0 {
			return it.Size, true
		}
		if it.Message != nil {
			return int64(len(it.Message.RawEncodedContent())), true
		}
		return 0, false
	case FieldAgeInDays:
		if it.Message == nil {
			return 0, false
		}
		date, ok := it.Message.Date()
		if !ok {
			return 0, false
		}
		return daysBetween(date, env.Clock()), true
	}
	return 0, false
}

// daysBetween counts calendar days from a to b, both taken in b's location.
func daysBetween(a, b time.Time) int64 {
	a = a.In(b.Location())
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int64(bd.Sub(ad).Hours() / 24)
}
