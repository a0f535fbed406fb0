// Package search evaluates filter rules and patterns against items.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/pkg/metrics"
)

// Rule is a single predicate over an item.
type Rule interface {
	Field() string
	Function() Function
	Contents() string
	// IsEmpty reports a rule whose field or contents do not validate.
	// Patterns skip empty rules.
	IsEmpty() bool
	RequiredPart() RequiredPart
	Matches(ctx context.Context, env *filterenv.Env, it *item.Item) bool
	String() string
}

type ruleBase struct {
	field    string
	function Function
	contents string
	info     fieldInfo
}

func newRuleBase(field string, function Function, contents string) ruleBase {
	return ruleBase{
		field:    field,
		function: function,
		contents: contents,
		info:     lookupField(field),
	}
}

func (r *ruleBase) Field() string      { return r.field }
func (r *ruleBase) Function() Function { return r.function }
func (r *ruleBase) Contents() string   { return r.contents }

func (r *ruleBase) RequiredPart() RequiredPart {
	return r.info.part
}

// String renders the rule for logs: "field" <function> "contents".
func (r *ruleBase) String() string {
	return fmt.Sprintf("%q <%s> %q", r.field, r.function, r.contents)
}

func (r *ruleBase) fieldBlank() bool {
	return strings.TrimSpace(r.field) == ""
}

// finish records the outcome of one evaluation.
func (r *ruleBase) finish(env *filterenv.Env, matched bool) bool {
	result := "nomatch"
	if matched {
		result = "match"
	}
	metrics.RulesEvaluated.WithLabelValues(r.info.kind.String(), result).Inc()

	if log := env.FilterLog(); log.IsLogging(filterlog.RuleResult) {
		prefix := "0 = "
		if matched {
			prefix = "1 = "
		}
		log.Add(prefix+r.String(), filterlog.RuleResult)
	}
	return matched
}

// negate applies the pair semantics: a supported positive outcome is flipped
// for the negated function. Unsupported functions never match.
func negate(function Function, positive, supported bool) bool {
	if !supported {
		return false
	}
	if function.IsNegated() {
		return !positive
	}
	return positive
}

// CreateInstance builds the rule variant the field calls for. Unknown fields
// become string rules on the named header.
func CreateInstance(field string, function Function, contents string) Rule {
	switch lookupField(field).kind {
	case kindNumerical:
		return NewNumericalRule(field, function, contents)
	case kindDate:
		return NewDateRule(field, function, contents)
	case kindStatus:
		return NewStatusRule(field, function, contents)
	case kindEncryption:
		return NewEncryptionRule(field, function, contents)
	default:
		return NewStringRule(field, function, contents)
	}
}

// CreateInstanceFromNames is CreateInstance with a persisted function name.
func CreateInstanceFromNames(field, function, contents string) Rule {
	return CreateInstance(field, ParseFunction(function), contents)
}
