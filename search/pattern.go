package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/pkg/metrics"
)

// Operator combines the rules of a pattern.
type Operator int

const (
	OpAnd Operator = iota
	OpOr
	OpAll
)

func (o Operator) String() string {
	switch o {
	case OpOr:
		return "or"
	case OpAll:
		return "all"
	default:
		return "and"
	}
}

// ParseOperator accepts "and", "or" and "all". Anything else is OpAnd.
func ParseOperator(s string) Operator {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "or", "any":
		return OpOr
	case "all":
		return OpAll
	default:
		return OpAnd
	}
}

// Pattern is an ordered list of rules and the operator joining them.
type Pattern struct {
	Name  string
	Op    Operator
	rules []Rule
}

func NewPattern(name string, op Operator) *Pattern {
	return &Pattern{Name: name, Op: op}
}

func (p *Pattern) Append(r Rule) {
	p.rules = append(p.rules, r)
}

// Rules returns the rules in order, empty ones included.
func (p *Pattern) Rules() []Rule {
	return p.rules
}

// IsEmpty reports a pattern without any rules.
func (p *Pattern) IsEmpty() bool {
	return len(p.rules) == 0
}

// RequiredPart is the most expensive part any non-empty rule needs.
func (p *Pattern) RequiredPart() RequiredPart {
	part := Envelope
	if p.Op == OpAll {
		return part
	}
	for _, r := range p.rules {
		if r.IsEmpty() {
			continue
		}
		part = MaxPart(part, r.RequiredPart())
	}
	return part
}

// Matches evaluates the pattern. With ignoreBody, rules that need the
// complete message are skipped.
func (p *Pattern) Matches(ctx context.Context, env *filterenv.Env, it *item.Item, ignoreBody bool) bool {
	matched := p.matches(ctx, env, it, ignoreBody)
	result := "nomatch"
	if matched {
		result = "match"
	}
	metrics.PatternsMatched.WithLabelValues(p.Op.String(), result).Inc()
	return matched
}

func (p *Pattern) matches(ctx context.Context, env *filterenv.Env, it *item.Item, ignoreBody bool) bool {
	skip := func(r Rule) bool {
		return r.IsEmpty() || (ignoreBody && r.RequiredPart() == CompleteMessage)
	}

	switch p.Op {
	case OpAll:
		return true
	case OpOr:
		for _, r := range p.rules {
			if skip(r) {
				continue
			}
			if r.Matches(ctx, env, it) {
				return true
			}
		}
		return false
	default:
		for _, r := range p.rules {
			if skip(r) {
				continue
			}
			if !r.Matches(ctx, env, it) {
				return false
			}
		}
		return true
	}
}

// Purify reports every empty rule and, with remove, drops them. A note is
// added when nothing usable is left.
func (p *Pattern) Purify(remove bool) string {
	var notes []string
	kept := p.rules[:0]
	for _, r := range p.rules {
		if r.IsEmpty() {
			notes = append(notes, fmt.Sprintf("Rule %s is not valid", r.String()))
			if remove {
				continue
			}
		}
		kept = append(kept, r)
	}
	p.rules = kept

	if p.Op != OpAll {
		usable := 0
		for _, r := range p.rules {
			if !r.IsEmpty() {
				usable++
			}
		}
		if usable == 0 {
			notes = append(notes, fmt.Sprintf("Pattern %q has no valid rules", p.Name))
		}
	}
	return strings.Join(notes, "\n")
}

// String describes the pattern for the filter log.
func (p *Pattern) String() string {
	var b strings.Builder
	switch p.Op {
	case OpOr:
		b.WriteString("(match any of the following)")
	case OpAll:
		b.WriteString("(match all messages)")
		return b.String()
	default:
		b.WriteString("(match all of the following)")
	}
	for _, r := range p.rules {
		b.WriteString("\n\t")
		b.WriteString(r.String())
	}
	return b.String()
}
