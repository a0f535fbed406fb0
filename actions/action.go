// Package actions implements the filter actions a matching filter applies to
// an item.
//
// Actions never return errors. Every failure is folded into a ReturnCode that
// tells the pipeline whether to carry on, refetch the complete message, or
// give up on the item.
package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/search"
)

// ReturnCode is the outcome of processing one action.
type ReturnCode int

const (
	// GoOn means the action did its job, or correctly did nothing.
	GoOn ReturnCode = iota
	// ErrorButGoOn means the action failed and left the item untouched.
	ErrorButGoOn
	// ErrorNeedComplete means the action needs the complete message.
	ErrorNeedComplete
	// CriticalError aborts processing of the item.
	CriticalError
)

func (c ReturnCode) String() string {
	switch c {
	case GoOn:
		return "go-on"
	case ErrorButGoOn:
		return "error-but-go-on"
	case ErrorNeedComplete:
		return "error-need-complete"
	case CriticalError:
		return "critical-error"
	default:
		return fmt.Sprintf("ReturnCode(%d)", int(c))
	}
}

// Action is one step of a filter.
type Action interface {
	// Name is the persisted identifier, e.g. "add header".
	Name() string
	Label() string
	// IsEmpty reports an action whose parameters are missing or invalid.
	IsEmpty() bool
	RequiredPart() search.RequiredPart
	Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, applyOnOutbound bool) ReturnCode
	ArgsFromString(args string)
	ArgsAsString() string
	// SieveRequires lists the Sieve extensions SieveCode needs.
	SieveRequires() []string
	// SieveCode is the Sieve equivalent, or "" when there is none.
	SieveCode() string
	// InformationAboutNotValidAction explains to an operator why the action
	// is empty. It does not influence processing.
	InformationAboutNotValidAction() string
}

type base struct {
	name  string
	label string
}

func (b *base) Name() string                           { return b.name }
func (b *base) Label() string                          { return b.label }
func (b *base) SieveRequires() []string                { return nil }
func (b *base) SieveCode() string                      { return "" }
func (b *base) InformationAboutNotValidAction() string { return "" }

// ready performs the checks every action starts with.
func ready(a Action, ic *item.ItemContext) (ReturnCode, bool) {
	if a.IsEmpty() {
		return ErrorButGoOn, false
	}
	part := a.RequiredPart()
	if part == search.CompleteMessage && !ic.NeedsFullPayload() {
		return ErrorNeedComplete, false
	}
	if part > search.Envelope && ic.Item().Message == nil {
		return ErrorNeedComplete, false
	}
	return GoOn, true
}

// Run processes a and records the outcome in metrics and the filter log.
func Run(ctx context.Context, env *filterenv.Env, a Action, ic *item.ItemContext, applyOnOutbound bool) ReturnCode {
	start := time.Now()
	code := a.Process(ctx, env, ic, applyOnOutbound)
	metrics.ActionDuration.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())
	metrics.ActionsExecuted.WithLabelValues(a.Name(), code.String()).Inc()

	if log := env.FilterLog(); log.IsLogging(filterlog.AppliedAction) {
		log.Add(Describe(a)+" -> "+code.String(), filterlog.AppliedAction)
	}
	return code
}

// Describe renders an action and its arguments for logs.
func Describe(a Action) string {
	args := a.ArgsAsString()
	if args == "" {
		return a.Label()
	}
	return fmt.Sprintf("%s: %s", a.Label(), strings.ReplaceAll(args, "\t", ", "))
}
