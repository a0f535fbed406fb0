package filter

import (
	"context"
	"fmt"
	"sync"

	"github.com/migadu/mailfilter/actions"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/search"
)

// Result is the outcome of running the filters over one item.
type Result struct {
	// Matched holds the IDs of the filters whose pattern matched.
	Matched []string
	// Code is GoOn, or the code that ended processing early.
	Code actions.ReturnCode
	// Stopped is set when a matching filter asked to stop processing.
	Stopped bool
}

// Manager holds the ordered filter list and runs it over items.
type Manager struct {
	mu      sync.RWMutex
	filters []*Filter
	env     *filterenv.Env
}

func NewManager(env *filterenv.Env, filters []*Filter) *Manager {
	return &Manager{env: env, filters: filters}
}

func (m *Manager) Env() *filterenv.Env {
	return m.env
}

// SetFilters replaces the filter list.
func (m *Manager) SetFilters(filters []*Filter) {
	m.mu.Lock()
	m.filters = filters
	m.mu.Unlock()
}

// Filters returns the filter list in order.
func (m *Manager) Filters() []*Filter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Filter(nil), m.filters...)
}

// Filter returns the filter with the given ID.
func (m *Manager) Filter(id string) (*Filter, error) {
	for _, f := range m.Filters() {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", id, consts.ErrFilterNotFound)
}

func (m *Manager) active(set ApplySet, account string) []*Filter {
	var out []*Filter
	for _, f := range m.Filters() {
		if f.Enabled && f.AppliesTo(set) && f.AppliesToAccount(account) {
			out = append(out, f)
		}
	}
	return out
}

// RequiredPart is the most expensive part any filter running for set and
// account needs.
func (m *Manager) RequiredPart(set ApplySet, account string) search.RequiredPart {
	part := search.Envelope
	for _, f := range m.active(set, account) {
		part = search.MaxPart(part, f.RequiredPart())
	}
	return part
}

// Process runs the filters for set and account over the item of ic, in
// order. Processing ends after a matching filter that stops processing, or
// when an action needs the complete message or fails critically.
func (m *Manager) Process(ctx context.Context, ic *item.ItemContext, set ApplySet, account string) Result {
	env := m.env
	log := env.FilterLog()
	it := ic.Item()
	applyOnOutbound := set&(Outbound|BeforeOutbound) != 0

	if log.IsLogging(filterlog.Meta) && it.Message != nil {
		log.Add(fmt.Sprintf("Begin filtering on message %q from %q at %q",
			it.Message.StructuredField(message.FieldSubject),
			it.Message.StructuredField(message.FieldFrom),
			it.Message.StructuredField(message.FieldDate)), filterlog.Meta)
	}

	var res Result
	for _, f := range m.active(set, account) {
		if log.IsLogging(filterlog.PatternDescription) {
			log.Add(fmt.Sprintf("Evaluating filter %q: %s", f.Name, f.Pattern), filterlog.PatternDescription)
		}
		if !f.Pattern.Matches(ctx, env, it, !ic.NeedsFullPayload()) {
			continue
		}
		if log.IsLogging(filterlog.PatternResult) {
			log.Add(fmt.Sprintf("Filter %q matched", f.Name), filterlog.PatternResult)
		}
		res.Matched = append(res.Matched, f.ID)

		code := f.Execute(ctx, env, ic, applyOnOutbound)
		if code == actions.ErrorNeedComplete || code == actions.CriticalError {
			res.Code = code
			logger.Debug("FILTER: processing ended early", "filter", f.Name, "item", it.Ref(), "code", code)
			break
		}
		if f.StopProcessingHere {
			res.Stopped = true
			break
		}
	}

	metrics.PipelineRuns.WithLabelValues(res.Code.String()).Inc()
	return res
}
