// Package filterlog records a per-message trail of which patterns matched and
// which actions ran. It is separate from process logging and optional: a nil
// *Log accepts every call and records nothing.
package filterlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/metrics"
)

// Category classifies a log entry. Categories combine as a bit mask.
type Category int

const (
	Meta Category = 1 << iota
	PatternDescription
	RuleResult
	PatternResult
	AppliedAction
)

// AllCategories enables every category.
const AllCategories = Meta | PatternDescription | RuleResult | PatternResult | AppliedAction

var categoryNames = []struct {
	cat  Category
	name string
}{
	{Meta, "meta"},
	{PatternDescription, "pattern-description"},
	{RuleResult, "rule-result"},
	{PatternResult, "pattern-result"},
	{AppliedAction, "applied-action"},
}

func (c Category) String() string {
	for _, cn := range categoryNames {
		if cn.cat == c {
			return cn.name
		}
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategories turns configured names into a mask. No names means all.
func ParseCategories(names []string) (Category, error) {
	if len(names) == 0 {
		return AllCategories, nil
	}
	var mask Category
	for _, name := range names {
		found := false
		for _, cn := range categoryNames {
			if strings.EqualFold(strings.TrimSpace(name), cn.name) {
				mask |= cn.cat
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown filter log category %q", name)
		}
	}
	return mask, nil
}

// Entry is one recorded line.
type Entry struct {
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	Message  string    `json:"message"`
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Message)
}

// Sink receives every entry the log accepts.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Log is an in-memory ring of entries bounded by total message bytes.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	size    int64
	maxSize int64
	enabled Category
	sinks   []Sink
	now     func() time.Time
}

// New returns a log keeping at most maxSize bytes of messages. A maxSize of
// zero or less keeps everything.
func New(maxSize int64) *Log {
	return &Log{maxSize: maxSize, enabled: AllCategories, now: time.Now}
}

// AddSink registers s. Sinks run synchronously after the entry is stored.
func (l *Log) AddSink(s Sink) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// SetEnabledCategories restricts which categories are recorded.
func (l *Log) SetEnabledCategories(mask Category) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.enabled = mask
	l.mu.Unlock()
}

// IsLogging reports whether entries of cat would be recorded. Callers use it
// to skip building expensive descriptions.
func (l *Log) IsLogging(cat Category) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled&cat != 0
}

// Add records msg under cat.
func (l *Log) Add(msg string, cat Category) {
	l.AddContext(context.Background(), msg, cat)
}

// AddContext records msg under cat, passing ctx to the sinks.
func (l *Log) AddContext(ctx context.Context, msg string, cat Category) {
	if l == nil {
		return
	}

	l.mu.Lock()
	if l.enabled&cat == 0 {
		l.mu.Unlock()
		return
	}
	e := Entry{Time: l.now(), Category: cat, Message: msg}
	l.entries = append(l.entries, e)
	l.size += int64(len(msg))
	l.trim()
	sinks := l.sinks
	l.mu.Unlock()

	metrics.FilterLogEntries.WithLabelValues(cat.String()).Inc()

	for _, s := range sinks {
		if err := s.Write(ctx, e); err != nil {
			logger.Warn("FILTERLOG: sink write failed", "error", err)
		}
	}
}

// trim drops the oldest entries until the log is back under 90% of its bound.
func (l *Log) trim() {
	if l.maxSize <= 0 || l.size <= l.maxSize {
		return
	}
	target := l.maxSize * 9 / 10
	drop := 0
	for drop < len(l.entries) && l.size > target {
		l.size -= int64(len(l.entries[drop].Message))
		drop++
	}
	l.entries = append([]Entry(nil), l.entries[drop:]...)
}

// Entries returns a copy of the recorded entries, oldest first.
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Strings renders the entries the way they are shown to users.
func (l *Log) Strings() []string {
	entries := l.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}

// Size returns the number of message bytes currently held.
func (l *Log) Size() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Log) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = nil
	l.size = 0
	l.mu.Unlock()
}
