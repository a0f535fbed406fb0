package filter

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailfilter/actions"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/mailstore"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/search"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(store mailstore.Store, filters ...*Filter) *Runner {
	return &Runner{Store: store, Manager: NewManager(nil, filters), Set: Inbound}
}

func TestRunCollection(t *testing.T) {
	store := mailstore.NewMemory()
	bill := store.Add("INBOX", []byte(invoice))
	news := store.Add("INBOX", []byte(newsletter), imap.FlagSeen)
	store.Add("INBOX", []byte(newsletter))

	r := newRunner(store,
		subjectFilter(t, "bills", "invoice",
			mustAction(t, "add header", "X-Bill\tyes"),
			mustAction(t, "transfer", "Bills"),
		),
		subjectFilter(t, "news", "digest", mustAction(t, "delete", "")),
	)

	rep, err := r.RunCollection(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 3, Matched: 3, Deleted: 2, Moved: 1, Stored: 1}, rep)

	left, err := store.List(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = store.Raw(news)
	assert.Error(t, err)

	raw, err := store.Raw(item.Ref{Collection: "Bills", ID: bill.ID})
	require.NoError(t, err)
	msg := message.MustParse(string(raw))
	v, ok := msg.HeaderByName("X-Bill")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)
	assert.Contains(t, string(raw), "Amount due: 12 EUR", "the body is kept")
}

func TestRunItemRefetchesCompleteMessage(t *testing.T) {
	store := mailstore.NewMemory()
	ref := store.Add("INBOX", []byte(invoice))
	needsBody := &codeAction{code: actions.GoOn, wantComplete: true}
	r := newRunner(store, subjectFilter(t, "a", "invoice", needsBody))

	res, ic, err := r.RunItem(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, actions.GoOn, res.Code)
	assert.Equal(t, 2, needsBody.runs)
	assert.True(t, ic.NeedsFullPayload())

	raw, err := store.Raw(ref)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "X-Code: go-on")
	assert.Contains(t, string(raw), "Amount due: 12 EUR")
}

func TestRunItemCriticalErrorLeavesStoreUntouched(t *testing.T) {
	store := mailstore.NewMemory()
	ref := store.Add("INBOX", []byte(invoice))
	r := newRunner(store, subjectFilter(t, "a", "invoice",
		mustAction(t, "add header", "X-Before\t1"),
		&codeAction{code: actions.CriticalError},
	))

	res, _, err := r.RunItem(context.Background(), ref)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, actions.CriticalError, res.Code)

	raw, err := store.Raw(ref)
	require.NoError(t, err)
	assert.Equal(t, invoice, string(raw))
}

func TestRunCollectionDryRun(t *testing.T) {
	store := mailstore.NewMemory()
	store.Add("INBOX", []byte(invoice))
	r := newRunner(store, subjectFilter(t, "a", "invoice", mustAction(t, "delete", "")))
	r.DryRun = true

	rep, err := r.RunCollection(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Matched)
	assert.Equal(t, 1, rep.Deleted)

	left, err := store.List(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestRunItemMissing(t *testing.T) {
	r := newRunner(mailstore.NewMemory())
	_, _, err := r.RunItem(context.Background(), item.Ref{Collection: "INBOX", ID: "9"})
	assert.Error(t, err)
}

func TestRunItemFetchesCompleteMessageUpFront(t *testing.T) {
	store := mailstore.NewMemory()
	ref := store.Add("INBOX", []byte(invoice))
	env := &filterenv.Env{Copier: store}
	r := &Runner{Store: store, Set: Inbound, Manager: NewManager(env, []*Filter{
		subjectFilter(t, "backup", "invoice", mustAction(t, "copy", "Backup")),
		subjectFilter(t, "decrypt", "invoice", mustAction(t, "decrypt", "")),
	})}

	before := testutil.ToFloat64(metrics.PipelineRefetches)
	res, ic, err := r.RunItem(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup", "decrypt"}, res.Matched)
	assert.True(t, ic.NeedsFullPayload())
	assert.Equal(t, before, testutil.ToFloat64(metrics.PipelineRefetches))

	copies, err := store.List(context.Background(), "Backup")
	require.NoError(t, err)
	assert.Len(t, copies, 1, "the copy runs once")
}

func TestTagsSurviveTheStore(t *testing.T) {
	ctx := context.Background()
	store := mailstore.NewMemory()
	ref := store.Add("INBOX", []byte(invoice))
	tags := registry{"4f1c": "Bills"}
	env := &filterenv.Env{Tags: tags}
	r := &Runner{Store: store, Set: Inbound, Manager: NewManager(env, []*Filter{
		subjectFilter(t, "tag", "invoice", mustAction(t, "add tag", "Bills")),
	})}

	_, _, err := r.RunItem(ctx, ref)
	require.NoError(t, err)

	it, err := store.Fetch(ctx, ref, search.Envelope)
	require.NoError(t, err)
	assert.Equal(t, []string{"4f1c"}, it.Tags)
	for _, tt := range []struct {
		function search.Function
		contents string
		want     bool
	}{
		{search.FuncEquals, "Bills", true},
		{search.FuncEquals, "4f1c", true},
		{search.FuncNotEqual, "Bills", false},
		{search.FuncContains, "bill", true},
		{search.FuncEquals, "Travel", false},
	} {
		rule := search.CreateInstance("<tag>", tt.function, tt.contents)
		assert.Equal(t, tt.want, rule.Matches(ctx, env, it), rule.String())
	}
}

// registry resolves tags by ID or by name.
type registry map[string]string

func (r registry) Tag(_ context.Context, key string) (filterenv.Tag, bool, error) {
	for id, name := range r {
		if id == key || strings.EqualFold(name, key) {
			return filterenv.Tag{ID: id, Name: name}, true, nil
		}
	}
	return filterenv.Tag{}, false, nil
}
