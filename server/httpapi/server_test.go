package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/mailfilter/actions"
	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/search"
	"github.com/migadu/mailfilter/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "test-api-key"

type fakeHistory struct {
	entries []filterlog.Entry
	cleared bool
}

func (h *fakeHistory) Recent(_ context.Context, n int) ([]filterlog.Entry, error) {
	if len(h.entries) > n {
		return h.entries[len(h.entries)-n:], nil
	}
	return h.entries, nil
}

func (h *fakeHistory) Clear(context.Context) error {
	h.cleared = true
	h.entries = nil
	return nil
}

func testFilters(t *testing.T) []*filter.Filter {
	t.Helper()
	mk := func(id string, rule search.Rule, acts ...[2]string) *filter.Filter {
		f := filter.New(id, id)
		f.Pattern.Append(rule)
		for _, a := range acts {
			action, err := actions.Create(a[0], a[1])
			require.NoError(t, err)
			f.Actions = append(f.Actions, action)
		}
		return f
	}

	invoices := mk("invoices", search.CreateInstance("Subject", search.FuncContains, "invoice"),
		[2]string{"set status", "Important"},
		[2]string{"add header", "X-Filtered\tinvoice"},
		[2]string{"copy", "Accounting"},
		[2]string{"transfer", "Invoices"},
	)
	invoices.StopProcessingHere = true

	lists := mk("lists", search.CreateInstance("List-Id", search.FuncContains, "weekly"),
		[2]string{"delete", ""},
	)

	outbound := mk("outbound", search.CreateInstance("From", search.FuncContains, "@"),
		[2]string{"add header", "X-Sent\tyes"},
	)
	outbound.Apply = filter.Outbound
	return []*filter.Filter{invoices, lists, outbound}
}

func newTestServer(t *testing.T, history LogHistory) (*Server, *filterlog.Log) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)

	log := filterlog.New(0)
	manager := filter.NewManager(&filterenv.Env{Log: log}, testFilters(t))
	s, err := New(ServerOptions{APIKeyHash: string(hash), Manager: manager, History: history, MaxBodySize: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.keys.Stop(context.Background()) })
	return s, log
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewValidatesOptions(t *testing.T) {
	manager := filter.NewManager(nil, nil)
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name string
		opts ServerOptions
	}{
		{"no hash", ServerOptions{Manager: manager}},
		{"plain key instead of hash", ServerOptions{APIKeyHash: testKey, Manager: manager}},
		{"no manager", ServerOptions{APIKeyHash: string(hash)}},
		{"tls without files", ServerOptions{APIKeyHash: string(hash), Manager: manager, TLS: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer " + testKey, http.StatusOK},
		{"valid again from cache", "bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/filters", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.allowedHosts = []string{"10.0.0.0/8"}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.RemoteAddr = "10.1.2.3:1234"
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsNeedNoKey(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApply(t *testing.T) {
	s, log := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/apply", testutils.PlainMessage)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ApplyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"invoices"}, resp.Matched)
	assert.Equal(t, "go-on", resp.Code)
	assert.True(t, resp.Stopped)
	assert.False(t, resp.Deleted)
	assert.True(t, resp.Changed)
	assert.Equal(t, "Invoices", resp.MoveTo)
	assert.Equal(t, []string{"Accounting"}, resp.Copies)
	assert.Contains(t, resp.Flags, `\Flagged`)
	assert.Contains(t, resp.Message, "X-Filtered: invoice")
	assert.NotEmpty(t, log.Entries())
}

func TestApplyDeleted(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/apply", testutils.NewsletterMessage)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ApplyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"lists"}, resp.Matched)
	assert.True(t, resp.Deleted)
	assert.Empty(t, resp.Message)
}

func TestApplySets(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/apply?set=outbound", testutils.NewsletterMessage)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ApplyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"outbound"}, resp.Matched)
	assert.Contains(t, resp.Message, "X-Sent: yes")

	rec = do(t, s, http.MethodPost, "/api/v1/apply?set=sideways", testutils.PlainMessage)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyRejectsBadBodies(t *testing.T) {
	s, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/apply", "").Code)
	large := testutils.PlainMessage + strings.Repeat("x", 5000)
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(t, s, http.MethodPost, "/api/v1/apply", large).Code)
}

func TestFilters(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/filters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []FilterInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 3)
	assert.Equal(t, "invoices", infos[0].ID)
	assert.True(t, infos[0].StopProcessing)
	assert.Equal(t, "inbound,explicit", infos[0].ApplyOn)
	require.Len(t, infos[0].Actions, 4)
	assert.Equal(t, `fileinto "Invoices";`, infos[0].Actions[3].Sieve)

	rec = do(t, s, http.MethodGet, "/api/v1/filters/lists", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/filters/missing", "").Code)
}

func TestSieve(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/sieve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/sieve")
	body := rec.Body.String()
	assert.Contains(t, body, `fileinto :copy "Accounting";`)
	assert.Contains(t, body, "discard;")
	assert.NotContains(t, body, "X-Sent", "outbound filters are not exported")
}

func TestLog(t *testing.T) {
	history := &fakeHistory{entries: []filterlog.Entry{{Message: "one"}, {Message: "two"}}}
	s, log := newTestServer(t, history)
	log.Add("memory entry", filterlog.Meta)

	rec := do(t, s, http.MethodGet, "/api/v1/log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "memory", resp.Source)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "memory entry", resp.Entries[0].Message)

	rec = do(t, s, http.MethodGet, "/api/v1/log?source=history&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "history", resp.Source)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "two", resp.Entries[0].Message)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/log?limit=-1", "").Code)

	rec = do(t, s, http.MethodDelete, "/api/v1/log", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, log.Entries())
	assert.True(t, history.cleared)
}

func TestCacheStatsWithoutCache(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/v1/cache/stats", "").Code)
}
