package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/migadu/mailfilter/actions"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/mailstore"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/search"
	"github.com/migadu/mailfilter/sieveexport"
)

// Request/Response types

type ApplyResponse struct {
	Matched []string `json:"matched"`
	Code    string   `json:"code"`
	Stopped bool     `json:"stopped"`
	Deleted bool     `json:"deleted"`
	MoveTo  string   `json:"move_to,omitempty"`
	Copies  []string `json:"copies,omitempty"`
	Flags   []string `json:"flags"`
	Tags    []string `json:"tags"`
	Changed bool     `json:"changed"`
	Message string   `json:"message,omitempty"`
}

type ActionInfo struct {
	Name  string `json:"name"`
	Args  string `json:"args,omitempty"`
	Valid bool   `json:"valid"`
	Sieve string `json:"sieve,omitempty"`
}

type FilterInfo struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	ApplyOn        string       `json:"apply_on"`
	StopProcessing bool         `json:"stop_processing"`
	Accounts       []string     `json:"accounts,omitempty"`
	RequiredPart   string       `json:"required_part"`
	Pattern        string       `json:"pattern"`
	Actions        []ActionInfo `json:"actions"`
}

type LogResponse struct {
	Source  string            `json:"source"`
	Entries []filterlog.Entry `json:"entries"`
}

type CacheStatsResponse struct {
	Objects   int64 `json:"objects"`
	SizeBytes int64 `json:"size_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
}

// copyRecorder remembers the collections a request's message was copied to.
type copyRecorder struct {
	*mailstore.Memory
	mu     sync.Mutex
	copies []string
}

func (c *copyRecorder) Copy(ctx context.Context, ref item.Ref, collection string) error {
	if err := c.Memory.Copy(ctx, ref, collection); err != nil {
		return err
	}
	c.mu.Lock()
	c.copies = append(c.copies, collection)
	c.mu.Unlock()
	return nil
}

func filterInfo(f *filter.Filter) FilterInfo {
	info := FilterInfo{
		ID:             f.ID,
		Name:           f.Name,
		Enabled:        f.Enabled,
		ApplyOn:        f.Apply.String(),
		StopProcessing: f.StopProcessingHere,
		Accounts:       f.Accounts,
		RequiredPart:   f.RequiredPart().String(),
		Actions:        []ActionInfo{},
	}
	if f.Pattern != nil {
		info.Pattern = f.Pattern.String()
	}
	for _, a := range f.Actions {
		info.Actions = append(info.Actions, ActionInfo{
			Name:  a.Name(),
			Args:  a.ArgsAsString(),
			Valid: !a.IsEmpty(),
			Sieve: a.SieveCode(),
		})
	}
	return info
}

// Handler functions

// handleApply runs the filters over the posted RFC 5322 message and returns
// the outcome, including the modified message unless it was deleted.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	set := filter.Inbound
	if v := query.Get("set"); v != "" {
		parsed, err := filter.ParseApplySet(strings.Split(v, ","))
		if err != nil || parsed == 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid apply set")
			return
		}
		set = parsed
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read message")
		return
	}
	if len(raw) == 0 {
		s.writeError(w, http.StatusBadRequest, "Message body required")
		return
	}
	if _, err := message.Parse(raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "Malformed message")
		return
	}

	ctx := r.Context()
	store := &copyRecorder{Memory: mailstore.NewMemory()}
	ref := store.Add("INBOX", raw)
	it, err := store.Fetch(ctx, ref, search.CompleteMessage)
	if err != nil {
		logger.Warn("HTTP API: cannot load posted message", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load message")
		return
	}

	// Copies go to the request's own store, not to the process copier.
	env := filterenv.Env{}
	if shared := s.manager.Env(); shared != nil {
		env = *shared
	}
	env.Copier = store
	manager := filter.NewManager(&env, s.manager.Filters())

	ic := item.NewContext(it, true)
	res := manager.Process(ctx, ic, set, query.Get("account"))

	resp := ApplyResponse{
		Matched: res.Matched,
		Code:    res.Code.String(),
		Stopped: res.Stopped,
		Deleted: ic.DeleteItem(),
		Changed: ic.NeedsPayloadStore(),
		Flags:   []string{},
		Tags:    append([]string{}, it.Tags...),
	}
	if resp.Matched == nil {
		resp.Matched = []string{}
	}
	if target, ok := ic.MoveTargetCollection(); ok {
		resp.MoveTo = target
	}
	for _, f := range it.Flags {
		resp.Flags = append(resp.Flags, string(f))
	}
	store.mu.Lock()
	resp.Copies = append(resp.Copies, store.copies...)
	store.mu.Unlock()
	if !resp.Deleted && it.Message != nil {
		resp.Message = string(it.Message.RawEncodedContent())
	}

	status := http.StatusOK
	if res.Code == actions.CriticalError {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	filters := s.manager.Filters()
	infos := make([]FilterInfo, 0, len(filters))
	for _, f := range filters {
		infos = append(infos, filterInfo(f))
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.Filter(mux.Vars(r)["id"])
	if errors.Is(err, consts.ErrFilterNotFound) {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, filterInfo(f))
}

func (s *Server) handleSieve(w http.ResponseWriter, r *http.Request) {
	script, err := sieveexport.Export(s.manager.Filters())
	if err != nil {
		logger.Warn("HTTP API: sieve export failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to export sieve script")
		return
	}
	w.Header().Set("Content-Type", "application/sieve; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, script)
}

// handleGetLog returns the in-memory filter log, or the persistent history
// with ?source=history.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	if r.URL.Query().Get("source") == "history" {
		if s.history == nil {
			s.writeError(w, http.StatusServiceUnavailable, "Filter log history not available")
			return
		}
		entries, err := s.history.Recent(r.Context(), limit)
		if err != nil {
			logger.Warn("HTTP API: cannot read filter log history", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to read filter log history")
			return
		}
		s.writeJSON(w, http.StatusOK, LogResponse{Source: "history", Entries: nonNil(entries)})
		return
	}

	log := s.manager.Env().FilterLog()
	if log == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Filter log not enabled")
		return
	}
	entries := log.Entries()
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	s.writeJSON(w, http.StatusOK, LogResponse{Source: "memory", Entries: nonNil(entries)})
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	if log := s.manager.Env().FilterLog(); log != nil {
		log.Clear()
	}
	if s.history != nil {
		if err := s.history.Clear(r.Context()); err != nil {
			logger.Warn("HTTP API: cannot clear filter log history", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to clear filter log history")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}

	count, size, err := s.cache.GetStats()
	if err != nil {
		logger.Warn("HTTP API: error getting cache stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get cache stats")
		return
	}
	hits, misses := s.cache.HitRatio()
	s.writeJSON(w, http.StatusOK, CacheStatsResponse{Objects: count, SizeBytes: size, Hits: hits, Misses: misses})
}

func nonNil(entries []filterlog.Entry) []filterlog.Entry {
	if entries == nil {
		return []filterlog.Entry{}
	}
	return entries
}
