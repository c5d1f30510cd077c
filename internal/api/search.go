package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/search"
)

type searchResponse struct {
	Query   string          `json:"query"`
	Mode    search.Mode     `json:"mode"`
	Results []search.Result `json:"results"`
}

// parseDate accepts RFC 3339 timestamps or bare dates. A bare upper bound
// covers the whole day.
func parseDate(s string, upper bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mode, err := search.ParseMode(q.Get("mode"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		from, err := parseDate(q.Get("from"), false)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "from: %v", err)
			return
		}
		to, err := parseDate(q.Get("to"), true)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "to: %v", err)
			return
		}

		results, err := deps.Search.Search(r.Context(), search.Query{
			Text:    q.Get("q"),
			OwnerID: ownerFrom(r.Context()),
			Mode:    mode,
			Filters: search.Filters{DocumentType: q.Get("type"), From: from, To: to},
			Limit:   parseIntParam(r, "limit", 20, 100),
		})
		switch {
		case errors.Is(err, search.ErrEmptyQuery), errors.Is(err, search.ErrInvalidMode):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "search_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []search.Result{}
		}
		writeJSON(w, http.StatusOK, searchResponse{Query: q.Get("q"), Mode: mode, Results: results})
	}
}

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Usage.CheckLimit(r.Context(), ownerFrom(r.Context()), quota.DocumentUpload)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "usage unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}
