package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/search"
)

func TestSearch_ParsesQuery(t *testing.T) {
	env := newTestEnv(t)
	env.searcher.results = []search.Result{{DocumentID: "d1", Filename: "a.pdf", Rank: 1, MatchedBy: []search.Mode{search.ModeLexical}}}

	resp := env.do(t, http.MethodGet, "/v1/search?q=invoice+acme&mode=lexical&type=Invoice&from=2026-01-01&to=2026-01-31&limit=5", "alice", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, readBody(t, resp))
	}
	var got searchResponse
	json.NewDecoder(resp.Body).Decode(&got)
	if len(got.Results) != 1 || got.Results[0].DocumentID != "d1" {
		t.Errorf("results = %+v", got.Results)
	}

	q := env.searcher.got
	if q.Text != "invoice acme" || q.OwnerID != "alice" || q.Mode != search.ModeLexical || q.Limit != 5 {
		t.Errorf("query = %+v", q)
	}
	if q.Filters.DocumentType != "Invoice" {
		t.Errorf("type filter = %q", q.Filters.DocumentType)
	}
	if !q.Filters.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v", q.Filters.From)
	}
	if want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond); !q.Filters.To.Equal(want) {
		t.Errorf("to = %v, want %v", q.Filters.To, want)
	}
}

func TestSearch_DefaultsAndEmptyResults(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/v1/search?q=x", "alice", nil, "")
	if body := readBody(t, resp); resp.StatusCode != http.StatusOK || !json.Valid([]byte(body)) {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if env.searcher.got.Mode != search.ModeCombined || env.searcher.got.Limit != 20 {
		t.Errorf("query = %+v", env.searcher.got)
	}
}

func TestSearch_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		query string
		err   error
	}{
		{"bad mode", "q=x&mode=fuzzy", nil},
		{"bad from", "q=x&from=yesterday", nil},
		{"bad to", "q=x&to=2026-13-01", nil},
		{"empty query", "q=", search.ErrEmptyQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.searcher.err = tt.err
			resp := env.do(t, http.MethodGet, "/v1/search?"+tt.query, "alice", nil, "")
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSearch_BackendError(t *testing.T) {
	env := newTestEnv(t)
	env.searcher.err = errors.New("embedder down")
	resp := env.do(t, http.MethodGet, "/v1/search?q=x&mode=semantic", "alice", nil, "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if eb := decodeError(t, resp); eb.Error.Type != "search_error" {
		t.Errorf("type = %q", eb.Error.Type)
	}
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/v1/usage", "alice", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var u quota.Usage
	json.NewDecoder(resp.Body).Decode(&u)
	if u.Limit != 10 || u.Current != 3 || u.Remaining != 7 || u.Tier != "free" {
		t.Errorf("usage = %+v", u)
	}
}
