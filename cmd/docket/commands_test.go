package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/kalambet/docket/internal/quota"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	Owner       string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

type cannedResponse struct {
	status int
	body   string
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			Owner:       r.Header.Get("X-Owner-ID"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasSuffix(r.URL.Path, "/events") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			if resp.status != 0 {
				w.WriteHeader(resp.status)
			}
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"document not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		owner:      "alice",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestUploadFile(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/documents": {status: 202, body: `{"document":{"id":"doc-123","filename":"a.pdf","status":"pending","progress":20},"usage":{"limit":10,"current":9,"warning":true}}`},
	})

	res, err := uploadFile(ctx, ts.client(), "a.pdf", []byte("%PDF-1.4"), "basic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Document.ID != "doc-123" || res.Document.Progress != 20 {
		t.Errorf("document = %+v", res.Document)
	}
	if !res.Usage.Warning || res.Usage.Current != 9 {
		t.Errorf("usage = %+v", res.Usage)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Owner != "alice" {
		t.Errorf("owner = %q, want alice", r.Owner)
	}
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", r.ContentType)
	}
	if !strings.Contains(r.Body, `name="pipeline"`) || !strings.Contains(r.Body, "basic") {
		t.Error("pipeline field missing from multipart body")
	}
	if !strings.Contains(r.Body, `filename="a.pdf"`) || !strings.Contains(r.Body, "%PDF-1.4") {
		t.Error("file part missing from multipart body")
	}
}

func TestUploadFile_QuotaExceeded(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/documents": {status: 429, body: `{"error":{"message":"monthly document_upload limit reached","type":"quota_exceeded"}}`},
	})

	_, err := uploadFile(ctx, ts.client(), "a.txt", []byte("x"), "")
	var ae *apiError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if ae.Status != 429 || ae.Type != "quota_exceeded" {
		t.Errorf("apiError = %+v", ae)
	}
}

func TestGetDocument(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /v1/documents/doc-1": {body: `{"id":"doc-1","status":"failed","stage":"analysis","last_successful_stage":"ocr","progress":50,"error":{"kind":"timeout","message":"analysis timed out"}}`},
	})

	doc, err := getDocument(ctx, ts.client(), "doc-1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/v1/documents/doc-1?include=text" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	printDocument(&out, doc)
	for _, want := range []string{"failed at analysis", "Last stage: ocr", "timeout: analysis timed out"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := getDocument(ctx, ts.client(), "missing", false)
	if err == nil || !strings.Contains(err.Error(), "document not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func sseBody(events ...string) string {
	var b strings.Builder
	for i, e := range events {
		fmt.Fprintf(&b, "id: %d\nevent: progress\ndata: %s\n\n", i+1, e)
	}
	return b.String()
}

func TestWatchDocument_Completed(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /v1/documents/doc-1/events": {body: ": keepalive\n\n" + sseBody(
			`{"document_id":"doc-1","stage":"upload","status":"pending","progress":20}`,
			`{"document_id":"doc-1","stage":"ocr","status":"processing","progress":35}`,
			`{"document_id":"doc-1","stage":"completed","status":"completed","progress":100,"terminal":true}`,
		)},
	})

	var out bytes.Buffer
	if err := watchDocument(ctx, ts.client(), "doc-1", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 3 {
		t.Errorf("printed %d progress lines, want 3:\n%s", n, out.String())
	}
}

func TestWatchDocument_Failed(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /v1/documents/doc-1/events": {body: sseBody(
			`{"document_id":"doc-1","stage":"ocr","status":"failed","progress":20,"terminal":true,"error_kind":"extraction_failed","error":"no text"}`,
		)},
	})

	err := watchDocument(ctx, ts.client(), "doc-1", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "extraction_failed") {
		t.Fatalf("err = %v, want extraction_failed", err)
	}
}

func TestWatchDocument_StreamEndsEarly(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /v1/documents/doc-1/events": {body: sseBody(`{"document_id":"doc-1","stage":"ocr","status":"processing","progress":35}`)},
	})
	if err := watchDocument(ctx, ts.client(), "doc-1", io.Discard); err == nil {
		t.Fatal("expected error when the stream ends without a terminal event")
	}
}

func TestSearchDocuments(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /v1/search": {body: `{"query":"acme","mode":"combined","results":[{"document_id":"d1","filename":"a.pdf","rank":1,"matched_by":["lexical","semantic"]}]}`},
	})

	params := url.Values{}
	params.Set("q", "acme invoice")
	params.Set("mode", "lexical")
	results, err := searchDocuments(ctx, ts.client(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || len(results[0].MatchedBy) != 2 {
		t.Errorf("results = %+v", results)
	}
	q, _ := url.ParseQuery(strings.SplitN(ts.requests[0].Path, "?", 2)[1])
	if q.Get("q") != "acme invoice" || q.Get("mode") != "lexical" {
		t.Errorf("query = %v", q)
	}
}

func TestPrintUsage(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	printUsage(&out, quota.Usage{Tier: "free", Limit: 10, Current: 8, Remaining: 2, Percentage: 80, MaxFileSize: 10 << 20})
	for _, want := range []string{"Tier: free", "8 of 10", "Remaining: 2", "10 MB"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	printUsage(&out, quota.Usage{Tier: "enterprise", Limit: quota.Unlimited, Current: 3})
	if !strings.Contains(out.String(), "unlimited") {
		t.Errorf("unlimited tier output:\n%s", out.String())
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{0, "[....................]"},
		{50, "[##########..........]"},
		{100, "[####################]"},
		{150, "[####################]"},
	}
	for _, tt := range tests {
		if got := progressBar(tt.pct); got != tt.want {
			t.Errorf("progressBar(%v) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "test"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "test"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestCommandArgs(t *testing.T) {
	for _, args := range [][]string{{"upload"}, {"status"}, {"watch"}, {"search"}, {"delete"}, {"tier", "set", "alice"}} {
		rootCmd.SetArgs(args)
		rootCmd.SetOut(io.Discard)
		rootCmd.SetErr(io.Discard)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: expected argument error", args)
		}
	}
	rootCmd.SetArgs(nil)
}

func TestParseLogLevel(t *testing.T) {
	if parseLogLevel("DEBUG").String() != "DEBUG" || parseLogLevel("bogus").String() != "INFO" {
		t.Error("unexpected log level parsing")
	}
}
