// Package api exposes docket over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/ingest"
	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/search"
	"github.com/kalambet/docket/internal/storage"
)

const defaultMaxUpload = 100 << 20

// multipartOverhead is allowed on top of the file size for form framing.
const multipartOverhead = 1 << 20

// Submitter admits uploads. Implemented by *ingest.Admission.
type Submitter interface {
	Submit(ctx context.Context, u ingest.Upload) (ingest.Admitted, error)
}

// DocumentStore reads and deletes documents. Implemented by *storage.Store.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	ListDocuments(ctx context.Context, ownerID string, limit int) ([]storage.Document, error)
	DeleteDocument(ctx context.Context, id string) (storage.Document, error)
}

// BlobDeleter releases stored uploads.
type BlobDeleter interface {
	Delete(ctx context.Context, locator string) error
}

// Searcher answers search queries. Implemented by *search.Engine.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
}

// UsageChecker reports quota usage. Implemented by *quota.Ledger.
type UsageChecker interface {
	CheckLimit(ctx context.Context, ownerID string, resource quota.Resource) (quota.Usage, error)
}

// Deps holds the HTTP API's dependencies.
type Deps struct {
	Admission Submitter
	Documents DocumentStore
	Blobs     BlobDeleter
	Search    Searcher
	Usage     UsageChecker
	Events    broadcast.Subscriber
	Token     string

	// MaxUploadSize bounds request bodies before tier limits apply.
	MaxUploadSize int64
	// Heartbeat is the idle interval between SSE keepalive comments.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// NewHandler returns the root HTTP handler. /health and /metrics are open;
// /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = defaultMaxUpload
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(Owner)

		r.Post("/documents", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/documents/{id}/events", handleEvents(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/usage", handleUsage(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Message string       `json:"message"`
	Type    string       `json:"type"`
	Usage   *quota.Usage `json:"usage,omitempty"`
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": apiError{Message: fmt.Sprintf(format, args...), Type: errType},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
