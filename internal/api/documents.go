package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docket/internal/blob"
	"github.com/kalambet/docket/internal/ingest"
	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/storage"
)

// DocumentView is the API representation of a document.
type DocumentView struct {
	ID                  string          `json:"id"`
	Filename            string          `json:"filename"`
	ContentType         string          `json:"content_type"`
	FileSize            int64           `json:"file_size"`
	Pipeline            string          `json:"pipeline"`
	Status              string          `json:"status"`
	Stage               string          `json:"stage,omitempty"`
	LastSuccessfulStage string          `json:"last_successful_stage,omitempty"`
	Progress            float64         `json:"progress"`
	TextQuality         *float64        `json:"text_quality,omitempty"`
	DocumentType        string          `json:"document_type,omitempty"`
	Analysis            json.RawMessage `json:"analysis,omitempty"`
	ExtractedText       string          `json:"extracted_text,omitempty"`
	Error               *DocumentError  `json:"error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// DocumentError describes why processing stopped.
type DocumentError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewDocumentView converts d. Extracted text is included only on request.
func NewDocumentView(d storage.Document, withText bool) DocumentView {
	v := DocumentView{
		ID:                  d.ID,
		Filename:            d.Filename,
		ContentType:         d.ContentType,
		FileSize:            d.FileSize,
		Pipeline:            string(d.Variant),
		Status:              string(d.Status),
		Stage:               string(d.Stage),
		LastSuccessfulStage: string(d.LastSuccessfulStage()),
		Progress:            d.Progress,
		DocumentType:        d.DocumentType,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
	if d.HasText {
		q := d.TextQuality
		v.TextQuality = &q
		if withText {
			v.ExtractedText = d.ExtractedText
		}
	}
	if d.AnalysisJSON != "" && json.Valid([]byte(d.AnalysisJSON)) {
		v.Analysis = json.RawMessage(d.AnalysisJSON)
	}
	if d.Status == storage.StatusFailed {
		v.Error = &DocumentError{Kind: d.ErrorKind, Message: d.ErrorMessage}
	}
	if !d.CompletedAt.IsZero() {
		t := d.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

type uploadResponse struct {
	Document DocumentView `json:"document"`
	Usage    quota.Usage  `json:"usage"`
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadSize+multipartOverhead)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				httpError(w, http.StatusRequestEntityTooLarge, "file_too_large", "request body exceeds %d bytes", mbe.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
			return
		}

		variant := storage.VariantFull
		if p := r.FormValue("pipeline"); p != "" {
			variant = storage.Variant(p)
		}

		res, err := deps.Admission.Submit(r.Context(), ingest.Upload{
			OwnerID:     ownerFrom(r.Context()),
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
			Variant:     variant,
		})
		if err != nil {
			writeAdmissionError(w, err)
			return
		}

		if res.Usage.Warning {
			w.Header().Set("X-Quota-Warning", "true")
		}
		writeJSON(w, http.StatusAccepted, uploadResponse{
			Document: NewDocumentView(res.Document, false),
			Usage:    res.Usage,
		})
	}
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	var qe *ingest.QuotaExceededError
	switch {
	case errors.As(err, &qe):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": apiError{Message: qe.Error(), Type: "quota_exceeded", Usage: &qe.Usage},
		})
	case errors.Is(err, ingest.ErrFileTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "file_too_large", "%v", err)
	case errors.Is(err, ingest.ErrInvalidUpload):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, ingest.ErrStorage):
		httpError(w, http.StatusInternalServerError, "storage_error", "failed to store upload")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusServiceUnavailable, "api_error", "request cancelled before the upload was stored")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "upload failed: %v", err)
	}
}

// ownedDocument loads the {id} document, answering 404 when it does not
// exist or belongs to another owner.
func ownedDocument(deps Deps, w http.ResponseWriter, r *http.Request) (storage.Document, bool) {
	id := chi.URLParam(r, "id")
	doc, err := deps.Documents.GetDocument(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && doc.OwnerID != ownerFrom(r.Context())) {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return storage.Document{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
		return storage.Document{}, false
	}
	return doc, true
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := ownedDocument(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, NewDocumentView(doc, r.URL.Query().Get("include") == "text"))
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		docs, err := deps.Documents.ListDocuments(r.Context(), ownerFrom(r.Context()), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		views := make([]DocumentView, len(docs))
		for i, d := range docs {
			views[i] = NewDocumentView(d, false)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := ownedDocument(deps, w, r)
		if !ok {
			return
		}
		if doc.Status == storage.StatusProcessing {
			httpError(w, http.StatusConflict, "conflict", "document is being processed")
			return
		}

		deleted, err := deps.Documents.DeleteDocument(r.Context(), doc.ID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		if deps.Blobs != nil {
			if err := deps.Blobs.Delete(r.Context(), deleted.Locator); err != nil && !errors.Is(err, blob.ErrNotFound) {
				deps.Logger.Warn("document deleted but blob remains", "document", deleted.ID, "locator", deleted.Locator, "error", err)
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
