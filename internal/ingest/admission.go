// Package ingest admits uploads under quota and runs their pipelines from
// the job queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docket/internal/blob"
	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/metrics"
	"github.com/kalambet/docket/internal/pipeline"
	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/stage"
	"github.com/kalambet/docket/internal/storage"
)

// JobProcessDocument is the job type that runs a document's pipeline.
const JobProcessDocument = "process_document"

// UploadProgress is the overall progress of a stored, not yet processed upload.
const UploadProgress = pipeline.UploadWeight

const maxFilenameLen = 255

var (
	// ErrInvalidUpload is returned for a missing filename or content.
	ErrInvalidUpload = errors.New("invalid upload")
	// ErrFileTooLarge is returned when the file exceeds the tier's size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrStorage is returned when the upload could not be stored durably.
	ErrStorage = errors.New("storage error")
)

// QuotaExceededError is returned when the owner has no uploads left this
// period. Nothing was stored.
type QuotaExceededError struct {
	Usage quota.Usage
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("upload quota exceeded: %d of %d used on tier %s", e.Usage.Current, e.Usage.Limit, e.Usage.Tier)
}

// Limiter gates uploads. Implemented by *quota.Ledger.
type Limiter interface {
	CheckLimit(ctx context.Context, ownerID string, resource quota.Resource) (quota.Usage, error)
	Increment(ctx context.Context, ownerID string, resource quota.Resource, amount int64) error
}

// DocumentCreator records a new document with its processing job.
// Implemented by *storage.Store.
type DocumentCreator interface {
	CreateDocument(ctx context.Context, d storage.Document, job *storage.Job) error
}

// Upload is one submitted file.
type Upload struct {
	OwnerID     string
	Filename    string
	ContentType string
	Data        []byte
	Variant     storage.Variant
}

// Admitted is the outcome of an accepted upload.
type Admitted struct {
	Document storage.Document `json:"-"`
	Usage    quota.Usage      `json:"usage"`
}

// Admission is the upload use case: quota check, durable storage, document
// creation and usage accounting.
type Admission struct {
	limiter Limiter
	blobs   blob.Store
	docs    DocumentCreator
	pub     broadcast.Publisher
	logger  *slog.Logger
}

// NewAdmission creates an Admission. pub may be nil.
func NewAdmission(limiter Limiter, blobs blob.Store, docs DocumentCreator, pub broadcast.Publisher) *Admission {
	return &Admission{
		limiter: limiter,
		blobs:   blobs,
		docs:    docs,
		pub:     pub,
		logger:  slog.Default().With("component", "ingest"),
	}
}

// Submit admits u. Rejections (invalid input, quota, size, a cancelled
// ctx) happen before anything is stored. Once storage begins the work is
// detached from ctx so a client going away cannot strand a half-stored
// upload.
func (a *Admission) Submit(ctx context.Context, u Upload) (Admitted, error) {
	u.Filename = strings.TrimSpace(filepath.Base(u.Filename))
	if u.Filename == "" || u.Filename == "." || u.Filename == string(filepath.Separator) {
		return Admitted{}, fmt.Errorf("%w: filename is required", ErrInvalidUpload)
	}
	if len(u.Filename) > maxFilenameLen {
		return Admitted{}, fmt.Errorf("%w: filename longer than %d bytes", ErrInvalidUpload, maxFilenameLen)
	}
	if u.Data == nil {
		return Admitted{}, fmt.Errorf("%w: file content is required", ErrInvalidUpload)
	}
	if u.Variant == "" {
		u.Variant = storage.VariantFull
	}
	if !u.Variant.Valid() {
		return Admitted{}, fmt.Errorf("%w: unknown pipeline %q", ErrInvalidUpload, u.Variant)
	}

	usage, err := a.limiter.CheckLimit(ctx, u.OwnerID, quota.DocumentUpload)
	if err != nil {
		return Admitted{}, err
	}
	if !usage.Allowed {
		metrics.Admissions.WithLabelValues("quota_exceeded").Inc()
		return Admitted{}, &QuotaExceededError{Usage: usage}
	}
	if usage.MaxFileSize > 0 && int64(len(u.Data)) > usage.MaxFileSize {
		metrics.Admissions.WithLabelValues("too_large").Inc()
		return Admitted{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit of tier %s",
			ErrFileTooLarge, len(u.Data), usage.MaxFileSize, usage.Tier)
	}
	if err := ctx.Err(); err != nil {
		return Admitted{}, err
	}

	ctx = context.WithoutCancel(ctx)
	doc, err := a.store(ctx, u)
	if err != nil {
		metrics.Admissions.WithLabelValues("storage_error").Inc()
		return Admitted{}, err
	}

	outcome := "allowed"
	if usage.Degraded {
		outcome = "degraded"
	}
	metrics.Admissions.WithLabelValues(outcome).Inc()

	a.publish(ctx, doc)
	if err := a.limiter.Increment(ctx, u.OwnerID, quota.DocumentUpload, 1); err != nil {
		a.logger.Warn("upload admitted but not counted", "document", doc.ID, "owner", u.OwnerID, "error", err)
	} else if usage.Limit >= 0 {
		usage.Current++
		usage.Remaining = max(usage.Limit-usage.Current, 0)
	}

	a.logger.Info("upload admitted", "document", doc.ID, "owner", u.OwnerID,
		"filename", doc.Filename, "size", doc.FileSize, "variant", doc.Variant, "warning", usage.Warning)
	return Admitted{Document: doc, Usage: usage}, nil
}

// store writes the blob, then the document and its job together. A failed
// insert removes the blob again.
func (a *Admission) store(ctx context.Context, u Upload) (storage.Document, error) {
	id := uuid.NewString()
	contentType := stage.DetectContentType(u.ContentType, u.Filename, u.Data)

	ref, err := a.blobs.Put(ctx, u.OwnerID, blob.Object{
		DocumentID:  id,
		Filename:    u.Filename,
		ContentType: contentType,
		Data:        u.Data,
	})
	if err != nil {
		return storage.Document{}, fmt.Errorf("%w: storing upload: %v", ErrStorage, err)
	}

	payload, err := json.Marshal(jobPayload{DocumentID: id})
	if err != nil {
		return storage.Document{}, err
	}
	doc := storage.Document{
		ID:          id,
		OwnerID:     u.OwnerID,
		Filename:    u.Filename,
		ContentType: contentType,
		FileSize:    ref.Size,
		Locator:     ref.Locator,
		Checksum:    ref.Checksum,
		Variant:     u.Variant,
		Status:      storage.StatusPending,
		Progress:    UploadProgress,
		CreatedAt:   time.Now().UTC(),
	}
	job := &storage.Job{
		ID:          uuid.NewString(),
		Type:        JobProcessDocument,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := a.docs.CreateDocument(ctx, doc, job); err != nil {
		if derr := a.blobs.Delete(ctx, ref.Locator); derr != nil {
			a.logger.Error("removing orphaned upload", "locator", ref.Locator, "error", derr)
		}
		return storage.Document{}, fmt.Errorf("%w: recording document: %v", ErrStorage, err)
	}
	doc.UpdatedAt = doc.CreatedAt
	return doc, nil
}

func (a *Admission) publish(ctx context.Context, doc storage.Document) {
	if a.pub == nil {
		return
	}
	err := a.pub.Publish(ctx, broadcast.Event{
		DocumentID: doc.ID,
		Stage:      "upload",
		Status:     string(storage.StatusPending),
		Progress:   UploadProgress,
		Message:    "upload stored",
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("publishing upload event", "document", doc.ID, "error", err)
	}
}

type jobPayload struct {
	DocumentID string `json:"document_id"`
}
