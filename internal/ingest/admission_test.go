package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/docket/internal/blob"
	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/storage"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	deletes int
	putErr  error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, ownerID string, obj blob.Object) (blob.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return blob.Ref{}, m.putErr
	}
	loc := "mem://" + ownerID + "/" + obj.DocumentID
	m.objects[loc] = obj.Data
	return blob.Ref{Locator: loc, Size: int64(len(obj.Data)), Checksum: "sum"}, nil
}

func (m *memBlobs) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[locator]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Delete(_ context.Context, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.objects, locator)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e broadcast.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type failingCreator struct{}

func (failingCreator) CreateDocument(context.Context, storage.Document, *storage.Job) error {
	return errors.New("disk full")
}

func testCatalog(maxSize int64) quota.Catalog {
	return quota.Catalog{
		Default: "free",
		Tiers: map[string]quota.Tier{
			"free": {Name: "free", Limits: map[quota.Resource]int64{quota.DocumentUpload: 10}, MaxFileSize: maxSize},
		},
	}
}

type admissionFixture struct {
	store *storage.Store
	blobs *memBlobs
	pub   *recordingPublisher
	adm   *Admission
}

func newAdmission(t *testing.T, maxSize int64) *admissionFixture {
	t.Helper()
	store := openTestStore(t)
	cat := testCatalog(maxSize)
	ledger := quota.NewLedger(store, quota.NewStoreTiers(store, cat, 0, 0), cat.DefaultTier(), time.Second)
	f := &admissionFixture{store: store, blobs: newMemBlobs(), pub: &recordingPublisher{}}
	f.adm = NewAdmission(ledger, f.blobs, store, f.pub)
	return f
}

func (f *admissionFixture) setUsage(t *testing.T, owner string, n int64) {
	t.Helper()
	if _, err := f.store.IncrementUsage(context.Background(), owner, string(quota.DocumentUpload),
		quota.PeriodStart(time.Now()), n, -1); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
}

func upload(name string, data []byte) Upload {
	return Upload{OwnerID: "alice", Filename: name, ContentType: "application/octet-stream", Data: data}
}

func TestSubmit_Admits(t *testing.T) {
	f := newAdmission(t, 10<<20)
	ctx := context.Background()

	res, err := f.adm.Submit(ctx, upload("contract.pdf", []byte("%PDF-1.4 contract")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	doc := res.Document
	if doc.ID == "" || doc.Status != storage.StatusPending || doc.Progress != UploadProgress {
		t.Errorf("document = %+v", doc)
	}
	if doc.ContentType != "application/pdf" {
		t.Errorf("content type = %q, want application/pdf", doc.ContentType)
	}

	stored, err := f.store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if stored.Locator != doc.Locator || stored.Variant != storage.VariantFull {
		t.Errorf("stored = %+v", stored)
	}

	job, err := f.store.ClaimNextJob(ctx, []string{JobProcessDocument})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v; want the document's job", job, err)
	}
	if job.MaxAttempts != 1 {
		t.Errorf("job max attempts = %d, want 1", job.MaxAttempts)
	}

	n, _ := f.store.UsageCount(ctx, "alice", string(quota.DocumentUpload), quota.PeriodStart(time.Now()))
	if n != 1 {
		t.Errorf("usage = %d, want 1", n)
	}
	if res.Usage.Current != 1 || res.Usage.Remaining != 9 {
		t.Errorf("usage = %+v, want current 1 remaining 9", res.Usage)
	}

	if len(f.pub.events) != 1 || f.pub.events[0].Stage != "upload" || f.pub.events[0].Progress != 20 {
		t.Errorf("events = %+v, want one upload event at 20", f.pub.events)
	}
}

func TestSubmit_QuotaExhaustedHasNoSideEffects(t *testing.T) {
	f := newAdmission(t, 10<<20)
	f.setUsage(t, "alice", 10)

	_, err := f.adm.Submit(context.Background(), upload("contract.pdf", []byte("data")))
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want *QuotaExceededError", err)
	}
	if qe.Usage.Current != 10 || qe.Usage.Limit != 10 || qe.Usage.Allowed {
		t.Errorf("usage = %+v", qe.Usage)
	}
	if f.blobs.puts != 0 {
		t.Errorf("blob puts = %d, want 0", f.blobs.puts)
	}
	docs, _ := f.store.ListDocuments(context.Background(), "alice", 10)
	if len(docs) != 0 {
		t.Errorf("documents = %d, want 0", len(docs))
	}
	n, _ := f.store.UsageCount(context.Background(), "alice", string(quota.DocumentUpload), quota.PeriodStart(time.Now()))
	if n != 10 {
		t.Errorf("usage = %d, want unchanged 10", n)
	}
}

func TestSubmit_WarningPropagated(t *testing.T) {
	f := newAdmission(t, 10<<20)
	f.setUsage(t, "alice", 8)

	res, err := f.adm.Submit(context.Background(), upload("a.txt", []byte("hello")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Usage.Warning {
		t.Errorf("usage = %+v, want warning", res.Usage)
	}
}

func TestSubmit_FileTooLarge(t *testing.T) {
	f := newAdmission(t, 8)
	_, err := f.adm.Submit(context.Background(), upload("big.txt", []byte("more than eight bytes")))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	if f.blobs.puts != 0 {
		t.Error("oversized file was stored")
	}
}

func TestSubmit_InvalidUploads(t *testing.T) {
	f := newAdmission(t, 10<<20)
	tests := map[string]Upload{
		"no filename": upload("  ", []byte("x")),
		"no content":  upload("a.txt", nil),
		"bad variant": {OwnerID: "alice", Filename: "a.txt", Data: []byte("x"), Variant: "turbo"},
	}
	for name, u := range tests {
		if _, err := f.adm.Submit(context.Background(), u); !errors.Is(err, ErrInvalidUpload) {
			t.Errorf("%s: err = %v, want ErrInvalidUpload", name, err)
		}
	}
}

func TestSubmit_EmptyFileIsAdmitted(t *testing.T) {
	f := newAdmission(t, 10<<20)
	res, err := f.adm.Submit(context.Background(), upload("empty.pdf", []byte{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Document.FileSize != 0 {
		t.Errorf("size = %d, want 0", res.Document.FileSize)
	}
}

func TestSubmit_CancelledBeforeStorage(t *testing.T) {
	f := newAdmission(t, 10<<20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.adm.Submit(ctx, upload("a.txt", []byte("x"))); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if f.blobs.puts != 0 {
		t.Error("cancelled upload was stored")
	}
}

func TestSubmit_BlobFailure(t *testing.T) {
	f := newAdmission(t, 10<<20)
	f.blobs.putErr = errors.New("bucket unreachable")

	if _, err := f.adm.Submit(context.Background(), upload("a.txt", []byte("x"))); !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	n, _ := f.store.UsageCount(context.Background(), "alice", string(quota.DocumentUpload), quota.PeriodStart(time.Now()))
	if n != 0 {
		t.Errorf("usage = %d, want 0 after failed storage", n)
	}
}

func TestSubmit_DocumentFailureRemovesBlob(t *testing.T) {
	store := openTestStore(t)
	cat := testCatalog(10 << 20)
	ledger := quota.NewLedger(store, quota.NewStoreTiers(store, cat, 0, 0), cat.DefaultTier(), time.Second)
	blobs := newMemBlobs()
	adm := NewAdmission(ledger, blobs, failingCreator{}, nil)

	if _, err := adm.Submit(context.Background(), upload("a.txt", []byte("x"))); !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if blobs.deletes != 1 || len(blobs.objects) != 0 {
		t.Errorf("deletes = %d, objects = %d; want blob removed", blobs.deletes, len(blobs.objects))
	}
}
