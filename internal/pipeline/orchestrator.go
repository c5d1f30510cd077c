// Package pipeline drives a document through its stage executors, keeping
// the persisted document and live observers in step with actual progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/metrics"
	"github.com/kalambet/docket/internal/stage"
	"github.com/kalambet/docket/internal/storage"
)

// ErrAlreadyActive is returned by Process when the document is already
// being processed, or is no longer pending.
var ErrAlreadyActive = errors.New("pipeline already active for document")

// DefaultStageTimeout bounds each executor when no timeout is configured.
const DefaultStageTimeout = 5 * time.Minute

// InterruptedMessage is recorded on documents failed by Reconcile.
const InterruptedMessage = "processing interrupted"

// Store is the document persistence the orchestrator needs. Implemented by
// *storage.Store.
type Store interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	ClaimDocument(ctx context.Context, id string, stage storage.Stage, progress float64) error
	SetStage(ctx context.Context, id string, stage storage.Stage, progress float64) error
	SetProgress(ctx context.Context, id string, progress float64) error
	SaveExtraction(ctx context.Context, id, text string, quality float64) error
	SaveAnalysis(ctx context.Context, id, documentType, analysisJSON string) error
	CompleteDocument(ctx context.Context, id string, c storage.Completion) error
	FailDocument(ctx context.Context, id string, f storage.Failure) error
	ReconcileInterrupted(ctx context.Context, message string) (int64, error)
}

// BlobOpener reads stored uploads. Implemented by the blob stores.
type BlobOpener interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Config tunes the orchestrator.
type Config struct {
	StageTimeout time.Duration
}

// Orchestrator runs pipelines. At most one run per document is active.
type Orchestrator struct {
	store  Store
	blobs  BlobOpener
	pub    broadcast.Publisher
	plans  map[storage.Variant]Plan
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an Orchestrator. Every plan is validated; pub may be nil.
func New(store Store, blobs BlobOpener, pub broadcast.Publisher, cfg Config, plans ...Plan) (*Orchestrator, error) {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	byVariant := make(map[storage.Variant]Plan, len(plans))
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		byVariant[p.Variant] = p
	}
	return &Orchestrator{
		store:  store,
		blobs:  blobs,
		pub:    pub,
		plans:  byVariant,
		cfg:    cfg,
		logger: slog.Default().With("component", "pipeline"),
		now:    time.Now,
		active: make(map[string]struct{}),
	}, nil
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[id]; ok {
		return false
	}
	o.active[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// Active reports whether a run for id is in progress in this process.
func (o *Orchestrator) Active(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

// Process runs the document's pipeline to a terminal state. The run is
// detached from ctx's cancellation: once started it finishes, bounded only
// by the per-stage timeout. A stage failure is recorded on the document,
// published, and returned.
func (o *Orchestrator) Process(ctx context.Context, documentID string) error {
	if !o.acquire(documentID) {
		return ErrAlreadyActive
	}
	defer o.release(documentID)
	ctx = context.WithoutCancel(ctx)

	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}
	if doc.Status != storage.StatusPending {
		return ErrAlreadyActive
	}

	plan, ok := o.plans[doc.Variant]
	if !ok {
		msg := fmt.Sprintf("no pipeline configured for variant %q", doc.Variant)
		if err := o.store.FailDocument(ctx, documentID, storage.Failure{Stage: storage.StageOCR, Kind: "internal", Message: msg, Progress: UploadWeight}); err != nil {
			o.logger.Error("failing unroutable document", "document", documentID, "error", err)
		}
		o.publish(ctx, broadcast.Event{DocumentID: documentID, Stage: string(storage.StageOCR), Status: string(storage.StatusFailed),
			Progress: UploadWeight, Error: msg, ErrorKind: "internal", Terminal: true})
		return errors.New(msg)
	}

	first := plan.Steps[0]
	if err := o.store.ClaimDocument(ctx, documentID, first.Stage, UploadWeight); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrAlreadyActive
		}
		return fmt.Errorf("claiming document %s: %w", documentID, err)
	}

	metrics.PipelinesActive.Inc()
	defer metrics.PipelinesActive.Dec()

	r := &run{
		o:         o,
		doc:       doc,
		plan:      plan,
		lifecycle: NewLifecycle(StateUploading),
		progress:  UploadWeight,
		persisted: UploadWeight,
		logger:    o.logger.With("document", documentID, "variant", doc.Variant),
	}
	return r.execute(ctx)
}

// Reconcile fails documents left processing by a previous process, so none
// stays in flight forever after a crash. Call it before workers start.
func (o *Orchestrator) Reconcile(ctx context.Context) (int64, error) {
	n, err := o.store.ReconcileInterrupted(ctx, InterruptedMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Warn("failed documents interrupted by restart", "count", n)
	}
	return n, nil
}

func (o *Orchestrator) publish(ctx context.Context, e broadcast.Event) {
	if o.pub == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now().UTC()
	}
	if err := o.pub.Publish(ctx, e); err != nil {
		o.logger.Warn("publishing progress event", "document", e.DocumentID, "stage", e.Stage, "error", err)
	}
}

// run is the state of one pipeline execution.
type run struct {
	o         *Orchestrator
	doc       storage.Document
	plan      Plan
	lifecycle *Lifecycle
	logger    *slog.Logger

	mu        sync.Mutex
	stage     storage.Stage
	progress  float64
	persisted float64

	// emitMu is held from reading progress until Publish returns, so events
	// leave in the order their values were set even when executors report
	// from several goroutines. done is set once the terminal event is out.
	emitMu sync.Mutex
	done   bool
}

func (r *run) execute(ctx context.Context) error {
	start := r.o.now()
	work := &stage.Work{
		DocumentID:  r.doc.ID,
		Filename:    r.doc.Filename,
		ContentType: r.doc.ContentType,
	}

	r.logger.Info("pipeline started")
	r.publish(ctx, r.plan.Steps[0].Stage, "processing started")

	data, err := r.load(ctx)
	if err != nil {
		return r.fail(ctx, r.plan.Steps[0].Stage, &stage.Error{Stage: stage.OCRName, Kind: stage.ErrStorage, Err: err})
	}
	work.Data = data

	base := UploadWeight
	for i, step := range r.plan.Steps {
		if err := r.lifecycle.Transition(step.State); err != nil {
			return r.fail(ctx, step.Stage, err)
		}
		r.setStage(step.Stage)
		if i > 0 {
			if err := r.o.store.SetStage(ctx, r.doc.ID, step.Stage, r.current()); err != nil {
				return r.fail(ctx, step.Stage, storageErr(step.Stage, err))
			}
			r.publish(ctx, step.Stage, string(step.Stage)+" started")
		}

		share := step.Weight / float64(len(step.Executors))
		for j, ex := range step.Executors {
			if err := r.runExecutor(ctx, step, ex, base+share*float64(j), share, work); err != nil {
				return r.fail(ctx, step.Stage, err)
			}
		}

		if err := r.persistOutput(ctx, step.Stage, work); err != nil {
			return r.fail(ctx, step.Stage, err)
		}
		base += step.Weight
		r.advance(ctx, base, string(step.Stage)+" complete")
	}

	if err := r.complete(ctx, work); err != nil {
		return r.fail(ctx, r.currentStage(), err)
	}
	metrics.PipelineRuns.WithLabelValues(string(r.doc.Variant), "completed").Inc()
	r.logger.Info("pipeline completed", "duration", r.o.now().Sub(start))
	return nil
}

func (r *run) load(ctx context.Context) ([]byte, error) {
	if r.o.blobs == nil {
		return nil, errors.New("no blob store configured")
	}
	rc, err := r.o.blobs.Open(ctx, r.doc.Locator)
	if err != nil {
		return nil, fmt.Errorf("opening upload: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	return data, nil
}

func (r *run) runExecutor(ctx context.Context, step Step, ex stage.Executor, offset, share float64, work *stage.Work) error {
	stageCtx, cancel := context.WithTimeout(ctx, r.o.cfg.StageTimeout)
	defer cancel()

	started := time.Now()
	err := ex.Run(stageCtx, work, func(fraction float64, msg string) {
		fraction = min(max(fraction, 0), 1)
		r.report(ctx, step.Stage, offset+share*fraction, msg)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, stage.ErrTimeout) {
			err = &stage.Error{Stage: ex.Name(), Kind: stage.ErrTimeout, Err: fmt.Errorf("after %s: %w", r.o.cfg.StageTimeout, err)}
		}
	}
	metrics.StageDuration.WithLabelValues(ex.Name(), outcome).Observe(time.Since(started).Seconds())
	if err != nil {
		return err
	}
	r.logger.Debug("executor finished", "executor", ex.Name(), "duration", time.Since(started))
	return nil
}

func (r *run) persistOutput(ctx context.Context, st storage.Stage, work *stage.Work) error {
	switch st {
	case storage.StageOCR:
		if work.Extraction == nil {
			return &stage.Error{Stage: stage.OCRName, Kind: stage.ErrExtractionFailed, Err: errors.New("no extraction produced")}
		}
		if err := r.o.store.SaveExtraction(ctx, r.doc.ID, work.Extraction.Text, work.Extraction.Quality); err != nil {
			return storageErr(st, err)
		}
	case storage.StageAnalysis:
		result, err := work.ResultJSON()
		if err != nil {
			return &stage.Error{Stage: stage.AnalysisName, Kind: stage.ErrModelError, Err: err}
		}
		if err := r.o.store.SaveAnalysis(ctx, r.doc.ID, work.Analysis.DocumentType, string(result)); err != nil {
			return storageErr(st, err)
		}
	}
	return nil
}

func (r *run) complete(ctx context.Context, work *stage.Work) error {
	if err := r.lifecycle.Transition(StateCompleted); err != nil {
		return err
	}
	c := storage.Completion{Progress: 100}
	if r.plan.indexes() && work.Embedding != nil {
		c.Embedding = work.Embedding.Vector
		c.Chunks = make([]storage.Chunk, len(work.Embedding.Chunks))
		for i, ch := range work.Embedding.Chunks {
			c.Chunks[i] = storage.Chunk{
				ID:         uuid.NewString(),
				DocumentID: r.doc.ID,
				OwnerID:    r.doc.OwnerID,
				Index:      ch.Index,
				Start:      ch.Start,
				End:        ch.End,
				Text:       ch.Text,
				Embedding:  ch.Vector,
			}
		}
	}
	if err := r.o.store.CompleteDocument(ctx, r.doc.ID, c); err != nil {
		return storageErr(r.currentStage(), err)
	}

	r.mu.Lock()
	r.progress = 100
	r.mu.Unlock()
	r.emitTerminal(ctx, broadcast.Event{
		DocumentID: r.doc.ID,
		Stage:      "completed",
		Status:     string(storage.StatusCompleted),
		Progress:   100,
		Message:    "processing complete",
		Terminal:   true,
	})
	return nil
}

// fail records err on the document and emits the single terminal event.
func (r *run) fail(ctx context.Context, st storage.Stage, err error) error {
	if terr := r.lifecycle.Transition(StateFailed); terr != nil {
		r.logger.Error("lifecycle refused failure transition", "error", terr)
	}
	kind := stage.KindName(err)
	progress := r.current()

	if serr := r.o.store.FailDocument(ctx, r.doc.ID, storage.Failure{
		Stage:    st,
		Kind:     kind,
		Message:  err.Error(),
		Progress: progress,
	}); serr != nil {
		r.logger.Error("recording pipeline failure", "stage", st, "error", serr)
	}

	r.emitTerminal(ctx, broadcast.Event{
		DocumentID: r.doc.ID,
		Stage:      string(st),
		Status:     string(storage.StatusFailed),
		Progress:   progress,
		Message:    string(st) + " failed",
		Error:      err.Error(),
		ErrorKind:  kind,
		Terminal:   true,
	})
	metrics.PipelineRuns.WithLabelValues(string(r.doc.Variant), "failed").Inc()
	r.logger.Warn("pipeline failed", "stage", st, "kind", kind, "error", err)
	return fmt.Errorf("processing document %s: %w", r.doc.ID, err)
}

// report raises progress to p if it is higher, publishing the change and
// persisting it once per whole percent.
func (r *run) report(ctx context.Context, st storage.Stage, p float64, msg string) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.done {
		return
	}

	r.mu.Lock()
	if p <= r.progress {
		r.mu.Unlock()
		return
	}
	r.progress = p
	persist := int(p) > int(r.persisted)
	if persist {
		r.persisted = p
	}
	r.mu.Unlock()

	if persist {
		if err := r.o.store.SetProgress(ctx, r.doc.ID, p); err != nil {
			r.logger.Debug("persisting progress", "error", err)
		}
	}
	r.send(ctx, st, p, msg)
}

// advance moves progress to a step boundary and always persists it.
func (r *run) advance(ctx context.Context, p float64, msg string) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.done {
		return
	}

	r.mu.Lock()
	r.progress = max(r.progress, p)
	r.persisted = r.progress
	p = r.progress
	st := r.stage
	r.mu.Unlock()

	if err := r.o.store.SetProgress(ctx, r.doc.ID, p); err != nil {
		r.logger.Debug("persisting progress", "error", err)
	}
	r.send(ctx, st, p, msg)
}

// publish emits a processing event at the current progress.
func (r *run) publish(ctx context.Context, st storage.Stage, msg string) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.done {
		return
	}
	r.send(ctx, st, r.current(), msg)
}

// send publishes a processing event. The caller holds emitMu.
func (r *run) send(ctx context.Context, st storage.Stage, p float64, msg string) {
	r.o.publish(ctx, broadcast.Event{
		DocumentID: r.doc.ID,
		Stage:      string(st),
		Status:     string(storage.StatusProcessing),
		Progress:   p,
		Message:    msg,
	})
}

// emitTerminal publishes e and drops every later report, including ones
// from executor goroutines that outlive a timed-out stage.
func (r *run) emitTerminal(ctx context.Context, e broadcast.Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.o.publish(ctx, e)
}

func (r *run) current() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *run) setStage(st storage.Stage) {
	r.mu.Lock()
	r.stage = st
	r.mu.Unlock()
}

func (r *run) currentStage() storage.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

func storageErr(st storage.Stage, err error) error {
	return &stage.Error{Stage: string(st), Kind: stage.ErrStorage, Err: err}
}
