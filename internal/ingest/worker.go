package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/docket/internal/pipeline"
	"github.com/kalambet/docket/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Processor runs one document's pipeline. Implemented by
// *pipeline.Orchestrator.
type Processor interface {
	Process(ctx context.Context, documentID string) error
}

// Worker runs process_document jobs from the SQLite job queue with a fixed
// number of concurrent pollers.
type Worker struct {
	store       JobStore
	proc        Processor
	poll        time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms; concurrency defaults to 1.
func NewWorker(store JobStore, proc Processor, pollInterval time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		store:       store,
		proc:        proc,
		poll:        pollInterval,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "worker"),
	}
}

// Run polls for jobs until ctx is cancelled, then waits for in-flight
// pipelines to finish. Cancelling ctx stops new claims only.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, i)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, n int) {
	logger := w.logger.With("poller", n)
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single process_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobProcessDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Queue bookkeeping outlives shutdown so a finished pipeline is never
	// left with a running job.
	bg := context.WithoutCancel(ctx)
	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(bg, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(bg, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.DocumentID == "" {
		return errors.New("payload has no document_id")
	}

	err := w.proc.Process(ctx, payload.DocumentID)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyActive):
		w.logger.Info("document already processed or in progress, skipping", "job_id", job.ID, "document", payload.DocumentID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		w.logger.Warn("document for job no longer exists", "job_id", job.ID, "document", payload.DocumentID)
		return nil
	}
	return err
}
