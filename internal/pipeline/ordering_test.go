package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/stage"
	"github.com/kalambet/docket/internal/storage"
)

// slowPublisher delays each event by a random few hundred microseconds
// before recording it, like a network round trip.
type slowPublisher struct {
	recorder
}

func (p *slowPublisher) Publish(ctx context.Context, e broadcast.Event) error {
	time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
	return p.recorder.Publish(ctx, e)
}

// parallelEmbedding reports from several goroutines at once, as the real
// embedder does while chunks are in flight.
func parallelEmbedding(workers, perWorker int) *stubExecutor {
	return &stubExecutor{name: "embedding", run: func(ctx context.Context, w *stage.Work, report stage.Reporter) error {
		total := float64(workers * perWorker)
		var wg sync.WaitGroup
		for g := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWorker {
					report(float64(i*workers+g)/total, "chunk embedded")
				}
			}()
		}
		wg.Wait()
		w.Embedding = &stage.Embedding{Model: "test", Vector: []float32{1, 0}}
		return nil
	}}
}

func TestProcess_ConcurrentReportsStayOrdered(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "d1", storage.VariantFull, "lease.txt", "text/plain", []byte("lease terms"))
	pub := &slowPublisher{}
	o, err := New(f.store, f.blobs, pub, Config{}, FullPlan(fakeOCR(), fakeAnalysis(), fakeEntities(), parallelEmbedding(4, 50)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := o.Process(context.Background(), "d1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	events := pub.snapshot()
	last := 0.0
	for i, e := range events {
		if e.Progress < last {
			t.Fatalf("event %d: progress %v published after %v", i, e.Progress, last)
		}
		last = e.Progress
	}
	if final := events[len(events)-1]; !final.Terminal || final.Progress != 100 {
		t.Errorf("final event = %+v", final)
	}
}

func TestProcess_NoEventsAfterTerminal(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "d1", storage.VariantFull, "lease.txt", "text/plain", []byte("lease terms"))

	var late stage.Reporter
	failing := &stubExecutor{name: "analysis", run: func(ctx context.Context, w *stage.Work, report stage.Reporter) error {
		late = report
		return &stage.Error{Stage: "analysis", Kind: stage.ErrModelError, Err: errors.New("bad json")}
	}}
	o := f.orchestrator(t, Config{}, FullPlan(fakeOCR(), failing, fakeEntities(), fakeEmbedding()))

	if err := o.Process(context.Background(), "d1"); err == nil {
		t.Fatal("expected failure")
	}
	// A goroutine left behind by the stage keeps reporting.
	late(0.9, "still going")

	events := f.pub.snapshot()
	final := events[len(events)-1]
	if !final.Terminal || final.Status != string(storage.StatusFailed) {
		t.Errorf("last event = %+v, want the terminal failure", final)
	}
}
