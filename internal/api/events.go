package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/storage"
)

// snapshotEvent describes the persisted state of d as an event, so a
// watcher that connects late still learns where processing stands.
func snapshotEvent(d storage.Document) broadcast.Event {
	e := broadcast.Event{
		DocumentID: d.ID,
		Stage:      string(d.Stage),
		Status:     string(d.Status),
		Progress:   d.Progress,
		Terminal:   d.Status.Terminal(),
		Timestamp:  d.UpdatedAt,
	}
	switch d.Status {
	case storage.StatusPending:
		e.Stage = "upload"
	case storage.StatusCompleted:
		e.Stage = string(storage.StatusCompleted)
	case storage.StatusFailed:
		e.Error = d.ErrorMessage
		e.ErrorKind = d.ErrorKind
	}
	return e
}

func eventName(e broadcast.Event) string {
	if !e.Terminal {
		return "progress"
	}
	if e.Status == string(storage.StatusFailed) {
		return "failed"
	}
	return "completed"
}

// handleEvents streams a document's progress as server-sent events. The
// first event is a snapshot of the stored document; the stream ends after
// a terminal event.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ownedDocument(deps, w, r); !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		ctx := r.Context()
		events, release, err := deps.Events.Subscribe(ctx, chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "subscribing to events: %v", err)
			return
		}
		defer release()

		// Re-read after subscribing so no event falls between the snapshot
		// and the first live event.
		doc, err := deps.Documents.GetDocument(ctx, chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		seq := 0
		send := func(e broadcast.Event) error {
			seq++
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.Itoa(seq), eventName(e), data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		snap := snapshotEvent(doc)
		if err := send(snap); err != nil || snap.Terminal {
			return
		}
		last := snap.Progress

		heartbeat := time.NewTicker(deps.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case e, ok := <-events:
				if !ok {
					return
				}
				// Events published before the snapshot was read may still
				// be buffered.
				if !e.Terminal && e.Progress < last {
					continue
				}
				last = e.Progress
				if err := send(e); err != nil || e.Terminal {
					return
				}
			}
		}
	}
}
