package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rlindsay/depotsync/internal/depot"
	"github.com/rlindsay/depotsync/internal/scheduler"
)

// EventsHandler streams job snapshots over Server-Sent Events. Push is
// best-effort: slow subscribers are dropped by the broadcaster and are
// expected to reconnect, at which point the first event re-sends the
// current snapshot so nothing is missed. Polling GET /api/progress
// remains the correctness fallback.
type EventsHandler struct {
	Controller *depot.Controller
	Sched      *scheduler.Scheduler
}

// ServeHTTP handles GET /api/events.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, unsubscribe := h.Controller.Broadcaster().Subscribe()
	defer unsubscribe()

	// Reconciliation: the current snapshot goes out first so a client
	// that reconnected after missing pushes is immediately consistent.
	h.writeEvent(w, h.Controller.Snapshot())
	flusher.Flush()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				// Dropped for falling behind; the client reconnects.
				return
			}
			h.writeEvent(w, snap)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent emits one SSE frame. Event names: "started" when a job
// begins, "complete" on any terminal status, "progress" otherwise.
func (h *EventsHandler) writeEvent(w http.ResponseWriter, snap depot.Snapshot) {
	name := "progress"
	switch {
	case snap.Status == depot.StatusStarting:
		name = "started"
	case snap.Status.Terminal():
		name = "complete"
	}

	payload, err := json.Marshal(toProgressResponse(snap, h.Sched.NextRunIn()))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
}
