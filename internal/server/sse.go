package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bobmcallan/sheetbuilder/internal/models"
)

// handleProgressStream handles GET /api/pdf/progress/{jobId}: a
// Server-Sent Events stream of ProgressEvents. Each call to Broker.Subscribe
// blocks until the next event, a 30s wake timeout, or the client disconnects;
// on a timeout this handler simply subscribes again, so the stream survives
// arbitrarily long gaps between progress reports.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := PathParam(r, "/api/pdf/progress/", "")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Missing jobId")
		return
	}

	if s.app.Broker.GetStatus(jobID) == nil {
		WriteError(w, http.StatusNotFound, "Unknown jobId")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cancel := r.Context().Done()
	for {
		evt, ok := s.app.Broker.Subscribe(jobID, cancel)
		if !ok {
			// Either the job vanished (reaped mid-stream), the client
			// disconnected, or the 30s wake timeout elapsed with nothing
			// new to report. Re-check status: a vanished job means the
			// stream is done; otherwise keep waiting for the next event.
			if s.app.Broker.GetStatus(jobID) == nil {
				return
			}
			select {
			case <-cancel:
				return
			default:
				continue
			}
		}

		if !writeSSEEvent(w, flusher, evt) {
			return
		}
		if evt.Stage == models.StageCompleted || evt.Stage == models.StageFailed {
			return
		}
	}
}

// writeSSEEvent writes one "data: <json>\n\n" frame and flushes it. Returns
// false if the event could not be marshaled or written, signalling the
// caller to stop the stream.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, evt models.ProgressEvent) bool {
	payload, err := json.Marshal(evt)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
