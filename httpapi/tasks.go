package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/isoautomate/browserq"
)

type createTaskRequest struct {
	TaskID     string `json:"taskId"`
	TotalSteps int    `json:"totalSteps"`
}

func (s *Server) requireTracker(w http.ResponseWriter) bool {
	if s.Tracker == nil {
		errorWithCode(w, http.StatusServiceUnavailable, "task tracking is not enabled")
		return false
	}
	return true
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	var req createTaskRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	st, err := s.Tracker.CreateTask(r.Context(), req.TaskID, req.TotalSteps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	st, err := s.Tracker.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Tracker.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.Tracker.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// taskEvents streams task updates as server-sent events. The stream ends
// after the terminal event.
func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		errorWithCode(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := chi.URLParam(r, "id")
	events, err := s.Tracker.Subscribe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(ev), data)
			flusher.Flush()
		}
	}
}

func eventName(ev browserq.TaskUpdateEvent) string {
	if ev.Status.Terminal() {
		return "done"
	}
	return "update"
}
