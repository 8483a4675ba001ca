package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/isoautomate/browserq"
	"github.com/sirupsen/logrus"
)

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var p browserq.Payload
	if err := decode(w, r, &p); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.Queue.Enqueue(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// jobResult waits for the job like a producer would. timeout is in ms.
func (s *Server) jobResult(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(queryInt(r, "timeout", 30000)) * time.Millisecond
	if timeout <= 0 || timeout > s.MaxWait {
		timeout = s.MaxWait
	}
	res, err := s.Queue.AwaitResult(r.Context(), chi.URLParam(r, "id"), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stopped, err := s.Queue.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Log.WithFields(logrus.Fields{"job_id": id, "before_start": stopped}).Info("job cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "cancelled": true, "beforeStart": stopped})
}
