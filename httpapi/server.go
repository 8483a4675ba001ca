// Package httpapi exposes the queue, task tracker and session store over
// HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/isoautomate/browserq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server holds the collaborators of the HTTP handlers. Any of Tracker,
// Sessions and Gatherer may be nil; their routes then answer 503 or are
// not mounted.
type Server struct {
	Queue    *browserq.Queue
	Tracker  *browserq.Tracker
	Sessions browserq.SessionStore
	Gatherer prometheus.Gatherer
	Log      logrus.FieldLogger

	// MaxWait caps the timeout a client may ask /jobs/{id}/result for.
	MaxWait time.Duration
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	if s.MaxWait <= 0 {
		s.MaxWait = 5 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.enqueueJob)
		r.Get("/{id}", s.jobStatus)
		r.Get("/{id}/result", s.jobResult)
		r.Delete("/{id}", s.cancelJob)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/{id}", s.taskStatus)
		r.Get("/{id}/events", s.taskEvents)
		r.Delete("/{id}", s.cancelTask)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/store", s.storeSession)
		r.Get("/{id}/data", s.sessionData)
		r.Get("/{id}/load", s.sessionLoad)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	depth, err := s.Queue.QueueDepth(r.Context())
	if err != nil {
		errorWithCode(w, http.StatusServiceUnavailable, "redis unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queueDepth": depth})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
