package browserq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var errLeaseLost = errors.New("lease lost")

// JobExecutor runs a single job. *Executor is the production implementation.
type JobExecutor interface {
	Execute(ctx context.Context, job Job) JobResult
}

// Worker pulls jobs off the queue and runs them with bounded concurrency.
type Worker struct {
	ID string

	queue    *Queue
	executor JobExecutor
	tracker  *Tracker
	metrics  *Metrics
	log      logrus.FieldLogger

	concurrency       int
	heartbeatInterval time.Duration
	recoverInterval   time.Duration
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithTracker reports job progress to t.
func WithTracker(t *Tracker) WorkerOption {
	return func(w *Worker) { w.tracker = t }
}

// WithWorkerMetrics attaches Prometheus collectors.
func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l logrus.FieldLogger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithHeartbeat sets how often leases are extended and cancel flags polled.
func WithHeartbeat(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeatInterval = d
		}
	}
}

// WithRecoverInterval sets how often expired leases are reclaimed.
func WithRecoverInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.recoverInterval = d
		}
	}
}

// NewWorker creates a worker. The heartbeat defaults to a third of the
// lease timeout so a live worker never loses its claim.
func NewWorker(queue *Queue, executor JobExecutor, cfg Config, opts ...WorkerOption) *Worker {
	cfg = cfg.withDefaults()
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	w := &Worker{
		ID:                fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		queue:             queue,
		executor:          executor,
		log:               logrus.StandardLogger(),
		concurrency:       cfg.Concurrency,
		heartbeatInterval: cfg.LeaseTimeout / 3,
		recoverInterval:   cfg.LeaseTimeout / 2,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes jobs until ctx is cancelled. Jobs already executing when ctx
// ends are allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"worker":      w.ID,
		"concurrency": w.concurrency,
	}).Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		slot := fmt.Sprintf("%s/%d", w.ID, i)
		g.Go(func() error {
			w.loop(gctx, slot)
			return nil
		})
	}
	g.Go(func() error {
		w.reap(gctx)
		return nil
	})

	err := g.Wait()
	w.log.WithField("worker", w.ID).Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, slot string) {
	for {
		job, err := w.queue.Dequeue(ctx, slot)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).WithField("worker", slot).Warn("dequeue failed")
			continue
		}
		w.Process(ctx, slot, job)
	}
}

// Process runs one claimed job and records its outcome. It is exported for
// callers that claim jobs themselves.
func (w *Worker) Process(ctx context.Context, slot string, job *Job) {
	log := w.log.WithFields(logrus.Fields{
		"worker":   slot,
		"job_id":   job.ID,
		"job_type": job.Type,
		"task_id":  job.TaskID,
	})
	// Shutdown of the pool must not cancel a job half way.
	base := context.WithoutCancel(ctx)

	if err := w.tracker.jobStarted(base, job); err != nil {
		log.WithError(err).Warn("failed to mark task running")
	}

	jobCtx, cancel := context.WithCancelCause(base)
	defer cancel(nil)

	if cancelled, _ := w.queue.IsCancelled(base, job.ID); cancelled {
		cancel(ErrCancelled)
	}

	done := make(chan struct{})
	go w.heartbeat(jobCtx, slot, job.ID, cancel, done, log)

	w.metrics.inFlight(1)
	start := time.Now()
	res := w.executor.Execute(jobCtx, *job)
	w.metrics.inFlight(-1)
	close(done)

	if errors.Is(context.Cause(jobCtx), errLeaseLost) {
		// Another worker owns the job now; its attempt decides the outcome.
		log.Warn("lease lost, result discarded")
		return
	}

	completeCtx, cancelComplete := context.WithTimeout(base, 10*time.Second)
	defer cancelComplete()

	won, err := w.queue.Complete(completeCtx, job.ID, slot, res)
	if err != nil {
		// The lease will expire and the job is retried.
		log.WithError(err).Error("failed to complete job")
		return
	}
	if !won {
		log.Info("job was already completed elsewhere, result discarded")
		return
	}

	w.metrics.jobCompleted(job.Type, res.Success, time.Since(start))
	if err := w.tracker.jobFinished(completeCtx, *job, res); err != nil {
		log.WithError(err).Warn("failed to update task")
	}
	log.WithFields(logrus.Fields{
		"success":     res.Success,
		"duration_ms": res.Duration,
	}).Info("job completed")
}

// heartbeat extends the lease and watches the cancel flag until done.
func (w *Worker) heartbeat(ctx context.Context, slot, jobID string, cancel context.CancelCauseFunc, done <-chan struct{}, log logrus.FieldLogger) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if cancelled, err := w.queue.IsCancelled(ctx, jobID); err == nil && cancelled {
			log.Info("job cancelled by request")
			cancel(ErrCancelled)
			return
		}
		ok, err := w.queue.ExtendLease(ctx, jobID, slot)
		if err != nil {
			log.WithError(err).Warn("failed to extend lease")
			continue
		}
		if !ok {
			log.Warn("lease lost, abandoning job")
			cancel(errLeaseLost)
			return
		}
	}
}

func (w *Worker) reap(ctx context.Context) {
	ticker := time.NewTicker(w.recoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.Recover(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Warn("lease recovery failed")
		}
	}
}

// Recover runs one lease recovery pass and reports jobs it failed to their
// tasks.
func (w *Worker) Recover(ctx context.Context) (RecoveryReport, error) {
	report, err := w.queue.RecoverExpired(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range report.Failed {
		rec, err := w.queue.Status(ctx, id)
		if err != nil || rec.Result == nil {
			continue
		}
		w.metrics.jobCompleted(rec.Job.Type, false, 0)
		if err := w.tracker.jobFinished(ctx, rec.Job, *rec.Result); err != nil {
			w.log.WithError(err).WithField("job_id", id).Warn("failed to update task")
		}
	}
	return report, nil
}

func (t *Tracker) jobStarted(ctx context.Context, job *Job) error {
	if t == nil {
		return nil
	}
	return t.JobStarted(ctx, *job)
}

func (t *Tracker) jobFinished(ctx context.Context, job Job, res JobResult) error {
	if t == nil {
		return nil
	}
	return t.JobFinished(ctx, job, res)
}
