package browserq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executorFunc adapts a function to JobExecutor.
type executorFunc func(ctx context.Context, job Job) JobResult

func (f executorFunc) Execute(ctx context.Context, job Job) JobResult { return f(ctx, job) }

type workerHarness struct {
	queue   *Queue
	tracker *Tracker
	metrics *Metrics
	cfg     Config
}

func newWorkerHarness(t *testing.T, opts ...QueueOption) *workerHarness {
	t.Helper()
	_, rdb := newTestRedis(t)
	cfg := testConfig()
	m := NewMetrics(prometheus.NewRegistry())
	opts = append([]QueueOption{WithPollInterval(5 * time.Millisecond), WithQueueLogger(quietLogger()), WithQueueMetrics(m)}, opts...)
	q := NewQueue(rdb, cfg, opts...)
	return &workerHarness{
		queue:   q,
		tracker: NewTracker(rdb, q, cfg, quietLogger()),
		metrics: m,
		cfg:     cfg,
	}
}

func (h *workerHarness) worker(exec JobExecutor, opts ...WorkerOption) *Worker {
	opts = append([]WorkerOption{
		WithTracker(h.tracker),
		WithWorkerMetrics(h.metrics),
		WithWorkerLogger(quietLogger()),
		WithHeartbeat(10 * time.Millisecond),
	}, opts...)
	return NewWorker(h.queue, exec, h.cfg, opts...)
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWorkerEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	page := formPage()
	exec := newTestExecutor(singlePage(page))
	runWorker(t, h.worker(exec))

	_, err := h.tracker.CreateTask(ctx, "signup", 2)
	require.NoError(t, err)

	id, err := h.queue.Enqueue(ctx, Payload{Type: JobFillFormAuto, URL: "https://example.com/signup", TaskID: "signup"})
	require.NoError(t, err)
	res, err := h.queue.AwaitResult(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	fs, err := res.FormStructure()
	require.NoError(t, err)
	require.Len(t, fs.Fields, 5)

	require.Eventually(t, func() bool {
		st, err := h.tracker.Status(ctx, "signup")
		return err == nil && st.Status == TaskRunning && st.CurrentStep == 1
	}, 2*time.Second, 10*time.Millisecond)

	id, err = h.queue.Enqueue(ctx, Payload{
		Type:          JobFillFormAuto,
		URL:           fs.URL,
		FormStructure: fs,
		Mappings:      []FieldMapping{{Selector: "#first", Value: "Ada", Confidence: 1, FieldType: "text"}},
		TaskID:        "signup",
	})
	require.NoError(t, err)
	res, err = h.queue.AwaitResult(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	rep, err := res.FillReport()
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FieldsFilled)

	require.Eventually(t, func() bool {
		st, err := h.tracker.Status(ctx, "signup")
		return err == nil && st.Status == TaskSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.JobsCompletedTotal.WithLabelValues("fill_form_auto", "true")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.JobsEnqueuedTotal.WithLabelValues("fill_form_auto")))
}

func TestWorkerTasksProgressIndependently(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)
	h.cfg.Concurrency = 2

	release := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, job Job) JobResult {
		if job.TaskID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return Failed(ctx.Err(), nil, 0)
			}
			return Succeeded(nil, 0)
		}
		return Failed(errors.New("boom"), nil, 0)
	})
	runWorker(t, h.worker(exec))

	for _, id := range []string{"slow", "broken"} {
		_, err := h.tracker.CreateTask(ctx, id, 1)
		require.NoError(t, err)
	}
	slow, err := h.queue.Enqueue(ctx, Payload{Type: JobNavigate, URL: "https://example.com/slow", TaskID: "slow"})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, Payload{Type: JobNavigate, URL: "https://example.com/broken", TaskID: "broken"})
	require.NoError(t, err)

	// The failing task finishes while the other one is still running.
	require.Eventually(t, func() bool {
		st, err := h.tracker.Status(ctx, "broken")
		return err == nil && st.Status == TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	st, err := h.tracker.Status(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, st.Status)
	assert.Empty(t, st.Error)

	close(release)
	res, err := h.queue.AwaitResult(ctx, slow, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)

	require.Eventually(t, func() bool {
		st, err := h.tracker.Status(ctx, "slow")
		return err == nil && st.Status == TaskSucceeded && st.CurrentStep == 1
	}, 2*time.Second, 10*time.Millisecond)

	st, err = h.tracker.Status(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, "boom", st.Error)
}

func TestWorkerFailedJobFailsTask(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	page := newFakePage()
	runWorker(t, h.worker(newTestExecutor(singlePage(page))))

	id, err := h.queue.Enqueue(ctx, Payload{Type: JobClick, Selector: "#missing", TaskID: "t1"})
	require.NoError(t, err)
	res, err := h.queue.AwaitResult(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Data["errorScreenshot"])

	require.Eventually(t, func() bool {
		st, err := h.tracker.Status(ctx, "t1")
		return err == nil && st.Status == TaskFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerCancelRunningJob(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	started := make(chan string, 1)
	exec := executorFunc(func(ctx context.Context, job Job) JobResult {
		started <- job.ID
		<-ctx.Done()
		return Failed(checkpoint(ctx), nil, 0)
	})
	runWorker(t, h.worker(exec))

	id, err := h.queue.Enqueue(ctx, Payload{Type: JobWait, WaitType: WaitTimeout, Timeout: 60000})
	require.NoError(t, err)

	select {
	case got := <-started:
		require.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	before, err := h.queue.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, before)

	res, err := h.queue.AwaitResult(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrCancelled.Error())
}

func TestWorkerFinishesInFlightJobOnShutdown(t *testing.T) {
	ctx := context.Background()
	h := newWorkerHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var interrupted atomic.Bool
	exec := executorFunc(func(ctx context.Context, job Job) JobResult {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			interrupted.Store(true)
		}
		return Succeeded(nil, 0)
	})

	w := h.worker(exec)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	id, err := h.queue.Enqueue(ctx, Payload{Type: JobNavigate, URL: "https://example.com"})
	require.NoError(t, err)
	<-started

	stop()
	time.Sleep(30 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, interrupted.Load())

	res, err := h.queue.AwaitResult(ctx, id, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestWorkerRecoverFailsExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	h := newWorkerHarness(t, WithClock(clock.Now))
	reaper := h.worker(nil)

	id, err := h.queue.Enqueue(ctx, Payload{Type: JobNavigate, URL: "https://example.com", TaskID: "t1"})
	require.NoError(t, err)

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		job, n, err := h.queue.Claim(ctx, "crashed-worker")
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, attempt, n)
		require.NoError(t, h.tracker.JobStarted(ctx, *job))

		clock.Advance(2 * h.cfg.LeaseTimeout)
		report, err := reaper.Recover(ctx)
		require.NoError(t, err)
		if attempt < h.cfg.MaxAttempts {
			assert.Equal(t, []string{id}, report.Requeued)
		} else {
			assert.Equal(t, []string{id}, report.Failed)
		}
	}

	rec, err := h.queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, rec.Status)

	st, err := h.tracker.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, st.Status)
	assert.Contains(t, st.Error, "lease expired")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LeasesRecovered.WithLabelValues("failed")))
}

func TestWorkerDiscardsResultAfterLeaseLost(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	h := newWorkerHarness(t, WithClock(clock.Now))

	id, err := h.queue.Enqueue(ctx, Payload{Type: JobNavigate, URL: "https://example.com"})
	require.NoError(t, err)
	job, _, err := h.queue.Claim(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.Advance(2 * time.Second)
	_, err = h.queue.RecoverExpired(ctx)
	require.NoError(t, err)
	_, _, err = h.queue.Claim(ctx, "live")
	require.NoError(t, err)

	w := h.worker(executorFunc(func(ctx context.Context, job Job) JobResult {
		<-ctx.Done()
		return Failed(kindError(ErrCancelled, "interrupted: %v", context.Cause(ctx)), nil, 0)
	}))
	w.Process(ctx, "stale", job)

	rec, err := h.queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, rec.Status)
	assert.Equal(t, "live", rec.Worker)
	assert.Nil(t, rec.Result)

	won, err := h.queue.Complete(ctx, id, "live", Succeeded(nil, 0))
	require.NoError(t, err)
	assert.True(t, won)
}
