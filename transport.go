package browserq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often AwaitResult and Dequeue look at Redis.
const DefaultPollInterval = 50 * time.Millisecond

// Queue is the durable job queue. Jobs live in a hash per job, pending ids
// in a list, and claimed ids in a sorted set scored by lease deadline.
type Queue struct {
	rdb          *redis.Client
	prefix       string
	leaseTimeout time.Duration
	maxAttempts  int
	retention    time.Duration
	pollInterval time.Duration
	now          func() time.Time
	log          logrus.FieldLogger
	metrics      *Metrics
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger used by the queue.
func WithQueueLogger(l logrus.FieldLogger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// WithQueueMetrics attaches Prometheus collectors.
func WithQueueMetrics(m *Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithClock replaces time.Now, mostly for lease tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue binds a Queue to a Redis client.
func NewQueue(rdb *redis.Client, cfg Config, opts ...QueueOption) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		rdb:          rdb,
		prefix:       cfg.RedisPrefix,
		leaseTimeout: cfg.LeaseTimeout,
		maxAttempts:  cfg.MaxAttempts,
		retention:    cfg.ResultRetention,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *Queue) pendingKey() string { return q.prefix + "queue" }
func (q *Queue) leasesKey() string { return q.prefix + "leases" }
func (q *Queue) cancelKey(id string) string { return q.prefix + "cancel:" + id }
func (q *Queue) taskJobsKey(tid string) string { return q.prefix + "task-jobs:" + tid }

// Enqueue validates the payload, stores the job and makes it visible to
// workers. The returned id is the only handle callers need.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (string, error) {
	p, err := Normalize(p)
	if err != nil {
		return "", err
	}

	// Hex ids, as the SDK's task ids always were
	jobID := strings.ReplaceAll(uuid.New().String(), "-", "")
	job := Job{
		ID:        jobID,
		Type:      p.Type,
		Payload:   p,
		TaskID:    p.TaskID,
		CreatedAt: q.now().UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", NewBrowserError("failed to serialize job: %v", err)
	}

	err = q.executeWithRetry(ctx, func() error {
		_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(jobID), map[string]interface{}{
				"job":        string(data),
				"status":     string(JobQueued),
				"attempts":   0,
				"created_at": job.CreatedAt.UnixMilli(),
			})
			pipe.RPush(ctx, q.pendingKey(), jobID)
			if job.TaskID != "" {
				pipe.SAdd(ctx, q.taskJobsKey(job.TaskID), jobID)
				pipe.Expire(ctx, q.taskJobsKey(job.TaskID), q.retention)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return "", NewBrowserError("failed to enqueue %s job: %v", job.Type, err)
	}

	q.metrics.jobEnqueued(job.Type)
	q.log.WithFields(logrus.Fields{
		"job_id":   jobID,
		"job_type": job.Type,
		"task_id":  job.TaskID,
	}).Debug("job enqueued")

	return jobID, nil
}

// AwaitResult blocks until the job reaches a terminal state or timeout
// elapses. Results are kept on the job record, so any number of callers can
// await the same id and observe the same JobResult.
func (q *Queue) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (*JobResult, error) {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		vals, err := q.rdb.HMGet(ctx, q.jobKey(jobID), "status", "result").Result()
		switch {
		case err == nil:
			if vals[0] == nil {
				return nil, kindError(ErrJobNotFound, "%s", jobID)
			}
			if raw, ok := vals[1].(string); ok && raw != "" {
				var res JobResult
				if err := json.Unmarshal([]byte(raw), &res); err != nil {
					return nil, NewBrowserError("failed to parse result of job %s: %v", jobID, err)
				}
				return &res, nil
			}
		case errors.Is(err, context.DeadlineExceeded):
			return nil, kindError(ErrTimeout, "waiting for job %s after %s", jobID, timeout)
		case errors.Is(err, context.Canceled):
			return nil, kindError(ErrCancelled, "waiting for job %s", jobID)
		default:
			q.log.WithError(err).WithField("job_id", jobID).Warn("result poll failed")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, kindError(ErrTimeout, "waiting for job %s after %s", jobID, timeout)
			}
			return nil, kindError(ErrCancelled, "waiting for job %s", jobID)
		case <-ticker.C:
		}
	}
}

// Status returns the queue's record of a job.
func (q *Queue) Status(ctx context.Context, jobID string) (*JobRecord, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, NewBrowserError("failed to read job %s: %v", jobID, err)
	}
	if len(fields) == 0 {
		return nil, kindError(ErrJobNotFound, "%s", jobID)
	}

	rec := &JobRecord{
		Status: JobStatus(fields["status"]),
		Worker: fields["worker"],
	}
	rec.Attempts, _ = strconv.Atoi(fields["attempts"])
	if err := json.Unmarshal([]byte(fields["job"]), &rec.Job); err != nil {
		return nil, NewBrowserError("failed to parse job %s: %v", jobID, err)
	}
	if raw := fields["result"]; raw != "" {
		var res JobResult
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			rec.Result = &res
		}
	}
	if ms, err := strconv.ParseInt(fields["finished_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		rec.FinishedAt = &t
	}
	return rec, nil
}

// TaskJobs lists the ids of jobs enqueued under taskID.
func (q *Queue) TaskJobs(ctx context.Context, taskID string) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, q.taskJobsKey(taskID)).Result()
	if err != nil {
		return nil, NewBrowserError("failed to list jobs of task %s: %v", taskID, err)
	}
	return ids, nil
}

// QueueDepth is the number of jobs waiting to be claimed.
func (q *Queue) QueueDepth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.pendingKey()).Result()
}

// executeWithRetry retries a Redis operation up to 3 times with exponential
// backoff (0.2s, 0.4s, 0.8s). redis.Nil and context errors are returned as is.
func (q *Queue) executeWithRetry(ctx context.Context, op func() error) error {
	const maxAttempts = 3
	const backoffFactor = 0.2
	attempt := 0

	for {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= maxAttempts {
			return err
		}
		attempt++
		sleepTime := time.Duration(float64(time.Second) * backoffFactor * float64(int(1)<<(attempt-1)))
		q.log.WithError(err).WithField("attempt", attempt).Warn("redis operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
		}
	}
}
