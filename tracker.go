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

var createTaskScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'current_step', 0, 'total_steps', ARGV[1], 'updated_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// startTaskScript moves a task to running, creating it as a single-step
// task when nobody registered it.
var startTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'succeeded' or status == 'failed' then
	return 0
end
redis.call('HSETNX', KEYS[1], 'current_step', 0)
redis.call('HSETNX', KEYS[1], 'total_steps', 0)
redis.call('HSET', KEYS[1], 'status', 'running', 'updated_at', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// finishTaskScript applies a job outcome. Terminal tasks are never touched.
var finishTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'succeeded' or status == 'failed' then
	return {0}
end
local step = tonumber(redis.call('HGET', KEYS[1], 'current_step') or '0')
local total = tonumber(redis.call('HGET', KEYS[1], 'total_steps') or '0')
local state = 'failed'
if ARGV[1] == '1' then
	step = step + 1
	state = 'running'
	if total <= 0 or step >= total then
		state = 'succeeded'
	end
	redis.call('HSET', KEYS[1], 'current_step', step)
else
	redis.call('HSET', KEYS[1], 'error', ARGV[3])
end
redis.call('HSET', KEYS[1], 'status', state, 'last_result', ARGV[2], 'updated_at', ARGV[4])
redis.call('HSETNX', KEYS[1], 'total_steps', 0)
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {1, state, step, total}
`)

var failTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'succeeded' or status == 'failed' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[1], 'updated_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Tracker correlates job outcomes with caller-level tasks. Status lives in
// a Redis hash per task; every transition is also published on the task's
// channel for push consumers.
type Tracker struct {
	rdb       *redis.Client
	queue     *Queue
	prefix    string
	retention time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewTracker creates a tracker. queue may be nil, in which case CancelTask
// only marks the task.
func NewTracker(rdb *redis.Client, queue *Queue, cfg Config, log logrus.FieldLogger) *Tracker {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{
		rdb:       rdb,
		queue:     queue,
		prefix:    cfg.RedisPrefix,
		retention: cfg.ResultRetention,
		now:       time.Now,
		log:       log,
	}
}

func (t *Tracker) taskKey(id string) string { return t.prefix + "task:" + id }
func (t *Tracker) eventsChannel(id string) string { return t.prefix + "task-events:" + id }

// CreateTask registers a task of totalSteps jobs. An empty taskID gets a
// generated one. totalSteps <= 0 means the first successful job finishes it.
func (t *Tracker) CreateTask(ctx context.Context, taskID string, totalSteps int) (*TaskStatus, error) {
	if taskID == "" {
		taskID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if totalSteps < 0 {
		totalSteps = 0
	}
	now := t.now().UTC()
	n, err := createTaskScript.Run(ctx, t.rdb, []string{t.taskKey(taskID)},
		totalSteps, now.UnixMilli(), int64(t.retention.Seconds()),
	).Int64()
	if err != nil {
		return nil, NewBrowserError("failed to create task %s: %v", taskID, err)
	}
	if n == 0 {
		return nil, kindError(ErrTaskExists, "%s", taskID)
	}

	st := &TaskStatus{TaskID: taskID, Status: TaskPending, TotalSteps: totalSteps, UpdatedAt: now}
	t.publish(ctx, st.event("task created"))
	return st, nil
}

// Status returns the current view of a task.
func (t *Tracker) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	fields, err := t.rdb.HGetAll(ctx, t.taskKey(taskID)).Result()
	if err != nil {
		return nil, NewBrowserError("failed to read task %s: %v", taskID, err)
	}
	if len(fields) == 0 {
		return nil, kindError(ErrTaskNotFound, "%s", taskID)
	}

	st := &TaskStatus{
		TaskID: taskID,
		Status: TaskState(fields["status"]),
		Error:  fields["error"],
	}
	st.CurrentStep, _ = strconv.Atoi(fields["current_step"])
	st.TotalSteps, _ = strconv.Atoi(fields["total_steps"])
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		st.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	if raw := fields["last_result"]; raw != "" {
		var res JobResult
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			st.LastJobResult = &res
		}
	}
	return st, nil
}

// JobStarted marks the job's task as running. Jobs without a task are
// ignored.
func (t *Tracker) JobStarted(ctx context.Context, job Job) error {
	if job.TaskID == "" {
		return nil
	}
	n, err := startTaskScript.Run(ctx, t.rdb, []string{t.taskKey(job.TaskID)},
		t.now().UnixMilli(), int64(t.retention.Seconds()),
	).Int64()
	if err != nil {
		return NewBrowserError("failed to start task %s: %v", job.TaskID, err)
	}
	if n == 0 {
		return nil
	}
	if st, err := t.Status(ctx, job.TaskID); err == nil {
		t.publish(ctx, st.event(string(job.Type)+" started"))
	}
	return nil
}

// JobFinished applies the outcome of a job to its task.
func (t *Tracker) JobFinished(ctx context.Context, job Job, res JobResult) error {
	if job.TaskID == "" {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return NewBrowserError("failed to serialize result of job %s: %v", job.ID, err)
	}
	ok := "0"
	if res.Success {
		ok = "1"
	}

	out, err := finishTaskScript.Run(ctx, t.rdb, []string{t.taskKey(job.TaskID)},
		ok, string(data), res.Error, t.now().UnixMilli(), int64(t.retention.Seconds()),
	).Slice()
	if err != nil {
		return NewBrowserError("failed to update task %s: %v", job.TaskID, err)
	}
	if len(out) == 0 || out[0] == int64(0) {
		t.log.WithFields(logrus.Fields{"task_id": job.TaskID, "job_id": job.ID}).Debug("task already terminal")
		return nil
	}

	ev := TaskUpdateEvent{
		TaskID:    job.TaskID,
		Timestamp: t.now().UTC(),
		Result:    &res,
		Error:     res.Error,
		Message:   string(job.Type) + " finished",
	}
	if len(out) == 4 {
		s, _ := out[1].(string)
		ev.Status = TaskState(s)
		step, _ := out[2].(int64)
		total, _ := out[3].(int64)
		ev.CurrentStep, ev.TotalSteps = int(step), int(total)
	}
	t.publish(ctx, ev)
	return nil
}

// FailTask marks a task failed with reason, keeping its step counters. A
// task that is already terminal is left as it is.
func (t *Tracker) FailTask(ctx context.Context, taskID, reason string) error {
	_, err := t.failTask(ctx, taskID, reason)
	return err
}

func (t *Tracker) failTask(ctx context.Context, taskID, reason string) (bool, error) {
	n, err := failTaskScript.Run(ctx, t.rdb, []string{t.taskKey(taskID)},
		reason, t.now().UnixMilli(), int64(t.retention.Seconds()),
	).Int64()
	if err != nil {
		return false, NewBrowserError("failed to fail task %s: %v", taskID, err)
	}
	if n < 0 {
		return false, kindError(ErrTaskNotFound, "%s", taskID)
	}
	if n == 1 {
		if st, err := t.Status(ctx, taskID); err == nil {
			t.publish(ctx, st.event(reason))
		}
	}
	return n == 1, nil
}

// CancelTask fails the task and cancels its jobs that have not finished.
func (t *Tracker) CancelTask(ctx context.Context, taskID string) error {
	if _, err := t.failTask(ctx, taskID, "task cancelled"); err != nil {
		return err
	}
	if t.queue == nil {
		return nil
	}
	ids, err := t.queue.TaskJobs(ctx, taskID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := t.queue.Cancel(ctx, id); err != nil && !errors.Is(err, ErrJobNotFound) {
			t.log.WithError(err).WithField("job_id", id).Warn("failed to cancel job of task")
		}
	}
	return nil
}

// Subscribe streams the updates of one task. The first event is the
// status at subscription time; the channel is closed after a terminal
// event or when ctx ends.
func (t *Tracker) Subscribe(ctx context.Context, taskID string) (<-chan TaskUpdateEvent, error) {
	pubsub := t.rdb.Subscribe(ctx, t.eventsChannel(taskID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, NewBrowserError("failed to subscribe to task %s: %v", taskID, err)
	}

	// Read after the subscription is live so a concurrent terminal update
	// is either in the snapshot or delivered on the channel.
	st, err := t.Status(ctx, taskID)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan TaskUpdateEvent, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		send := func(ev TaskUpdateEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(st.event("")) || st.Status.Terminal() {
			return
		}

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev TaskUpdateEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					t.log.WithError(err).WithField("task_id", taskID).Warn("dropping malformed task event")
					continue
				}
				if !send(ev) || ev.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// Await blocks until the task is terminal and returns its final status. If
// timeout elapses first, the current status is returned with ErrTimeout.
func (t *Tracker) Await(ctx context.Context, taskID string, timeout time.Duration) (*TaskStatus, error) {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := t.Subscribe(wctx, taskID)
	if err != nil {
		return nil, err
	}
	for range events {
	}

	st, err := t.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !st.Status.Terminal() {
		if ctx.Err() != nil {
			return st, kindError(ErrCancelled, "waiting for task %s", taskID)
		}
		return st, kindError(ErrTimeout, "task %s still %s after %s", taskID, st.Status, timeout)
	}
	return st, nil
}

func (t *Tracker) publish(ctx context.Context, ev TaskUpdateEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := t.rdb.Publish(ctx, t.eventsChannel(ev.TaskID), data).Err(); err != nil {
		t.log.WithError(err).WithField("task_id", ev.TaskID).Warn("failed to publish task event")
	}
}

func (s *TaskStatus) event(msg string) TaskUpdateEvent {
	return TaskUpdateEvent{
		TaskID:      s.TaskID,
		Status:      s.Status,
		CurrentStep: s.CurrentStep,
		TotalSteps:  s.TotalSteps,
		Message:     msg,
		Result:      s.LastJobResult,
		Error:       s.Error,
		Timestamp:   s.UpdatedAt,
	}
}
