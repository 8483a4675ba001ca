package browserq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// claimScript pops ids until it finds one that is still queued (a retried
// enqueue may have pushed an id twice), then marks it running and leases it.
var claimScript = redis.NewScript(`
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return nil
	end
	local jobKey = ARGV[1] .. 'job:' .. id
	if redis.call('HGET', jobKey, 'status') == 'queued' then
		local attempts = redis.call('HINCRBY', jobKey, 'attempts', 1)
		redis.call('HSET', jobKey, 'status', 'running', 'worker', ARGV[2], 'claimed_at', ARGV[4])
		redis.call('ZADD', KEYS[2], ARGV[3], id)
		return {id, redis.call('HGET', jobKey, 'job'), attempts}
	end
end
`)

// completeScript performs the single terminal transition of a job. With a
// worker id in ARGV[6] it only applies while that worker holds the claim.
var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'succeeded' or status == 'failed' then
	return 0
end
if ARGV[6] ~= '' and (status ~= 'running' or redis.call('HGET', KEYS[1], 'worker') ~= ARGV[6]) then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'result', ARGV[2], 'finished_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then
	return 0
end
if redis.call('HGET', KEYS[1], 'worker') ~= ARGV[1] then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// recoverScript requeues jobs whose lease expired, or fails them once they
// have used up their attempts.
var recoverScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 100)
local requeued = {}
local failed = {}
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local jobKey = ARGV[1] .. 'job:' .. id
	if redis.call('HGET', jobKey, 'status') == 'running' then
		local attempts = tonumber(redis.call('HGET', jobKey, 'attempts') or '0')
		if attempts < tonumber(ARGV[3]) then
			redis.call('HSET', jobKey, 'status', 'queued')
			redis.call('HDEL', jobKey, 'worker')
			redis.call('RPUSH', KEYS[2], id)
			table.insert(requeued, id)
		else
			redis.call('HSET', jobKey, 'status', 'failed', 'result', ARGV[4], 'finished_at', ARGV[2])
			redis.call('EXPIRE', jobKey, ARGV[5])
			table.insert(failed, id)
		end
	end
end
return {requeued, failed}
`)

var cancelQueuedScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= 'queued' then
	return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'failed', 'result', ARGV[2], 'finished_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// Claim makes a single attempt to take the next queued job. It returns
// (nil, nil) when the queue is empty.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, int, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.pendingKey(), q.leasesKey()},
		q.prefix, workerID, now.Add(q.leaseTimeout).UnixMilli(), now.UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, NewBrowserError("claim failed: %v", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) < 3 {
		return nil, 0, NewBrowserError("invalid claim response")
	}
	raw, _ := parts[1].(string)
	attempts, _ := parts[2].(int64)

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		id, _ := parts[0].(string)
		q.failUnreadable(ctx, id, workerID, err)
		return nil, 0, NewBrowserError("failed to parse claimed job %s: %v", id, err)
	}
	return &job, int(attempts), nil
}

// Dequeue blocks until a job is claimed for workerID or ctx is done.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		job, _, err := q.Claim(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			q.log.WithError(err).WithField("worker", workerID).Warn("dequeue failed")
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Complete moves a job into its terminal state. Only the first completion
// wins; later calls report false and change nothing. A non-empty workerID
// must still own the claim, so a worker whose lease was recovered and
// handed to another worker cannot overwrite that attempt. An empty
// workerID completes the job whoever holds it.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, res JobResult) (bool, error) {
	if !res.Success && res.Error == "" {
		res.Error = "job failed"
	}
	if res.Success {
		res.Error = ""
	}
	status := JobSucceeded
	if !res.Success {
		status = JobFailed
	}

	data, err := json.Marshal(res)
	if err != nil {
		return false, NewBrowserError("failed to serialize result of job %s: %v", jobID, err)
	}

	var n int64
	err = q.executeWithRetry(ctx, func() error {
		var rerr error
		n, rerr = completeScript.Run(ctx, q.rdb,
			[]string{q.jobKey(jobID), q.leasesKey()},
			string(status), string(data), q.now().UnixMilli(), int64(q.retention.Seconds()), jobID, workerID,
		).Int64()
		return rerr
	})
	if err != nil {
		return false, NewBrowserError("failed to complete job %s: %v", jobID, err)
	}
	if n < 0 {
		return false, kindError(ErrJobNotFound, "%s", jobID)
	}
	return n == 1, nil
}

// ExtendLease pushes the lease deadline of a running job forward. It
// reports false when workerID no longer owns the claim.
func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string) (bool, error) {
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{q.jobKey(jobID), q.leasesKey()},
		workerID, q.now().Add(q.leaseTimeout).UnixMilli(), jobID,
	).Int64()
	if err != nil {
		return false, NewBrowserError("failed to extend lease of job %s: %v", jobID, err)
	}
	return n == 1, nil
}

// RecoveryReport lists what a RecoverExpired pass did.
type RecoveryReport struct {
	Requeued []string
	Failed   []string
}

// RecoverExpired makes abandoned claims visible again. A job whose lease
// expired MaxAttempts times is failed instead, so it cannot stay running.
func (q *Queue) RecoverExpired(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	now := q.now()
	exhausted := Failed(kindError(ErrTimeout, "lease expired after %d attempts", q.maxAttempts), nil, 0)
	data, _ := json.Marshal(exhausted)

	res, err := recoverScript.Run(ctx, q.rdb,
		[]string{q.leasesKey(), q.pendingKey()},
		q.prefix, now.UnixMilli(), q.maxAttempts, string(data), int64(q.retention.Seconds()),
	).Result()
	if err != nil {
		return report, NewBrowserError("lease recovery failed: %v", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return report, NewBrowserError("invalid recovery response")
	}
	report.Requeued = toStrings(parts[0])
	report.Failed = toStrings(parts[1])

	if len(report.Requeued) > 0 || len(report.Failed) > 0 {
		q.metrics.leasesRecovered(len(report.Requeued), len(report.Failed))
		q.log.WithFields(logrus.Fields{
			"requeued": len(report.Requeued),
			"failed":   len(report.Failed),
		}).Info("recovered expired leases")
	}
	return report, nil
}

// Cancel flags a job as cancelled. A job still waiting in the queue is
// failed immediately (the returned bool is true); a running job observes the
// flag at its next suspension point.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	if err := q.rdb.Set(ctx, q.cancelKey(jobID), "1", q.retention).Err(); err != nil {
		return false, NewBrowserError("failed to flag job %s as cancelled: %v", jobID, err)
	}

	data, _ := json.Marshal(Failed(kindError(ErrCancelled, "job cancelled before start"), nil, 0))
	n, err := cancelQueuedScript.Run(ctx, q.rdb,
		[]string{q.jobKey(jobID), q.pendingKey()},
		jobID, string(data), q.now().UnixMilli(), int64(q.retention.Seconds()),
	).Int64()
	if err != nil {
		return false, NewBrowserError("failed to cancel job %s: %v", jobID, err)
	}
	if n < 0 {
		return false, kindError(ErrJobNotFound, "%s", jobID)
	}
	return n == 1, nil
}

// IsCancelled reports whether Cancel was called for jobID.
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// failUnreadable terminates a job whose stored record cannot be decoded so
// that workers do not keep claiming it.
func (q *Queue) failUnreadable(ctx context.Context, jobID, workerID string, cause error) {
	if jobID == "" {
		return
	}
	res := Failed(kindError(ErrInvalidPayload, "unreadable job record: %v", cause), nil, 0)
	if _, err := q.Complete(ctx, jobID, workerID, res); err != nil {
		q.log.WithError(err).WithField("job_id", jobID).Error("failed to fail unreadable job")
	}
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch s := it.(type) {
		case string:
			out = append(out, s)
		case int64:
			out = append(out, strconv.FormatInt(s, 10))
		}
	}
	return out
}
