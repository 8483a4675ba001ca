package browserq

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Client is the producer side: every action is enqueued as a job and its
// result awaited. It needs only Redis; browsers live in the workers.
type Client struct {
	rdb     *redis.Client
	queue   *Queue
	tracker *Tracker
	log     logrus.FieldLogger

	// Timeout bounds how long each call waits for its result.
	Timeout time.Duration
	// FailureDir, when set, receives the error screenshot of failed jobs.
	FailureDir string

	ownsRedis bool
}

// NewClient connects to Redis using cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := NewClientFromRedis(rdb, cfg)
	c.ownsRedis = true
	return c, nil
}

// NewClientFromRedis builds a client on an existing connection.
func NewClientFromRedis(rdb *redis.Client, cfg Config) *Client {
	cfg = cfg.withDefaults()
	log := logrus.StandardLogger()
	q := NewQueue(rdb, cfg, WithQueueLogger(log))
	return &Client{
		rdb:     rdb,
		queue:   q,
		tracker: NewTracker(rdb, q, cfg, log),
		log:     log,
		Timeout: 2 * DefaultActionTimeout,
	}
}

// Queue exposes the underlying queue.
func (c *Client) Queue() *Queue { return c.queue }

// Tracker exposes the task tracker.
func (c *Client) Tracker() *Tracker { return c.tracker }

// Close releases the Redis connection when the client opened it.
func (c *Client) Close() error {
	if c.ownsRedis {
		return c.rdb.Close()
	}
	return nil
}

// ---------------------------- Core Communication ----------------------------

// Run enqueues p and waits for its result. A failed job is returned as a
// result with Success false, not as an error; errors are reserved for the
// queue itself (rejected payload, timeout, cancellation).
func (c *Client) Run(ctx context.Context, p Payload) (*JobResult, error) {
	id, err := c.queue.Enqueue(ctx, p)
	if err != nil {
		return nil, err
	}
	res, err := c.queue.AwaitResult(ctx, id, c.Timeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		c.saveFailure(p.Type, res)
	}
	return res, nil
}

// Submit enqueues p without waiting and returns the job id.
func (c *Client) Submit(ctx context.Context, p Payload) (string, error) {
	return c.queue.Enqueue(ctx, p)
}

// Result waits for a job submitted earlier.
func (c *Client) Result(ctx context.Context, jobID string) (*JobResult, error) {
	return c.queue.AwaitResult(ctx, jobID, c.Timeout)
}

// Cancel cancels one job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	_, err := c.queue.Cancel(ctx, jobID)
	return err
}

func (c *Client) saveFailure(t JobType, res *JobResult) {
	if c.FailureDir == "" {
		return
	}
	b64, ok := res.Data["errorScreenshot"].(string)
	if !ok || b64 == "" {
		return
	}
	fname := fmt.Sprintf("FAIL_%s_%s.png", t, time.Now().Format("150405"))
	path := filepath.Join(c.FailureDir, fname)
	if err := saveFileDecoded(path, b64); err != nil {
		c.log.WithError(err).Warn("failed to save error screenshot")
		return
	}
	c.log.WithField("path", path).Info("error screenshot saved")
}

// =========================================================================
//  ACTION METHODS
// =========================================================================

// --- Navigation ---

func (c *Client) Navigate(ctx context.Context, url string) (*JobResult, error) {
	return c.Run(ctx, Payload{Type: JobNavigate, URL: url})
}

// --- Screenshots ---

// Screenshot captures url. When path is non-empty the PNG is also written
// there.
func (c *Client) Screenshot(ctx context.Context, url, path string, fullPage bool) (*JobResult, error) {
	res, err := c.Run(ctx, Payload{Type: JobScreenshot, URL: url, FullPage: fullPage})
	if err != nil || !res.Success || path == "" {
		return res, err
	}
	if b64, ok := res.Data["screenshot"].(string); ok {
		if !strings.HasSuffix(strings.ToLower(path), ".png") {
			path += ".png"
		}
		if err := saveFileDecoded(path, b64); err != nil {
			return res, NewBrowserError("failed to save screenshot: %v", err)
		}
		res.Data["path"] = path
	}
	return res, nil
}

// --- Mouse & Keyboard ---

func (c *Client) Click(ctx context.Context, url, selector string) (*JobResult, error) {
	return c.Run(ctx, Payload{Type: JobClick, URL: url, Selector: selector})
}

// TypeOptions tune a Type call. Delay is the pause between keystrokes.
type TypeOptions struct {
	Delay      time.Duration
	ClearFirst bool
	PressKey   string
}

func (c *Client) Type(ctx context.Context, url, selector, text string, opts TypeOptions) (*JobResult, error) {
	return c.Run(ctx, Payload{
		Type:       JobTypeText,
		URL:        url,
		Selector:   selector,
		Text:       text,
		Delay:      int(opts.Delay.Milliseconds()),
		ClearFirst: opts.ClearFirst,
		PressKey:   opts.PressKey,
	})
}

// --- Waiting ---

// Wait runs one wait strategy. target is the selector or text to wait for
// and is ignored by WaitTimeout and WaitNetworkIdle.
func (c *Client) Wait(ctx context.Context, url string, waitType WaitType, target string, timeout time.Duration) (*JobResult, error) {
	p := Payload{Type: JobWait, URL: url, WaitType: waitType, Timeout: int(timeout.Milliseconds())}
	switch waitType {
	case WaitSelector:
		p.Selector = target
	case WaitText:
		p.Text = target
	}
	return c.Run(ctx, p)
}

// --- Uploads ---

// Upload attaches a file to the input at selector. The file fields of src
// (FileSource, FileKey, Bucket, FileURL, FilePath, FileName, MimeType) say
// where the bytes come from.
func (c *Client) Upload(ctx context.Context, url, selector string, src Payload) (*JobResult, error) {
	src.Type = JobUpload
	src.URL = url
	src.Selector = selector
	return c.Run(ctx, src)
}

// --- Forms ---

// AnalyzeForm runs the analyze phase and returns the form structure.
func (c *Client) AnalyzeForm(ctx context.Context, url string) (*FormStructure, *JobResult, error) {
	res, err := c.Run(ctx, Payload{Type: JobFillFormAuto, Phase: PhaseAnalyze, URL: url})
	if err != nil {
		return nil, nil, err
	}
	if !res.Success {
		return nil, res, NewBrowserError("form analysis failed: %s", res.Error)
	}
	fs, err := res.FormStructure()
	if err != nil {
		return nil, res, NewBrowserError("invalid analysis result: %v", err)
	}
	return fs, res, nil
}

// FillForm runs the fill phase with mappings against structure.
func (c *Client) FillForm(ctx context.Context, structure *FormStructure, mappings []FieldMapping, captureSession bool) (*FillReport, *JobResult, error) {
	if structure == nil {
		return nil, nil, kindError(ErrInvalidPayload, "fill requires a form structure")
	}
	res, err := c.Run(ctx, Payload{
		Type:           JobFillFormAuto,
		Phase:          PhaseFill,
		URL:            structure.URL,
		FormStructure:  structure,
		Mappings:       mappings,
		CaptureSession: captureSession,
	})
	if err != nil {
		return nil, nil, err
	}
	if !res.Success {
		return nil, res, NewBrowserError("form fill failed: %s", res.Error)
	}
	rep, err := res.FillReport()
	if err != nil {
		return nil, res, NewBrowserError("invalid fill result: %v", err)
	}
	return rep, res, nil
}

// --- Tasks ---

// RunTask creates a task and runs steps in order under it, stopping at the
// first failed step. It returns once the task is terminal. Steps are
// validated before the task is created; a step that cannot be run (its
// result never arrives) fails the task with that error.
func (c *Client) RunTask(ctx context.Context, taskID string, steps ...Payload) (*TaskStatus, error) {
	if len(steps) == 0 {
		return nil, kindError(ErrInvalidPayload, "a task needs at least one step")
	}
	for i, step := range steps {
		if _, err := Normalize(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	st, err := c.tracker.CreateTask(ctx, taskID, len(steps))
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		step.TaskID = st.TaskID
		res, err := c.Run(ctx, step)
		if err != nil {
			c.failTask(ctx, st.TaskID, err)
			return nil, err
		}
		if !res.Success {
			break
		}
	}
	return c.tracker.Await(ctx, st.TaskID, c.Timeout)
}

func (c *Client) failTask(ctx context.Context, taskID string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.tracker.FailTask(fctx, taskID, cause.Error()); err != nil {
		c.log.WithError(err).WithField("task_id", taskID).Warn("failed to mark task failed")
	}
}
