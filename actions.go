package browserq

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// waitGrace is how long a wait may overrun its timeout before the page is
// torn down.
const waitGrace = 2 * time.Second

// Executor runs one job against one exclusive page.
type Executor struct {
	browser        Browser
	objects        ObjectStore
	sessions       SessionStore
	httpClient     *http.Client
	localUploadDir string
	sessionTTL     time.Duration
	actionTimeout  time.Duration
	minConfidence  float64
	maxUploadBytes int64
	log            logrus.FieldLogger
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithObjectStore enables s3 uploads and screenshot artifacts.
func WithObjectStore(s ObjectStore) ExecutorOption {
	return func(e *Executor) { e.objects = s }
}

// WithSessionStore enables session capture at the end of a fill.
func WithSessionStore(s SessionStore, ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.sessions = s
		if ttl > 0 {
			e.sessionTTL = ttl
		}
	}
}

// WithHTTPClient sets the client used for url uploads.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.httpClient = c }
}

// WithLocalUploadDir confines local uploads to dir.
func WithLocalUploadDir(dir string) ExecutorOption {
	return func(e *Executor) { e.localUploadDir = dir }
}

// WithMinConfidence drops mappings scored below min. Zero keeps them all.
func WithMinConfidence(threshold float64) ExecutorOption {
	return func(e *Executor) { e.minConfidence = threshold }
}

// WithActionTimeout sets the default bound for actions without a timeout.
func WithActionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l logrus.FieldLogger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// NewExecutor creates an executor over browser.
func NewExecutor(browser Browser, opts ...ExecutorOption) *Executor {
	e := &Executor{
		browser:        browser,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		sessionTTL:     DefaultSessionTTL,
		actionTimeout:  DefaultActionTimeout,
		maxUploadBytes: 50 << 20,
		log:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs job and always returns a result: errors, cancellation and
// panics all become JobResult{Success: false}. On failure a screenshot of
// the page is attached when one can still be taken.
func (e *Executor) Execute(ctx context.Context, job Job) (res JobResult) {
	start := time.Now()
	log := e.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
	})

	if err := ctx.Err(); err != nil {
		return Failed(kindError(ErrCancelled, "%s job cancelled before start", job.Type), nil, time.Since(start))
	}

	page, err := e.browser.NewPage(ctx)
	if err != nil {
		return Failed(NewBrowserError("failed to open browser context: %v", err), nil, time.Since(start))
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close page")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("executor panic")
			res = Failed(NewBrowserError("%s job panicked: %v", job.Type, r), e.failureData(nil, page), time.Since(start))
		}
	}()

	data, err := e.dispatch(ctx, page, job)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = kindError(ErrCancelled, "%s job interrupted: %v", job.Type, err)
		}
		log.WithError(err).Info("job failed")
		return Failed(err, e.failureData(data, page), time.Since(start))
	}
	return Succeeded(data, time.Since(start))
}

func (e *Executor) dispatch(ctx context.Context, page Page, job Job) (map[string]any, error) {
	p := job.Payload
	switch job.Type {
	case JobNavigate:
		return e.navigate(ctx, page, p)
	case JobScreenshot:
		return e.screenshot(ctx, page, job)
	case JobClick:
		return e.click(ctx, page, p)
	case JobTypeText:
		return e.typeText(ctx, page, p)
	case JobWait:
		return e.wait(ctx, page, p)
	case JobUpload:
		return e.upload(ctx, page, p)
	case JobFillFormAuto:
		return e.fillFormAuto(ctx, page, p)
	default:
		return nil, kindError(ErrUnknownJobType, "%q", job.Type)
	}
}

// checkpoint is a suspension point: cancellation is observed here.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return kindError(ErrCancelled, "%v", err)
	}
	return nil
}

func (e *Executor) timeout(p Payload) time.Duration {
	return p.TimeoutDuration(e.actionTimeout)
}

func (e *Executor) open(ctx context.Context, page Page, p Payload) (PageInfo, error) {
	if err := checkpoint(ctx); err != nil {
		return PageInfo{}, err
	}
	info, err := page.Goto(ctx, p.URL, e.timeout(p))
	if err != nil {
		return info, fmt.Errorf("navigation to %s failed: %w", p.URL, err)
	}
	return info, nil
}

// --- Navigation ---

func (e *Executor) navigate(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	info, err := e.open(ctx, page, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": info.URL, "title": info.Title}, nil
}

// --- Screenshots ---

func (e *Executor) screenshot(ctx context.Context, page Page, job Job) (map[string]any, error) {
	p := job.Payload
	if p.URL != "" {
		if _, err := e.open(ctx, page, p); err != nil {
			return nil, err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	shot, err := page.Screenshot(ctx, p.FullPage)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	info := page.Info(ctx)
	data := map[string]any{
		"screenshot": base64.StdEncoding.EncodeToString(shot),
		"bytes":      len(shot),
		"url":        info.URL,
	}

	if e.objects != nil {
		key := ArtifactPrefix + job.ID + "/screenshot.png"
		obj, err := e.objects.Upload(ctx, key, shot, "image/png")
		if err != nil {
			return data, fmt.Errorf("failed to persist screenshot: %w", err)
		}
		data["artifactKey"] = obj.Key
		data["artifactUrl"] = obj.URL
	}
	return data, nil
}

// --- Clicking & Typing ---

func (e *Executor) click(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	if p.URL != "" {
		if _, err := e.open(ctx, page, p); err != nil {
			return nil, err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := page.Click(ctx, p.Selector, e.timeout(p)); err != nil {
		return nil, fmt.Errorf("click on %s failed: %w", p.Selector, err)
	}
	info := page.Info(ctx)
	return map[string]any{"selector": p.Selector, "url": info.URL, "title": info.Title}, nil
}

// typeText enters text into a field. With a delay, keystrokes are paced
// and the field is read back to report whether the text landed.
func (e *Executor) typeText(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	timeout := e.timeout(p)
	if p.URL != "" {
		if _, err := e.open(ctx, page, p); err != nil {
			return nil, err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	data := map[string]any{"selector": p.Selector, "length": len([]rune(p.Text))}

	if p.Delay > 0 {
		if p.ClearFirst {
			if err := page.Fill(ctx, p.Selector, "", timeout); err != nil {
				return nil, fmt.Errorf("clearing %s failed: %w", p.Selector, err)
			}
		}
		delay := time.Duration(p.Delay) * time.Millisecond
		if err := page.TypeText(ctx, p.Selector, p.Text, delay, timeout); err != nil {
			return nil, fmt.Errorf("typing into %s failed: %w", p.Selector, err)
		}
		value, err := page.InputValue(ctx, p.Selector, timeout)
		if err != nil {
			return nil, fmt.Errorf("reading back %s failed: %w", p.Selector, err)
		}
		verified := strings.HasSuffix(value, p.Text)
		if p.ClearFirst {
			verified = value == p.Text
		}
		data["verified"] = verified
		data["value"] = value
	} else {
		// Fill replaces the whole value, so clearFirst is implied
		if err := page.Fill(ctx, p.Selector, p.Text, timeout); err != nil {
			return nil, fmt.Errorf("filling %s failed: %w", p.Selector, err)
		}
	}

	if p.PressKey != "" {
		if err := checkpoint(ctx); err != nil {
			return data, err
		}
		if err := page.Press(ctx, p.Selector, p.PressKey, timeout); err != nil {
			return data, fmt.Errorf("pressing %s failed: %w", p.PressKey, err)
		}
		data["pressed"] = p.PressKey
	}
	return data, nil
}

// --- Waiting ---

// wait runs one wait strategy bounded by the payload timeout. Expiry is a
// failure for every strategy except the fixed-duration one, whose expiry is
// the point.
func (e *Executor) wait(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	if p.URL != "" {
		if _, err := e.open(ctx, page, p); err != nil {
			return nil, err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	timeout := e.timeout(p)
	started := time.Now()
	data := map[string]any{"waitType": string(p.WaitType)}

	if p.WaitType == WaitTimeout {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return data, kindError(ErrCancelled, "wait interrupted after %s", time.Since(started).Round(time.Millisecond))
		case <-t.C:
		}
		data["waited"] = time.Since(started).Milliseconds()
		return data, nil
	}

	// The page enforces timeout itself and must still be open afterwards
	// for the failure screenshot; wctx is only a backstop.
	wctx, cancel := context.WithTimeout(ctx, timeout+waitGrace)
	defer cancel()

	var err error
	switch p.WaitType {
	case WaitSelector:
		err = page.WaitForSelector(wctx, p.Selector, timeout)
	case WaitText:
		err = page.WaitForText(wctx, p.Text, timeout)
	case WaitNetworkIdle:
		err = page.WaitForNetworkIdle(wctx, timeout)
	default:
		return nil, kindError(ErrInvalidPayload, "unknown waitType %q", p.WaitType)
	}

	if err != nil {
		if ctx.Err() != nil {
			return data, kindError(ErrCancelled, "wait interrupted: %v", err)
		}
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return data, kindError(ErrTimeout, "%s wait exceeded %s", p.WaitType, timeout)
		}
		return data, fmt.Errorf("%s wait failed: %w", p.WaitType, err)
	}
	data["waited"] = time.Since(started).Milliseconds()
	return data, nil
}

// --- Uploads ---

// upload resolves the file first, then attaches it. The two failure modes
// carry different sentinels so callers can tell them apart.
func (e *Executor) upload(ctx context.Context, page Page, p Payload) (map[string]any, error) {
	file, err := e.resolveUpload(ctx, p)
	if err != nil {
		return nil, kindError(ErrSourceFetch, "%s source: %v", p.FileSource, err)
	}

	if p.URL != "" {
		if _, err := e.open(ctx, page, p); err != nil {
			return nil, err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	data := map[string]any{
		"fileName": file.Name,
		"mimeType": file.MimeType,
		"bytes":    len(file.Data),
		"source":   string(p.FileSource),
	}
	if err := page.SetInputFile(ctx, p.Selector, file, e.timeout(p)); err != nil {
		return data, kindError(ErrAttach, "%s: %v", p.Selector, err)
	}
	return data, nil
}

// --- Diagnostics ---

// failureData adds a best-effort screenshot to the data of a failed job.
func (e *Executor) failureData(data map[string]any, page Page) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shot, err := page.Screenshot(ctx, false)
	if err != nil || len(shot) == 0 {
		return data
	}
	data["errorScreenshot"] = base64.StdEncoding.EncodeToString(shot)
	return data
}
