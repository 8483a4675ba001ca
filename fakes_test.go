package browserq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeField is one control of the fake DOM.
type fakeField struct {
	typ     string
	value   string
	checked bool
	options []string
}

// fakePage is an in-memory Page. Waits block until their timeout or ctx,
// unless the awaited selector or text is present.
type fakePage struct {
	mu sync.Mutex

	url    string
	title  string
	fields map[string]*fakeField
	text   string

	cookies        []Cookie
	localStorage   map[string]string
	sessionStorage map[string]string
	analyzed       []Field
	shot           []byte

	gotoErr   error
	fillErr   map[string]error
	attachErr error
	panicOn   string

	typed    []string
	pressed  []string
	attached *UploadFile
	closed   bool

	// waitBudget is how long the last wait's context had left.
	waitBudget time.Duration
}

func newFakePage() *fakePage {
	return &fakePage{
		title:          "Fake",
		fields:         map[string]*fakeField{},
		localStorage:   map[string]string{},
		sessionStorage: map[string]string{},
		shot:           []byte("\x89PNG fake"),
		fillErr:        map[string]error{},
	}
}

func (p *fakePage) maybePanic(op string) {
	if p.panicOn == op {
		panic("boom in " + op)
	}
}

func (p *fakePage) field(selector string) (*fakeField, error) {
	f, ok := p.fields[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSelectorNotFound, selector)
	}
	return f, nil
}

func (p *fakePage) Goto(ctx context.Context, url string, timeout time.Duration) (PageInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybePanic("goto")
	if p.gotoErr != nil {
		return PageInfo{}, p.gotoErr
	}
	p.url = url
	return PageInfo{URL: url, Title: p.title}, nil
}

func (p *fakePage) Info(ctx context.Context) PageInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PageInfo{URL: p.url, Title: p.title}
}

func (p *fakePage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybePanic("click")
	_, err := p.field(selector)
	return err
}

func (p *fakePage) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fillErr[selector]; err != nil {
		return err
	}
	f, err := p.field(selector)
	if err != nil {
		return err
	}
	f.value = value
	return nil
}

func (p *fakePage) TypeText(ctx context.Context, selector, text string, delay, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.field(selector)
	if err != nil {
		return err
	}
	f.value += text
	p.typed = append(p.typed, text)
	return nil
}

func (p *fakePage) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pressed = append(p.pressed, key)
	return nil
}

func (p *fakePage) SetChecked(ctx context.Context, selector string, checked bool, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.field(selector)
	if err != nil {
		return err
	}
	f.checked = checked
	return nil
}

func (p *fakePage) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.field(selector)
	if err != nil {
		return err
	}
	for _, o := range f.options {
		if o == value {
			f.value = value
			return nil
		}
	}
	return fmt.Errorf("no option %q", value)
}

func (p *fakePage) SetInputFile(ctx context.Context, selector string, file UploadFile, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attachErr != nil {
		return p.attachErr
	}
	if _, err := p.field(selector); err != nil {
		return err
	}
	p.attached = &file
	return nil
}

func (p *fakePage) Exists(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.fields[selector]
	return ok, nil
}

func (p *fakePage) InputValue(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.field(selector)
	if err != nil {
		return "", err
	}
	return f.value, nil
}

func (p *fakePage) ReadField(ctx context.Context, selector string) (FieldState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.field(selector)
	if err != nil {
		return FieldState{}, err
	}
	return FieldState{Value: f.value, Checked: f.checked}, nil
}

func (p *fakePage) AnalyzeForm(ctx context.Context) ([]Field, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Field, len(p.analyzed))
	copy(out, p.analyzed)
	return out, nil
}

func (p *fakePage) blockUntil(ctx context.Context, timeout time.Duration, ready func() bool) error {
	if dl, ok := ctx.Deadline(); ok {
		p.mu.Lock()
		p.waitBudget = time.Until(dl)
		p.mu.Unlock()
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		p.mu.Lock()
		ok := ready()
		p.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: waited %s", ErrTimeout, timeout)
		case <-tick.C:
		}
	}
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return p.blockUntil(ctx, timeout, func() bool { _, ok := p.fields[selector]; return ok })
}

func (p *fakePage) WaitForText(ctx context.Context, text string, timeout time.Duration) error {
	return p.blockUntil(ctx, timeout, func() bool { return strings.Contains(p.text, text) })
}

func (p *fakePage) WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybePanic("screenshot")
	if p.shot == nil {
		return nil, fmt.Errorf("screenshot unavailable")
	}
	return p.shot, nil
}

func (p *fakePage) Cookies(ctx context.Context) ([]Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Cookie(nil), p.cookies...), nil
}

func (p *fakePage) Storage(ctx context.Context, kind StorageKind) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.localStorage
	if kind == StorageSession {
		src = p.sessionStorage
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeBrowser hands out pages built by newPage.
type fakeBrowser struct {
	mu      sync.Mutex
	newPage func() *fakePage
	pages   []*fakePage
	err     error
}

func (b *fakeBrowser) NewPage(ctx context.Context) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	p := newFakePage()
	if b.newPage != nil {
		p = b.newPage()
	}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *fakeBrowser) Close() error { return nil }

func (b *fakeBrowser) last() *fakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[len(b.pages)-1]
}

func singlePage(p *fakePage) *fakeBrowser {
	return &fakeBrowser{newPage: func() *fakePage { return p }}
}

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (s *memStore) Upload(ctx context.Context, key string, data []byte, contentType string) (StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return StoredObject{}, s.err
	}
	s.objects["default/"+key] = data
	return StoredObject{Key: key, Bucket: "default", URL: "https://objects.test/default/" + key}, nil
}

func (s *memStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket == "" {
		bucket = "default"
	}
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no such key %s/%s", bucket, key)
	}
	return data, nil
}

func (s *memStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://objects.test/default/" + key, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, "default/"+key)
	return nil
}

func (s *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, "default/"+prefix) {
			keys = append(keys, strings.TrimPrefix(k, "default/"))
		}
	}
	return keys, nil
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testConfig() Config {
	return Config{
		RedisPrefix:     "TEST:",
		LeaseTimeout:    time.Second,
		MaxAttempts:     2,
		ResultRetention: time.Hour,
		SessionTTL:      time.Minute,
	}
}

// testClock is a settable clock for lease tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// formPage has five fields: two text inputs, an email, a checkbox and a
// select.
func formPage() *fakePage {
	p := newFakePage()
	p.title = "Sign up"
	p.fields = map[string]*fakeField{
		"#first":   {typ: "text"},
		"#last":    {typ: "text"},
		"#email":   {typ: "email"},
		"#terms":   {typ: "checkbox"},
		"#country": {typ: "select", options: []string{"de", "fr", "uk"}},
	}
	p.analyzed = []Field{
		{Selector: "#first", Type: "text", Label: "First name", Name: "first", Required: true},
		{Selector: "#last", Type: "text", Label: "Last name", Name: "last"},
		{Selector: "#email", Type: "email", Label: "Email", Name: "email", Required: true},
		{Selector: "#terms", Type: "checkbox", Label: "Accept terms", Name: "terms"},
		{Selector: "#country", Type: "select", Label: "Country", Name: "country", Options: []string{"de", "fr", "uk"}},
	}
	return p
}
