package pwbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isoautomate/browserq"
	"github.com/playwright-community/playwright-go"
)

// Page wraps a Playwright page and the browser context it owns.
type Page struct {
	page playwright.Page
	bctx playwright.BrowserContext

	closeOnce sync.Once
	closeErr  error
}

var _ browserq.Page = (*Page)(nil)

func ms(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

// do runs fn and aborts it when ctx ends. Playwright calls are not context
// aware; closing the browser context makes the pending call return.
func (p *Page) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return mapErr(err)
	case <-ctx.Done():
		_ = p.Close()
		<-done
		return ctx.Err()
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", browserq.ErrTimeout, err)
	}
	return err
}

func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) (browserq.PageInfo, error) {
	err := p.do(ctx, func() error {
		_, err := p.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
			Timeout:   ms(timeout),
		})
		return err
	})
	if err != nil {
		return browserq.PageInfo{}, err
	}
	return p.Info(ctx), nil
}

func (p *Page) Info(ctx context.Context) browserq.PageInfo {
	title, _ := p.page.Title()
	return browserq.PageInfo{URL: p.page.URL(), Title: title}
}

func (p *Page) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.Locator(selector).Click(playwright.LocatorClickOptions{Timeout: ms(timeout)})
	})
}

func (p *Page) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.Locator(selector).Fill(value, playwright.LocatorFillOptions{Timeout: ms(timeout)})
	})
}

func (p *Page) TypeText(ctx context.Context, selector, text string, delay, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.Locator(selector).Type(text, playwright.LocatorTypeOptions{
			Delay:   ms(delay),
			Timeout: ms(timeout),
		})
	})
}

func (p *Page) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.Locator(selector).Press(key, playwright.LocatorPressOptions{Timeout: ms(timeout)})
	})
}

func (p *Page) SetChecked(ctx context.Context, selector string, checked bool, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.Locator(selector).SetChecked(checked, playwright.LocatorSetCheckedOptions{Timeout: ms(timeout)})
	})
}

// SelectOption matches value against option values first, then labels.
func (p *Page) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	return p.do(ctx, func() error {
		loc := p.page.Locator(selector)
		values := []string{value}
		_, err := loc.SelectOption(playwright.SelectOptionValues{Values: &values}, playwright.LocatorSelectOptionOptions{
			Timeout: ms(timeout / 2),
		})
		if err == nil {
			return nil
		}
		_, lerr := loc.SelectOption(playwright.SelectOptionValues{Labels: &values}, playwright.LocatorSelectOptionOptions{
			Timeout: ms(timeout / 2),
		})
		if lerr != nil {
			return fmt.Errorf("no option with value or label %q: %w", value, err)
		}
		return nil
	})
}

func (p *Page) SetInputFile(ctx context.Context, selector string, file browserq.UploadFile, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.Locator(selector).SetInputFiles([]playwright.InputFile{{
			Name:     file.Name,
			MimeType: file.MimeType,
			Buffer:   file.Data,
		}}, playwright.LocatorSetInputFilesOptions{Timeout: ms(timeout)})
	})
}

func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	var n int
	err := p.do(ctx, func() error {
		var err error
		n, err = p.page.Locator(selector).Count()
		return err
	})
	return n > 0, err
}

func (p *Page) InputValue(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	var v string
	err := p.do(ctx, func() error {
		var err error
		v, err = p.page.Locator(selector).InputValue(playwright.LocatorInputValueOptions{Timeout: ms(timeout)})
		return err
	})
	return v, err
}

func (p *Page) ReadField(ctx context.Context, selector string) (browserq.FieldState, error) {
	var raw interface{}
	err := p.do(ctx, func() error {
		var err error
		raw, err = p.page.Locator(selector).First().Evaluate(readFieldJS, nil)
		return err
	})
	if err != nil {
		return browserq.FieldState{}, err
	}
	var st struct {
		Value   string `json:"value"`
		Checked bool   `json:"checked"`
	}
	if err := remarshal(raw, &st); err != nil {
		return browserq.FieldState{}, err
	}
	return browserq.FieldState{Value: st.Value, Checked: st.Checked}, nil
}

func (p *Page) AnalyzeForm(ctx context.Context) ([]browserq.Field, error) {
	var raw interface{}
	err := p.do(ctx, func() error {
		var err error
		raw, err = p.page.Evaluate(analyzeFormJS)
		return err
	})
	if err != nil {
		return nil, err
	}
	var fields []browserq.Field
	if err := remarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unexpected analysis output: %w", err)
	}
	return fields, nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return p.do(ctx, func() error {
		_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: ms(timeout),
		})
		return err
	})
}

func (p *Page) WaitForText(ctx context.Context, text string, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.GetByText(text).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: ms(timeout),
		})
	})
}

func (p *Page) WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error {
	return p.do(ctx, func() error {
		return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: ms(timeout),
		})
	})
}

func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var data []byte
	err := p.do(ctx, func() error {
		var err error
		data, err = p.page.Screenshot(playwright.PageScreenshotOptions{
			FullPage: playwright.Bool(fullPage),
			Type:     playwright.ScreenshotTypePng,
		})
		return err
	})
	return data, err
}

func (p *Page) Cookies(ctx context.Context) ([]browserq.Cookie, error) {
	pwCookies, err := p.bctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies failed: %w", err)
	}

	cookies := make([]browserq.Cookie, len(pwCookies))
	for i, c := range pwCookies {
		sameSite := ""
		if c.SameSite != nil {
			sameSite = string(*c.SameSite)
		}
		cookies[i] = browserq.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
			SameSite: sameSite,
		}
	}
	return cookies, nil
}

func (p *Page) Storage(ctx context.Context, kind browserq.StorageKind) (map[string]string, error) {
	store := "localStorage"
	if kind == browserq.StorageSession {
		store = "sessionStorage"
	}
	var raw interface{}
	err := p.do(ctx, func() error {
		var err error
		raw, err = p.page.Evaluate(dumpStorageJS, store)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get storage failed: %w", err)
	}

	values := make(map[string]string)
	if m, ok := raw.(map[string]interface{}); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				values[k] = s
			}
		}
	}
	return values, nil
}

// Close closes the page's browser context. Safe to call more than once.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.bctx.Close()
	})
	return p.closeErr
}

func remarshal(in, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
