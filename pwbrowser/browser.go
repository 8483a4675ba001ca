// Package pwbrowser drives Chromium through Playwright for the job executor.
package pwbrowser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/isoautomate/browserq"
	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

// Config configures the browser process.
type Config struct {
	Headless bool
	// Install downloads the driver and browsers on first start.
	Install bool
	// ExecutablePath overrides the bundled Chromium.
	ExecutablePath string
	UserAgent      string
	Locale         string
}

// Browser is a single Chromium process. Every page gets its own browser
// context, so jobs running side by side never see each other's cookies or
// storage.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	cfg     Config
	log     logrus.FieldLogger

	mu     sync.Mutex
	closed bool
}

var _ browserq.Browser = (*Browser)(nil)

// Launch starts Playwright and Chromium.
func Launch(cfg Config, log logrus.FieldLogger) (*Browser, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("failed to install playwright browsers: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	}
	if cfg.ExecutablePath != "" {
		opts.ExecutablePath = playwright.String(cfg.ExecutablePath)
	}
	b, err := pw.Chromium.Launch(opts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}

	log.WithField("headless", cfg.Headless).Info("browser launched")
	return &Browser{pw: pw, browser: b, cfg: cfg, log: log}, nil
}

// NewPage opens a page in a fresh browser context.
func (b *Browser) NewPage(ctx context.Context) (browserq.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("browser is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := playwright.BrowserNewContextOptions{AcceptDownloads: playwright.Bool(false)}
	if b.cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(b.cfg.UserAgent)
	}
	if b.cfg.Locale != "" {
		opts.Locale = playwright.String(b.cfg.Locale)
	}
	bctx, err := b.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	pwPage, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &Page{page: pwPage, bctx: bctx}, nil
}

// Close shuts down Chromium and the Playwright driver.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser: %w", err))
	}
	if err := b.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop playwright: %w", err))
	}
	return errors.Join(errs...)
}
