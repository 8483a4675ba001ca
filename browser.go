package browserq

import (
	"context"
	"time"
)

// Browser hands out pages. Every page lives in its own browser context, so a
// job never shares cookies or storage with another in-flight job.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// PageInfo is the location of a page after an action.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// FieldState is what a form control currently holds.
type FieldState struct {
	Value   string
	Checked bool
}

// UploadFile is a resolved file ready to be attached to an input.
type UploadFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// StorageKind is the type of web storage.
type StorageKind string

const (
	StorageLocal   StorageKind = "local"
	StorageSession StorageKind = "session"
)

// Page is the set of browser operations the executor needs. Implementations
// report expired waits as ErrTimeout and missing elements as
// ErrSelectorNotFound where they can tell.
type Page interface {
	Goto(ctx context.Context, url string, timeout time.Duration) (PageInfo, error)
	Info(ctx context.Context) PageInfo

	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
	TypeText(ctx context.Context, selector, text string, delay, timeout time.Duration) error
	Press(ctx context.Context, selector, key string, timeout time.Duration) error
	SetChecked(ctx context.Context, selector string, checked bool, timeout time.Duration) error
	SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error
	SetInputFile(ctx context.Context, selector string, file UploadFile, timeout time.Duration) error

	Exists(ctx context.Context, selector string) (bool, error)
	InputValue(ctx context.Context, selector string, timeout time.Duration) (string, error)
	ReadField(ctx context.Context, selector string) (FieldState, error)
	AnalyzeForm(ctx context.Context) ([]Field, error)

	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	WaitForText(ctx context.Context, text string, timeout time.Duration) error
	WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error

	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Storage(ctx context.Context, kind StorageKind) (map[string]string, error)

	Close() error
}
