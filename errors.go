package browserq

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJobType   = errors.New("unknown job type")
	ErrInvalidPayload   = errors.New("invalid job payload")
	ErrJobNotFound      = errors.New("job not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskExists       = errors.New("task already exists")
	ErrTimeout          = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
	ErrSourceFetch      = errors.New("could not fetch upload source")
	ErrAttach           = errors.New("could not attach file to form")
	ErrSelectorNotFound = errors.New("selector not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotConfigured    = errors.New("not configured")
)

// BrowserError is the custom error type for the queue and executor. Kind,
// when set, is one of the sentinel errors above so callers can errors.Is it.
type BrowserError struct {
	Kind    error
	Message string
}

func (e *BrowserError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("browserq: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("browserq: %s", e.Message)
}

func (e *BrowserError) Unwrap() error {
	return e.Kind
}

// NewBrowserError helps create a new error
func NewBrowserError(format string, a ...interface{}) error {
	return &BrowserError{
		Message: fmt.Sprintf(format, a...),
	}
}

// kindError creates a BrowserError tagged with one of the sentinels.
func kindError(kind error, format string, a ...interface{}) error {
	return &BrowserError{
		Kind:    kind,
		Message: fmt.Sprintf(format, a...),
	}
}
