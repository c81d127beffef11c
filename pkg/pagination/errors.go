package pagination

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyPages is wrapped by a ProxyRequestError when the loop would
	// exceed Config.MaxPages.
	ErrTooManyPages = errors.New("page limit exceeded")

	// ErrRequestTooLarge is returned when the inbound body exceeds
	// Config.MaxBodyBytes.
	ErrRequestTooLarge = errors.New("request body too large")
)

// ProxyRequestError reports a failed forward. Page is the page the loop was
// fetching; pass-through requests report page 0.
type ProxyRequestError struct {
	Page int

	// StatusCode is set when the upstream answered a later page with a
	// non-2xx status.
	StatusCode int

	Err error
}

// Error implements the error interface.
func (e *ProxyRequestError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("page %d: upstream returned status %d", e.Page, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("page %d: %v", e.Page, e.Err)
	default:
		return fmt.Sprintf("page %d: request failed", e.Page)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProxyRequestError) Unwrap() error {
	return e.Err
}

// UpstreamFormatError reports an envelope whose pagination fields cannot be
// interpreted, e.g. a non-numeric meta.pageNumber.
type UpstreamFormatError struct {
	Page  int
	Field string
	Value string
	Err   error
}

// Error implements the error interface.
func (e *UpstreamFormatError) Error() string {
	msg := fmt.Sprintf("page %d: malformed %s", e.Page, e.Field)
	if e.Value != "" {
		msg += fmt.Sprintf(" %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamFormatError) Unwrap() error {
	return e.Err
}
