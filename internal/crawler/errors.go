package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the run store, selector, and pipeline.
var (
	ErrRunNotFound       = errors.New("run directory not found")
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	ErrCorruptShard      = errors.New("corrupt shard")
	ErrTransientFetch    = errors.New("transient fetch error")
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
)

// FetchError wraps a fetch failure after all attempts were exhausted.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

// Unwrap exposes both the transient marker and the underlying cause.
func (e *FetchError) Unwrap() []error {
	return []error{ErrTransientFetch, e.Err}
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}
