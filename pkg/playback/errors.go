package playback

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an id the
	// manager has never seen. Caller error, never retried internally.
	ErrNotFound = errors.New("video not found")

	// ErrManagerClosed is returned by every method after Close.
	ErrManagerClosed = errors.New("manager closed")

	// ErrInvalidTransition is returned when a lifecycle move is requested
	// out of a terminal phase. Indicates a caller bug.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAcquireTimeout marks an acquire that neither completed nor
	// failed within the configured bound.
	ErrAcquireTimeout = errors.New("resource acquire timed out")
)

// AcquireError records a failed controller acquire. Acquire failures are
// expected in normal operation: they are written into the video's state
// and drive the retry policy, never returned from Manager methods.
type AcquireError struct {
	Cause   error
	Timeout bool
}

func (e *AcquireError) Error() string {
	if e.Timeout {
		return "acquire timed out"
	}
	return fmt.Sprintf("acquire failed: %v", e.Cause)
}

func (e *AcquireError) Unwrap() error { return e.Cause }
