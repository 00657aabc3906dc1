package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	ErrMissingCredentials = errors.New("missing channel credentials")
)

// Error is a failure talking to a channel provider. Temporary errors are retried with backoff.
type Error struct {
	Op         string
	ChannelID  string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s failed for channel %s (http %d): %v", e.Op, e.ChannelID, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("transport %s failed for channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

func NewError(op, channelID string, statusCode int, err error) *Error {
	return &Error{Op: op, ChannelID: channelID, StatusCode: statusCode, Err: err}
}

// IsTemporary checks if an error is a transport error worth retrying. Errors that are
// not transport errors are treated as temporary.
func IsTemporary(err error) bool {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Temporary()
	}

	return true
}

func IsTransportError(err error) bool {
	var transportErr *Error

	return errors.As(err, &transportErr)
}
