package upstream

import (
	"errors"
	"fmt"
)

// ErrAuthExpired is returned when the backend no longer accepts the
// session token. Callers propagate it to the session-wide logged-out state.
var ErrAuthExpired = errors.New("authentication expired")

// NetworkError wraps a transport-level failure: the request never got a
// response. Poll callers retry on the next tick; send callers surface it
// so the user can retry explicitly.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network failure: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedError is a definitive server rejection (HTTP error status).
// For sends it maps the optimistic message to the failed state.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("rejected with status %d: %s", e.StatusCode, e.Message)
}
