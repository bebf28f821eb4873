package session

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by SendRequest and the registry. Matches spec's
// error taxonomy: NotConnected, Timeout, Cancelled, RemoteError.
var (
	ErrNotConnected = errors.New("session: agent not connected")
	ErrTimeout      = errors.New("session: request timed out")
	ErrCancelled    = errors.New("session: request cancelled (connection torn down)")
)

// RemoteError wraps an error object returned by the agent in a Response
// frame. Surfaced to the caller verbatim.
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: remote error %d: %s", e.Code, e.Message)
}
