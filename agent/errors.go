package agent

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by presence updates while the client has no
// live connection.
var ErrNotConnected = errors.New("agent: not connected")

// ErrUpdateRejected is reported through OnError when the server will not
// accept the local edits. The client stops reconnecting; the edits stay in
// the local document and are offered again on the next Connect.
var ErrUpdateRejected = errors.New("agent: update rejected by server")

// ConnectionError is reported once reconnection attempts are exhausted. The
// client stays disconnected until Connect is called again.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("agent: could not connect to %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
