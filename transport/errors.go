package transport

import (
	"errors"
	"fmt"
)

var ErrConnectionClosed = errors.New("transport: connection closed")

// WriteError is reported to OnError when a frame could not be written.
type WriteError struct {
	Tag string // empty for heartbeats
	Err error
}

func (e *WriteError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("transport: write heartbeat: %v", e.Err)
	}
	return fmt.Sprintf("transport: write %q: %v", e.Tag, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
