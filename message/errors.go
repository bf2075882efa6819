package message

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMessageType = errors.New("message: unknown message type")
	ErrMalformedMessage   = errors.New("message: malformed message")
	ErrDuplicateTag       = errors.New("message: duplicate tag")
	ErrEmptyTag           = errors.New("message: empty tag")
	ErrNilDecoder         = errors.New("message: nil decoder")
	ErrRegistrySealed     = errors.New("message: registry sealed")
	ErrTagMismatch        = errors.New("message: decoded tag mismatch")
	ErrUnhandled          = errors.New("message: handler lacks capability")
)

// UnhandledError is returned by As when the handler does not implement the
// capability a variant needs. It matches ErrUnhandled.
type UnhandledError struct {
	Tag string
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("message: handler lacks capability for %q", e.Tag)
}

func (e *UnhandledError) Is(target error) bool {
	return target == ErrUnhandled
}
