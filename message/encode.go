package message

import (
	"fmt"

	"mini-packet/codec"
)

// Encode serializes m's fields and seals them with m's tag.
func Encode(c codec.Codec, m Message) ([]byte, error) {
	body, err := c.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode %q: %w", m.Tag(), err)
	}
	return c.Seal(m.Tag(), body)
}

// Decode parses an envelope and rebuilds the variant registered under its tag.
//
// Errors match ErrMalformedMessage when the envelope or body cannot be parsed,
// and ErrUnknownMessageType when the tag was never registered.
func Decode(r *Registry, c codec.Codec, data []byte) (Message, error) {
	tag, body, err := c.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	dec, err := r.Resolve(tag)
	if err != nil {
		return nil, err
	}

	m, err := dec(c, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedMessage, tag, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: decoder for %q built no message", ErrMalformedMessage, tag)
	}
	if m.Tag() != tag {
		return nil, fmt.Errorf("%w: decoder for %q built %q", ErrTagMismatch, tag, m.Tag())
	}
	return m, nil
}
