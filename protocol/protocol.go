// Package protocol implements the length-prefixed frame protocol for mini-packet.
//
// It solves TCP's sticky packet problem with a fixed 4-byte header carrying the
// payload length, followed by exactly that many payload bytes. The receiver holds
// back partial frames until the remaining bytes arrive.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────┐
//	│ length  │    payload ...    │
//	│ uint32  │   length bytes    │
//	└─────────┴───────────────────┘
//
// The length is big-endian and excludes the header itself. A length of 0 is a
// valid, empty payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize          = 4       // uint32 big-endian payload length
	DefaultMaxFrameSize = 1 << 20 // 1 MiB
)

var (
	// ErrFrameTooLarge is returned when a declared or outgoing payload length
	// exceeds the configured maximum. Byte alignment is lost after it, so the
	// connection carrying it must be closed.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Encode prepends the 4-byte length header to payload and returns the frame.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes one complete frame to w in a single Write call.
// The caller must serialize writers sharing w, otherwise frames interleave.
func WriteFrame(w io.Writer, payload []byte, max uint32) error {
	if uint64(len(payload)) > uint64(max) {
		return fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(payload), max)
	}
	_, err := w.Write(Encode(payload))
	return err
}

// Decoder is a push-style frame decoder. Bytes are fed in arbitrary chunks and
// complete payloads are pulled out with Next. A Decoder belongs to exactly one
// connection and is not safe for concurrent use.
type Decoder struct {
	max uint32
	buf []byte
	off int   // start of unconsumed bytes in buf
	err error // sticky: once the stream is misaligned nothing else is decoded
}

// NewDecoder creates a decoder that rejects payloads longer than max bytes.
func NewDecoder(max uint32) *Decoder {
	return &Decoder{max: max}
}

// Feed appends raw stream bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil || len(p) == 0 {
		return
	}
	d.buf = append(d.buf, p...)
}

// Next extracts one complete payload. It returns ok=false when the buffer holds
// only a partial frame. The header is checked as soon as it is complete, so an
// oversized frame is rejected before its payload is buffered.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if d.err != nil {
		return nil, false, d.err
	}

	avail := d.buf[d.off:]
	if len(avail) < HeaderSize {
		d.compact()
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(avail[:HeaderSize])
	if n > d.max {
		d.err = fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, n, d.max)
		d.buf, d.off = nil, 0
		return nil, false, d.err
	}

	if uint64(len(avail)-HeaderSize) < uint64(n) {
		d.compact()
		return nil, false, nil
	}

	payload = make([]byte, n)
	copy(payload, avail[HeaderSize:HeaderSize+int(n)])
	d.off += HeaderSize + int(n)

	if d.off == len(d.buf) {
		d.buf, d.off = d.buf[:0], 0
	}
	return payload, true, nil
}

// Decode feeds chunk and drains every payload it completes.
func (d *Decoder) Decode(chunk []byte) ([][]byte, error) {
	d.Feed(chunk)

	var out [][]byte
	for {
		p, ok, err := d.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, p)
	}
}

// Buffered returns the number of bytes held back for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Reset drops buffered bytes and any sticky error, releasing the buffer.
func (d *Decoder) Reset() {
	d.buf, d.off, d.err = nil, 0, nil
}

// compact moves unconsumed bytes to the front so the buffer does not grow
// without bound on a long-lived connection.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf, d.off = d.buf[:n], 0
}
