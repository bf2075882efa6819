package protocol

import (
	"errors"
	"io"
	"iter"
)

const readChunkSize = 4096

// Reader pulls frames out of a byte stream such as a net.Conn.
// It reads in chunks and lets a Decoder hold back partial frames, so it
// tolerates TCP splitting or coalescing frames at any byte offset.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
	err   error // terminal read error, reported once buffered frames are drained
}

// NewReader returns a Reader that rejects payloads longer than max bytes.
func NewReader(r io.Reader, max uint32) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(max),
		chunk: make([]byte, readChunkSize),
	}
}

// ReadFrame returns the next complete payload.
//
// A clean end of stream between frames returns io.EOF; an end of stream inside
// a frame returns io.ErrUnexpectedEOF. Timeout errors from the underlying reader
// are returned as-is and are not terminal, so the caller may retry.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		p, ok, err := r.dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}

		if r.err != nil {
			if errors.Is(r.err, io.EOF) && r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}

		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
		}
		if err != nil {
			if isTimeout(err) {
				if n == 0 {
					return nil, err
				}
				continue
			}
			r.err = err
		}
	}
}

// Release drops the reader's buffer. The reader must not be used afterwards.
func (r *Reader) Release() {
	r.dec.Reset()
	r.chunk = nil
	if r.err == nil {
		r.err = io.ErrClosedPipe
	}
}

// Frames returns a lazy sequence of payloads read from r. The sequence ends
// silently on a clean io.EOF; any other error is yielded once as the last element.
func Frames(r io.Reader, max uint32) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		fr := NewReader(r, max)
		for {
			p, err := fr.ReadFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
