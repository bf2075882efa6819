// Package message defines the typed unit exchanged between peers and the
// registry that turns a wire tag back into a concrete variant.
//
// A Message is encoded by the codec layer into a {type, data} envelope and
// wrapped in a protocol frame for transmission over TCP. On the receiving side
// the envelope's tag selects a decoder from the Registry, and the decoded
// variant dispatches itself onto the application's Handler:
//
//	frame payload → codec.Open → Registry.Resolve(tag) → DecodeFunc → Message.Handle(ctx, conn, handler)
package message

import (
	"context"
	"net"
	"time"
)

// Message is one concrete, immutable variant.
//
// Tag must be stable across wire versions and unique per variant. Handle
// invokes exactly one capability of h that matches the variant, typically
// through As:
//
//	func (p *Ping) Handle(ctx context.Context, c message.Conn, h message.Handler) error {
//		ph, err := message.As[PingHandler](h, p.Tag())
//		if err != nil {
//			return err
//		}
//		return ph.OnPing(ctx, c, p)
//	}
type Message interface {
	Tag() string
	Handle(ctx context.Context, c Conn, h Handler) error
}

// Conn is the view of a live connection that handlers receive.
type Conn interface {
	ID() string
	RemoteAddr() net.Addr
	LastActivity() time.Time
	Send(ctx context.Context, m Message) error
	Close() error
	Attr(key any) any
	SetAttr(key, value any)
}

// Handler is the lifecycle part of the application's capability set. The
// per-variant capabilities are separate interfaces asserted by each variant.
type Handler interface {
	// OnConnected fires once the connection is established. A non-nil error closes it.
	OnConnected(c Conn) error
	// OnDisconnected fires exactly once, after the connection's loops have stopped.
	OnDisconnected(c Conn)
	// OnError reports the fatal error that is tearing the connection down.
	OnError(c Conn, err error)
}

// IdleHandler is optionally implemented by a Handler to learn about read timeouts.
type IdleHandler interface {
	OnIdle(c Conn) error
}

// HandlerAdapter implements Handler with no-ops, for embedding.
type HandlerAdapter struct{}

func (HandlerAdapter) OnConnected(Conn) error { return nil }
func (HandlerAdapter) OnDisconnected(Conn)    {}
func (HandlerAdapter) OnError(Conn, error)    {}

// As asserts that h has capability C. Variants call it from Handle.
func As[C any](h Handler, tag string) (C, error) {
	c, ok := h.(C)
	if !ok {
		var zero C
		return zero, &UnhandledError{Tag: tag}
	}
	return c, nil
}
