// Package middleware wraps message dispatch.
//
// The innermost HandlerFunc calls Message.Handle; middlewares run around it on
// the connection's dispatch goroutine, so they see messages in arrival order and
// must not hand work to other goroutines.
package middleware

import (
	"context"

	"mini-packet/message"
)

type HandlerFunc func(ctx context.Context, c message.Conn, m message.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so the first one runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Dispatch is the innermost HandlerFunc: the message invokes its own capability on h.
func Dispatch(h message.Handler) HandlerFunc {
	return func(ctx context.Context, c message.Conn, m message.Message) error {
		return m.Handle(ctx, c, h)
	}
}
