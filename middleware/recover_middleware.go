package middleware

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"mini-packet/message"
)

var ErrHandlerPanic = errors.New("middleware: handler panic")

// RecoverMiddleware turns a panicking handler into an error, so only the
// offending connection is torn down.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c message.Conn, m message.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %q: %v\n%s", ErrHandlerPanic, m.Tag(), r, debug.Stack())
				}
			}()
			return next(ctx, c, m)
		}
	}
}
