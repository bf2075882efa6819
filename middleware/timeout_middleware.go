package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mini-packet/message"
)

var ErrHandlerTimeout = errors.New("middleware: handler timed out")

// TimeOutMiddleware bounds a handler with a context deadline. The handler runs
// inline to keep per-connection ordering, so it must honor ctx to be cut short.
//
// A failing handler is reported as ErrHandlerTimeout only when this deadline
// fired; success at the deadline and a caller's earlier deadline pass through.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c message.Conn, m message.Message) error {
			expired := fmt.Errorf("%w: %q after %s", ErrHandlerTimeout, m.Tag(), timeout)
			ctx, cancel := context.WithTimeoutCause(ctx, timeout, expired)
			defer cancel()

			err := next(ctx, c, m)
			if err != nil && context.Cause(ctx) == expired {
				return expired
			}
			return err
		}
	}
}
