package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-packet/message"
)

type limiterKey struct{}

// RateLimitMiddleware gives every connection its own token bucket.
// A connection over its rate waits for a token, which stops reads on that
// connection and pushes back on the peer through TCP flow control.
func RateLimitMiddleware(r float64, burst int) Middleware {
	key := &limiterKey{} // one limiter per connection per middleware instance
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c message.Conn, m message.Message) error {
			limiter, ok := c.Attr(key).(*rate.Limiter)
			if !ok {
				limiter = rate.NewLimiter(rate.Limit(r), burst)
				c.SetAttr(key, limiter)
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return next(ctx, c, m)
		}
	}
}
