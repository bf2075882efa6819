package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-packet/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c message.Conn, m message.Message) error {
			start := time.Now()
			err := next(ctx, c, m)
			fields := []zap.Field{
				zap.String("conn_id", c.ID()),
				zap.String("tag", m.Tag()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("dispatch failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("dispatched", fields...)
			return nil
		}
	}
}
