package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"streamrpc/errcodec"
	"streamrpc/message"
)

// LoggingMiddleware logs each call with its duration, and its error if it failed.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Info("call failed", append(fields, zap.String("error", errcodec.Encode(err)))...)
			} else {
				log.Debug("call", fields...)
			}
			return result, err
		}
	}
}
