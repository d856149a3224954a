package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"streamrpc/errcodec"
	"streamrpc/message"
)

// RetryMiddleware re-runs a call that failed with a Timeout error, up to maxRetries more
// times, waiting an exponentially growing delay starting at baseDelay. Other errors return
// at once. Only use it for idempotent methods.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			b := &backoff.Backoff{Min: baseDelay, Max: retryCeiling(baseDelay, maxRetries), Factor: 2}
			result, err := next(ctx, req)
			for i := 0; i < maxRetries && retryable(err); i++ {
				delay := b.Duration()
				log.Info("retrying call",
					zap.String("method", req.Method),
					zap.Int("attempt", i+1),
					zap.Duration("delay", delay),
					zap.Error(err))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, err
				}
				result, err = next(ctx, req)
			}
			return result, err
		}
	}
}

// maxRetryDelay caps the wait between two attempts.
const maxRetryDelay = time.Minute

// retryCeiling is the delay before the last retry, baseDelay doubled once per earlier retry,
// capped at maxRetryDelay unless baseDelay alone is longer.
func retryCeiling(baseDelay time.Duration, maxRetries int) time.Duration {
	d := baseDelay
	for i := 1; i < maxRetries && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, max(baseDelay, maxRetryDelay))
}

func retryable(err error) bool {
	var timeout *errcodec.TimeoutError
	return errors.As(err, &timeout)
}
