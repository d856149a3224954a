package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"streamrpc/errcodec"
	"streamrpc/message"
)

// RateLimitMiddleware admits calls through a token bucket refilled at r per second, holding
// at most burst tokens. Calls arriving with the bucket empty fail with RateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			if !limiter.Allow() {
				return nil, &errcodec.RateLimitedError{Msg: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
