package middleware

import (
	"context"
	"fmt"
	"time"

	"streamrpc/errcodec"
	"streamrpc/message"
)

type callResult struct {
	value any
	err   error
}

// TimeoutMiddleware fails a call that runs longer than timeout. The method's context is
// cancelled at the same moment; a method that ignores it keeps running in the background
// and its result is discarded. That goroutine is started with Go, so a dispatcher still
// waits for it when draining.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan callResult, 1)
			Go(ctx, func() {
				defer func() {
					// Recovered here: a panic cannot cross to the caller's goroutine.
					if r := recover(); r != nil {
						done <- callResult{err: &errcodec.PanicError{Msg: fmt.Sprint(r)}}
					}
				}()
				v, err := next(ctx, req)
				done <- callResult{v, err}
			})

			select {
			case r := <-done:
				return r.value, r.err
			case <-ctx.Done():
				return nil, &errcodec.TimeoutError{Msg: "request timed out"}
			}
		}
	}
}
