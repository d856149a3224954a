// Package middleware wraps the server's call handler.
//
// Middlewares see every REQUEST and NOTIFY before the method runs and its result after.
// Streams bypass the chain: their lifetime is owned by the dispatcher's running-stream set.
package middleware

import (
	"context"

	"streamrpc/message"
)

// HandlerFunc runs one call. req is a REQUEST or NOTIFY packet; the result is marshalled into
// the RESPONSE, the error encoded into an ERROR packet.
type HandlerFunc func(ctx context.Context, req *message.Packet) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type spawnKey struct{}

// WithSpawn returns a ctx under which Go starts goroutines through spawn. The dispatcher
// uses it to count work a middleware moves off the call's goroutine.
func WithSpawn(ctx context.Context, spawn func(fn func())) context.Context {
	return context.WithValue(ctx, spawnKey{}, spawn)
}

// Go runs fn on a new goroutine, through the spawn function installed by WithSpawn if any.
func Go(ctx context.Context, fn func()) {
	if spawn, ok := ctx.Value(spawnKey{}).(func(fn func())); ok {
		spawn(fn)
		return
	}
	go fn()
}
