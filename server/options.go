package server

import (
	"time"

	"go.uber.org/zap"

	"streamrpc/message"
	"streamrpc/middleware"
	"streamrpc/transport"
)

// Option configures an RpcServer, a Dispatcher or a Server.
type Option func(*options)

type options struct {
	log         *zap.Logger
	middlewares []middleware.Middleware
	validate    message.Validator
	cancelGrace time.Duration
	conn        transport.ConnOptions
}

func buildOptions(opts []Option) *options {
	o := &options{
		log:      zap.NewNop(),
		validate: message.Validate,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMiddleware appends middlewares around every call. They apply in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithValidator replaces message.Validate as the check every incoming packet must pass.
func WithValidator(v message.Validator) Option {
	return func(o *options) {
		if v != nil {
			o.validate = v
		}
	}
}

// WithCancelGrace bounds how long a cancelled stream may take to stop. Once the grace has
// passed without the producer returning, STREAM_CANCELLED is sent anyway and anything the
// producer does afterwards is discarded. Zero, the default, waits for the producer.
func WithCancelGrace(d time.Duration) Option {
	return func(o *options) { o.cancelGrace = d }
}

// WithConnOptions configures the transports a Server wraps around accepted connections.
func WithConnOptions(c transport.ConnOptions) Option {
	return func(o *options) { o.conn = c }
}
