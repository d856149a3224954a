package client

import (
	"go.uber.org/zap"

	"streamrpc/errcodec"
	"streamrpc/logging"
	"streamrpc/message"
	"streamrpc/transport"
)

// Option configures an RpcClient and the dialers that create one.
type Option func(*options)

type options struct {
	log         *zap.Logger
	validate    message.Validator
	errors      *errcodec.Registry
	conn        transport.ConnOptions
	http        transport.HTTPOptions
	maxAttempts int
}

func buildOptions(opts []Option) *options {
	o := &options{
		log:         zap.NewNop(),
		validate:    message.Validate,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.errors == nil {
		o.errors = errcodec.NewStandardRegistry()
	}
	if o.conn.Logger == nil {
		o.conn.Logger = o.log
	}
	if o.http.Logger == nil {
		o.http.Logger = o.log
	}
	return o
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = logging.OrNop(log) }
}

// WithValidator replaces message.Validate as the check every incoming packet must pass.
func WithValidator(v message.Validator) Option {
	return func(o *options) {
		if v != nil {
			o.validate = v
		}
	}
}

// WithErrorRegistry sets the registry ERROR packets are decoded with. Names it does not
// hold decode to *errcodec.RemoteError. The default is errcodec.NewStandardRegistry().
func WithErrorRegistry(r *errcodec.Registry) Option {
	return func(o *options) { o.errors = r }
}

// WithConnOptions configures the framed transport used for tcp addresses.
func WithConnOptions(c transport.ConnOptions) Option {
	return func(o *options) { o.conn = c }
}

// WithHTTPOptions configures the poll transport used for http addresses.
func WithHTTPOptions(h transport.HTTPOptions) Option {
	return func(o *options) { o.http = h }
}

// WithMaxAttempts bounds how many instances DialService tries. Default 3.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}
