// Package server implements the serving side of the protocol.
//
//	Server (listener, registry) ── Accept ──→ transport.Conn ──→ RpcServer ──→ Dispatcher
//	                                                                              │
//	                                     RESPONSE / ERROR / STREAM_* ←── methods, producers
//
// RpcServer and Dispatcher work on any transport.Transport; Server adds the TCP accept loop,
// service registration and graceful shutdown on top.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"streamrpc/middleware"
	"streamrpc/registry"
	"streamrpc/transport"
)

// Server accepts connections and runs one RpcServer per connection, all sharing the same
// registries and middleware.
type Server struct {
	methods     Methods
	streams     Streams
	opts        []Option
	log         *zap.Logger
	middlewares []middleware.Middleware

	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*RpcServer]struct{}
	registry   registry.Registry
	advertised []advertisement
	shutdown   atomic.Bool // suppresses the Accept error caused by closing the listener
}

type advertisement struct {
	service string
	addr    string
}

// NewServer creates a server for the given registries.
func NewServer(methods Methods, streams Streams, opts ...Option) *Server {
	return &Server{
		methods:  methods,
		streams:  streams,
		opts:     opts,
		log:      buildOptions(opts).log.Named("server"),
		sessions: make(map[*RpcServer]struct{}),
	}
}

// Use appends a middleware. Call it before Serve; sessions already running keep their chain.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on address and serves until Shutdown.
func (svr *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(ln)
}

// Serve accepts connections on ln until Shutdown, which makes it return nil.
func (svr *Server) Serve(ln net.Listener) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		ln.Close()
		return nil
	}
	svr.listener = ln
	svr.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if err := svr.serveConn(conn); err != nil {
			svr.log.Warn("rejecting connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			conn.Close()
		}
	}
}

// Addr returns the listener's address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) sessionOptions() (*options, []Option) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	opts := append(append([]Option(nil), svr.opts...), WithMiddleware(svr.middlewares...))
	return buildOptions(opts), opts
}

func (svr *Server) serveConn(conn net.Conn) error {
	o, opts := svr.sessionOptions()
	connOpts := o.conn
	if connOpts.Logger == nil {
		connOpts.Logger = o.log
	}
	t, err := transport.NewConn(conn, connOpts)
	if err != nil {
		return err
	}
	svr.track(t, NewRpcServer(t, svr.methods, svr.streams, opts...))
	return nil
}

// NewHTTPSession creates an RpcServer on a fresh HTTP poll transport and returns the handler
// the peer must poll. The session is part of the server for Shutdown.
func (svr *Server) NewHTTPSession(opts transport.HTTPOptions) (http.Handler, error) {
	if svr.shutdown.Load() {
		return nil, errors.New("server is shut down")
	}
	o, sopts := svr.sessionOptions()
	if opts.Logger == nil {
		opts.Logger = o.log
	}
	t := transport.NewHTTPServer(opts)
	svr.track(t, NewRpcServer(t, svr.methods, svr.streams, sopts...))
	return t, nil
}

func (svr *Server) track(t transport.Transport, rs *RpcServer) {
	svr.mu.Lock()
	svr.sessions[rs] = struct{}{}
	svr.mu.Unlock()
	t.OnClose(func() {
		svr.mu.Lock()
		delete(svr.sessions, rs)
		svr.mu.Unlock()
	})
	if svr.shutdown.Load() {
		rs.Close()
	}
}

// Sessions returns the number of open sessions.
func (svr *Server) Sessions() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.sessions)
}

// Advertise registers this server under service so clients can discover it. The entry
// expires ttl seconds after the server stops renewing it; Shutdown removes it at once.
func (svr *Server) Advertise(ctx context.Context, reg registry.Registry, service string, inst registry.ServiceInstance, ttl int64) error {
	if err := reg.Register(ctx, service, inst, ttl); err != nil {
		return fmt.Errorf("advertising %s at %s: %w", service, inst.Addr, err)
	}
	svr.mu.Lock()
	svr.registry = reg
	svr.advertised = append(svr.advertised, advertisement{service: service, addr: inst.Addr})
	svr.mu.Unlock()
	return nil
}

// Shutdown stops the server gracefully:
//  1. deregister, so clients stop picking this server
//  2. close the listener
//  3. close every session and wait, until ctx ends, for their calls and streams to finish
func (svr *Server) Shutdown(ctx context.Context) error {
	svr.mu.Lock()
	reg, advertised := svr.registry, svr.advertised
	svr.advertised = nil
	svr.mu.Unlock()

	var errs error
	for _, a := range advertised {
		errs = multierr.Append(errs, reg.Deregister(ctx, a.service, a.addr))
	}

	svr.mu.Lock()
	svr.shutdown.Store(true)
	ln := svr.listener
	sessions := make([]*RpcServer, 0, len(svr.sessions))
	for rs := range svr.sessions {
		sessions = append(sessions, rs)
	}
	svr.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	for _, rs := range sessions {
		errs = multierr.Append(errs, rs.Shutdown(ctx))
	}
	return errs
}
