// Package client implements the calling side of the protocol.
//
//	Request     ── REQUEST ──────→            pending[id] ←── RESPONSE | ERROR
//	StartStream ── START_STREAM ─→            streams[id] ←── STREAM_STARTED, STREAM_DATA*,
//	Stream.Cancel ─ CANCEL_STREAM →                          STREAM_ENDED | STREAM_CANCELLED | ERROR
//
// An RpcClient runs on any transport.Transport. When the transport closes every pending call
// and open stream fails with a ConnectionClosed error.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"streamrpc/errcodec"
	"streamrpc/message"
	"streamrpc/transport"
)

// Undefined is the missing-value sentinel. It has no wire form: a call that passes it as an
// argument, at any depth, fails with *errcodec.UndefinedNotAllowedError before anything is sent.
var Undefined = undefined{}

type undefined struct{}

func (undefined) MarshalJSON() ([]byte, error) {
	return nil, &errcodec.UndefinedNotAllowedError{Msg: "undefined cannot be sent"}
}

type result struct {
	data json.RawMessage
	err  error
}

type RpcClient struct {
	transport transport.Transport
	validate  message.Validator
	errors    *errcodec.Registry
	log       *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending map[string]chan result
	streams map[string]*Stream
	unsubs  []func()
}

// NewRpcClient starts handling t's incoming packets.
func NewRpcClient(t transport.Transport, opts ...Option) *RpcClient {
	return newRpcClient(t, buildOptions(opts))
}

func newRpcClient(t transport.Transport, o *options) *RpcClient {
	c := &RpcClient{
		transport: t,
		validate:  o.validate,
		errors:    o.errors,
		log:       o.log.Named("client"),
		pending:   make(map[string]chan result),
		streams:   make(map[string]*Stream),
	}
	c.unsubs = append(c.unsubs, t.OnClose(c.fence), t.OnReceive(c.handle))
	return c
}

// Request calls method and waits for its result. A method that fails returns the error
// decoded with the client's registry. If ctx ends first the call is abandoned and a late
// reply is dropped as unknown.
func (c *RpcClient) Request(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	ch := make(chan result, 1)
	id, err := c.register(func(id string) { c.pending[id] = ch })
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, message.NewRequest(id, method, raw)); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify calls method without waiting for, or getting, any reply.
func (c *RpcClient) Notify(ctx context.Context, method string, args ...any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	if c.IsClosed() {
		return connectionClosed()
	}
	return c.send(ctx, message.NewNotify(method, raw))
}

// StartStream asks the server to run the stream method. It returns as soon as the request
// is sent; items, and the way the stream ended, are read from the returned Stream.
func (c *RpcClient) StartStream(ctx context.Context, method string, args ...any) (*Stream, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	var st *Stream
	id, err := c.register(func(id string) {
		st = newStream(id, c)
		c.streams[id] = st
	})
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, message.NewStartStream(id, method, raw)); err != nil {
		c.forget(id)
		return nil, err
	}
	return st, nil
}

// register reserves a fresh id under the lock and lets add store its table entry.
func (c *RpcClient) register(add func(id string)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", connectionClosed()
	}
	for {
		id := message.NewID()
		_, pending := c.pending[id]
		_, streaming := c.streams[id]
		if !pending && !streaming {
			add(id)
			return id, nil
		}
	}
}

func (c *RpcClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *RpcClient) send(ctx context.Context, p *message.Packet) error {
	err := c.transport.Send(ctx, p)
	if errors.Is(err, transport.ErrClosed) {
		return connectionClosed()
	}
	return err
}

func (c *RpcClient) handle(p *message.Packet) {
	if err := c.validate(p); err != nil {
		c.log.Warn("dropping invalid packet", zap.Error(err))
		return
	}
	if !p.Kind.FromServer() {
		c.log.Warn("dropping packet sent in the wrong direction", zap.Stringer("packet", p))
		return
	}

	c.mu.Lock()
	ch, isCall := c.pending[p.ID]
	st, isStream := c.streams[p.ID]
	switch {
	case isCall && (p.Kind == message.KindResponse || p.Kind == message.KindError):
		delete(c.pending, p.ID)
	case isStream && p.Kind.Terminal() && p.Kind != message.KindResponse:
		delete(c.streams, p.ID)
	}
	c.mu.Unlock()

	switch {
	case isCall && p.Kind == message.KindResponse:
		ch <- result{data: p.Data}
	case isCall && p.Kind == message.KindError:
		ch <- result{err: c.errors.Decode(p.Error)}
	case isStream:
		c.forwardToStream(st, p)
	default:
		c.log.Warn("dropping packet for an unknown id", zap.Stringer("packet", p))
	}
}

func (c *RpcClient) forwardToStream(st *Stream, p *message.Packet) {
	switch p.Kind {
	case message.KindStreamStarted:
		st.start()
	case message.KindStreamData:
		st.push(p.Data)
	case message.KindStreamEnded:
		st.end(nil)
	case message.KindStreamCancelled:
		st.end(ErrStreamCancelled)
	case message.KindError:
		st.end(c.errors.Decode(p.Error))
	default:
		c.log.Warn("dropping packet that does not belong to a stream", zap.Stringer("packet", p))
	}
}

// fence fails everything still in flight. It runs when the transport closes and again, at
// no cost, from Close.
func (c *RpcClient) fence() {
	c.mu.Lock()
	c.closed = true
	pending, streams := c.pending, c.streams
	c.pending = make(map[string]chan result)
	c.streams = make(map[string]*Stream)
	c.mu.Unlock()

	if n := len(pending) + len(streams); n > 0 {
		c.log.Debug("transport closed, failing calls in flight", zap.Int("count", n))
	}
	for _, ch := range pending {
		ch <- result{err: connectionClosed()}
	}
	for _, st := range streams {
		st.end(connectionClosed())
	}
}

// IsClosed reports whether the client has stopped accepting calls.
func (c *RpcClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the transport and fails every call and stream still in flight.
func (c *RpcClient) Close() error {
	err := c.transport.Close()
	c.fence()
	for _, unsub := range c.unsubs {
		unsub()
	}
	return err
}

func connectionClosed() error {
	return &errcodec.ConnectionClosedError{Msg: "connection closed"}
}

// encodeArgs marshals the positional arguments, rejecting Undefined and anything else
// without a JSON form.
func encodeArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		if arg == Undefined {
			return nil, &errcodec.UndefinedNotAllowedError{Msg: fmt.Sprintf("argument %d is undefined", i)}
		}
		b, err := json.Marshal(arg)
		if err != nil {
			var undef *errcodec.UndefinedNotAllowedError
			if errors.As(err, &undef) {
				return nil, &errcodec.UndefinedNotAllowedError{Msg: fmt.Sprintf("argument %d contains undefined", i)}
			}
			return nil, &errcodec.InvalidArgumentError{Msg: fmt.Sprintf("argument %d: %v", i, err)}
		}
		raw[i] = b
	}
	return raw, nil
}
