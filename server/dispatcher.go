package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamrpc/errcodec"
	"streamrpc/message"
	"streamrpc/middleware"
)

// Emit sends one outgoing packet. The dispatcher calls it from several goroutines.
type Emit func(p *message.Packet)

// Dispatcher executes incoming packets against the method and stream registries.
//
//	REQUEST       → goroutine → middleware chain → method → RESPONSE | ERROR
//	NOTIFY        → goroutine → middleware chain → method → (nothing)
//	START_STREAM  → running set += id, STREAM_STARTED → producer goroutine
//	CANCEL_STREAM → running set -= id, cancel the producer's ctx
//
// The producer goroutine checks the running set before emitting each item: an id that was
// removed ends the stream with STREAM_CANCELLED. Cancellation therefore takes effect within
// one producer step; a producer that waits on its ctx cuts that step short, and with a
// cancel grace configured the dispatcher confirms the cancellation itself once the grace
// has passed.
type Dispatcher struct {
	methods     Methods
	streams     Streams
	handler     middleware.HandlerFunc
	cancelGrace time.Duration
	log         *zap.Logger

	mu      sync.Mutex
	running map[string]*runningStream // the running-stream set
	wg      sync.WaitGroup
}

type runningStream struct {
	id     string
	cancel context.CancelFunc
	emit   Emit

	mu         sync.Mutex // held while emitting, so nothing follows the terminal packet
	terminated bool
	grace      *time.Timer
}

// NewDispatcher copies the registries; later changes to the maps are not seen.
func NewDispatcher(methods Methods, streams Streams, opts ...Option) *Dispatcher {
	return newDispatcher(methods, streams, buildOptions(opts))
}

func newDispatcher(methods Methods, streams Streams, o *options) *Dispatcher {
	d := &Dispatcher{
		methods:     make(Methods, len(methods)),
		streams:     make(Streams, len(streams)),
		cancelGrace: o.cancelGrace,
		log:         o.log.Named("dispatch"),
		running:     make(map[string]*runningStream),
	}
	for name, m := range methods {
		d.methods[name] = m
	}
	for name, s := range streams {
		d.streams[name] = s
	}
	d.handler = middleware.Chain(o.middlewares...)(d.invoke)
	return d
}

// Dispatch handles one validated client packet. It never blocks on application code.
func (d *Dispatcher) Dispatch(ctx context.Context, p *message.Packet, emit Emit) {
	switch p.Kind {
	case message.KindRequest:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			emit(d.call(ctx, p))
		}()
	case message.KindNotify:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if _, err := d.handle(ctx, p); err != nil {
				d.log.Warn("notify failed", zap.String("method", p.Method), zap.Error(err))
			}
		}()
	case message.KindStartStream:
		d.startStream(ctx, p, emit)
	case message.KindCancelStream:
		d.cancelStream(p.ID)
	default:
		d.log.Warn("dropping packet the server does not handle", zap.Stringer("packet", p))
	}
}

// call produces the single reply to a REQUEST.
func (d *Dispatcher) call(ctx context.Context, p *message.Packet) *message.Packet {
	result, err := d.handle(ctx, p)
	if err != nil {
		return message.NewError(p.ID, errcodec.Encode(err))
	}
	data, err := json.Marshal(result)
	if err != nil {
		return message.NewError(p.ID, errcodec.Encode(fmt.Errorf("encoding result: %w", err)))
	}
	return message.NewResponse(p.ID, data)
}

// handle runs the middleware chain. A panic anywhere in it, middleware included, becomes
// a Panic error. Goroutines the chain starts with middleware.Go are counted by Wait.
func (d *Dispatcher) handle(ctx context.Context, req *message.Packet) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.recovered(req, r)
		}
	}()
	return d.handler(middleware.WithSpawn(ctx, d.spawn), req)
}

// spawn is only called from a goroutine the wait group already counts.
func (d *Dispatcher) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// invoke is the innermost handler of the middleware chain.
func (d *Dispatcher) invoke(ctx context.Context, req *message.Packet) (any, error) {
	m, ok := d.methods[req.Method]
	if !ok {
		return nil, errcodec.UnknownMethod(req.Method)
	}
	return m(ctx, req.Args)
}

func (d *Dispatcher) recovered(req *message.Packet, r any) error {
	d.log.Error("method panicked",
		zap.String("method", req.Method),
		zap.String("id", req.ID),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()))
	return &errcodec.PanicError{Msg: fmt.Sprint(r)}
}

func (d *Dispatcher) startStream(ctx context.Context, p *message.Packet, emit Emit) {
	fn, ok := d.streams[p.Method]
	if !ok {
		emit(message.NewError(p.ID, errcodec.Encode(errcodec.UnknownMethod(p.Method))))
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	st := &runningStream{id: p.ID, cancel: cancel, emit: emit}
	d.mu.Lock()
	if _, dup := d.running[p.ID]; dup {
		d.mu.Unlock()
		cancel()
		d.log.Warn("dropping START_STREAM for an id already running", zap.String("id", p.ID))
		return
	}
	d.running[p.ID] = st
	d.mu.Unlock()

	emit(message.NewStreamStarted(p.ID))

	// The producer never runs on the caller's goroutine: STREAM_STARTED is always sent
	// before the first item, and a slow producer cannot hold up the receive path.
	d.wg.Add(1)
	go d.produce(sctx, p, fn, st)
}

func (d *Dispatcher) produce(ctx context.Context, p *message.Packet, fn StreamMethod, st *runningStream) {
	defer d.wg.Done()
	defer st.cancel()

	var encodeErr error
	err := d.runProducer(ctx, p, fn, func(item any) bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.terminated || !d.isRunning(st) {
			return false
		}
		data, err := json.Marshal(item)
		if err != nil {
			encodeErr = fmt.Errorf("encoding stream item: %w", err)
			return false
		}
		st.emit(message.NewStreamData(st.id, data))
		return true
	})
	if err == nil {
		err = encodeErr
	}

	stillRunning := d.remove(st)
	switch {
	case !stillRunning:
		st.finish(message.NewStreamCancelled(st.id))
	case err != nil:
		st.finish(message.NewError(st.id, errcodec.Encode(err)))
	default:
		st.finish(message.NewStreamEnded(st.id))
	}
}

func (d *Dispatcher) runProducer(ctx context.Context, p *message.Packet, fn StreamMethod, yield func(any) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.recovered(p, r)
		}
	}()
	return fn(ctx, p.Args, yield)
}

func (d *Dispatcher) cancelStream(id string) {
	d.mu.Lock()
	st, ok := d.running[id]
	if ok {
		delete(d.running, id)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Warn("cancel for a stream that is not running", zap.String("id", id))
		return
	}
	st.cancel()
	if d.cancelGrace > 0 {
		st.mu.Lock()
		if !st.terminated {
			st.grace = time.AfterFunc(d.cancelGrace, func() {
				if st.finish(message.NewStreamCancelled(id)) {
					d.log.Warn("producer still running after cancel grace, confirmed cancellation",
						zap.String("id", id), zap.Duration("grace", d.cancelGrace))
				}
			})
		}
		st.mu.Unlock()
	}
}

// CancelAll removes every stream from the running set, e.g. because the transport closed.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	streams := make([]*runningStream, 0, len(d.running))
	for id, st := range d.running {
		streams = append(streams, st)
		delete(d.running, id)
	}
	d.mu.Unlock()
	for _, st := range streams {
		st.cancel()
	}
}

// Running reports how many streams are still permitted to emit.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Wait blocks until every call and producer goroutine has returned, or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight calls and streams: %w", ctx.Err())
	}
}

func (d *Dispatcher) isRunning(st *runningStream) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[st.id] == st
}

// remove takes st out of the running set, reporting whether it was still there.
func (d *Dispatcher) remove(st *runningStream) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[st.id] != st {
		return false
	}
	delete(d.running, st.id)
	return true
}

// finish emits the terminal packet unless one has already gone out.
func (st *runningStream) finish(terminal *message.Packet) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.grace != nil {
		st.grace.Stop()
	}
	if st.terminated {
		return false
	}
	st.terminated = true
	st.emit(terminal)
	return true
}
