package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"streamrpc/message"
	"streamrpc/middleware"
)

type MyError struct{ msg string }

func (e *MyError) Error() string     { return e.msg }
func (e *MyError) ErrorName() string { return "MyError" }

// sink records everything a dispatcher emits.
type sink chan *message.Packet

func newSink() sink { return make(sink, 256) }

func (s sink) emit(p *message.Packet) { s <- p }

func (s sink) next(t *testing.T) *message.Packet {
	t.Helper()
	select {
	case p := <-s:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet emitted")
		return nil
	}
}

func (s sink) none(t *testing.T) {
	t.Helper()
	select {
	case p := <-s:
		t.Fatalf("unexpected packet %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func testRegistries() (Methods, Streams) {
	divide := func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, &MyError{"division by zero"}
		}
		return a / b, nil
	}
	integers := func(n int, yield func(int) bool) error {
		for i := 0; i < n; i++ {
			if !yield(i) {
				return nil
			}
		}
		return nil
	}
	failAfter := func(n int, yield func(int) bool) error {
		if err := integers(n, yield); err != nil {
			return err
		}
		return &MyError{"producer gave up"}
	}

	methods := Methods{
		"add":    Func(func(a, b int) int { return a + b }),
		"divide": Func(divide),
		"fail":   Func(func() error { return errors.New("plain failure") }),
		"panic":  Func(func() int { panic("kaboom") }),
	}
	streams := Streams{
		"streamIntegers": StreamFunc(integers),
		"failAfter":      StreamFunc(failAfter),
		"panics":         StreamFunc(func(yield func(int) bool) { panic("stream kaboom") }),
	}
	return methods, streams
}

func TestDispatchRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(testRegistries())
	out := newSink()

	d.Dispatch(context.Background(), message.NewRequest("1", "add", raw(t, 1, 2)), out.emit)
	p := out.next(t)
	assert.Equal(t, message.KindResponse, p.Kind)
	assert.Equal(t, "1", p.ID)
	assert.JSONEq(t, "3", string(p.Data))
	out.none(t)
	waitIdle(t, d)
}

func TestDispatchRequestErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		method string
		args   []json.RawMessage
		want   string
	}{
		{"divide", raw(t, 1, 0), "MyError: division by zero"},
		{"fail", nil, "Error: plain failure"},
		{"panic", nil, "Panic: kaboom"},
		{"nope", nil, `UnknownMethod: unknown method "nope"`},
		{"add", raw(t, 1), "InvalidArgument: expected 2 arguments, got 1"},
	}
	d := NewDispatcher(testRegistries())
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			out := newSink()
			d.Dispatch(context.Background(), message.NewRequest("7", tt.method, tt.args), out.emit)
			p := out.next(t)
			assert.Equal(t, message.KindError, p.Kind)
			assert.Equal(t, "7", p.ID)
			assert.Equal(t, tt.want, p.Error)
			out.none(t)
		})
	}
	waitIdle(t, d)
}

func TestDispatchNotify(t *testing.T) {
	defer goleak.VerifyNone(t)

	got := make(chan string, 1)
	d := NewDispatcher(Methods{
		"log": Func(func(s string) { got <- s }),
	}, nil)
	out := newSink()

	d.Dispatch(context.Background(), message.NewNotify("log", raw(t, "hello")), out.emit)
	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(time.Second):
		t.Fatal("notify not invoked")
	}
	d.Dispatch(context.Background(), message.NewNotify("missing", nil), out.emit)
	waitIdle(t, d)
	out.none(t)
}

func TestDispatchStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(testRegistries())
	out := newSink()

	d.Dispatch(context.Background(), message.NewStartStream("s1", "streamIntegers", raw(t, 5)), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	for i := 0; i < 5; i++ {
		p := out.next(t)
		require.Equal(t, message.KindStreamData, p.Kind)
		assert.JSONEq(t, string(raw(t, i)[0]), string(p.Data))
	}
	p := out.next(t)
	assert.Equal(t, message.KindStreamEnded, p.Kind)
	assert.Equal(t, "s1", p.ID)
	out.none(t)
	assert.Zero(t, d.Running())
	waitIdle(t, d)
}

func TestDispatchStreamErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(testRegistries())

	out := newSink()
	d.Dispatch(context.Background(), message.NewStartStream("a", "failAfter", raw(t, 2)), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	assert.Equal(t, message.KindStreamData, out.next(t).Kind)
	assert.Equal(t, message.KindStreamData, out.next(t).Kind)
	p := out.next(t)
	assert.Equal(t, message.KindError, p.Kind)
	assert.Equal(t, "MyError: producer gave up", p.Error)

	out = newSink()
	d.Dispatch(context.Background(), message.NewStartStream("b", "panics", nil), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	assert.Equal(t, "Panic: stream kaboom", out.next(t).Error)

	out = newSink()
	d.Dispatch(context.Background(), message.NewStartStream("c", "nope", nil), out.emit)
	p = out.next(t)
	assert.Equal(t, message.KindError, p.Kind)
	assert.Equal(t, `UnknownMethod: unknown method "nope"`, p.Error)
	out.none(t)

	waitIdle(t, d)
	assert.Zero(t, d.Running())
}

// ticking yields 0, 1, 2, ... and waits for a tick (or cancellation) between items.
func ticking(tick <-chan struct{}) StreamMethod {
	return func(ctx context.Context, args []json.RawMessage, yield func(any) bool) error {
		for i := 0; ; i++ {
			if !yield(i) {
				return nil
			}
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func TestDispatchCancelStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	tick := make(chan struct{})
	d := NewDispatcher(nil, Streams{"ticks": ticking(tick)})
	out := newSink()

	d.Dispatch(context.Background(), message.NewStartStream("s", "ticks", nil), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	for i := 0; i < 3; i++ {
		p := out.next(t)
		require.Equal(t, message.KindStreamData, p.Kind)
		if i < 2 {
			tick <- struct{}{}
		}
	}
	assert.Equal(t, 1, d.Running())

	d.Dispatch(context.Background(), message.NewCancelStream("s"), out.emit)
	p := out.next(t)
	assert.Equal(t, message.KindStreamCancelled, p.Kind)
	assert.Equal(t, "s", p.ID)
	out.none(t)
	assert.Zero(t, d.Running())

	// A second cancel, or one for an id that never existed, is dropped.
	d.Dispatch(context.Background(), message.NewCancelStream("s"), out.emit)
	d.Dispatch(context.Background(), message.NewCancelStream("unknown"), out.emit)
	out.none(t)
	waitIdle(t, d)
}

func TestDispatchCancelGrace(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	stubborn := func(ctx context.Context, args []json.RawMessage, yield func(any) bool) error {
		yield(0)
		<-release
		yield(1)
		return nil
	}
	d := NewDispatcher(nil, Streams{"stubborn": stubborn}, WithCancelGrace(20*time.Millisecond))
	out := newSink()

	d.Dispatch(context.Background(), message.NewStartStream("s", "stubborn", nil), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	assert.Equal(t, message.KindStreamData, out.next(t).Kind)

	d.Dispatch(context.Background(), message.NewCancelStream("s"), out.emit)
	assert.Equal(t, message.KindStreamCancelled, out.next(t).Kind)

	close(release)
	waitIdle(t, d)
	out.none(t)
}

func TestDispatchDuplicateStreamID(t *testing.T) {
	defer goleak.VerifyNone(t)

	tick := make(chan struct{})
	d := NewDispatcher(nil, Streams{"ticks": ticking(tick)})
	out := newSink()

	d.Dispatch(context.Background(), message.NewStartStream("s", "ticks", nil), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	assert.Equal(t, message.KindStreamData, out.next(t).Kind)

	d.Dispatch(context.Background(), message.NewStartStream("s", "ticks", nil), out.emit)
	out.none(t)
	assert.Equal(t, 1, d.Running())

	d.CancelAll()
	assert.Equal(t, message.KindStreamCancelled, out.next(t).Kind)
	waitIdle(t, d)
}

func TestDispatchMiddleware(t *testing.T) {
	defer goleak.VerifyNone(t)

	var seen []string
	record := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			seen = append(seen, req.Method)
			return next(ctx, req)
		}
	}
	methods, streams := testRegistries()
	d := NewDispatcher(methods, streams, WithMiddleware(record))
	out := newSink()

	d.Dispatch(context.Background(), message.NewRequest("1", "add", raw(t, 2, 2)), out.emit)
	assert.JSONEq(t, "4", string(out.next(t).Data))
	d.Dispatch(context.Background(), message.NewStartStream("2", "streamIntegers", raw(t, 0)), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	assert.Equal(t, message.KindStreamEnded, out.next(t).Kind)
	waitIdle(t, d)

	assert.Equal(t, []string{"add"}, seen)
}

func TestDispatchTimeoutMiddleware(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(Methods{
		"sleep": Func(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}, nil, WithMiddleware(middleware.TimeoutMiddleware(10*time.Millisecond)))
	out := newSink()

	d.Dispatch(context.Background(), message.NewRequest("1", "sleep", nil), out.emit)
	p := out.next(t)
	assert.Equal(t, message.KindError, p.Kind)
	assert.Equal(t, "Timeout: request timed out", p.Error)
	waitIdle(t, d)
}

func TestDispatchMiddlewarePanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			panic("middleware kaboom")
		}
	}
	methods, streams := testRegistries()
	d := NewDispatcher(methods, streams, WithMiddleware(boom))
	out := newSink()

	d.Dispatch(context.Background(), message.NewRequest("1", "add", raw(t, 1, 2)), out.emit)
	p := out.next(t)
	assert.Equal(t, message.KindError, p.Kind)
	assert.Equal(t, "Panic: middleware kaboom", p.Error)

	d.Dispatch(context.Background(), message.NewNotify("add", raw(t, 1, 2)), out.emit)
	waitIdle(t, d)
	out.none(t)
}

func TestDispatchPanicUnderTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	methods, streams := testRegistries()
	d := NewDispatcher(methods, streams, WithMiddleware(middleware.TimeoutMiddleware(time.Second)))
	out := newSink()

	d.Dispatch(context.Background(), message.NewRequest("1", "panic", nil), out.emit)
	assert.Equal(t, "Panic: kaboom", out.next(t).Error)
	waitIdle(t, d)
}

// A producer that ignores both its ctx and yield's answer is still cut off: nothing it
// yields after the cancel is emitted, and STREAM_CANCELLED follows once it returns.
func TestDispatchCancelUncooperativeProducer(t *testing.T) {
	defer goleak.VerifyNone(t)

	tick := make(chan struct{})
	oblivious := func(ctx context.Context, args []json.RawMessage, yield func(any) bool) error {
		for i := 0; i < 5; i++ {
			yield(i)
			<-tick
		}
		return nil
	}
	d := NewDispatcher(nil, Streams{"oblivious": oblivious})
	out := newSink()

	d.Dispatch(context.Background(), message.NewStartStream("s", "oblivious", nil), out.emit)
	assert.Equal(t, message.KindStreamStarted, out.next(t).Kind)
	assert.Equal(t, message.KindStreamData, out.next(t).Kind)

	d.Dispatch(context.Background(), message.NewCancelStream("s"), out.emit)
	assert.Zero(t, d.Running())
	out.none(t)

	close(tick)
	p := out.next(t)
	assert.Equal(t, message.KindStreamCancelled, p.Kind)
	assert.Equal(t, "s", p.ID)
	waitIdle(t, d)
	out.none(t)
}

func TestDispatchWaitsForTimedOutCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	d := NewDispatcher(Methods{
		"stuck": Func(func() int {
			<-release
			return 1
		}),
	}, nil, WithMiddleware(middleware.TimeoutMiddleware(10*time.Millisecond)))
	out := newSink()

	d.Dispatch(context.Background(), message.NewRequest("1", "stuck", nil), out.emit)
	assert.Equal(t, "Timeout: request timed out", out.next(t).Error)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, d.Wait(ctx), "the abandoned method is still running")

	close(release)
	waitIdle(t, d)
	out.none(t)
}
