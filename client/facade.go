package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"streamrpc/errcodec"
)

// CallFunc and StreamFunc are the wrappers a Facade hands out.
type (
	CallFunc   func(ctx context.Context, args ...any) (json.RawMessage, error)
	StreamFunc func(ctx context.Context, args ...any) (*Stream, error)
)

// Facade exposes a fixed set of remote methods as plain functions. The wrappers are built
// once, from the method names the server is known to have.
type Facade struct {
	calls   map[string]CallFunc
	streams map[string]StreamFunc
}

func NewFacade(c *RpcClient, calls, streams []string) *Facade {
	f := &Facade{
		calls:   make(map[string]CallFunc, len(calls)),
		streams: make(map[string]StreamFunc, len(streams)),
	}
	for _, name := range calls {
		f.calls[name] = func(ctx context.Context, args ...any) (json.RawMessage, error) {
			return c.Request(ctx, name, args...)
		}
	}
	for _, name := range streams {
		f.streams[name] = func(ctx context.Context, args ...any) (*Stream, error) {
			return c.StartStream(ctx, name, args...)
		}
	}
	return f
}

// Call returns the wrapper for a call. A name the facade was not built with yields a
// wrapper that fails with *errcodec.UnknownMethodError without sending anything.
func (f *Facade) Call(name string) CallFunc {
	if fn, ok := f.calls[name]; ok {
		return fn
	}
	return func(context.Context, ...any) (json.RawMessage, error) {
		return nil, errcodec.UnknownMethod(name)
	}
}

// Stream is Call for stream methods.
func (f *Facade) Stream(name string) StreamFunc {
	if fn, ok := f.streams[name]; ok {
		return fn
	}
	return func(context.Context, ...any) (*Stream, error) {
		return nil, errcodec.UnknownMethod(name)
	}
}

// Methods lists the call and stream names, each sorted.
func (f *Facade) Methods() (calls, streams []string) {
	for name := range f.calls {
		calls = append(calls, name)
	}
	for name := range f.streams {
		streams = append(streams, name)
	}
	sort.Strings(calls)
	sort.Strings(streams)
	return calls, streams
}

// Bind returns a typed wrapper for the call name, decoding its result into T.
func Bind[T any](f *Facade, name string) func(ctx context.Context, args ...any) (T, error) {
	call := f.Call(name)
	return func(ctx context.Context, args ...any) (T, error) {
		var v T
		data, err := call(ctx, args...)
		if err != nil {
			return v, err
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("decoding result of %s: %w", name, err)
		}
		return v, nil
	}
}

// Decode unmarshals one stream item into T.
func Decode[T any](item json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(item, &v)
	return v, err
}
