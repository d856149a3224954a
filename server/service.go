package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"streamrpc/errcodec"
)

// Method is a callable registered under a name. args holds the request's positional
// arguments as raw JSON; the result is marshalled into the RESPONSE.
type Method func(ctx context.Context, args []json.RawMessage) (any, error)

// StreamMethod produces a stream. It calls yield once per item and must stop when yield
// returns false. ctx is cancelled when the caller cancels the stream, so a producer waiting
// on ctx stops within its current step.
type StreamMethod func(ctx context.Context, args []json.RawMessage, yield func(any) bool) error

// Methods and Streams are the registries an RpcServer is built with.
type (
	Methods map[string]Method
	Streams map[string]StreamMethod
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	boolType    = reflect.TypeOf(true)
)

// methodType describes an ordinary Go function adapted into a Method or StreamMethod.
type methodType struct {
	fn        reflect.Value
	withCtx   bool           // first parameter is a context.Context
	ArgTypes  []reflect.Type // positional parameters decoded from JSON
	YieldType reflect.Type   // stream only: the trailing func(T) bool
	hasValue  bool           // call only: returns a value
	hasError  bool           // last result is an error
}

// inspect checks fn's signature. Accepted shapes:
//
//	call:   func([ctx,] args...) | error | R | (R, error)
//	stream: func([ctx,] args..., yield func(T) bool) | error
func inspect(fn reflect.Value, stream bool) (*methodType, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("rpc: expected a func, got %s", fn.Kind())
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("rpc: variadic funcs are not supported: %s", ft)
	}
	mt := &methodType{fn: fn}

	in := make([]reflect.Type, ft.NumIn())
	for i := range in {
		in[i] = ft.In(i)
	}
	if len(in) > 0 && in[0] == contextType {
		mt.withCtx = true
		in = in[1:]
	}
	if stream {
		if len(in) == 0 || !isYield(in[len(in)-1]) {
			return nil, fmt.Errorf("rpc: stream func must end with a func(T) bool parameter: %s", ft)
		}
		mt.YieldType = in[len(in)-1]
		in = in[:len(in)-1]
	}
	mt.ArgTypes = in

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasValue = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("rpc: second result must be error: %s", ft)
		}
		mt.hasValue, mt.hasError = true, true
	default:
		return nil, fmt.Errorf("rpc: too many results: %s", ft)
	}
	if stream && mt.hasValue {
		return nil, fmt.Errorf("rpc: stream func may only return an error: %s", ft)
	}
	return mt, nil
}

func isYield(t reflect.Type) bool {
	return t.Kind() == reflect.Func && t.NumIn() == 1 && t.NumOut() == 1 && t.Out(0) == boolType
}

// decodeArgs unmarshals raw into the method's parameter types.
func (mt *methodType) decodeArgs(ctx context.Context, raw []json.RawMessage) ([]reflect.Value, error) {
	if len(raw) != len(mt.ArgTypes) {
		return nil, &errcodec.InvalidArgumentError{
			Msg: fmt.Sprintf("expected %d arguments, got %d", len(mt.ArgTypes), len(raw)),
		}
	}
	in := make([]reflect.Value, 0, len(raw)+2)
	if mt.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, t := range mt.ArgTypes {
		v := reflect.New(t)
		if err := json.Unmarshal(raw[i], v.Interface()); err != nil {
			return nil, &errcodec.InvalidArgumentError{Msg: fmt.Sprintf("argument %d: %v", i, err)}
		}
		in = append(in, v.Elem())
	}
	return in, nil
}

// results splits the values returned by a call into value and error.
func (mt *methodType) results(out []reflect.Value) (any, error) {
	var value any
	if mt.hasValue {
		value = out[0].Interface()
	}
	if mt.hasError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return value, errv.Interface().(error)
		}
	}
	return value, nil
}

func (mt *methodType) method() Method {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		in, err := mt.decodeArgs(ctx, args)
		if err != nil {
			return nil, err
		}
		return mt.results(mt.fn.Call(in))
	}
}

func (mt *methodType) streamMethod() StreamMethod {
	return func(ctx context.Context, args []json.RawMessage, yield func(any) bool) error {
		in, err := mt.decodeArgs(ctx, args)
		if err != nil {
			return err
		}
		y := reflect.MakeFunc(mt.YieldType, func(item []reflect.Value) []reflect.Value {
			return []reflect.Value{reflect.ValueOf(yield(item[0].Interface()))}
		})
		_, err = mt.results(mt.fn.Call(append(in, y)))
		return err
	}
}

// NewMethod adapts an ordinary Go function into a Method. Its positional parameters are
// decoded from the request's JSON arguments; a leading context.Context is filled in.
func NewMethod(fn any) (Method, error) {
	mt, err := inspect(reflect.ValueOf(fn), false)
	if err != nil {
		return nil, err
	}
	return mt.method(), nil
}

// NewStreamMethod adapts a func whose last parameter is a yield func(T) bool.
func NewStreamMethod(fn any) (StreamMethod, error) {
	mt, err := inspect(reflect.ValueOf(fn), true)
	if err != nil {
		return nil, err
	}
	return mt.streamMethod(), nil
}

// Func is NewMethod for use in registry literals; it panics on an unsupported signature.
func Func(fn any) Method {
	m, err := NewMethod(fn)
	if err != nil {
		panic(err)
	}
	return m
}

// StreamFunc is NewStreamMethod for use in registry literals; it panics on an unsupported
// signature.
func StreamFunc(fn any) StreamMethod {
	m, err := NewStreamMethod(fn)
	if err != nil {
		panic(err)
	}
	return m
}

// Service scans rcvr's exported methods. Methods ending in a yield func become streams,
// other methods with a supported signature become calls, the rest are skipped. Names are
// the Go method names with a lower-case first letter: Add → "add", StreamIntegers →
// "streamIntegers".
func Service(rcvr any) (Methods, Streams, error) {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()
	if typ.NumMethod() == 0 {
		return nil, nil, fmt.Errorf("rpc: %s has no exported methods", typ)
	}
	methods, streams := Methods{}, Streams{}
	for i := 0; i < typ.NumMethod(); i++ {
		name := lowerFirst(typ.Method(i).Name)
		fn := val.Method(i)
		if mt, err := inspect(fn, true); err == nil {
			streams[name] = mt.streamMethod()
			continue
		}
		if mt, err := inspect(fn, false); err == nil {
			methods[name] = mt.method()
		}
	}
	return methods, streams, nil
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
