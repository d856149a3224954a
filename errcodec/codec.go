// Package errcodec moves errors across a process boundary as plain strings.
//
// An error travels as "Name: message", or just "Name" when the message is empty. The receiver
// looks Name up in a Registry it was handed explicitly: a registered name is rebuilt as its
// own Go type, anything else becomes a *RemoteError carrying the same name and message.
// Stack traces never travel.
package errcodec

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// separator splits name from message; only the first occurrence counts.
const separator = ": "

// Named is implemented by errors that know their wire name.
type Named interface {
	error
	ErrorName() string
}

// Messenger is implemented by errors whose message differs from Error().
type Messenger interface {
	ErrorMessage() string
}

// Factory rebuilds an error of a registered kind from its message.
type Factory func(message string) error

// Registry is the ordered set of error kinds a decoder can rebuild.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	names []string
	kinds map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Factory)}
}

// NewStandardRegistry returns a registry holding the protocol's own error kinds.
func NewStandardRegistry() *Registry {
	r := NewRegistry()
	for _, k := range standardKinds {
		r.MustRegister(k.name, k.factory)
	}
	return r
}

// Register adds a kind. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("errcodec: register needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[name]; ok {
		return fmt.Errorf("errcodec: kind %q already registered", name)
	}
	r.kinds[name] = f
	r.names = append(r.names, name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Names lists the registered kinds in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

func (r *Registry) lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.kinds[name]
	return f, ok
}

// Encode renders err for the wire.
func Encode(err error) string {
	if err == nil {
		return ""
	}
	name, msg := "Error", err.Error()
	var named Named
	if errors.As(err, &named) {
		name = named.ErrorName()
		msg = named.Error()
		if m, ok := named.(Messenger); ok {
			msg = m.ErrorMessage()
		}
	}
	return format(name, msg)
}

// Decode rebuilds an error from its wire form.
func (r *Registry) Decode(s string) error {
	name, msg, _ := strings.Cut(s, separator)
	if name == "" {
		name = "Error"
	}
	if f, ok := r.lookup(name); ok {
		if err := f(msg); err != nil {
			return err
		}
	}
	return &RemoteError{Name: name, Message: msg}
}

func format(name, msg string) string {
	if msg == "" {
		return name
	}
	return name + separator + msg
}

// RemoteError stands in for an error whose kind the decoder does not know.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string        { return format(e.Name, e.Message) }
func (e *RemoteError) ErrorName() string    { return e.Name }
func (e *RemoteError) ErrorMessage() string { return e.Message }
