package errcodec

import "fmt"

// Wire names of the protocol's own error kinds.
const (
	NameUnknownMethod       = "UnknownMethod"
	NameConnectionClosed    = "ConnectionClosed"
	NameUndefinedNotAllowed = "UndefinedNotAllowed"
	NameInvalidArgument     = "InvalidArgument"
	NameTimeout             = "Timeout"
	NameRateLimited         = "RateLimited"
	NamePanic               = "Panic"
)

var standardKinds = []struct {
	name    string
	factory Factory
}{
	{NameUnknownMethod, func(m string) error { return &UnknownMethodError{Msg: m} }},
	{NameConnectionClosed, func(m string) error { return &ConnectionClosedError{Msg: m} }},
	{NameUndefinedNotAllowed, func(m string) error { return &UndefinedNotAllowedError{Msg: m} }},
	{NameInvalidArgument, func(m string) error { return &InvalidArgumentError{Msg: m} }},
	{NameTimeout, func(m string) error { return &TimeoutError{Msg: m} }},
	{NameRateLimited, func(m string) error { return &RateLimitedError{Msg: m} }},
	{NamePanic, func(m string) error { return &PanicError{Msg: m} }},
}

// UnknownMethodError is returned to a caller that names a method the server does not have.
type UnknownMethodError struct{ Msg string }

func UnknownMethod(method string) *UnknownMethodError {
	return &UnknownMethodError{Msg: fmt.Sprintf("unknown method %q", method)}
}

func (e *UnknownMethodError) Error() string        { return format(NameUnknownMethod, e.Msg) }
func (e *UnknownMethodError) ErrorName() string    { return NameUnknownMethod }
func (e *UnknownMethodError) ErrorMessage() string { return e.Msg }

// ConnectionClosedError fails every call and stream still open when a transport closes.
type ConnectionClosedError struct{ Msg string }

func (e *ConnectionClosedError) Error() string        { return format(NameConnectionClosed, e.Msg) }
func (e *ConnectionClosedError) ErrorName() string    { return NameConnectionClosed }
func (e *ConnectionClosedError) ErrorMessage() string { return e.Msg }

// UndefinedNotAllowedError rejects a call whose arguments contain the missing-value sentinel.
type UndefinedNotAllowedError struct{ Msg string }

func (e *UndefinedNotAllowedError) Error() string        { return format(NameUndefinedNotAllowed, e.Msg) }
func (e *UndefinedNotAllowedError) ErrorName() string    { return NameUndefinedNotAllowed }
func (e *UndefinedNotAllowedError) ErrorMessage() string { return e.Msg }

// InvalidArgumentError reports arguments that cannot be encoded, or that do not fit the
// method they were sent to.
type InvalidArgumentError struct{ Msg string }

func (e *InvalidArgumentError) Error() string        { return format(NameInvalidArgument, e.Msg) }
func (e *InvalidArgumentError) ErrorName() string    { return NameInvalidArgument }
func (e *InvalidArgumentError) ErrorMessage() string { return e.Msg }

type TimeoutError struct{ Msg string }

func (e *TimeoutError) Error() string        { return format(NameTimeout, e.Msg) }
func (e *TimeoutError) ErrorName() string    { return NameTimeout }
func (e *TimeoutError) ErrorMessage() string { return e.Msg }

type RateLimitedError struct{ Msg string }

func (e *RateLimitedError) Error() string        { return format(NameRateLimited, e.Msg) }
func (e *RateLimitedError) ErrorName() string    { return NameRateLimited }
func (e *RateLimitedError) ErrorMessage() string { return e.Msg }

// PanicError carries the value a method panicked with.
type PanicError struct{ Msg string }

func (e *PanicError) Error() string        { return format(NamePanic, e.Msg) }
func (e *PanicError) ErrorName() string    { return NamePanic }
func (e *PanicError) ErrorMessage() string { return e.Msg }
