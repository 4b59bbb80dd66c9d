// Package herr implements the daemon's closed error taxonomy (spec §7).
package herr

import "fmt"

// Kind is one of the closed set of error categories a handler may return.
type Kind string

const (
	KindAuth            Kind = "auth"
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindRateLimit       Kind = "rate_limit"
	KindTimeout         Kind = "timeout"
	KindContextOverflow Kind = "context_overflow"
	KindNetwork         Kind = "network"
	KindOverloaded      Kind = "overloaded"
	KindToolError       Kind = "tool_error"
	KindAbort           Kind = "abort"
	KindInternal        Kind = "internal"
)

// Error is the typed error carried in every error reply.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func new(kind Kind, retryable bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

func Auth(format string, args ...any) *Error       { return new(KindAuth, false, format, args...) }
func Validation(format string, args ...any) *Error { return new(KindValidation, false, format, args...) }
func NotFound(format string, args ...any) *Error    { return new(KindNotFound, false, format, args...) }
func RateLimit(format string, args ...any) *Error   { return new(KindRateLimit, true, format, args...) }
func Timeout(format string, args ...any) *Error     { return new(KindTimeout, true, format, args...) }
func ContextOverflow(format string, args ...any) *Error {
	return new(KindContextOverflow, false, format, args...)
}
func Network(format string, args ...any) *Error    { return new(KindNetwork, true, format, args...) }
func Overloaded(format string, args ...any) *Error { return new(KindOverloaded, true, format, args...) }
func ToolError(format string, args ...any) *Error  { return new(KindToolError, false, format, args...) }
func Abort(format string, args ...any) *Error      { return new(KindAbort, false, format, args...) }
func Internal(format string, args ...any) *Error   { return new(KindInternal, false, format, args...) }

// Wrap attaches cause to a newly constructed Error of the given kind.
func Wrap(kind Kind, retryable bool, cause error, format string, args ...any) *Error {
	e := new(kind, retryable, format, args...)
	e.cause = cause
	return e
}

// AsError extracts a *Error from err, converting any other error into
// herr.Internal so the daemon never leaks an untyped error to a client.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if ok := as(err, &e); ok {
		return e
	}
	return Wrap(KindInternal, false, err, "unexpected error")
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
