package apierror

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"runtime/debug"
	"syscall"
)

// Transport error codes carried by [TransportError.Code].
const (
	CodeConnRefused  = "ECONNREFUSED"
	CodeConnReset    = "ECONNRESET"
	CodeConnAborted  = "ECONNABORTED"
	CodeTimeout      = "ETIMEDOUT"
	CodeHostNotFound = "ENOTFOUND"
)

// RawError is a failure before classification. It is a closed set:
// [*TransportError], [*ResponseError] and [*ExceptionError].
type RawError interface {
	error
	rawError()
}

// TransportError is a failure where no response was received.
type TransportError struct {
	Code   string // one of the Code* constants, or empty when unknown
	Op     string
	URL    string
	Method string
	Err    error
}

func (*TransportError) rawError() {}

func (e *TransportError) Error() string {
	msg := "transport error"
	if e.Code != "" {
		msg = e.Code
	}
	if e.Method != "" || e.URL != "" {
		msg = e.Method + " " + e.URL + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "apierror: " + msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseError is an HTTP response with an error status.
type ResponseError struct {
	Status int
	Body   []byte
	URL    string
	Method string

	// Data is the decoded body when the caller already has it. When set it is
	// used instead of parsing Body.
	Data any
}

func (*ResponseError) rawError() {}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("apierror: %s %s: status %d", e.Method, e.URL, e.Status)
}

// ExceptionError wraps a Go error that is neither a transport failure nor a
// response.
type ExceptionError struct {
	Err   error
	Stack string
}

func (*ExceptionError) rawError() {}

func (e *ExceptionError) Error() string {
	if e.Err == nil {
		return "apierror: unknown error"
	}
	return e.Err.Error()
}

func (e *ExceptionError) Unwrap() error { return e.Err }

// NewException wraps err and captures the current goroutine's stack.
func NewException(err error) *ExceptionError {
	return &ExceptionError{Err: err, Stack: string(debug.Stack())}
}

// FromError maps any error onto a [RawError]. Checks run in a fixed order:
// a RawError already in the chain, a net.Error timeout, connection refused,
// connection reset, a DNS failure, and any other *url.Error (the request never
// produced a response). Everything else becomes an [*ExceptionError] with the
// caller's stack. A nil error yields nil.
func FromError(err error) RawError {
	if err == nil {
		return nil
	}

	var raw RawError
	if errors.As(err, &raw) {
		return raw
	}

	te := &TransportError{Err: err}
	var ue *url.Error
	isURL := errors.As(err, &ue)
	if isURL {
		te.Op = ue.Op
		te.URL = ue.URL
	}

	var ne net.Error
	var dns *net.DNSError
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		te.Code = CodeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		te.Code = CodeConnRefused
	case errors.Is(err, syscall.ECONNRESET):
		te.Code = CodeConnReset
	case errors.Is(err, syscall.ECONNABORTED):
		te.Code = CodeConnAborted
	case errors.As(err, &dns):
		te.Code = CodeHostNotFound
	case isURL:
		// No response, cause unknown.
	default:
		return NewException(err)
	}
	return te
}
