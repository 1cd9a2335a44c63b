// Package errors provides the service error type used across reel.
// Errors carry a code for HTTP mapping, the failing operation, context
// fields and the stack at creation.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Code categorizes an error for callers and HTTP responses.
type Code string

const (
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeOverloaded    Code = "OVERLOADED"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeTimeout       Code = "TIMEOUT"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeFailedPrecond Code = "FAILED_PRECONDITION"
)

type codeInfo struct {
	status int
	// retryable codes describe a transient condition; the same request may
	// succeed later.
	retryable bool
}

var codes = map[Code]codeInfo{
	CodeInternal:      {status: http.StatusInternalServerError},
	CodeValidation:    {status: http.StatusBadRequest},
	CodeNotFound:      {status: http.StatusNotFound},
	CodeFailedPrecond: {status: http.StatusConflict},
	CodeRateLimited:   {status: http.StatusTooManyRequests, retryable: true},
	CodeOverloaded:    {status: http.StatusServiceUnavailable, retryable: true},
	CodeUnavailable:   {status: http.StatusServiceUnavailable, retryable: true},
	CodeTimeout:       {status: http.StatusGatewayTimeout, retryable: true},
}

// Error is reel's service error.
type Error struct {
	Code    Code
	Message string
	// Op is the operation that failed, e.g. "dispatcher.submit".
	Op     string
	Err    error
	Fields map[string]any
	// Stack is captured at creation, innermost frame first.
	Stack []Frame
}

// Frame represents a single stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// Error renders "op: [CODE] message: cause".
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op + ": ")
	}
	if e.Code != "" {
		b.WriteString("[" + string(e.Code) + "] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithField adds a context field and returns e.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// HTTPStatus maps the code to a response status. Unknown codes are 500.
func (e *Error) HTTPStatus() int {
	if info, ok := codes[e.Code]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// StackTrace formats Stack one frame per line.
func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap wraps err. The code and fields of a wrapped *Error are kept; any
// other error becomes INTERNAL_ERROR. Wrap(nil) is nil.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	w := &Error{Code: CodeInternal, Message: message, Op: op, Err: err, Stack: captureStack(2)}
	if inner, ok := asError(err); ok {
		w.Code, w.Fields = inner.Code, inner.Fields
	}
	return w
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: captureStack(2)}
}

func Internal(message string) *Error {
	return New(CodeInternal, message)
}

func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// ValidationField reports an invalid request field.
func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// Overloaded refuses admission because the job queue is at capacity.
func Overloaded(capacity int) *Error {
	return New(CodeOverloaded, "job queue is full, retry later").
		WithField("capacity", capacity)
}

// FailedPrecondition rejects an operation the job's current state forbids.
func FailedPrecondition(message string) *Error {
	return New(CodeFailedPrecond, message)
}

func Timeout(operation string) *Error {
	return New(CodeTimeout, "operation timed out: "+operation).
		WithField("operation", operation)
}

func Unavailable(service string) *Error {
	return New(CodeUnavailable, "service unavailable: "+service).
		WithField("service", service)
}

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// GetCode returns the code of the outermost *Error in err's chain, or
// CodeInternal.
func GetCode(err error) Code {
	if e, ok := asError(err); ok {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	if e, ok := asError(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func GetFields(err error) map[string]any {
	if e, ok := asError(err); ok {
		return e.Fields
	}
	return nil
}

// GetMessage returns the outermost service message, or err.Error() for
// foreign errors.
func GetMessage(err error) string {
	if e, ok := asError(err); ok {
		return e.Message
	}
	return err.Error()
}

func IsCode(err error, code Code) bool { return GetCode(err) == code }

func IsNotFound(err error) bool   { return IsCode(err, CodeNotFound) }
func IsValidation(err error) bool { return IsCode(err, CodeValidation) }
func IsOverloaded(err error) bool { return IsCode(err, CodeOverloaded) }

// IsRetryable reports whether err describes a transient condition
// (overload, throttling, startup, timeout).
func IsRetryable(err error) bool {
	if e, ok := asError(err); ok {
		return codes[e.Code].retryable
	}
	return false
}

const maxFrames = 10

func captureStack(skip int) []Frame {
	var pcs [32]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	it := runtime.CallersFrames(pcs[:n])

	frames := make([]Frame, 0, maxFrames)
	for len(frames) < maxFrames {
		f, more := it.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			frames = append(frames, Frame{File: f.File, Line: f.Line, Function: f.Function})
		}
		if !more {
			break
		}
	}
	return frames
}

// As is errors.As, re-exported so callers need a single errors import.
func As(err error, target any) bool { return errors.As(err, target) }

// Is is errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
