package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type Code int

const (
	CodeInvalidArgument Code = iota + 1
	CodeNotFound
	CodeAlreadyExists
	CodeResourceExhausted
	CodeUnauthenticated
	CodeUnavailable
	CodeInternal
)

var code2string = map[Code]string{
	CodeInvalidArgument:   "invalid-attempt",
	CodeNotFound:          "not-found",
	CodeAlreadyExists:     "already-exists",
	CodeResourceExhausted: "rate-limited",
	CodeUnauthenticated:   "unauthenticated",
	CodeUnavailable:       "unavailable",
	CodeInternal:          "internal",
}

var code2http = map[Code]int{
	CodeInvalidArgument:   http.StatusBadRequest,
	CodeNotFound:          http.StatusNotFound,
	CodeAlreadyExists:     http.StatusConflict,
	CodeResourceExhausted: http.StatusTooManyRequests,
	CodeUnauthenticated:   http.StatusUnauthorized,
	CodeUnavailable:       http.StatusServiceUnavailable,
	CodeInternal:          http.StatusInternalServerError,
}

func (c Code) String() string {
	if s, ok := code2string[c]; ok {
		return s
	}
	return "unknown"
}

type Error struct {
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Flags   []string `json:"flags,omitempty"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: code.String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if len(e.Flags) > 0 {
		s += fmt.Sprintf(", flags: %v", e.Flags)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as an *Error, wrapping unknown errors as internal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

// WithFlags attaches validator flags so rejection responses can carry them.
func WithFlags(flags []string) Option {
	return optionFunc(func(e *Error) {
		e.Flags = flags
	})
}
