package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for callers and the HTTP layer
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindProcessing
	KindCancelled
	KindConfiguration
	KindConflict
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindProcessing:
		return "processing failure"
	case KindCancelled:
		return "cancelled"
	case KindConfiguration:
		return "configuration failure"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Code is the machine-readable code returned in API error bodies
func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "ERR_NOT_FOUND"
	case KindProcessing:
		return "ERR_PROCESSING"
	case KindCancelled:
		return "ERR_CANCELLED"
	case KindConfiguration:
		return "ERR_CONFIGURATION"
	case KindConflict:
		return "ERR_CONFLICT"
	case KindValidation:
		return "ERR_INVALID_REQUEST"
	default:
		return "ERR_INTERNAL"
	}
}

// Error is a classified error. Output carries the captured stderr of a failed
// external process, when there was one.
type Error struct {
	Kind    Kind
	Message string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString("\nOutput: ")
		b.WriteString(out)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind, so errors.Is(err, ErrNotFound)
// holds for any NotFound error in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrProcessing    = &Error{Kind: KindProcessing}
	ErrCancelled     = &Error{Kind: KindCancelled}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrValidation    = &Error{Kind: KindValidation}
)

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Processing reports a failed external tool or pipeline step.
func Processing(message, output string, err error) *Error {
	return &Error{Kind: KindProcessing, Message: message, Output: output, Err: err}
}

func Cancelled(format string, args ...any) *Error {
	return &Error{Kind: KindCancelled, Message: fmt.Sprintf(format, args...)}
}

func Configuration(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict, KindCancelled:
		return http.StatusConflict
	case KindProcessing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
