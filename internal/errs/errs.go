package errs

import (
	"errors"
	"fmt"
)

// Code classifies failures surfaced by the settlement engine.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeInvalidPayload   Code = "INVALID_PAYLOAD"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeSimulationFailed Code = "SIMULATION_FAILED"
	CodeSubmissionFailed Code = "SUBMISSION_FAILED"
)

var defaultMessages = map[Code]string{
	CodeUnknown:          "unknown error",
	CodeInvalidArgument:  "invalid argument",
	CodeInvalidPayload:   "invalid payload",
	CodeUnavailable:      "unavailable",
	CodeSimulationFailed: "simulation failed",
	CodeSubmissionFailed: "submission failed",
}

// Error is a coded error carrying an optional cause.
type Error struct {
	code    Code
	message string
	cause   error
}

// New creates a coded error. An empty message falls back to the code's default.
func New(code Code, message string) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	return &Error{code: code, message: message}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error with the same code, so errors.Is(err, errs.New(code, "")) works.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error's code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// CodeOf extracts the code from anywhere in err's chain.
func CodeOf(err error) Code {
	var target *Error
	if errors.As(err, &target) {
		return target.Code()
	}
	return CodeUnknown
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
