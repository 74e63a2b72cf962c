package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying invocation outcomes. Callers use errors.Is;
// the protocol router maps each to its wire-level error kind.
var (
	// ErrUnknownCapability indicates the requested capability is not
	// registered. Returned before any job is created, never as a timeout.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrInvalidPayload indicates the arguments failed schema validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrExecution indicates the payload ran on the host thread but failed.
	ErrExecution = errors.New("execution error")

	// ErrTimeout indicates the deadline elapsed before completion. The
	// scheduled work may still run on the host thread; its late result is
	// discarded.
	ErrTimeout = errors.New("execution timed out")

	// ErrCancelled indicates the job was evicted under capacity pressure or
	// its caller went away before completion.
	ErrCancelled = errors.New("execution cancelled")
)

// ExecError carries the host-reported failure detail for a payload that ran
// but raised.
type ExecError struct {
	// Detail is the host-reported error text.
	Detail string

	// Err is the underlying error, if any.
	Err error
}

// Error returns the failure detail.
func (e *ExecError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "execution failed"
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target. ExecError matches
// ErrExecution to allow sentinel-style classification.
func (e *ExecError) Is(target error) bool {
	return target == ErrExecution
}

// execErrorf builds an ExecError from a formatted detail message.
func execErrorf(err error, format string, args ...any) *ExecError {
	return &ExecError{Detail: fmt.Sprintf(format, args...), Err: err}
}
