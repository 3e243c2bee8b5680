// Package cyruserr provides the shared error taxonomy for the edge worker.
// Callers branch on error kinds rather than string matching: transient I/O
// failures are retried, invalid transitions are surfaced or swallowed
// depending on state machine mode, and recoverable runner stops map to the
// Stopped state instead of Failed.
package cyruserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure class.
type Kind string

const (
	KindInvalidConfig         Kind = "INVALID_CONFIG"
	KindAuthenticationFailure Kind = "AUTHENTICATION_FAILURE"
	KindTransientIO           Kind = "TRANSIENT_IO"
	KindInvalidTransition     Kind = "INVALID_TRANSITION"
	KindRunnerAborted         Kind = "RUNNER_ABORTED"
	KindRunnerTerminated      Kind = "RUNNER_TERMINATED"
	KindRunnerProcessExit     Kind = "RUNNER_PROCESS_EXIT"
	KindRoutingFailure        Kind = "ROUTING_FAILURE"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. Returns nil when
// err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Returns the empty Kind when
// the chain carries no classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var pe *ProcessExitError
	if errors.As(err, &pe) {
		return KindRunnerProcessExit
	}
	var te *InvalidTransitionError
	if errors.As(err, &te) {
		return KindInvalidTransition
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the error is a transient I/O failure that a
// caller may retry.
func IsTransient(err error) bool {
	return IsKind(err, KindTransientIO)
}

// IsRecoverableStop reports whether the error describes a runner stop the
// session can come back from. Aborted and terminated runners leave the
// session resumable; any other process failure does not.
func IsRecoverableStop(err error) bool {
	k := KindOf(err)
	return k == KindRunnerAborted || k == KindRunnerTerminated
}

// InvalidTransitionError is raised by the session state machine in strict
// mode when an event is not legal in the current state.
type InvalidTransitionError struct {
	State string
	Event string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s not allowed in state %s", e.Event, e.State)
}

// NewInvalidTransition creates an InvalidTransitionError for the given
// state and event names.
func NewInvalidTransition(state, event string) *InvalidTransitionError {
	return &InvalidTransitionError{State: state, Event: event}
}

// ProcessExitError describes a runner process that exited with a non-zero
// status outside the recoverable cases. StderrTail carries up to the last
// 1500 characters of the process stderr for diagnostics.
type ProcessExitError struct {
	ExitCode   int
	StderrTail string
}

// Error implements the error interface.
func (e *ProcessExitError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("runner process exited with code %d: %s", e.ExitCode, e.StderrTail)
	}
	return fmt.Sprintf("runner process exited with code %d", e.ExitCode)
}

// NewProcessExit creates a ProcessExitError with the given exit code and
// stderr tail.
func NewProcessExit(exitCode int, stderrTail string) *ProcessExitError {
	return &ProcessExitError{ExitCode: exitCode, StderrTail: stderrTail}
}
