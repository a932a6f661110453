// Package errs defines the error taxonomy shared by every component of the
// build engine (§7 ERROR HANDLING DESIGN).
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure so callers (the executor, the driver's exit
// code mapping) can react without string-matching.
type Kind int

const (
	// KindUnknown is the zero value; never produced deliberately.
	KindUnknown Kind = iota
	// KindInvalidCommand: a declared input is a directory, or outputs collide at plan time.
	KindInvalidCommand
	// KindCyclicDependency: plan construction refused to produce an executor.
	KindCyclicDependency
	// KindMissingInput: runtime stat failure on a declared input.
	KindMissingInput
	// KindSpawnFailed: the OS rejected process creation.
	KindSpawnFailed
	// KindNonZeroExit: the child exited with a nonzero code.
	KindNonZeroExit
	// KindOutputNotProduced: success exit but a declared output is absent.
	KindOutputNotProduced
	// KindIOWriteFailed: a write related to command execution (e.g. response file) failed.
	KindIOWriteFailed
	// KindStorageIOError: the cache log could not be read, written, or fsynced.
	KindStorageIOError
	// KindCancelled: the cancellation flag was observed before the command started.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCommand:
		return "InvalidCommand"
	case KindCyclicDependency:
		return "CyclicDependency"
	case KindMissingInput:
		return "MissingInput"
	case KindSpawnFailed:
		return "SpawnFailed"
	case KindNonZeroExit:
		return "NonZeroExit"
	case KindOutputNotProduced:
		return "OutputNotProduced"
	case KindIOWriteFailed:
		return "IOWriteFailed"
	case KindStorageIOError:
		return "StorageIOError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type produced by this module. It wraps an
// underlying cause (often from pkg/errors, preserving a stack trace) with a
// Kind and optional structured detail.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Detail carries kind-specific payload: the cycle's node names for
	// KindCyclicDependency, the exit code for KindNonZeroExit, etc.
	Detail interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/As and pkg/errors.Cause to reach the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing error, attaching a stack trace
// to cause via pkg/errors.WithStack.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: errors.WithStack(cause)}
}

// WithDetail attaches structured detail and returns the receiver for chaining.
func (e *Error) WithDetail(d interface{}) *Error {
	e.Detail = d
	return e
}

// As extracts the *Error from an error chain, following pkg/errors-style wrapping.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// ExitCode maps a build result to the driver exit codes from §6 EXTERNAL INTERFACES:
// 0 success, 1 any command failed, 2 plan-construction error, 3 storage I/O error.
func ExitCode(buildFailed bool, err error) int {
	if err != nil {
		switch KindOf(err) {
		case KindCyclicDependency, KindInvalidCommand:
			return 2
		case KindStorageIOError:
			return 3
		}
	}
	if buildFailed {
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}
