package errors

import (
	stderrors "errors"
	"fmt"
)

// FaultKind classifies a compile-time fault.
type FaultKind int

const (
	// InvalidTrace means the trace can never execute to completion: a guard
	// contradicts facts already proven about its input.
	InvalidTrace FaultKind = iota
	// Unimplemented means an operation has no backend lowering.
	Unimplemented
	// Internal covers resource failures while assembling (mmap, patch range).
	Internal
)

func (k FaultKind) String() string {
	switch k {
	case InvalidTrace:
		return "invalid trace"
	case Unimplemented:
		return "unimplemented"
	case Internal:
		return "internal"
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// CompileError aborts compilation of one trace. The host falls back to
// interpreting the code the trace was recorded from.
type CompileError struct {
	Kind    FaultKind
	Op      string
	Message string
	Cause   error
}

func (e *CompileError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// IsInvalidTrace checks if err carries an invalid-trace fault
func IsInvalidTrace(err error) bool {
	return hasKind(err, InvalidTrace)
}

// IsUnimplemented checks if err carries an unimplemented-operation fault
func IsUnimplemented(err error) bool {
	return hasKind(err, Unimplemented)
}

// IsInternal checks if err carries an internal fault
func IsInternal(err error) bool {
	return hasKind(err, Internal)
}

func hasKind(err error, kind FaultKind) bool {
	var ce *CompileError
	if stderrors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// InvalidTracef creates an invalid-trace fault for the named operation
func InvalidTracef(op string, format string, args ...interface{}) *CompileError {
	return &CompileError{
		Kind:    InvalidTrace,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Unimplementedf creates an unimplemented-operation fault
func Unimplementedf(op string, format string, args ...interface{}) *CompileError {
	return &CompileError{
		Kind:    Unimplemented,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as an internal compile fault
func Wrap(err error, message string) *CompileError {
	return &CompileError{
		Kind:    Internal,
		Message: message,
		Cause:   err,
	}
}

// Internalf creates an internal fault, for inputs the backend cannot honor
// such as a location outside the register file.
func Internalf(op string, format string, args ...interface{}) *CompileError {
	return &CompileError{
		Kind:    Internal,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}
