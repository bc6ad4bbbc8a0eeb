package schema

import (
	"errors"
	"fmt"
)

var (
	// Executor-level errors. These never escape the dispatcher; they are
	// reported to the model inside a failed result envelope.
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrNotFound          = errors.New("not found")
	ErrIO                = errors.New("i/o error")
	ErrTimeout           = errors.New("execution timed out")
	ErrNonZeroExit       = errors.New("process exited with non-zero status")

	// Loop-level errors.
	ErrProvider        = errors.New("model provider error")
	ErrSessionFatal    = errors.New("session fatal")
	ErrEmptyInput      = errors.New("empty input")
	ErrTurnLimit       = errors.New("tool-call turn limit exceeded")
	ErrSessionBusy     = errors.New("session busy")
	ErrSessionNotFound = errors.New("session not found")
)

// ErrorCode is the machine-readable failure class carried by a result envelope.
type ErrorCode string

const (
	CodeUnknownCapability ErrorCode = "UnknownCapability"
	CodeInvalidArguments  ErrorCode = "InvalidArguments"
	CodeNotFound          ErrorCode = "NotFound"
	CodeIOError           ErrorCode = "IOError"
	CodeTimeout           ErrorCode = "Timeout"
	CodeNonZeroExit       ErrorCode = "NonZeroExit"
)

// CodeOf classifies err. Anything unrecognized is an IOError.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownCapability):
		return CodeUnknownCapability
	case errors.Is(err, ErrInvalidArguments):
		return CodeInvalidArguments
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNonZeroExit):
		return CodeNonZeroExit
	default:
		return CodeIOError
	}
}

type ToolError struct {
	ToolName string
	Op       string
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.ToolName, e.Op, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func NewToolError(toolName, op string, err error) *ToolError {
	return &ToolError{
		ToolName: toolName,
		Op:       op,
		Err:      err,
	}
}

// ModelError wraps any failure of the model call. It always matches ErrProvider.
type ModelError struct {
	Model string
	Op    string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %s: %v", e.Model, e.Op, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

func (e *ModelError) Is(target error) bool {
	return target == ErrProvider
}

func NewModelError(model, op string, err error) *ModelError {
	return &ModelError{
		Model: model,
		Op:    op,
		Err:   err,
	}
}

// RunnerError describes runtime failures in Runner.
type RunnerError struct {
	Op  string
	Err error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner: %s: %v", e.Op, e.Err)
}

func (e *RunnerError) Unwrap() error {
	return e.Err
}

// NewRunnerError creates a RunnerError.
func NewRunnerError(op string, err error) *RunnerError {
	return &RunnerError{Op: op, Err: err}
}

// ValidationError reports a schema mismatch in tool arguments. It matches
// ErrInvalidArguments.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid argument %s (value: %v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArguments
}

func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsRecoverable reports whether the session can continue after err.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrSessionFatal)
}
