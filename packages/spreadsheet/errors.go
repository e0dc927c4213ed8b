package spreadsheet

import (
	"errors"
	"fmt"
	"strings"
)

// AppErrorCode represents gRPC-style error codes for application-level errors.
// note that we are skipping error codes that don't make sense for our use-case,
// like unauthenticated, or permission denied.
type AppErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK AppErrorCode = 0

	// Unknown error. Errors raised by APIs that do not return enough error
	// information may be converted to this error.
	Unknown AppErrorCode = 2

	// InvalidArgument indicates client specified an invalid argument.
	InvalidArgument AppErrorCode = 3

	// NotFound means some requested entity (e.g., worksheet) was not found.
	NotFound AppErrorCode = 5

	// AlreadyExists means an attempt to create an entity failed because one
	// already exists.
	AlreadyExists AppErrorCode = 6

	// ResourceExhausted indicates some resource has been exhausted.
	ResourceExhausted AppErrorCode = 8

	// FailedPrecondition indicates operation was rejected because the
	// system is not in a state required for the operation's execution,
	// e.g. a transaction that was already committed.
	FailedPrecondition AppErrorCode = 9

	// OutOfRange means operation was attempted past the valid range.
	OutOfRange AppErrorCode = 11

	// Unimplemented indicates operation is not implemented or not
	// supported/enabled in this service.
	Unimplemented AppErrorCode = 12

	// Internal errors. Means some invariants expected by underlying
	// system has been broken.
	Internal AppErrorCode = 13
)

// AppError represents errors at the application level (not
// spreadsheet cell errors)
type AppError struct {
	Code    AppErrorCode
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

// NewApplicationError creates a new application error
func NewApplicationError(code AppErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// ErrorCodeOf returns the AppErrorCode carried by err, Unknown if err is not
// an *AppError and OK for nil.
func ErrorCodeOf(err error) AppErrorCode {
	if err == nil {
		return OK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

var (
	ErrTransactionClosed = NewApplicationError(FailedPrecondition, "transaction is no longer active")
	ErrNothingToUndo     = NewApplicationError(FailedPrecondition, "nothing to undo")
	ErrNothingToRedo     = NewApplicationError(FailedPrecondition, "nothing to redo")
)

// ParseDependencyError is recorded when a code cell's source references
// something that cannot be resolved. The cell keeps zero dependencies.
type ParseDependencyError struct {
	Cell    CellAddress
	Message string
}

func (e *ParseDependencyError) Error() string {
	return fmt.Sprintf("%s: parse error: %s", e.Cell, e.Message)
}

// ExecutionError is recorded when a code runner reports a failure.
type ExecutionError struct {
	Cell     CellAddress
	Language Language
	Err      *SpreadsheetError
}

func (e *ExecutionError) Error() string {
	if e.Err.Line > 0 {
		return fmt.Sprintf("%s: %s error on line %d: %s", e.Cell, e.Language, e.Err.Line, e.Err.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Cell, e.Language, e.Err.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// CyclicDependencyError is recorded when a cascade exceeds its iteration
// budget. Cells lists the cells that were marked with #CIRCULAR!.
type CyclicDependencyError struct {
	Cells      []CellAddress
	Iterations int
}

func (e *CyclicDependencyError) Error() string {
	names := make([]string, len(e.Cells))
	for i, c := range e.Cells {
		names[i] = c.String()
	}
	return fmt.Sprintf("cyclic dependency after %d iterations: %s", e.Iterations, strings.Join(names, ", "))
}

// SelfReferenceError is recorded when a cell reads itself. The edge is
// dropped.
type SelfReferenceError struct {
	Cell CellAddress
}

func (e *SelfReferenceError) Error() string {
	return fmt.Sprintf("%s: cell references itself", e.Cell)
}

// Diagnostic attaches a non-fatal error to the cell it concerns. Cycle
// diagnostics use the first member as Cell.
type Diagnostic struct {
	Cell CellAddress
	Err  error
}

func (d Diagnostic) String() string {
	return d.Err.Error()
}
