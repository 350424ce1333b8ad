package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the pipeline operation that produced
// it and the reference (snap id, device id, image path) it was working on.
type OperationError struct {
	Operation string
	Ref       string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.Ref != "" {
		return fmt.Sprintf("%s (ref=%s): %v", e.Operation, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
// A nil err yields nil so call sites can wrap unconditionally.
func NewOperationError(operation, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Ref: ref, Err: err}
}

// OperationOf returns the outermost operation name recorded on err, or "".
func OperationOf(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Operation
	}
	return ""
}
