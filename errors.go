package pyo3

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotPrepared is returned when the lock is requested before Prepare.
	ErrNotPrepared = errors.New("pyo3: runtime not prepared")

	// ErrAlreadyPrepared is returned by Prepare when a different runtime is
	// already installed.
	ErrAlreadyPrepared = errors.New("pyo3: a different runtime is already prepared")
)

// AllocationFailure is returned when a foreign allocation returns null.
// Err is the error fetched from the runtime's last-error slot.
type AllocationFailure struct {
	Err error
}

func (e *AllocationFailure) Error() string {
	if e.Err == nil {
		return "pyo3: allocation failed without setting an error"
	}
	return "pyo3: allocation failed: " + e.Err.Error()
}

func (e *AllocationFailure) Unwrap() error { return e.Err }

// BorrowConflict reports a violation of the one-writer-or-many-readers
// discipline on a class payload.
type BorrowConflict struct {
	Type string
	// Mutable is true when the failed borrow was a mutable one.
	Mutable bool
}

func (e *BorrowConflict) Error() string {
	if e.Mutable {
		return fmt.Sprintf("pyo3: %s is already borrowed", e.Type)
	}
	return fmt.Sprintf("pyo3: %s is already mutably borrowed", e.Type)
}

// TypeMismatch is returned by downcasts and extractions when the dynamic
// foreign type is not the expected one.
type TypeMismatch struct {
	Expected string
	Actual   string
}

func (e *TypeMismatch) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("pyo3: expected %s", e.Expected)
	}
	return fmt.Sprintf("pyo3: %q object cannot be converted to %q", e.Actual, e.Expected)
}

// InitializationFailure wraps an error raised while building a class type.
// Failures filling the class attributes are reported as an attribute-level
// InitializationFailure inside a class-level one.
type InitializationFailure struct {
	Type string
	// Attr is the attribute being computed, or "__dict__" when setting the
	// computed attributes failed, or empty for the class as a whole.
	Attr string
	Err  error
}

func (e *InitializationFailure) Error() string {
	var msg string
	switch e.Attr {
	case "":
		msg = fmt.Sprintf("an error occurred while initializing class %s", e.Type)
	default:
		msg = fmt.Sprintf("an error occurred while initializing `%s.%s`", e.Type, e.Attr)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InitializationFailure) Unwrap() error { return e.Err }

// fetchError collects the runtime's last error. A null result with no error
// set is still a failure, so a placeholder is returned in that case.
func fetchError(py Python) error {
	if err := py.rt().FetchError(); err != nil {
		return err
	}
	return errors.New("pyo3: foreign call failed without setting an error")
}

// errorOnMinusOne converts a C-style int status into an error.
func errorOnMinusOne(py Python, status int) error {
	if status == -1 {
		return fetchError(py)
	}
	return nil
}

// writeUnraisable routes err to the runtime's unraisable channel and the log.
// It is used where no caller can observe a returned error.
func writeUnraisable(py Python, err error, context string) {
	logger().Warn("unraisable error", zap.Error(err), zap.String("context", context))
	py.rt().WriteUnraisable(err, context)
}
