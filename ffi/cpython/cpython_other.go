//go:build !linux && !darwin

package cpython

import (
	"fmt"
	"runtime"

	"github.com/gopyo3/pyo3/ffi"
)

// Load always fails on this system.
func Load(path string) (*Runtime, error) {
	return nil, fmt.Errorf("cpython: %s: %w", runtime.GOOS, ffi.ErrUnsupported)
}

// Runtime is unavailable on this system.
type Runtime struct{ ffi.Runtime }
