// Package ffi describes the foreign runtime that pyo3 references point into.
//
// The core package never dereferences a [Ptr]. Every interaction with the
// foreign heap goes through a [Runtime]: lock management, reference counts,
// the last-error slot and the handful of type operations needed to build
// class descriptors. Two implementations ship with the module: ffi/sim, an
// in-process simulation used by the tests, and ffi/cpython, which loads a
// real libpython with purego.
package ffi

import "errors"

// Ptr is an opaque handle to an object on the foreign heap.
// The zero value is the null pointer and never denotes a live object.
type Ptr uintptr

// IsNull reports whether p is the null pointer.
func (p Ptr) IsNull() bool { return p == 0 }

// LockState is the value returned by AcquireLock that must be handed back to
// ReleaseLock on the same OS thread.
type LockState uintptr

// ThreadState is the saved thread state returned by SaveThread.
type ThreadState uintptr

// Builtin type names understood by Runtime.BuiltinType.
const (
	ObjectTypeName = "object"
	TypeTypeName   = "type"
)

// ErrUnsupported is returned by runtimes that do not implement an optional
// operation.
var ErrUnsupported = errors.New("ffi: operation not supported by runtime")

// TypeSpec describes a class type to be created by Runtime.NewType.
type TypeSpec struct {
	// Name is the qualified name, e.g. "mymod.Counter".
	Name string
	// Base is the base type. Zero means the runtime's object type.
	Base Ptr
	// Doc is an optional docstring.
	Doc string
}

// Runtime is the foreign ABI used by the core. Calls that mutate reference
// counts or touch objects require the lock; AcquireLock, SaveThread and
// FetchError's callers are responsible for that, not the runtime.
//
// Fallible calls follow the C convention: they return 0 (for Ptr results) or
// -1 (for int results) and leave an error in the last-error slot, which the
// caller collects with FetchError.
type Runtime interface {
	// AcquireLock blocks until the calling OS thread holds the global lock.
	AcquireLock() LockState
	// ReleaseLock releases a lock acquired with AcquireLock.
	ReleaseLock(LockState)
	// SaveThread releases the lock held by the calling thread so other
	// threads can run, returning the state needed to restore it.
	SaveThread() ThreadState
	// RestoreThread reacquires the lock released by SaveThread.
	RestoreThread(ThreadState)

	IncRef(Ptr)
	DecRef(Ptr)
	// RefCount reports the current reference count of p.
	RefCount(Ptr) int64

	// FetchError returns and clears the last error, or nil if none is set.
	FetchError() error
	// WriteUnraisable reports an error that has no caller to return to.
	WriteUnraisable(err error, context string)

	// BuiltinType locates a builtin type descriptor by name. The result is a
	// borrowed reference and is 0 if the name is unknown.
	BuiltinType(name string) Ptr
	// NewType creates a new class type and returns a new reference to it.
	NewType(spec TypeSpec) Ptr
	// Alloc creates an instance of tp and returns a new reference to it.
	Alloc(tp Ptr) Ptr
	// TypeOf returns a borrowed reference to the type of p.
	TypeOf(p Ptr) Ptr
	// IsSubtype reports whether sub is sup or derives from it.
	IsSubtype(sub, sup Ptr) bool
	// TypeName returns the name of the type tp.
	TypeName(tp Ptr) string
	// SetAttr sets obj.name = value without stealing the reference to value.
	SetAttr(obj Ptr, name string, value Ptr) int
	// GetAttr returns a new reference to obj.name.
	GetAttr(obj Ptr, name string) Ptr
	// SetTypeImmutable marks tp so that its attributes can no longer be set.
	SetTypeImmutable(tp Ptr) int
	// SetDeallocHook installs a function the runtime calls, with the lock
	// held, just before an object is freed.
	SetDeallocHook(func(Ptr))
}

// Scalars is implemented by runtimes that can box Go scalars. It backs the
// builtin conversions of the core package.
type Scalars interface {
	FromInt64(v int64) Ptr
	AsInt64(p Ptr) (int64, bool)
	FromString(s string) Ptr
	AsString(p Ptr) (string, bool)
}
