package pyo3

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gopyo3/pyo3/ffi"
)

// Any marks a reference to a foreign object of unknown type.
type Any struct{}

// Type marks a reference to a foreign type object.
type Type struct{}

// refState is split from ref so that the leak cleanup can hold it without
// keeping the ref reachable.
type refState struct {
	ptr      ffi.Ptr
	released atomic.Bool
}

// ref owns exactly one unit of a foreign object's reference count. Every
// increment and decrement made on behalf of the reference family goes
// through newRef and release/releaseNow.
type ref struct {
	st         *refState
	cleanup    runtime.Cleanup
	hasCleanup bool
	// owner is the scope that releases r when it exits, nil when r is held
	// by a Py. Only touched with the lock held.
	owner *scope
}

func newRef(st *state, ptr ffi.Ptr) *ref {
	r := &ref{st: &refState{ptr: ptr}}
	if st.opts.leakCleanup {
		r.cleanup = runtime.AddCleanup(r, leaked, r.st)
		r.hasCleanup = true
	}
	return r
}

// leaked runs on the cleanup goroutine, which never holds the lock, so the
// decrement always goes through the pool.
func leaked(rs *refState) {
	if !rs.released.CompareAndSwap(false, true) {
		return
	}
	st := mustCurrent()
	st.registerDecref(rs.ptr)
	st.log.Warn("owned reference became unreachable without Release", zap.Uintptr("ptr", uintptr(rs.ptr)))
	stats.leaked.Add(1)
}

func (r *ref) ptr() ffi.Ptr {
	if r == nil {
		panic("pyo3: use of nil reference")
	}
	if r.st.released.Load() {
		panic(fmt.Sprintf("pyo3: use of released reference to %#x", uintptr(r.st.ptr)))
	}
	return r.st.ptr
}

func (r *ref) markReleased() {
	if r == nil {
		panic("pyo3: release of nil reference")
	}
	if !r.st.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("pyo3: reference to %#x released twice", uintptr(r.st.ptr)))
	}
	if r.hasCleanup {
		r.cleanup.Stop()
	}
}

// releaseNow decrements immediately; the lock must be held.
func (r *ref) releaseNow(st *state) {
	r.markReleased()
	st.rt.DecRef(r.st.ptr)
	stats.immediate.Add(1)
}

// release decrements immediately or through the pool.
func (r *ref) release(st *state) {
	r.markReleased()
	st.registerDecref(r.st.ptr)
}

// Py is an owned reference to a foreign object. It is independent of any
// token and may be moved between goroutines. Exactly one of Release,
// ReleaseWith, IntoBound(...).Release or a scope exit must end it.
type Py[T any] struct {
	r *ref
}

// IsNil reports whether p is the zero Py.
func (p Py[T]) IsNil() bool { return p.r == nil }

// Ptr returns the foreign handle without transferring ownership.
func (p Py[T]) Ptr() ffi.Ptr { return p.r.ptr() }

// Bind returns a bound view of p. No reference count changes and p keeps
// ownership: releasing either releases both.
func (p Py[T]) Bind(py Python) Bound[T] {
	py.check()
	p.r.ptr()
	return Bound[T]{py: py, r: p.r}
}

// IntoBound moves ownership of p into py's scope, which releases it when
// it exits unless it is unbound again first.
func (p Py[T]) IntoBound(py Python) Bound[T] {
	b := p.Bind(py)
	py.s.adopt(p.r)
	return b
}

// CloneRef returns a new owned reference to the same object.
func (p Py[T]) CloneRef(py Python) Py[T] {
	py.check()
	st := mustCurrent()
	ptr := p.r.ptr()
	st.rt.IncRef(ptr)
	stats.increfs.Add(1)
	return Py[T]{r: newRef(st, ptr)}
}

// Release gives up p's reference. If the calling goroutine holds the lock
// the count is decremented at once, otherwise the decrement is queued and
// applied on the next acquisition. Releasing twice panics.
func (p Py[T]) Release() {
	p.r.release(mustCurrent())
}

// ReleaseWith gives up p's reference immediately, using py as proof that
// the lock is held.
func (p Py[T]) ReleaseWith(py Python) {
	py.check()
	p.r.releaseNow(mustCurrent())
}

// RefCount returns the foreign reference count of the object.
func (p Py[T]) RefCount(py Python) int64 {
	py.check()
	return py.rt().RefCount(p.r.ptr())
}

// Is reports whether p and other refer to the same object.
func (p Py[T]) Is(other interface{ Ptr() ffi.Ptr }) bool {
	return p.Ptr() == other.Ptr()
}

// AsAny relabels p as a reference of unknown type.
func (p Py[T]) AsAny() Py[Any] { return Py[Any](p) }

// Bound is an owned reference tied to a token. Its count is always
// maintained immediately since the token proves the lock is held.
type Bound[T any] struct {
	py Python
	r  *ref
}

func newBound[T any](py Python, ptr ffi.Ptr) Bound[T] {
	r := newRef(mustCurrent(), ptr)
	py.s.adopt(r)
	return Bound[T]{py: py, r: r}
}

// FromOwnedPtr takes ownership of a new reference returned by the runtime.
// A null ptr means the call failed; the runtime's last error is returned
// wrapped in an AllocationFailure.
func FromOwnedPtr[T any](py Python, ptr ffi.Ptr) (Bound[T], error) {
	py.check()
	if ptr.IsNull() {
		return Bound[T]{}, &AllocationFailure{Err: py.rt().FetchError()}
	}
	return newBound[T](py, ptr), nil
}

// NewBound runs a foreign allocation and takes ownership of its result.
func NewBound[T any](py Python, alloc func() ffi.Ptr) (Bound[T], error) {
	py.check()
	return FromOwnedPtr[T](py, alloc())
}

// FromBorrowedPtr wraps a borrowed handle. The caller guarantees that the
// object stays alive while the result is used.
func FromBorrowedPtr[T any](py Python, ptr ffi.Ptr) (Borrowed[T], error) {
	py.check()
	if ptr.IsNull() {
		return Borrowed[T]{}, fetchError(py)
	}
	return Borrowed[T]{py: py, ptr: ptr}, nil
}

// Py returns the token b is tied to.
func (b Bound[T]) Py() Python { return b.py }

// IsNil reports whether b is the zero Bound.
func (b Bound[T]) IsNil() bool { return b.r == nil }

// Ptr returns the foreign handle without transferring ownership.
func (b Bound[T]) Ptr() ffi.Ptr {
	b.py.check()
	return b.r.ptr()
}

// Clone increments the count and returns a new reference owned by the
// same token.
func (b Bound[T]) Clone() Bound[T] {
	ptr := b.Ptr()
	b.py.rt().IncRef(ptr)
	stats.increfs.Add(1)
	return newBound[T](b.py, ptr)
}

// Release decrements the count now. Releasing twice panics.
func (b Bound[T]) Release() {
	b.py.check()
	b.r.releaseNow(mustCurrent())
}

// Unbind detaches the reference from its token without changing the
// count. The result outlives the token and must be released by the caller.
func (b Bound[T]) Unbind() Py[T] {
	b.py.check()
	b.r.ptr()
	b.r.owner = nil
	return Py[T]{r: b.r}
}

// IntoPtr transfers ownership of the reference to the caller, typically to
// hand a new reference to foreign code that steals it.
func (b Bound[T]) IntoPtr() ffi.Ptr {
	ptr := b.Ptr()
	b.r.markReleased()
	return ptr
}

// AsBorrowed returns a non-owning view of b.
func (b Bound[T]) AsBorrowed() Borrowed[T] {
	return Borrowed[T]{py: b.py, ptr: b.Ptr(), owner: b.r}
}

// AsAny relabels b as a reference of unknown type.
func (b Bound[T]) AsAny() Bound[Any] { return Bound[Any](b) }

// RefCount returns the foreign reference count of the object.
func (b Bound[T]) RefCount() int64 {
	return b.py.rt().RefCount(b.Ptr())
}

// Is reports whether b and other refer to the same object.
func (b Bound[T]) Is(other interface{ Ptr() ffi.Ptr }) bool {
	return b.Ptr() == other.Ptr()
}

// TypeName returns the name of the object's foreign type.
func (b Bound[T]) TypeName() string {
	rt := b.py.rt()
	return rt.TypeName(rt.TypeOf(b.Ptr()))
}

// Type returns a new reference to the object's type.
func (b Bound[T]) Type() Bound[Type] {
	tp := b.py.rt().TypeOf(b.Ptr())
	b.py.rt().IncRef(tp)
	stats.increfs.Add(1)
	return newBound[Type](b.py, tp)
}

// GetAttr returns b.name.
func (b Bound[T]) GetAttr(name string) (Bound[Any], error) {
	ptr := b.py.rt().GetAttr(b.Ptr(), name)
	if ptr.IsNull() {
		return Bound[Any]{}, fetchError(b.py)
	}
	return newBound[Any](b.py, ptr), nil
}

// SetAttr sets b.name = value. The caller keeps its reference to value.
func (b Bound[T]) SetAttr(name string, value interface{ Ptr() ffi.Ptr }) error {
	return errorOnMinusOne(b.py, b.py.rt().SetAttr(b.Ptr(), name, value.Ptr()))
}

func (b Bound[T]) String() string {
	if b.r == nil || !b.py.Valid() || b.r.st.released.Load() {
		return "<released>"
	}
	return fmt.Sprintf("<%s object at %#x>", b.TypeName(), uintptr(b.r.st.ptr))
}

// Borrowed is a non-owning view of a foreign object. It is valid while its
// owner is alive and its token is live; both are checked on every use when
// the owner is known.
type Borrowed[T any] struct {
	py    Python
	ptr   ffi.Ptr
	owner *ref
}

// Py returns the token b is tied to.
func (b Borrowed[T]) Py() Python { return b.py }

// Ptr returns the foreign handle.
func (b Borrowed[T]) Ptr() ffi.Ptr {
	b.py.check()
	if b.owner != nil && b.owner.st.released.Load() {
		panic("pyo3: borrowed reference used after its owner was released")
	}
	if b.ptr.IsNull() {
		panic("pyo3: use of zero Borrowed")
	}
	return b.ptr
}

// ToOwned increments the count and returns an owned, bound reference.
func (b Borrowed[T]) ToOwned() Bound[T] {
	ptr := b.Ptr()
	b.py.rt().IncRef(ptr)
	stats.increfs.Add(1)
	return newBound[T](b.py, ptr)
}

// AsAny relabels b as a reference of unknown type.
func (b Borrowed[T]) AsAny() Borrowed[Any] { return Borrowed[Any](b) }

// TypeName returns the name of the object's foreign type.
func (b Borrowed[T]) TypeName() string {
	rt := b.py.rt()
	return rt.TypeName(rt.TypeOf(b.Ptr()))
}
