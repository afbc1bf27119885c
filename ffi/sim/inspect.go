package sim

import (
	"sort"

	"github.com/gopyo3/pyo3/ffi"
)

// Counters is a snapshot of the runtime's operation counters.
type Counters struct {
	IncRefs  int64
	DecRefs  int64
	Acquires int64
	NewTypes int64
}

// Counters returns the number of IncRef, DecRef, AcquireLock and NewType
// calls so far.
func (r *Runtime) Counters() Counters {
	return Counters{
		IncRefs:  r.increfs.Load(),
		DecRefs:  r.decrefs.Load(),
		Acquires: r.acquires.Load(),
		NewTypes: r.newTypes.Load(),
	}
}

// LockHeld reports whether some thread currently holds the global lock.
func (r *Runtime) LockHeld() bool { return r.held.Load() }

// Alive reports whether p refers to an object that has not been freed.
func (r *Runtime) Alive(p ffi.Ptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[p]
	return ok
}

// Count returns the reference count of p, or 0 if p has been freed. Unlike
// RefCount it never panics, which makes it convenient in assertions.
func (r *Runtime) Count(p ffi.Ptr) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[p]; ok {
		return o.refcnt.Load()
	}
	return 0
}

// FailNextAlloc makes the next Alloc call fail with err.
func (r *Runtime) FailNextAlloc(err error) {
	r.mu.Lock()
	r.allocErr = err
	r.mu.Unlock()
}

// Raise sets the last-error slot, as a foreign function would before
// returning a null result.
func (r *Runtime) Raise(err error) { r.setErr(err) }

// Unraisables returns the errors reported through WriteUnraisable.
func (r *Runtime) Unraisables() []Unraisable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Unraisable(nil), r.unraisable...)
}

// AttrNames returns the sorted attribute names set directly on obj.
func (r *Runtime) AttrNames(obj ffi.Ptr) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.lookupLocked(obj)
	names := make([]string, 0, len(o.attrs))
	for k := range o.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsImmutable reports whether the type tp has been marked immutable.
func (r *Runtime) IsImmutable(tp ffi.Ptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(tp).immutable
}
