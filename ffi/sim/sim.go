// Package sim is an in-process stand-in for a globally locked, reference
// counted object runtime.
//
// Objects live in a table keyed by fake addresses that are never reused, so a
// stale handle is reported as a use-after-free instead of silently touching a
// different object. Reference count changes made without the global lock
// panic, which lets tests prove that callers only mutate counts while they
// hold the lock.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gopyo3/pyo3/ffi"
	"github.com/gopyo3/pyo3/internal/goid"
)

// immortal is the reference count given to builtin types.
const immortal = 1 << 40

// Error is an exception raised by the simulated runtime.
type Error struct {
	Kind string // e.g. "TypeError"
	Msg  string
}

func (e *Error) Error() string { return e.Kind + ": " + e.Msg }

// Unraisable is an error reported through WriteUnraisable.
type Unraisable struct {
	Err     error
	Context string
}

type objKind int

const (
	kindPlain objKind = iota
	kindType
	kindInt
	kindString
)

type object struct {
	refcnt atomic.Int64
	typ    ffi.Ptr
	kind   objKind

	// type objects
	name      string
	doc       string
	base      ffi.Ptr
	immutable bool
	builtin   bool

	attrs map[string]ffi.Ptr

	intVal int64
	strVal string
}

// Runtime is a simulated foreign runtime. The zero value is not usable; use
// New.
type Runtime struct {
	lock   sync.Mutex // the global lock
	held   atomic.Bool
	holder atomic.Int64 // goroutine holding lock, 0 when free

	mu         sync.Mutex // guards the fields below
	objects    map[ffi.Ptr]*object
	freed      map[ffi.Ptr]bool
	next       ffi.Ptr
	lastErr    error
	allocErr   error
	dealloc    func(ffi.Ptr)
	unraisable []Unraisable
	builtins   map[string]ffi.Ptr

	increfs  atomic.Int64
	decrefs  atomic.Int64
	acquires atomic.Int64
	newTypes atomic.Int64
}

var _ ffi.Runtime = (*Runtime)(nil)
var _ ffi.Scalars = (*Runtime)(nil)

// New returns a runtime with the builtin types object, type, int and str.
func New() *Runtime {
	r := &Runtime{
		objects:  make(map[ffi.Ptr]*object),
		freed:    make(map[ffi.Ptr]bool),
		next:     0x1000,
		builtins: make(map[string]ffi.Ptr),
	}
	typeType := r.insert(&object{kind: kindType, name: ffi.TypeTypeName, builtin: true})
	objectType := r.insert(&object{kind: kindType, name: ffi.ObjectTypeName, builtin: true, typ: typeType})
	r.objects[typeType].typ = typeType
	r.objects[typeType].base = objectType
	r.builtins[ffi.TypeTypeName] = typeType
	r.builtins[ffi.ObjectTypeName] = objectType
	for _, name := range []string{"int", "str"} {
		r.builtins[name] = r.insert(&object{kind: kindType, name: name, builtin: true, typ: typeType, base: objectType})
	}
	for _, p := range r.builtins {
		r.objects[p].refcnt.Store(immortal)
	}
	return r
}

func (r *Runtime) insert(o *object) ffi.Ptr {
	p := r.next
	r.next += 0x10
	if o.attrs == nil {
		o.attrs = make(map[string]ffi.Ptr)
	}
	o.refcnt.Store(1)
	r.objects[p] = o
	return p
}

func (r *Runtime) lookup(p ffi.Ptr) *object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(p)
}

func (r *Runtime) lookupLocked(p ffi.Ptr) *object {
	if p == 0 {
		panic("sim: null pointer dereference")
	}
	o, ok := r.objects[p]
	if !ok {
		if r.freed[p] {
			panic(fmt.Sprintf("sim: use after free of object %#x", uintptr(p)))
		}
		panic(fmt.Sprintf("sim: unknown object %#x", uintptr(p)))
	}
	return o
}

func (r *Runtime) mustHold(op string) {
	if !r.held.Load() {
		panic("sim: " + op + " called without holding the global lock")
	}
	if r.holder.Load() != goid.Get() {
		panic("sim: " + op + " called from a goroutine that does not hold the global lock")
	}
}

func (r *Runtime) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// AcquireLock implements ffi.Runtime.
func (r *Runtime) AcquireLock() ffi.LockState {
	r.lock.Lock()
	r.held.Store(true)
	r.holder.Store(goid.Get())
	r.acquires.Add(1)
	return 1
}

// ReleaseLock implements ffi.Runtime.
func (r *Runtime) ReleaseLock(ffi.LockState) {
	if !r.held.Load() {
		panic("sim: release of a lock that is not held")
	}
	r.holder.Store(0)
	r.held.Store(false)
	r.lock.Unlock()
}

// SaveThread implements ffi.Runtime.
func (r *Runtime) SaveThread() ffi.ThreadState {
	r.ReleaseLock(1)
	return 1
}

// RestoreThread implements ffi.Runtime.
func (r *Runtime) RestoreThread(ffi.ThreadState) {
	r.AcquireLock()
}

// IncRef implements ffi.Runtime.
func (r *Runtime) IncRef(p ffi.Ptr) {
	r.mustHold("IncRef")
	r.lookup(p).refcnt.Add(1)
	r.increfs.Add(1)
}

// DecRef implements ffi.Runtime.
func (r *Runtime) DecRef(p ffi.Ptr) {
	r.mustHold("DecRef")
	o := r.lookup(p)
	r.decrefs.Add(1)
	n := o.refcnt.Add(-1)
	switch {
	case n < 0:
		panic(fmt.Sprintf("sim: negative reference count on object %#x", uintptr(p)))
	case n == 0:
		r.free(p, o)
	}
}

func (r *Runtime) free(p ffi.Ptr, o *object) {
	r.mu.Lock()
	hook := r.dealloc
	r.mu.Unlock()
	if hook != nil {
		hook(p)
	}

	r.mu.Lock()
	delete(r.objects, p)
	r.freed[p] = true
	attrs := o.attrs
	o.attrs = nil
	r.mu.Unlock()

	for _, v := range attrs {
		r.DecRef(v)
	}
	if o.kind == kindType && o.base != 0 {
		r.DecRef(o.base)
	}
	if o.typ != 0 {
		r.DecRef(o.typ)
	}
}

// RefCount implements ffi.Runtime.
func (r *Runtime) RefCount(p ffi.Ptr) int64 {
	return r.lookup(p).refcnt.Load()
}

// FetchError implements ffi.Runtime.
func (r *Runtime) FetchError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lastErr
	r.lastErr = nil
	return err
}

// WriteUnraisable implements ffi.Runtime.
func (r *Runtime) WriteUnraisable(err error, context string) {
	r.mu.Lock()
	r.unraisable = append(r.unraisable, Unraisable{Err: err, Context: context})
	r.mu.Unlock()
}

// BuiltinType implements ffi.Runtime.
func (r *Runtime) BuiltinType(name string) ffi.Ptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builtins[name]
}

// NewType implements ffi.Runtime.
func (r *Runtime) NewType(spec ffi.TypeSpec) ffi.Ptr {
	r.mustHold("NewType")
	if spec.Name == "" {
		r.setErr(&Error{Kind: "ValueError", Msg: "type name must not be empty"})
		return 0
	}
	base := spec.Base
	if base == 0 {
		base = r.BuiltinType(ffi.ObjectTypeName)
	}
	if b := r.lookup(base); b.kind != kindType {
		r.setErr(&Error{Kind: "TypeError", Msg: "base is not a type"})
		return 0
	}
	r.IncRef(base)
	typeType := r.BuiltinType(ffi.TypeTypeName)
	r.IncRef(typeType)
	r.newTypes.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(&object{kind: kindType, name: spec.Name, doc: spec.Doc, base: base, typ: typeType})
}

// Alloc implements ffi.Runtime.
func (r *Runtime) Alloc(tp ffi.Ptr) ffi.Ptr {
	r.mustHold("Alloc")
	r.mu.Lock()
	if err := r.allocErr; err != nil {
		r.allocErr = nil
		r.lastErr = err
		r.mu.Unlock()
		return 0
	}
	t := r.lookupLocked(tp)
	r.mu.Unlock()
	if t.kind != kindType {
		r.setErr(&Error{Kind: "TypeError", Msg: "cannot instantiate a non-type object"})
		return 0
	}
	r.IncRef(tp)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(&object{kind: kindPlain, typ: tp})
}

// TypeOf implements ffi.Runtime.
func (r *Runtime) TypeOf(p ffi.Ptr) ffi.Ptr {
	return r.lookup(p).typ
}

// IsSubtype implements ffi.Runtime.
func (r *Runtime) IsSubtype(sub, sup ffi.Ptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t := sub; t != 0; {
		if t == sup {
			return true
		}
		o := r.lookupLocked(t)
		if o.base == t {
			break
		}
		t = o.base
	}
	return false
}

// TypeName implements ffi.Runtime.
func (r *Runtime) TypeName(tp ffi.Ptr) string {
	return r.lookup(tp).name
}

// SetAttr implements ffi.Runtime.
func (r *Runtime) SetAttr(obj ffi.Ptr, name string, value ffi.Ptr) int {
	r.mustHold("SetAttr")
	o := r.lookup(obj)
	r.mu.Lock()
	if o.kind == kindType && (o.immutable || o.builtin) {
		r.lastErr = &Error{Kind: "TypeError", Msg: fmt.Sprintf("cannot set %q attribute of immutable type %q", name, o.name)}
		r.mu.Unlock()
		return -1
	}
	old, hadOld := o.attrs[name]
	o.attrs[name] = value
	r.mu.Unlock()

	r.IncRef(value)
	if hadOld {
		r.DecRef(old)
	}
	return 0
}

// GetAttr implements ffi.Runtime.
func (r *Runtime) GetAttr(obj ffi.Ptr, name string) ffi.Ptr {
	r.mustHold("GetAttr")
	r.mu.Lock()
	o := r.lookupLocked(obj)
	v, ok := o.attrs[name]
	for t := o.typ; !ok && t != 0; {
		to := r.lookupLocked(t)
		if v, ok = to.attrs[name]; ok || to.base == t {
			break
		}
		t = to.base
	}
	if !ok {
		r.lastErr = &Error{Kind: "AttributeError", Msg: fmt.Sprintf("object has no attribute %q", name)}
		r.mu.Unlock()
		return 0
	}
	r.mu.Unlock()
	r.IncRef(v)
	return v
}

// SetTypeImmutable implements ffi.Runtime.
func (r *Runtime) SetTypeImmutable(tp ffi.Ptr) int {
	r.mustHold("SetTypeImmutable")
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.lookupLocked(tp)
	if o.kind != kindType {
		r.lastErr = &Error{Kind: "TypeError", Msg: "not a type"}
		return -1
	}
	o.immutable = true
	return 0
}

// SetDeallocHook implements ffi.Runtime.
func (r *Runtime) SetDeallocHook(f func(ffi.Ptr)) {
	r.mu.Lock()
	r.dealloc = f
	r.mu.Unlock()
}

// FromInt64 implements ffi.Scalars.
func (r *Runtime) FromInt64(v int64) ffi.Ptr {
	r.mustHold("FromInt64")
	tp := r.BuiltinType("int")
	r.IncRef(tp)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(&object{kind: kindInt, typ: tp, intVal: v})
}

// AsInt64 implements ffi.Scalars.
func (r *Runtime) AsInt64(p ffi.Ptr) (int64, bool) {
	o := r.lookup(p)
	if o.kind != kindInt {
		r.setErr(&Error{Kind: "TypeError", Msg: "an integer is required"})
		return 0, false
	}
	return o.intVal, true
}

// FromString implements ffi.Scalars.
func (r *Runtime) FromString(s string) ffi.Ptr {
	r.mustHold("FromString")
	tp := r.BuiltinType("str")
	r.IncRef(tp)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(&object{kind: kindString, typ: tp, strVal: s})
}

// AsString implements ffi.Scalars.
func (r *Runtime) AsString(p ffi.Ptr) (string, bool) {
	o := r.lookup(p)
	if o.kind != kindString {
		r.setErr(&Error{Kind: "TypeError", Msg: "a str is required"})
		return "", false
	}
	return o.strVal, true
}
