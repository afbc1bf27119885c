package pyo3

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gopyo3/pyo3/ffi"
	"github.com/gopyo3/pyo3/internal/goid"
)

// LazyState is the initialization state of a LazyTypeObject.
type LazyState int

const (
	// Idle: nothing has been created yet.
	Idle LazyState = iota
	// Initializing: a goroutine is creating the type object.
	Initializing
	// ValueReady: the type object exists, its attributes are not set.
	ValueReady
	// AttributesFilling: a goroutine is setting the attributes.
	AttributesFilling
	// FullyInitialized: the type object is complete.
	FullyInitialized
)

func (s LazyState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case ValueReady:
		return "value-ready"
	case AttributesFilling:
		return "attributes-filling"
	case FullyInitialized:
		return "fully-initialized"
	}
	return fmt.Sprintf("LazyState(%d)", int(s))
}

type typeDef struct {
	name      string
	doc       string
	base      BaseClass
	attrs     []ClassAttr
	immutable bool
}

// LazyTypeObject creates a class's type object on first use.
//
// Creation happens in two phases. The type object itself is created once,
// after the base class's type object exists. Its attributes are then computed
// and set; attribute initializers may use the class, and a goroutine that
// re-enters while it is filling attributes gets the partially filled type
// instead of deadlocking. Other goroutines wait for the filling to complete.
// Failures are not cached.
type LazyTypeObject[T any] struct {
	def typeDef

	value OnceCell[Py[Type]]

	// initializing is the goroutine currently filling attributes, 0 if none.
	mu           sync.Mutex
	initializing int64

	filled OnceCell[struct{}]
}

func newLazyTypeObject[T any](def typeDef) *LazyTypeObject[T] {
	return &LazyTypeObject[T]{def: def}
}

// Get returns a new reference to the fully initialized type object.
func (l *LazyTypeObject[T]) Get(py Python) (Bound[Type], error) {
	tp, err := l.getOrInit(py)
	if err != nil {
		return Bound[Type]{}, err
	}
	return typeBound(py, tp), nil
}

// MustGet is Get for callers that cannot return an error. A failure is
// written to the runtime's unraisable channel before panicking.
func (l *LazyTypeObject[T]) MustGet(py Python) Bound[Type] {
	b, err := l.Get(py)
	if err != nil {
		msg := "failed to create type object for " + l.def.name
		writeUnraisable(py, err, msg)
		panic(msg)
	}
	return b
}

// State reports how far initialization has progressed.
func (l *LazyTypeObject[T]) State() LazyState {
	if l.filled.done.Load() {
		return FullyInitialized
	}
	if l.value.done.Load() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.initializing != 0 {
			return AttributesFilling
		}
		return ValueReady
	}
	l.value.mu.Lock()
	defer l.value.mu.Unlock()
	if l.value.running != nil {
		return Initializing
	}
	return Idle
}

// getOrInit returns a borrowed pointer to the type object, which lives for
// the rest of the process.
func (l *LazyTypeObject[T]) getOrInit(py Python) (ffi.Ptr, error) {
	py.check()
	if l.filled.done.Load() {
		return l.value.value.Ptr(), nil
	}
	tp, err := l.ensureValue(py)
	if err != nil {
		return 0, err
	}
	if err := l.fill(py, tp); err != nil {
		return 0, &InitializationFailure{Type: l.def.name, Err: err}
	}
	return tp, nil
}

// ensureValue creates the type object without filling its attributes.
func (l *LazyTypeObject[T]) ensureValue(py Python) (ffi.Ptr, error) {
	tp, err := l.value.GetOrTryInit(py, func() (Py[Type], error) {
		return l.create(py)
	})
	if errors.Is(err, ErrReentrantInit) {
		err = &InitializationFailure{Type: l.def.name, Err: err}
	}
	if err != nil {
		return 0, err
	}
	return tp.Ptr(), nil
}

func (l *LazyTypeObject[T]) create(py Python) (Py[Type], error) {
	var base ffi.Ptr
	if l.def.base != nil {
		var err error
		if base, err = l.def.base.baseType(py); err != nil {
			return Py[Type]{}, &InitializationFailure{Type: l.def.name, Err: err}
		}
	}
	ptr := py.rt().NewType(ffi.TypeSpec{Name: l.def.name, Base: base, Doc: l.def.doc})
	if ptr.IsNull() {
		return Py[Type]{}, &InitializationFailure{Type: l.def.name, Err: fetchError(py)}
	}
	logger().Debug("created type object", zap.String("class", l.def.name), zap.Uintptr("ptr", uintptr(ptr)))
	return Py[Type]{r: newRef(mustCurrent(), ptr)}, nil
}

func (l *LazyTypeObject[T]) fill(py Python, tp ffi.Ptr) error {
	if l.filled.done.Load() {
		return nil
	}
	gid := goid.Get()
	l.mu.Lock()
	reentrant := l.initializing == gid
	l.mu.Unlock()
	if reentrant {
		return nil
	}

	_, err := l.filled.GetOrTryInit(py, func() (struct{}, error) {
		l.mu.Lock()
		l.initializing = gid
		l.mu.Unlock()
		defer func() {
			l.mu.Lock()
			l.initializing = 0
			l.mu.Unlock()
		}()
		return struct{}{}, l.setAttrs(py, tp)
	})
	return err
}

func (l *LazyTypeObject[T]) setAttrs(py Python, tp ffi.Ptr) error {
	values := make([]Py[Any], 0, len(l.def.attrs))
	defer func() {
		for _, v := range values {
			v.ReleaseWith(py)
		}
	}()
	for _, a := range l.def.attrs {
		v, err := a.Value(py)
		if err != nil {
			return &InitializationFailure{Type: l.def.name, Attr: a.Name, Err: err}
		}
		values = append(values, v)
	}

	rt := py.rt()
	for i, a := range l.def.attrs {
		if rt.SetAttr(tp, a.Name, values[i].Ptr()) == -1 {
			return &InitializationFailure{Type: l.def.name, Attr: "__dict__", Err: fetchError(py)}
		}
	}
	if l.def.immutable {
		if err := errorOnMinusOne(py, rt.SetTypeImmutable(tp)); err != nil {
			return err
		}
	}
	return nil
}
