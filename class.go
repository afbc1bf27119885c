package pyo3

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/gopyo3/pyo3/ffi"
)

// ErrNotRegistered is returned by lookups for a Go type that has no class.
var ErrNotRegistered = errors.New("pyo3: type is not a registered class")

// ClassAttr is an attribute set on a class type after the type object has
// been created. Value runs with the lock held and may itself use the class,
// for example to build a default instance; it sees a type object whose
// attributes are only partially filled.
type ClassAttr struct {
	Name  string
	Value func(py Python) (Py[Any], error)
}

// BaseClass is a class that another class can derive from. It is
// implemented by *Class.
type BaseClass interface {
	baseType(py Python) (ffi.Ptr, error)
}

// ClassSpec defines a class whose instances carry a Go value of type T.
type ClassSpec[T any] struct {
	// Name is the class name as seen by the foreign runtime.
	Name string
	// Module, if set, qualifies Name.
	Module string
	Doc    string
	// Base is the base class. Nil derives from the runtime's object type.
	Base BaseClass

	// Frozen instances have no borrow flag: the payload can only be read,
	// through Bound.Get or shared borrows.
	Frozen bool
	// Immutable types reject attribute assignment once initialized.
	Immutable bool

	Attrs []ClassAttr

	// Destroy, if set, is called with the payload when an instance is freed
	// by the runtime.
	Destroy func(*T)
}

// Class is a registered class.
type Class[T any] struct {
	spec ClassSpec[T]
	lazy *LazyTypeObject[T]
}

// classInfo is the type-erased view of a Class kept in the class table.
type classInfo interface {
	name() string
	typePtr(py Python) (ffi.Ptr, error)
	wrap(py Python, v any) (Py[Any], error)
}

// classes maps the payload's reflect.Type to its classInfo.
var classes sync.Map

func lookupClass[T any]() (classInfo, bool) {
	v, ok := classes.Load(reflect.TypeFor[T]())
	if !ok {
		return nil, false
	}
	return v.(classInfo), true
}

// RegisterClass registers T as the payload type of a new class. The type
// object is created lazily, the first time it is needed. Each Go type can be
// registered once.
func RegisterClass[T any](spec ClassSpec[T]) (*Class[T], error) {
	if spec.Name == "" {
		return nil, errors.New("pyo3: class name must not be empty")
	}
	switch reflect.TypeFor[T]() {
	case reflect.TypeFor[Any](), reflect.TypeFor[Type]():
		return nil, fmt.Errorf("pyo3: %s: marker types cannot carry a class", spec.Name)
	}

	c := &Class[T]{spec: spec}
	c.lazy = newLazyTypeObject[T](typeDef{
		name:      qualifiedName(spec.Module, spec.Name),
		doc:       spec.Doc,
		base:      spec.Base,
		attrs:     spec.Attrs,
		immutable: spec.Immutable,
	})
	if _, loaded := classes.LoadOrStore(reflect.TypeFor[T](), c); loaded {
		return nil, fmt.Errorf("pyo3: %v is already registered", reflect.TypeFor[T]())
	}
	logger().Debug("registered class", zap.String("class", c.lazy.def.name), zap.Bool("frozen", spec.Frozen))
	return c, nil
}

// MustRegisterClass is RegisterClass that panics on error. It is meant for
// package-level variable initialization.
func MustRegisterClass[T any](spec ClassSpec[T]) *Class[T] {
	c, err := RegisterClass(spec)
	if err != nil {
		panic(err)
	}
	return c
}

func qualifiedName(module, name string) string {
	if module == "" {
		return name
	}
	return module + "." + name
}

// Name returns the qualified class name.
func (c *Class[T]) Name() string { return c.lazy.def.name }

func (c *Class[T]) name() string { return c.lazy.def.name }

// Lazy returns the class's lazy type object.
func (c *Class[T]) Lazy() *LazyTypeObject[T] { return c.lazy }

// TypeObject returns a new reference to the class's fully initialized type
// object, creating it on first use.
func (c *Class[T]) TypeObject(py Python) (Bound[Type], error) {
	return c.lazy.Get(py)
}

func (c *Class[T]) typePtr(py Python) (ffi.Ptr, error) {
	return c.lazy.getOrInit(py)
}

func (c *Class[T]) baseType(py Python) (ffi.Ptr, error) {
	return c.lazy.ensureValue(py)
}

// NewInstance creates an instance of the class carrying v.
func (c *Class[T]) NewInstance(py Python, v T) (Bound[T], error) {
	tp, err := c.lazy.getOrInit(py)
	if err != nil {
		return Bound[T]{}, err
	}
	b, err := FromOwnedPtr[T](py, py.rt().Alloc(tp))
	if err != nil {
		return Bound[T]{}, err
	}
	mustCurrent().payloads.Set(b.Ptr(), &cell[T]{
		frozen: c.spec.Frozen,
		name:   c.name(),
		value:  v,
		onFree: c.spec.Destroy,
	})
	return b, nil
}

func (c *Class[T]) wrap(py Python, v any) (Py[Any], error) {
	var b Bound[T]
	var err error
	switch v := v.(type) {
	case T:
		b, err = c.NewInstance(py, v)
	case *T:
		b, err = c.NewInstance(py, *v)
	default:
		return Py[Any]{}, fmt.Errorf("pyo3: cannot convert %T to %s", v, c.name())
	}
	if err != nil {
		return Py[Any]{}, err
	}
	return b.Unbind().AsAny(), nil
}

// TypeObject returns a new reference to the type object of the class
// registered for T.
func TypeObject[T any](py Python) (Bound[Type], error) {
	info, ok := lookupClass[T]()
	if !ok {
		return Bound[Type]{}, fmt.Errorf("%v: %w", reflect.TypeFor[T](), ErrNotRegistered)
	}
	tp, err := info.typePtr(py)
	if err != nil {
		return Bound[Type]{}, err
	}
	return typeBound(py, tp), nil
}

func typeBound(py Python, tp ffi.Ptr) Bound[Type] {
	py.rt().IncRef(tp)
	stats.increfs.Add(1)
	return newBound[Type](py, tp)
}

// Downcast checks that b is an instance of T and relabels it. The result
// shares b's reference. Any always succeeds; Type accepts type objects;
// other targets must be registered classes, and subclasses are accepted.
func Downcast[T any](b Bound[Any]) (Bound[T], error) {
	ok, expected, err := isInstance[T](b.py, b.Ptr())
	if err != nil {
		return Bound[T]{}, err
	}
	if !ok {
		return Bound[T]{}, &TypeMismatch{Expected: expected, Actual: b.TypeName()}
	}
	return Bound[T]{py: b.py, r: b.r}, nil
}

// IsInstance reports whether b is an instance of T. Errors raised while
// looking up the type object are written to the runtime's unraisable
// channel and reported as false.
func IsInstance[T any](b Bound[Any]) bool {
	ok, _, err := isInstance[T](b.py, b.Ptr())
	if err != nil {
		writeUnraisable(b.py, err, "pyo3.IsInstance")
		return false
	}
	return ok
}

func isInstance[T any](py Python, ptr ffi.Ptr) (ok bool, expected string, err error) {
	rt := py.rt()
	switch reflect.TypeFor[T]() {
	case reflect.TypeFor[Any]():
		return true, ffi.ObjectTypeName, nil
	case reflect.TypeFor[Type]():
		return rt.IsSubtype(rt.TypeOf(ptr), rt.BuiltinType(ffi.TypeTypeName)), ffi.TypeTypeName, nil
	}
	info, found := lookupClass[T]()
	if !found {
		return false, "", fmt.Errorf("%v: %w", reflect.TypeFor[T](), ErrNotRegistered)
	}
	tp, err := info.typePtr(py)
	if err != nil {
		return false, info.name(), err
	}
	return rt.IsSubtype(rt.TypeOf(ptr), tp), info.name(), nil
}
