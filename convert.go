package pyo3

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/gopyo3/pyo3/ffi"
)

// Extractor is implemented by types that know how to fill themselves from a
// foreign object. Implement it on the pointer receiver.
type Extractor interface {
	ExtractFrom(obj Borrowed[Any]) error
}

// Converter is implemented by types that know how to build a foreign object
// from themselves.
type Converter interface {
	IntoPy(py Python) (Py[Any], error)
}

// Extract converts a foreign object into a Go value.
//
// Supported targets, in order: types implementing Extractor on their pointer,
// Py[Any] and Bound[Any] (a new reference), payloads of registered classes
// (copied out under a shared borrow), strings, and integer kinds, which fail
// with an error if the value does not fit.
func Extract[T any](obj Borrowed[Any]) (T, error) {
	var out T
	switch p := any(&out).(type) {
	case Extractor:
		err := p.ExtractFrom(obj)
		return out, err
	case *Py[Any]:
		*p = obj.ToOwned().Unbind()
		return out, nil
	case *Bound[Any]:
		*p = obj.ToOwned()
		return out, nil
	}

	if _, ok := lookupClass[T](); ok {
		c, err := cellAt[T](obj)
		if err != nil {
			return out, err
		}
		if !c.frozen && !c.flag.tryShared() {
			return out, &BorrowConflict{Type: c.name}
		}
		out = c.value
		if !c.frozen {
			c.flag.releaseShared()
		}
		return out, nil
	}

	err := extractValue(obj, reflect.ValueOf(&out).Elem())
	return out, err
}

func cellAt[T any](obj Borrowed[Any]) (*cell[T], error) {
	p, ok := mustCurrent().payloads.GetOk(obj.Ptr())
	if !ok {
		return nil, &TypeMismatch{Expected: goTypeName[T](), Actual: obj.TypeName()}
	}
	c, ok := p.(*cell[T])
	if !ok {
		return nil, &TypeMismatch{Expected: goTypeName[T](), Actual: p.typeName()}
	}
	return c, nil
}

func scalars(py Python) (ffi.Scalars, error) {
	sc, ok := py.rt().(ffi.Scalars)
	if !ok {
		return nil, fmt.Errorf("pyo3: builtin conversions: %w", ffi.ErrUnsupported)
	}
	return sc, nil
}

func extractValue(obj Borrowed[Any], rv reflect.Value) error {
	py := obj.py
	switch rv.Kind() {
	case reflect.String:
		sc, err := scalars(py)
		if err != nil {
			return err
		}
		s, ok := sc.AsString(obj.Ptr())
		if !ok {
			py.rt().FetchError()
			return &TypeMismatch{Expected: "str", Actual: obj.TypeName()}
		}
		rv.SetString(s)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := extractInt(obj)
		if err != nil {
			return err
		}
		if rv.OverflowInt(n) {
			return fmt.Errorf("pyo3: %d out of range for %s", n, rv.Type())
		}
		rv.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := extractInt(obj)
		if err != nil {
			return err
		}
		if n < 0 || rv.OverflowUint(uint64(n)) {
			return fmt.Errorf("pyo3: %d out of range for %s", n, rv.Type())
		}
		rv.SetUint(uint64(n))
		return nil

	default:
		return fmt.Errorf("pyo3: cannot extract %s", rv.Type())
	}
}

func extractInt(obj Borrowed[Any]) (int64, error) {
	sc, err := scalars(obj.py)
	if err != nil {
		return 0, err
	}
	n, ok := sc.AsInt64(obj.Ptr())
	if !ok {
		obj.py.rt().FetchError()
		return 0, &TypeMismatch{Expected: "int", Actual: obj.TypeName()}
	}
	return n, nil
}

// IntoPy converts a Go value into a new owned foreign object.
//
// Supported values: Converter implementations, Py[Any] and Bound[Any] (a new
// reference to the same object), payloads of registered classes (a new
// instance), strings and integer kinds.
func IntoPy(py Python, v any) (Py[Any], error) {
	py.check()
	switch val := v.(type) {
	case nil:
		return Py[Any]{}, errors.New("pyo3: cannot convert nil")
	case Converter:
		return val.IntoPy(py)
	case Py[Any]:
		return val.CloneRef(py), nil
	case Bound[Any]:
		return val.Clone().Unbind(), nil
	case string:
		return newScalar(py, func(sc ffi.Scalars) ffi.Ptr { return sc.FromString(val) })
	case int64:
		return newScalar(py, func(sc ffi.Scalars) ffi.Ptr { return sc.FromInt64(val) })
	}

	t := reflect.TypeOf(v)
	if info, ok := classes.Load(t); ok {
		return info.(classInfo).wrap(py, v)
	}
	if t.Kind() == reflect.Pointer {
		if info, ok := classes.Load(t.Elem()); ok {
			return info.(classInfo).wrap(py, v)
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return IntoPy(py, rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IntoPy(py, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return Py[Any]{}, fmt.Errorf("pyo3: %d out of range for int", u)
		}
		return IntoPy(py, int64(u))
	default:
		return Py[Any]{}, fmt.Errorf("pyo3: cannot convert %T", v)
	}
}

func newScalar(py Python, build func(ffi.Scalars) ffi.Ptr) (Py[Any], error) {
	sc, err := scalars(py)
	if err != nil {
		return Py[Any]{}, err
	}
	b, err := FromOwnedPtr[Any](py, build(sc))
	if err != nil {
		return Py[Any]{}, err
	}
	return b.Unbind(), nil
}
