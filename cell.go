package pyo3

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/gopyo3/pyo3/ffi"
)

// ErrFrozen is returned when a mutable borrow is requested on an instance of
// a frozen class.
var ErrFrozen = errors.New("pyo3: class is frozen")

const flagExclusive = -1

// borrowFlag implements the one-writer-or-many-readers discipline:
// 0 is unused, n > 0 counts shared borrows, -1 marks an exclusive borrow.
type borrowFlag struct {
	v atomic.Int64
}

func (f *borrowFlag) tryShared() bool {
	for {
		cur := f.v.Load()
		if cur == flagExclusive {
			return false
		}
		if f.v.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (f *borrowFlag) releaseShared() {
	if f.v.Add(-1) < 0 {
		panic("pyo3: shared borrow released more often than taken")
	}
}

func (f *borrowFlag) tryExclusive() bool {
	return f.v.CompareAndSwap(0, flagExclusive)
}

func (f *borrowFlag) releaseExclusive() {
	if !f.v.CompareAndSwap(flagExclusive, 0) {
		panic("pyo3: exclusive borrow released while not held")
	}
}

// payload is the type-erased view of a cell stored in the payload table.
type payload interface {
	typeName() string
	destroy()
}

// cell holds the Go value embedded in an instance of a class.
type cell[T any] struct {
	flag   borrowFlag
	frozen bool
	name   string
	value  T
	onFree func(*T)
}

func (c *cell[T]) typeName() string { return c.name }

func (c *cell[T]) destroy() {
	if c.onFree != nil {
		c.onFree(&c.value)
	}
}

// dealloc is installed as the runtime's dealloc hook. It drops the payload
// of an instance that is about to be freed.
func (st *state) dealloc(ptr ffi.Ptr) {
	if p, ok := st.payloads.Delete(ptr); ok {
		p.destroy()
	}
}

func cellOf[T any](b Bound[T]) (*cell[T], error) {
	return cellAt[T](b.AsBorrowed().AsAny())
}

func goTypeName[T any]() string {
	if info, ok := lookupClass[T](); ok {
		return info.name()
	}
	return reflect.TypeFor[T]().String()
}

// PyRef is a shared borrow of a class payload. The value must not be
// modified through it. Call Release when done.
type PyRef[T any] struct {
	py       Python
	c        *cell[T]
	released bool
}

// Get returns the borrowed value.
func (r *PyRef[T]) Get() *T {
	r.py.check()
	if r.released {
		panic("pyo3: use of released PyRef")
	}
	return &r.c.value
}

// Release ends the borrow. A borrow not released explicitly ends when the
// scope of its token does.
func (r *PyRef[T]) Release() {
	r.py.check()
	if r.released {
		panic("pyo3: PyRef released twice")
	}
	r.end()
}

func (r *PyRef[T]) end() {
	if r.released {
		return
	}
	r.released = true
	if !r.c.frozen {
		r.c.flag.releaseShared()
	}
}

// PyRefMut is an exclusive borrow of a class payload. Call Release when
// done.
type PyRefMut[T any] struct {
	py       Python
	c        *cell[T]
	released bool
}

// Get returns the borrowed value.
func (r *PyRefMut[T]) Get() *T {
	r.py.check()
	if r.released {
		panic("pyo3: use of released PyRefMut")
	}
	return &r.c.value
}

// Release ends the borrow. A borrow not released explicitly ends when the
// scope of its token does.
func (r *PyRefMut[T]) Release() {
	r.py.check()
	if r.released {
		panic("pyo3: PyRefMut released twice")
	}
	r.end()
}

func (r *PyRefMut[T]) end() {
	if r.released {
		return
	}
	r.released = true
	r.c.flag.releaseExclusive()
}

// TryBorrow takes a shared borrow of the payload. It fails with a
// BorrowConflict while a mutable borrow is outstanding, and with a
// TypeMismatch if the object does not carry a T.
func (b Bound[T]) TryBorrow() (*PyRef[T], error) {
	c, err := cellOf(b)
	if err != nil {
		return nil, err
	}
	if !c.frozen && !c.flag.tryShared() {
		return nil, &BorrowConflict{Type: c.name}
	}
	r := &PyRef[T]{py: b.py, c: c}
	b.py.s.guards = append(b.py.s.guards, r)
	return r, nil
}

// Borrow is TryBorrow that panics on failure.
func (b Bound[T]) Borrow() *PyRef[T] {
	r, err := b.TryBorrow()
	if err != nil {
		panic(err)
	}
	return r
}

// TryBorrowMut takes an exclusive borrow of the payload. It fails with a
// BorrowConflict while any other borrow is outstanding.
func (b Bound[T]) TryBorrowMut() (*PyRefMut[T], error) {
	c, err := cellOf(b)
	if err != nil {
		return nil, err
	}
	if c.frozen {
		return nil, fmt.Errorf("%s: %w", c.name, ErrFrozen)
	}
	if !c.flag.tryExclusive() {
		return nil, &BorrowConflict{Type: c.name, Mutable: true}
	}
	r := &PyRefMut[T]{py: b.py, c: c}
	b.py.s.guards = append(b.py.s.guards, r)
	return r, nil
}

// BorrowMut is TryBorrowMut that panics on failure.
func (b Bound[T]) BorrowMut() *PyRefMut[T] {
	r, err := b.TryBorrowMut()
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the payload of a frozen class instance without a guard.
// It panics if the class is not frozen.
func (b Bound[T]) Get() *T {
	c, err := cellOf(b)
	if err != nil {
		panic(err)
	}
	if !c.frozen {
		panic("pyo3: Get on an instance of non-frozen class " + c.name)
	}
	return &c.value
}
