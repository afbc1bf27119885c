package pyo3

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gopyo3/pyo3/internal/goid"
)

// ErrReentrantInit is returned when an initializer of a OnceCell tries to
// initialize the same cell again on the same goroutine.
var ErrReentrantInit = errors.New("pyo3: reentrant initialization of a once cell")

// OnceCell is a write-once cell for values shared by goroutines that hold the
// global lock.
//
// At most one goroutine runs an initializer at a time. Other goroutines that
// need the value wait with the global lock released, so an initializer that
// itself releases the lock cannot deadlock against them. A failed or
// panicking initializer leaves the cell empty and the next caller retries.
//
// The zero value is an empty cell. A OnceCell must not be copied after first
// use.
type OnceCell[T any] struct {
	done atomic.Bool

	mu      sync.Mutex
	value   T
	running chan struct{} // closed when the running initializer finishes
	runner  int64         // goroutine id of the running initializer
}

// Get returns the value if the cell has been initialized.
func (c *OnceCell[T]) Get(py Python) (T, bool) {
	py.check()
	if c.done.Load() {
		return c.value, true
	}
	var zero T
	return zero, false
}

// Set stores v if the cell is empty and no initializer is running. It
// reports whether v was stored.
func (c *OnceCell[T]) Set(py Python, v T) bool {
	py.check()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done.Load() || c.running != nil {
		return false
	}
	c.value = v
	c.done.Store(true)
	return true
}

// GetOrInit returns the value, running f to produce it if the cell is empty.
// It panics if f re-enters the cell on the same goroutine.
func (c *OnceCell[T]) GetOrInit(py Python, f func() T) T {
	v, err := c.GetOrTryInit(py, func() (T, error) { return f(), nil })
	if err != nil {
		panic(err)
	}
	return v
}

// GetOrTryInit returns the value, running f to produce it if the cell is
// empty. An error from f is returned and not cached. If f calls back into
// the cell on the same goroutine, the inner call fails with
// ErrReentrantInit.
func (c *OnceCell[T]) GetOrTryInit(py Python, f func() (T, error)) (T, error) {
	py.check()
	if c.done.Load() {
		return c.value, nil
	}
	gid := goid.Get()
	for {
		c.mu.Lock()
		if c.done.Load() {
			v := c.value
			c.mu.Unlock()
			return v, nil
		}
		if c.running == nil {
			ch := make(chan struct{})
			c.running = ch
			c.runner = gid
			c.mu.Unlock()
			return c.run(ch, f)
		}
		if c.runner == gid {
			c.mu.Unlock()
			var zero T
			return zero, ErrReentrantInit
		}
		ch := c.running
		c.mu.Unlock()

		AllowThreads(py, func() struct{} {
			<-ch
			return struct{}{}
		})
	}
}

func (c *OnceCell[T]) run(ch chan struct{}, f func() (T, error)) (value T, err error) {
	ok := false
	defer func() {
		c.mu.Lock()
		if ok {
			c.value = value
			c.done.Store(true)
		}
		c.running = nil
		c.runner = 0
		c.mu.Unlock()
		close(ch)
	}()
	value, err = f()
	ok = err == nil
	return value, err
}

// Protected holds a value that may only be reached by goroutines holding the
// global lock. The lock provides the mutual exclusion; no other
// synchronization is done.
type Protected[T any] struct {
	v T
}

// NewProtected returns a Protected holding v.
func NewProtected[T any](v T) *Protected[T] {
	return &Protected[T]{v: v}
}

// Get returns a pointer to the value. It must not be retained past the
// lifetime of py.
func (p *Protected[T]) Get(py Python) *T {
	py.check()
	return &p.v
}
