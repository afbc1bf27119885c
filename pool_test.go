package pyo3

import (
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/gopyo3/pyo3/ffi"
)

func TestOffLockDropsDrainedOnce(t *testing.T) {
	const n = 10000
	objs := make([]Py[Any], n)
	ptrs := make([]ffi.Ptr, n)
	gil(t, func(py Python) {
		for i := range objs {
			objs[i] = newObject(t, py, fmt.Sprint(i))
			ptrs[i] = objs[i].Ptr()
		}
	})
	before := ReadStats()

	// Drop everything from goroutines that never hold the lock.
	var g errgroup.Group
	const workers = 8
	for w := range workers {
		g.Go(func() error {
			for i := w; i < n; i += workers {
				objs[i].Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := PendingDecrefs(); got != n {
		t.Fatalf("expected %d pending decrements, got %d", n, got)
	}
	for _, p := range ptrs {
		if simrt.Count(p) != 1 {
			t.Fatalf("object %#x changed count before a drain", uintptr(p))
		}
	}

	// Race several acquisitions; each drains on entry.
	var drainers errgroup.Group
	for range 4 {
		drainers.Go(func() error {
			return WithGIL(func(py Python) error { return nil })
		})
	}
	if err := drainers.Wait(); err != nil {
		t.Fatal(err)
	}

	for _, p := range ptrs {
		if alive(p) {
			t.Fatalf("object %#x not freed after drain", uintptr(p))
		}
	}
	after := ReadStats()
	if got := after.DeferredDecRefs - before.DeferredDecRefs; got != n {
		t.Errorf("expected %d deferred decrements, got %d", n, got)
	}
	if got := after.Drained - before.Drained; got != n {
		t.Errorf("expected %d drained decrements, got %d", n, got)
	}
	if PendingDecrefs() != 0 {
		t.Errorf("expected an empty pool, %d pending", PendingDecrefs())
	}
}

func TestReleaseWithLockIsImmediate(t *testing.T) {
	gil(t, func(py Python) {
		p := newObject(t, py, "now")
		ptr := p.Ptr()
		p.Release()
		if alive(ptr) {
			t.Error("release with the lock held was not immediate")
		}
		if PendingDecrefs() != 0 {
			t.Errorf("expected an empty pool, %d pending", PendingDecrefs())
		}
	})
}

func TestPoolScope(t *testing.T) {
	gil(t, func(py Python) {
		var inner Python
		var ptr ffi.Ptr
		var kept Py[Any]
		err := py.Pool(func(tmp Python) error {
			inner = tmp
			b := newObject(t, tmp, "temporary").IntoBound(tmp)
			ptr = b.Ptr()
			kept = newObject(t, tmp, "kept").IntoBound(tmp).Unbind()
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if alive(ptr) {
			t.Error("temporary survived its pool")
		}
		if inner.Valid() {
			t.Error("pool token valid after the pool exited")
		}
		if !py.Valid() {
			t.Error("outer token invalidated by the pool")
		}
		if kept.RefCount(py) != 1 {
			t.Errorf("unbound reference count changed: %d", kept.RefCount(py))
		}
		kept.ReleaseWith(py)
	})
}

func TestPoolDrainsOnEntry(t *testing.T) {
	var p Py[Any]
	gil(t, func(py Python) { p = newObject(t, py, "queued") })
	ptr := p.Ptr()

	// Queue the release while another goroutine holds the lock.
	holding := make(chan struct{})
	released := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		return WithGIL(func(py Python) error {
			close(holding)
			<-released
			if !alive(ptr) {
				return fmt.Errorf("decrement applied before a drain")
			}
			return py.Pool(func(Python) error {
				if alive(ptr) {
					return fmt.Errorf("pool entry did not drain")
				}
				return nil
			})
		})
	})
	<-holding
	p.Release()
	close(released)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	gil(t, func(py Python) {
		p := newObject(t, py, "once")
		p.Release()
		mustPanic(t, "released twice", func() { p.Release() })
		mustPanic(t, "released reference", func() { p.Ptr() })

		b := newObject(t, py, "bound").IntoBound(py)
		b.Release()
		mustPanic(t, "released twice", func() { b.Release() })
	})
}
