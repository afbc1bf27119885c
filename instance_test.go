package pyo3

import (
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/gopyo3/pyo3/ffi"
	"github.com/gopyo3/pyo3/ffi/sim"
)

func TestCloneAndDropAcrossGoroutines(t *testing.T) {
	var b Py[Any]
	var ptr ffi.Ptr
	gil(t, func(py Python) {
		a := newObject(t, py, "A").IntoBound(py)
		ptr = a.Ptr()
		if got := a.RefCount(); got != 1 {
			t.Fatalf("expected count 1 after construction, got %d", got)
		}
		b = a.Clone().Unbind()
		if got := a.RefCount(); got != 2 {
			t.Fatalf("expected count 2 after clone, got %d", got)
		}
		a.Release()
		if got := simrt.Count(ptr); got != 1 {
			t.Fatalf("expected count 1 after dropping A, got %d", got)
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Release()
	}()
	<-done
	if got := simrt.Count(ptr); got != 1 {
		t.Fatalf("expected count 1 after off-lock drop, got %d", got)
	}
	if got := PendingDecrefs(); got != 1 {
		t.Fatalf("expected 1 queued decrement, got %d", got)
	}

	gil(t, func(Python) {})
	if got := simrt.Count(ptr); got != 0 || alive(ptr) {
		t.Errorf("expected the object freed after drain, count %d", got)
	}
}

func TestRefcountConservation(t *testing.T) {
	gil(t, func(py Python) {
		rootPy := newObject(t, py, "root")
		defer rootPy.ReleaseWith(py)
		root := rootPy.Bind(py)
		before := simrt.Counters()

		var clones []Bound[Any]
		var owned []Py[Any]
		for i := 0; i < 10; i++ {
			clones = append(clones, root.Clone())
			owned = append(owned, rootPy.CloneRef(py))
		}
		if got := root.RefCount(); got != 21 {
			t.Fatalf("expected count 21, got %d", got)
		}
		for _, c := range clones {
			c.Release()
		}
		for _, o := range owned {
			o.Release()
		}
		if got := root.RefCount(); got != 1 {
			t.Errorf("expected count 1, got %d", got)
		}
		after := simrt.Counters()
		if inc, dec := after.IncRefs-before.IncRefs, after.DecRefs-before.DecRefs; inc != 20 || dec != 20 {
			t.Errorf("expected 20 increments and 20 decrements, got %d and %d", inc, dec)
		}
	})
}

func TestScopeReleasesBound(t *testing.T) {
	var ptr ffi.Ptr
	gil(t, func(py Python) {
		b := newObject(t, py, "scoped").IntoBound(py)
		ptr = b.Ptr()
		c := b.Clone()
		if c.RefCount() != 2 {
			t.Errorf("expected count 2, got %d", c.RefCount())
		}
	})
	if alive(ptr) {
		t.Error("bound references survived their scope")
	}
}

func TestUnbindBindKeepsCount(t *testing.T) {
	var p Py[Any]
	gil(t, func(py Python) {
		b := newObject(t, py, "moving").IntoBound(py)
		before := simrt.Counters()
		p = b.Unbind()
		view := p.Bind(py)
		if !view.Is(b) {
			t.Error("Bind returned a different object")
		}
		if got := simrt.Counters(); got != before {
			t.Errorf("counts changed by Unbind/Bind: %+v -> %+v", before, got)
		}
	})
	gil(t, func(py Python) {
		if got := p.RefCount(py); got != 1 {
			t.Errorf("unbound reference did not survive its scope: count %d", got)
		}
		b := p.IntoBound(py)
		if b.Ptr() != p.Ptr() {
			t.Error("IntoBound changed the handle")
		}
	})
	mustPanic(t, "released reference", func() { p.Ptr() })
}

func TestFromOwnedPtrNull(t *testing.T) {
	gil(t, func(py Python) {
		raised := &sim.Error{Kind: "MemoryError", Msg: "out of memory"}
		simrt.Raise(raised)
		_, err := FromOwnedPtr[Any](py, 0)
		var af *AllocationFailure
		if !errors.As(err, &af) {
			t.Fatalf("expected AllocationFailure, got %v", err)
		}
		if !errors.Is(err, raised) {
			t.Errorf("AllocationFailure does not wrap the raised error: %v", err)
		}

		_, err = NewBound[Any](py, func() ffi.Ptr { return 0 })
		if !errors.As(err, &af) || af.Err != nil {
			t.Errorf("expected AllocationFailure without cause, got %v", err)
		}
	})
}

func TestBorrowed(t *testing.T) {
	gil(t, func(py Python) {
		b := newObject(t, py, "owner").IntoBound(py)
		view := b.AsBorrowed()
		if view.Ptr() != b.Ptr() || view.TypeName() != "str" {
			t.Errorf("unexpected view %#x of type %q", uintptr(view.Ptr()), view.TypeName())
		}
		own := view.ToOwned()
		if b.RefCount() != 2 {
			t.Errorf("expected count 2 after ToOwned, got %d", b.RefCount())
		}
		own.Release()

		raw, err := FromBorrowedPtr[Any](py, b.Ptr())
		if err != nil || raw.Ptr() != b.Ptr() {
			t.Errorf("FromBorrowedPtr: %v", err)
		}

		b.Release()
		mustPanic(t, "after its owner was released", func() { view.Ptr() })
	})
}

func TestIntoPtr(t *testing.T) {
	gil(t, func(py Python) {
		b := newObject(t, py, "stolen").IntoBound(py)
		ptr := b.IntoPtr()
		if simrt.Count(ptr) != 1 {
			t.Fatalf("IntoPtr changed the count")
		}
		mustPanic(t, "released reference", func() { b.Ptr() })
		py.Runtime().DecRef(ptr)
	})
}

func TestAttributes(t *testing.T) {
	gil(t, func(py Python) {
		obj, err := NewBound[Any](py, func() ffi.Ptr {
			return py.Runtime().Alloc(py.Runtime().BuiltinType(ffi.ObjectTypeName))
		})
		if err != nil {
			t.Fatal(err)
		}
		v := newObject(t, py, "value").IntoBound(py)
		if err := obj.SetAttr("name", v); err != nil {
			t.Fatalf("SetAttr: %v", err)
		}
		got, err := obj.GetAttr("name")
		if err != nil {
			t.Fatalf("GetAttr: %v", err)
		}
		if !got.Is(v) || v.RefCount() != 3 {
			t.Errorf("expected the same object with count 3, got count %d", v.RefCount())
		}

		_, err = obj.GetAttr("missing")
		var se *sim.Error
		if !errors.As(err, &se) || se.Kind != "AttributeError" {
			t.Errorf("expected AttributeError, got %v", err)
		}

		tp := obj.Type()
		if tp.TypeName() != "type" {
			t.Errorf("expected the type of a type to be type, got %q", tp.TypeName())
		}
		if s := obj.String(); !strings.HasPrefix(s, "<object object at 0x") {
			t.Errorf("unexpected String() %q", s)
		}
	})
}

func TestLeakedReferenceIsQueued(t *testing.T) {
	before := ReadStats().Leaked
	var ptr ffi.Ptr
	gil(t, func(py Python) {
		ptr = newObject(t, py, "leaked").Ptr()
	})
	waitFor(t, "the leak cleanup", func() bool {
		runtime.GC()
		return ReadStats().Leaked > before
	})
	gil(t, func(Python) {})
	if alive(ptr) {
		t.Error("leaked reference was not released")
	}
	if observed.FilterMessage("owned reference became unreachable without Release").Len() == 0 {
		t.Error("leak was not logged")
	}
}
