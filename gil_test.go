package pyo3

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWithGILReentrant(t *testing.T) {
	if HoldsGIL() {
		t.Fatal("HoldsGIL true before acquisition")
	}
	before := simrt.Counters().Acquires
	gil(t, func(outer Python) {
		if !HoldsGIL() {
			t.Error("HoldsGIL false inside WithGIL")
		}
		gil(t, func(inner Python) {
			if !inner.Valid() || !outer.Valid() {
				t.Error("tokens invalid inside nested WithGIL")
			}
		})
		if !outer.Valid() {
			t.Error("outer token invalid after nested WithGIL returned")
		}
	})
	if got := simrt.Counters().Acquires - before; got != 1 {
		t.Errorf("expected 1 acquisition, got %d", got)
	}
	if HoldsGIL() || simrt.LockHeld() {
		t.Error("lock still held after WithGIL returned")
	}
}

func TestWithGILValue(t *testing.T) {
	v, err := WithGILValue(func(py Python) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("expected 42, nil; got %d, %v", v, err)
	}
	sentinel := errors.New("boom")
	if _, err := WithGILValue(func(py Python) (int, error) { return 0, sentinel }); err != sentinel {
		t.Errorf("expected sentinel error, got %v", err)
	}
}

func TestTokenExpires(t *testing.T) {
	var escaped Python
	var bound Bound[Any]
	gil(t, func(py Python) {
		escaped = py
		bound = newObject(t, py, "x").IntoBound(py)
	})
	if escaped.Valid() {
		t.Error("token still valid after its scope ended")
	}
	mustPanic(t, "after its scope ended", func() { escaped.Drain() })
	mustPanic(t, "after its scope ended", func() { bound.Ptr() })
	mustPanic(t, "zero Python token", func() { Python{}.Drain() })
}

func TestPanicReleasesLock(t *testing.T) {
	var p Py[Any]
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic")
			}
		}()
		WithGIL(func(py Python) error {
			p = newObject(t, py, "survivor")
			b := newObject(t, py, "temporary").IntoBound(py)
			if b.RefCount() != 1 {
				t.Errorf("expected count 1, got %d", b.RefCount())
			}
			panic("boom")
		})
	}()
	if simrt.LockHeld() {
		t.Fatal("lock still held after panic")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		gil(t, func(py Python) { p.ReleaseWith(py) })
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("another goroutine could not acquire the lock")
	}
}

func TestAllowThreads(t *testing.T) {
	gil(t, func(py Python) {
		p := newObject(t, py, "moved")
		ptr := p.Ptr()

		got := AllowThreads(py, func() int {
			if py.Valid() {
				t.Error("token valid inside AllowThreads")
			}
			if HoldsGIL() {
				t.Error("HoldsGIL true inside AllowThreads")
			}

			// Another goroutine can take the lock meanwhile.
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				gil(t, func(Python) {})
			}()
			wg.Wait()

			// Released without the lock: queued.
			p.Release()
			if PendingDecrefs() == 0 {
				t.Error("release inside AllowThreads was not deferred")
			}
			return 7
		})
		if got != 7 {
			t.Errorf("expected 7, got %d", got)
		}
		if !py.Valid() {
			t.Fatal("token invalid after AllowThreads returned")
		}
		if alive(ptr) {
			t.Error("deferred decrement not drained on reacquire")
		}
	})
}

func TestAllowThreadsSuspendsBound(t *testing.T) {
	gil(t, func(py Python) {
		b := newObject(t, py, "held").IntoBound(py)
		AllowThreads(py, func() struct{} {
			mustPanic(t, "inside AllowThreads", func() { b.Ptr() })
			return struct{}{}
		})
		if b.RefCount() != 1 {
			t.Errorf("expected count 1, got %d", b.RefCount())
		}
	})
}

func TestUnsafeAssumeGIL(t *testing.T) {
	before := ReadStats().Acquisitions
	s := simrt.AcquireLock()
	err := UnsafeAssumeGIL(func(py Python) error {
		if !HoldsGIL() {
			t.Error("HoldsGIL false inside UnsafeAssumeGIL")
		}
		b := newObject(t, py, "assumed").IntoBound(py)
		b.Release()
		return nil
	})
	if !simrt.LockHeld() {
		t.Error("UnsafeAssumeGIL released a lock it did not take")
	}
	simrt.ReleaseLock(s)
	if err != nil {
		t.Fatal(err)
	}
	if got := ReadStats().Acquisitions - before; got != 0 {
		t.Errorf("expected no acquisitions, got %d", got)
	}
}

// panicOf runs f and returns what it panicked with, or "" if it returned.
func panicOf(f func()) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprint(r)
		}
	}()
	f()
	return ""
}

func TestTokenStaysOnItsGoroutine(t *testing.T) {
	gil(t, func(py Python) {
		b := newObject(t, py, "pinned").IntoBound(py)
		got := make(chan []string)
		go func() {
			got <- []string{
				panicOf(func() { b.Clone() }),
				panicOf(func() { b.RefCount() }),
				panicOf(func() { b.Release() }),
				fmt.Sprint(py.Valid()),
			}
		}()
		res := <-got
		for i, msg := range res[:3] {
			if !strings.Contains(msg, "used on another goroutine") {
				t.Errorf("call %d: expected a foreign goroutine panic, got %q", i, msg)
			}
		}
		if res[3] != "false" {
			t.Error("token valid on another goroutine")
		}
		if !py.Valid() {
			t.Error("token invalid on its own goroutine")
		}
		if b.RefCount() != 1 {
			t.Errorf("expected count 1, got %d", b.RefCount())
		}
	})
}
