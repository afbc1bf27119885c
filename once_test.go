package pyo3

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestOnceCellGetSet(t *testing.T) {
	var c OnceCell[int]
	gil(t, func(py Python) {
		if _, ok := c.Get(py); ok {
			t.Error("empty cell reported a value")
		}
		if !c.Set(py, 1) {
			t.Error("Set on an empty cell failed")
		}
		if c.Set(py, 2) {
			t.Error("Set on a full cell succeeded")
		}
		if v, ok := c.Get(py); !ok || v != 1 {
			t.Errorf("expected 1, got %d, %v", v, ok)
		}
		if v := c.GetOrInit(py, func() int { return 3 }); v != 1 {
			t.Errorf("GetOrInit replaced the value: %d", v)
		}
	})
}

func TestOnceCellErrorNotCached(t *testing.T) {
	var c OnceCell[string]
	sentinel := errors.New("try again")
	gil(t, func(py Python) {
		if _, err := c.GetOrTryInit(py, func() (string, error) { return "", sentinel }); err != sentinel {
			t.Fatalf("expected the initializer error, got %v", err)
		}
		if _, ok := c.Get(py); ok {
			t.Fatal("failed initialization stored a value")
		}
		mustPanic(t, "boom", func() {
			c.GetOrInit(py, func() string { panic("boom") })
		})
		v, err := c.GetOrTryInit(py, func() (string, error) { return "ok", nil })
		if err != nil || v != "ok" {
			t.Errorf("expected ok, got %q, %v", v, err)
		}
	})
}

func TestOnceCellReentrant(t *testing.T) {
	var c OnceCell[int]
	gil(t, func(py Python) {
		var inner error
		v := c.GetOrInit(py, func() int {
			_, inner = c.GetOrTryInit(py, func() (int, error) { return 2, nil })
			return 1
		})
		if !errors.Is(inner, ErrReentrantInit) {
			t.Errorf("expected ErrReentrantInit, got %v", inner)
		}
		if v != 1 {
			t.Errorf("expected 1, got %d", v)
		}
	})
}

func TestOnceCellConcurrentInit(t *testing.T) {
	var c OnceCell[int]
	var runs atomic.Int32
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			return WithGIL(func(py Python) error {
				v := c.GetOrInit(py, func() int {
					runs.Add(1)
					// Other goroutines must be able to take the lock while
					// the initializer waits.
					AllowThreads(py, func() struct{} {
						time.Sleep(10 * time.Millisecond)
						return struct{}{}
					})
					return 99
				})
				if v != 99 {
					return errors.New("wrong value")
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("expected the initializer to run once, ran %d times", got)
	}
}

func TestProtected(t *testing.T) {
	counter := NewProtected(0)
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for range 100 {
				if err := WithGIL(func(py Python) error {
					*counter.Get(py)++
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	var escaped Python
	gil(t, func(py Python) {
		if got := *counter.Get(py); got != 400 {
			t.Errorf("expected 400, got %d", got)
		}
		escaped = py
	})
	mustPanic(t, "after its scope ended", func() { counter.Get(escaped) })
}
