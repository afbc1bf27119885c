package shard

import (
	"sync"
	"testing"
)

func TestMap(t *testing.T) {
	m := New[uintptr, string](4, Mod[uintptr](4, 4))
	if _, ok := m.GetOk(0x10); ok {
		t.Fatal("empty map reported a value")
	}
	m.Set(0x10, "a")
	m.Set(0x20, "b")
	if v, ok := m.GetOk(0x10); !ok || v != "a" {
		t.Errorf("GetOk(0x10) = %q, %v; want a, true", v, ok)
	}
	if got := m.Len(); got != 2 {
		t.Errorf("Len = %d; want 2", got)
	}
	if v, ok := m.Delete(0x20); !ok || v != "b" {
		t.Errorf("Delete(0x20) = %q, %v; want b, true", v, ok)
	}
	if _, ok := m.Delete(0x20); ok {
		t.Error("second Delete reported a value")
	}
}

func TestMapConcurrent(t *testing.T) {
	m := New[int64, int](8, Mod[int64](8, 0))
	var wg sync.WaitGroup
	for g := int64(0); g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				k := g<<20 | i<<4
				m.Set(k, int(i))
				m.Delete(k)
				m.Set(k, int(i))
			}
		}()
	}
	wg.Wait()
	if got := m.Len(); got != 800 {
		t.Errorf("Len = %d; want 800", got)
	}
}

func TestModRange(t *testing.T) {
	f := Mod[uintptr](16, 4)
	for _, k := range []uintptr{0, 1, 0x10, 0xfff0, ^uintptr(0)} {
		if s := f(k); s < 0 || s >= 16 {
			t.Errorf("Mod(16)(%#x) = %d; out of range", k, s)
		}
	}
}
