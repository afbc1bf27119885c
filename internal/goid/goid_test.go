package goid

import "testing"

func TestGet(t *testing.T) {
	main := Get()
	if main <= 0 {
		t.Fatalf("expected a positive id, got %d", main)
	}
	if again := Get(); again != main {
		t.Errorf("id changed within a goroutine: %d then %d", main, again)
	}
	other := make(chan int64)
	go func() { other <- Get() }()
	if id := <-other; id == main {
		t.Errorf("two goroutines share id %d", id)
	}
}
