package util

import "testing"

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	if r.Len() != 0 {
		t.Fatalf("new buffer has %d items", r.Len())
	}

	r.Push(1)
	r.Push(2)
	got := r.Snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("partial snapshot wrong: %v", got)
	}

	r.Push(3)
	r.Push(4) // evicts 1
	got = r.Snapshot()
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("wrapped snapshot wrong: %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d after wrap", r.Len())
	}
}

func TestRingBufferMinCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	got := r.Snapshot()
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("capacity floor broken: %v", got)
	}
}
