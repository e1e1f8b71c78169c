package ringbuffer

import "testing"

func TestInsertionOrder(t *testing.T) {
	for n := 1; n <= 9; n++ {
		r := Filled(n, -1)
		for i := 0; i < n; i++ {
			r.Insert(i)
		}
		for i := 0; i < n; i++ {
			if v := r.At(i); v != i {
				t.Errorf("n=%d: At(%d) = %d, expected %d", n, i, v, i)
			}
		}
	}
}

func TestOverwritesOldest(t *testing.T) {
	r := New([]int{1, 2, 3})
	expectContents(t, r, 1, 2, 3)
	r.Insert(4)
	expectContents(t, r, 2, 3, 4)
	r.Insert(5)
	r.Insert(6)
	r.Insert(7)
	expectContents(t, r, 5, 6, 7)
	if r.Newest() != 7 {
		t.Errorf("Newest() = %d, expected 7", r.Newest())
	}
}

func TestPtrUpdatesInPlace(t *testing.T) {
	r := New([]int{1, 2, 3})
	r.Insert(4)
	*r.Ptr(0) = 20
	expectContents(t, r, 20, 3, 4)
}

func TestNewCopiesInitial(t *testing.T) {
	initial := []float64{1, 2}
	r := New(initial)
	initial[0] = 99
	if r.At(0) != 1 {
		t.Errorf("ring buffer aliases its initial slice")
	}
}

func TestIndexOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for out-of-range index")
		}
	}()
	r := Filled(2, 0)
	r.At(2)
}

func expectContents(t *testing.T, r *RingBuffer[int], expected ...int) {
	t.Helper()
	snap := r.Snapshot()
	if len(snap) != len(expected) {
		t.Fatalf("Snapshot() has %d elements, expected %d", len(snap), len(expected))
	}
	for i := range expected {
		if snap[i] != expected[i] {
			t.Errorf("Snapshot() = %v, expected %v", snap, expected)
			return
		}
		if r.At(i) != expected[i] {
			t.Errorf("At(%d) = %d, expected %d", i, r.At(i), expected[i])
		}
	}
}
