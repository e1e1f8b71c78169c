package throttle

import (
	"sync"
	"testing"
)

func TestLastWriteWins(t *testing.T) {
	c := New()
	if _, ok := c.Get(); ok {
		t.Fatalf("new cell should start disabled")
	}
	c.Set(0.2)
	c.Set(0.7)
	v, ok := c.Get()
	if !ok || v != 0.7 {
		t.Errorf("Get() = %v, %v; expected 0.7, true", v, ok)
	}
	c.Disable()
	if _, ok := c.Get(); ok {
		t.Errorf("cell still enabled after Disable")
	}
	c.Set(0.1)
	if v, ok := c.Get(); !ok || v != 0.1 {
		t.Errorf("Disable should not be sticky, got %v, %v", v, ok)
	}
}

func TestLatchWinsRace(t *testing.T) {
	c := New()
	c.Set(0.5)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Set(1)
			}
		}
	}()

	c.Latch()
	for i := 0; i < 1000; i++ {
		if v, ok := c.Get(); ok || v != 0 {
			t.Fatalf("observed %v, %v after latch", v, ok)
		}
	}
	close(stop)
	wg.Wait()

	if !c.Latched() {
		t.Errorf("Latched() = false")
	}
}

func TestOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for out-of-range throttle")
		}
	}()
	New().Set(1.5)
}
