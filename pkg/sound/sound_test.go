package sound

import (
	"testing"
	"time"
)

func TestPlayDoesNotBlock(t *testing.T) {
	a := newAnnunciator() // No player goroutine.
	start := time.Now()
	a.Play("/nonexistent.wav")
	if d := time.Since(start); d > time.Second {
		t.Errorf("Play blocked for %v", d)
	}
}

func TestPlayAfterCloseIsHarmless(t *testing.T) {
	a := newAnnunciator()
	go func() {
		defer close(a.done)
		a.drain()
	}()
	a.Play("/armed.wav")
	a.Close()
	a.Play("/fault.wav")
}
