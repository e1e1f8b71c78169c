// Package tunable holds values that one goroutine adjusts at run time and
// another polls cheaply, such as current-loop gain scales set from a radio
// knob.
package tunable

import (
	"fmt"
	"math"
	"sync/atomic"
)

type Tunable struct {
	Name string

	bits    atomic.Uint64
	version atomic.Uint64
}

func New(name string, value float64) *Tunable {
	t := &Tunable{Name: name}
	t.bits.Store(math.Float64bits(value))
	return t
}

// Set stores v.  Pollers see a new Version only if the value changed.
func (t *Tunable) Set(v float64) {
	old := math.Float64frombits(t.bits.Swap(math.Float64bits(v)))
	if old == v {
		return
	}
	t.version.Add(1)
	fmt.Println("Tunable", t.Name, "=", v)
}

func (t *Tunable) Get() float64 {
	return math.Float64frombits(t.bits.Load())
}

// Version increments on every change.
func (t *Tunable) Version() uint64 {
	return t.version.Load()
}
