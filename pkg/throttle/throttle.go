// Package throttle holds the single piece of state shared between the radio,
// fault-monitor and control goroutines: the latest throttle command, or its
// absence when the motor is disarmed.
package throttle

import (
	"fmt"
	"sync"
)

const (
	Min = 0.0
	Max = 1.0
)

// Cell is a single-slot, last-write-wins throttle value.  The lock is held only
// for the duration of one copy in or out, so readers and writers never wait
// on each other for longer than that.
//
// Once latched (see Latch) the cell stays disabled and all further writes are
// ignored; this is how a gate-driver fault wins any race with the radio.
type Cell struct {
	lock    sync.Mutex
	value   float64
	enabled bool
	latched bool
}

func New() *Cell {
	return &Cell{}
}

// Set stores a new throttle value and enables the output.  Values outside
// [Min, Max] are a caller bug.
func (c *Cell) Set(v float64) {
	if !(v >= Min && v <= Max) {
		panic(fmt.Sprintf("throttle: value %v outside [%v, %v]", v, Min, Max))
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.latched {
		return
	}
	c.value = v
	c.enabled = true
}

// Disable clears the throttle so that the control loop idles.
func (c *Cell) Disable() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.value = 0
	c.enabled = false
}

// Latch disables the cell permanently.
func (c *Cell) Latch() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.value = 0
	c.enabled = false
	c.latched = true
}

// Get returns the current throttle and whether the output is enabled.
func (c *Cell) Get() (float64, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.value, c.enabled
}

func (c *Cell) Latched() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.latched
}
