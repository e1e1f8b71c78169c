package sim

import (
	"context"
	"io"
	"math"
	"sync"

	"github.com/tigerbot-team/foc-controller/pkg/drv8323"
	"github.com/tigerbot-team/foc-controller/pkg/foc/angle"
	"github.com/tigerbot-team/foc-controller/pkg/sbus"
)

// FaultLine is a software nFAULT.
type FaultLine struct {
	once     sync.Once
	asserted chan struct{}
}

func NewFaultLine() *FaultLine {
	return &FaultLine{asserted: make(chan struct{})}
}

func (f *FaultLine) Assert() {
	f.once.Do(func() { close(f.asserted) })
}

func (f *FaultLine) Wait(ctx context.Context) error {
	select {
	case <-f.asserted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Driver reports a fixed gate-driver status.
type Driver struct {
	lock   sync.Mutex
	status drv8323.Status
}

func (d *Driver) SetStatus(s drv8323.Status) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.status = s
}

func (d *Driver) ReadStatus() (drv8323.Status, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.status, nil
}

// Radio delivers frames pushed with Send; NextPacket returns io.EOF once the
// radio is closed and drained.
type Radio struct {
	frames chan sbus.Frame
	once   sync.Once
}

func NewRadio() *Radio {
	return &Radio{frames: make(chan sbus.Frame, 16)}
}

func (r *Radio) Send(f sbus.Frame) {
	r.frames <- f
}

func (r *Radio) Close() error {
	r.once.Do(func() { close(r.frames) })
	return nil
}

func (r *Radio) NextPacket() (sbus.Frame, error) {
	f, ok := <-r.frames
	if !ok {
		return sbus.Frame{}, io.EOF
	}
	return f, nil
}

// AngleGenerator produces a steadily rotating angle for open-loop drive.
type AngleGenerator struct {
	FrequencyHz float64
	Step        float64 // seconds per call
	t           float64
}

// Next returns the angle at the current time in [0, 2π) and advances by Step.
func (g *AngleGenerator) Next() float64 {
	a := angle.Wrap(2 * math.Pi * g.FrequencyHz * g.t)
	g.t += g.Step
	return a
}
