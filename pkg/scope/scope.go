// Package scope records control-loop telemetry and renders it as a PNG
// oscilloscope-style plot: phase duties, d/q currents and electrical angle.
package scope

import (
	"fmt"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/ringbuffer"
)

type Sample struct {
	T     float64 // seconds
	Duty  [3]float64
	Id    float64
	Iq    float64
	IqRef float64
	Angle float64 // electrical, radians
}

// Trace keeps the most recent samples, keeping one in every `every`.
type Trace struct {
	lock    sync.Mutex
	buf     *ringbuffer.RingBuffer[Sample]
	stored  int
	every   int
	counter int
}

func NewTrace(capacity, every int) *Trace {
	if every < 1 {
		every = 1
	}
	return &Trace{
		buf:   ringbuffer.Filled(capacity, Sample{}),
		every: every,
	}
}

func (t *Trace) Record(s Sample) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.counter++
	if t.counter < t.every {
		return
	}
	t.counter = 0
	t.buf.Insert(s)
	if t.stored < t.buf.Len() {
		t.stored++
	}
}

// Samples returns the stored samples, oldest first.
func (t *Trace) Samples() []Sample {
	t.lock.Lock()
	defer t.lock.Unlock()

	all := t.buf.Snapshot()
	return all[len(all)-t.stored:]
}

var (
	phaseColours = [3][3]float64{{1, 0.3, 0.3}, {0.3, 1, 0.3}, {0.4, 0.6, 1}}
	background   = [3]float64{0.08, 0.08, 0.1}
)

// Draw plots samples into a new width×height image.
func Draw(samples []Sample, width, height int) *gg.Context {
	dc := gg.NewContext(width, height)
	dc.SetRGB(background[0], background[1], background[2])
	dc.Clear()
	if len(samples) < 2 {
		dc.SetRGB(1, 0.9, 0)
		dc.DrawStringAnchored("NO DATA", float64(width)/2, float64(height)/2, 0.5, 0.5)
		return dc
	}

	panelH := float64(height) / 3
	t0, t1 := samples[0].T, samples[len(samples)-1].T
	x := func(t float64) float64 {
		if t1 == t0 {
			return 0
		}
		return (t - t0) / (t1 - t0) * float64(width)
	}

	// Duties in [0, 1].
	for ph := 0; ph < 3; ph++ {
		c := phaseColours[ph]
		dc.SetRGB(c[0], c[1], c[2])
		plot(dc, samples, x, 0, panelH, 0, 1, func(s Sample) float64 { return s.Duty[ph] })
	}
	label(dc, "DUTY A/B/C", 0)

	// Currents, symmetric about zero.
	peak := 1e-3
	for _, s := range samples {
		peak = math.Max(peak, math.Max(math.Abs(s.Id), math.Max(math.Abs(s.Iq), math.Abs(s.IqRef))))
	}
	dc.SetRGB(0.5, 0.5, 0.5)
	plot(dc, samples, x, panelH, panelH, -peak, peak, func(s Sample) float64 { return s.IqRef })
	dc.SetRGB(1, 0.6, 0)
	plot(dc, samples, x, panelH, panelH, -peak, peak, func(s Sample) float64 { return s.Iq })
	dc.SetRGB(0, 0.8, 1)
	plot(dc, samples, x, panelH, panelH, -peak, peak, func(s Sample) float64 { return s.Id })
	label(dc, fmt.Sprintf("ID/IQ ±%.2fA", peak), panelH)

	dc.SetRGB(1, 0.9, 0)
	plot(dc, samples, x, 2*panelH, panelH, 0, 2*math.Pi, func(s Sample) float64 { return s.Angle })
	label(dc, "THETA", 2*panelH)

	dc.SetRGBA(1, 1, 1, 0.2)
	for i := 1; i < 3; i++ {
		dc.DrawLine(0, float64(i)*panelH, float64(width), float64(i)*panelH)
	}
	dc.Stroke()
	return dc
}

func plot(dc *gg.Context, samples []Sample, x func(float64) float64, top, h, lo, hi float64, value func(Sample) float64) {
	y := func(v float64) float64 {
		return top + h - (v-lo)/(hi-lo)*h
	}
	dc.NewSubPath()
	for _, s := range samples {
		dc.LineTo(x(s.T), y(value(s)))
	}
	dc.SetLineWidth(1)
	dc.Stroke()
}

func label(dc *gg.Context, text string, top float64) {
	dc.SetRGB(1, 1, 1)
	dc.DrawString(text, 4, top+14)
}

// Render writes the trace to a PNG file.
func (t *Trace) Render(path string, width, height int) error {
	dc := Draw(t.Samples(), width, height)
	return errors.Wrapf(dc.SavePNG(path), "failed to save %s", path)
}
