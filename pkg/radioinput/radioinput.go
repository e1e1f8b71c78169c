// Package radioinput turns SBUS frames into throttle commands.
package radioinput

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/sbus"
	"github.com/tigerbot-team/foc-controller/pkg/throttle"
	"github.com/tigerbot-team/foc-controller/pkg/tunable"
)

// Source is an SBUS receiver.
type Source interface {
	NextPacket() (sbus.Frame, error)
}

// MapRange maps v linearly from [fromLo, fromHi] onto [toLo, toHi].  v is not
// clamped.
func MapRange(v, fromLo, fromHi, toLo, toHi float64) float64 {
	return (v-fromLo)*(toHi-toLo)/(fromHi-fromLo) + toLo
}

// Mapping converts raw channel values into commands.
type Mapping struct {
	ThrottleChannel int
	ArmChannel      int
	TuneChannel     int // -1 for none
	RawMin, RawMax  uint16
	ArmThreshold    uint16
}

func MappingFromConfig(r config.Radio) Mapping {
	return Mapping{
		ThrottleChannel: r.ThrottleChannel,
		ArmChannel:      r.ArmChannel,
		TuneChannel:     r.TuneChannel,
		RawMin:          r.RawMin,
		RawMax:          r.RawMax,
		ArmThreshold:    r.ArmThreshold,
	}
}

// Throttle returns the throttle stick position in [0, 1].
func (m Mapping) Throttle(f sbus.Frame) float64 {
	v := MapRange(float64(f.Channels[m.ThrottleChannel]), float64(m.RawMin), float64(m.RawMax), throttle.Min, throttle.Max)
	return math.Max(throttle.Min, math.Min(throttle.Max, v))
}

func (m Mapping) Armed(f sbus.Frame) bool {
	return f.Channels[m.ArmChannel] > m.ArmThreshold
}

// tuneSteps per octave.
const tuneSteps = 8

// KpScale returns the gain multiplier selected by the tune knob, from 0.5 to 2
// in eighth-octave steps so that stick jitter doesn't retune every frame.
func (m Mapping) KpScale(f sbus.Frame) (float64, bool) {
	if m.TuneChannel < 0 {
		return 1, false
	}
	x := MapRange(float64(f.Channels[m.TuneChannel]), float64(m.RawMin), float64(m.RawMax), -1, 1)
	x = math.Max(-1, math.Min(1, x))
	return math.Exp2(math.Round(x*tuneSteps) / tuneSteps), true
}

type Task struct {
	src     Source
	mapping Mapping
	cell    *throttle.Cell
	timeout time.Duration

	// Optional.
	KpScale *tunable.Tunable
	OnArm   func()

	armed bool
}

func New(src Source, cfg config.Radio, cell *throttle.Cell) *Task {
	return &Task{
		src:     src,
		mapping: MappingFromConfig(cfg),
		cell:    cell,
		timeout: time.Duration(cfg.FailsafeTimeoutMs) * time.Millisecond,
	}
}

type packet struct {
	frame sbus.Frame
	err   error
}

// Loop feeds the throttle cell until ctx is done or the source fails.  The
// cell is disabled on the way out.  A closed source (io.EOF) is a clean exit.
//
// The reader goroutine stays blocked in NextPacket until the caller closes
// the source.
func (t *Task) Loop(ctx context.Context) error {
	defer t.disarm("radio loop stopped")

	packets := make(chan packet)
	go func() {
		for {
			f, err := t.src.NextPacket()
			if err == sbus.ErrFrameSync {
				fmt.Println("RADIO: resynchronising")
				continue
			}
			select {
			case packets <- packet{f, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	failsafe := time.NewTimer(t.timeout)
	defer failsafe.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-failsafe.C:
			t.disarm("no valid frame for " + t.timeout.String())
		case p := <-packets:
			if cause := errors.Cause(p.err); cause == io.EOF || cause == io.ErrUnexpectedEOF {
				fmt.Println("RADIO: receiver closed")
				return nil
			} else if p.err != nil {
				return errors.Wrap(p.err, "radio read failed")
			}
			if p.frame.Failsafe || p.frame.FrameLost {
				t.disarm("receiver reports signal loss")
				continue
			}
			if !failsafe.Stop() {
				select {
				case <-failsafe.C:
				default:
				}
			}
			failsafe.Reset(t.timeout)
			t.handle(p.frame)
		}
	}
}

func (t *Task) handle(f sbus.Frame) {
	if scale, ok := t.mapping.KpScale(f); ok && t.KpScale != nil {
		t.KpScale.Set(scale)
	}
	if !t.mapping.Armed(f) {
		t.disarm("arm switch off")
		return
	}
	if !t.armed {
		if t.cell.Latched() {
			return
		}
		fmt.Println("RADIO: armed")
		t.armed = true
		if t.OnArm != nil {
			t.OnArm()
		}
	}
	t.cell.Set(t.mapping.Throttle(f))
}

func (t *Task) disarm(why string) {
	t.cell.Disable()
	if t.armed {
		fmt.Println("RADIO: disarmed:", why)
		t.armed = false
	}
}
