package controlloop

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Kind int

const (
	Calibrating Kind = iota
	Running
	Faulted
)

func (k Kind) String() string {
	switch k {
	case Calibrating:
		return "calibrating"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// State is the control state machine.  Only the fields for the current Kind
// are meaningful.
type State struct {
	Kind Kind

	// Calibrating: which test vector (1 or 2), the unwrapped sum of the
	// electrical reference angle so far and how many samples it holds.
	Vector           int
	AccumulatedAngle float64
	SampleCount      int

	// Running: electrical angle = polePairs·mechanical - AngleOffset.
	AngleOffset float64
}

var (
	// ErrFaulted is returned (possibly wrapped in a *FaultError) once the loop
	// has entered the terminal Faulted state.
	ErrFaulted = errors.New("control loop faulted")
	// ErrNotCalibrated is returned by Step before calibration has completed.
	ErrNotCalibrated = errors.New("control loop not calibrated")
	// ErrCalibration is returned when the two offset estimates disagree.
	ErrCalibration = errors.New("angle calibration failed")
)

// FaultError carries the reason the loop faulted.
type FaultError struct {
	Reason error
}

func (e *FaultError) Error() string {
	if e.Reason == nil {
		return ErrFaulted.Error()
	}
	return ErrFaulted.Error() + ": " + e.Reason.Error()
}

// Cause lets errors.Cause reach the underlying hardware error.
func (e *FaultError) Cause() error {
	if e.Reason == nil {
		return ErrFaulted
	}
	return e.Reason
}

func (e *FaultError) Unwrap() error {
	return e.Reason
}

func (e *FaultError) Is(target error) bool {
	return target == ErrFaulted
}

// Snapshot is a telemetry copy of the loop's most recent cycle.
type Snapshot struct {
	State    State
	Cycles   uint64
	Throttle float64
	Enabled  bool
	Duty     [3]float64
	Currents [3]float64
	Id, Iq   float64
	// Electrical angle used by the last running cycle.
	Angle float64
}

func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s cycles=%d", s.State.Kind, s.Cycles)
	switch s.State.Kind {
	case Calibrating:
		fmt.Fprintf(&b, " vector=%d samples=%d", s.State.Vector, s.State.SampleCount)
	case Running:
		fmt.Fprintf(&b, " offset=%.3f", s.State.AngleOffset)
		if s.Enabled {
			fmt.Fprintf(&b, " thr=%.2f id=%.2f iq=%.2f θ=%.2f duty=[%.3f %.3f %.3f]",
				s.Throttle, s.Id, s.Iq, s.Angle, s.Duty[0], s.Duty[1], s.Duty[2])
		} else {
			b.WriteString(" idle")
		}
	}
	return b.String()
}
