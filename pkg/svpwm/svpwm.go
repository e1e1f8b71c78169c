// Package svpwm converts a stationary-frame voltage reference into
// centre-aligned three-phase on-times using space-vector modulation.
package svpwm

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/foc/angle"
)

var (
	// ErrOvermodulation is returned when the reference vector is at least as
	// long as the DC link voltage and so cannot be synthesised.
	ErrOvermodulation = errors.New("svpwm: reference voltage exceeds DC link voltage")
	ErrInvalidSupply  = errors.New("svpwm: DC link voltage and switching period must be positive")
)

const sectorWidth = math.Pi / 3

// Sector returns the 60° sector (1-6) containing the angle.  Each sector
// includes its upper boundary, so π/3 belongs to sector 1 and anything just
// above it to sector 2.  An angle of exactly 0 (or any multiple of 2π) is
// placed in sector 1.
func Sector(rad float64) int {
	theta := angle.Wrap(rad)
	for k := 1; k < 6; k++ {
		if theta <= float64(k)*sectorWidth {
			return k
		}
	}
	return 6
}

// Modulate returns the phase on-times (ta, tb, tc) that synthesise the
// reference (vAlpha, vBeta) over one switching period.  angle is the
// electrical angle of the reference vector.  The null-vector time is split
// evenly either side of the active vectors.
func Modulate(vAlpha, vBeta, rad, vDC, period float64) (ta, tb, tc float64, err error) {
	if !(vDC > 0) || !(period > 0) {
		return 0, 0, 0, ErrInvalidSupply
	}
	vRef := math.Hypot(vAlpha, vBeta)
	if !(vRef < vDC) {
		return 0, 0, 0, ErrOvermodulation
	}
	m := vRef / vDC

	sector := Sector(rad)
	theta := angle.Wrap(rad)

	t1 := m * period * math.Sin(float64(sector)*sectorWidth-theta)
	t2 := m * period * math.Sin(theta-float64(sector-1)*sectorWidth)
	half := (period - t1 - t2) / 2

	switch sector {
	case 1:
		ta, tb, tc = half+t1+t2, half+t2, half
	case 2:
		ta, tb, tc = half+t1, half+t1+t2, half
	case 3:
		ta, tb, tc = half, half+t1+t2, half+t2
	case 4:
		ta, tb, tc = half, half+t1, half+t1+t2
	case 5:
		ta, tb, tc = half+t2, half, half+t1+t2
	case 6:
		ta, tb, tc = half+t1+t2, half, half+t1
	}
	return ta, tb, tc, nil
}

// Duties is Modulate normalised by the switching period, giving duty
// fractions in [0, 1].
func Duties(vAlpha, vBeta, rad, vDC float64) (da, db, dc float64, err error) {
	return Modulate(vAlpha, vBeta, rad, vDC, 1)
}
