package angle

import (
	"math"

	"github.com/quartercastle/vector"
)

const TwoPi = 2 * math.Pi

// Wrap converts an angle in radians of any magnitude into the range [0, 2π).
func Wrap(rad float64) float64 {
	r := math.Mod(rad, TwoPi)
	if r < 0 {
		r += TwoPi
	}
	if r >= TwoPi {
		// math.Mod of a tiny negative number plus 2π can round up to 2π.
		r = 0
	}
	return r
}

// WrapPi converts an angle in radians of any magnitude into the range (-π, π].
func WrapPi(rad float64) float64 {
	r := math.Mod(rad, TwoPi)
	if r <= -math.Pi {
		r += TwoPi
	} else if r > math.Pi {
		r -= TwoPi
	}
	return r
}

// Diff returns the shortest signed rotation from b to a, in (-π, π].
func Diff(a, b float64) float64 {
	return WrapPi(a - b)
}

// Electrical converts a mechanical rotor angle into an electrical angle in
// [0, 2π), scaling by the pole-pair count and removing the calibrated offset.
func Electrical(mechanical float64, polePairs int, offset float64) float64 {
	return Wrap(float64(polePairs)*mechanical - offset)
}

// FromResolver returns the mechanical angle encoded by a pair of resolver
// sin/cos signals, in [0, 2π).
func FromResolver(sin, cos float64) float64 {
	return Wrap(math.Atan2(sin, cos))
}

// CircularMean returns the mean direction of a set of angles and the length of
// the mean resultant vector (1 for identical angles, near 0 when the angles
// cancel out).
func CircularMean(angles ...float64) (mean, resultant float64) {
	if len(angles) == 0 {
		return 0, 0
	}
	sum := vector.Vector{0, 0}
	for _, a := range angles {
		s, c := math.Sincos(a)
		sum = sum.Add(vector.Vector{c, s})
	}
	return Wrap(math.Atan2(sum[1], sum[0])), sum.Magnitude() / float64(len(angles))
}

// Accumulator averages a stream of angles that are expected to sit close
// together, unwrapping them around the first sample so that a cluster
// straddling 0/2π does not average to π.
type Accumulator struct {
	reference float64
	sum       float64
	count     int
}

func (a *Accumulator) Add(rad float64) {
	if a.count == 0 {
		a.reference = rad
	}
	a.sum += a.reference + Diff(rad, a.reference)
	a.count++
}

func (a *Accumulator) Count() int {
	return a.count
}

// Sum returns the unwrapped sum of the samples so far.
func (a *Accumulator) Sum() float64 {
	return a.sum
}

// Mean returns the average angle in [0, 2π).
func (a *Accumulator) Mean() float64 {
	if a.count == 0 {
		return 0
	}
	return Wrap(a.sum / float64(a.count))
}
