package filter

import (
	"math"

	"github.com/pkg/errors"
)

// Biquad is a second-order IIR section in direct form II transposed.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	z1, z2 float64
}

// NewLowPass designs a biquad low-pass filter from the audio-EQ cookbook
// formulas.  Q = 1/√2 gives a Butterworth response.
func NewLowPass(cutoffHz, sampleRateHz, q float64) (*Biquad, error) {
	if sampleRateHz <= 0 {
		return nil, errors.Errorf("sample rate must be positive, got %v", sampleRateHz)
	}
	if cutoffHz <= 0 || cutoffHz >= sampleRateHz/2 {
		return nil, errors.Errorf("cutoff %vHz must be between 0 and Nyquist (%vHz)", cutoffHz, sampleRateHz/2)
	}
	if q <= 0 {
		return nil, errors.Errorf("Q must be positive, got %v", q)
	}

	w0 := 2 * math.Pi * cutoffHz / sampleRateHz
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)

	a0 := 1 + alpha
	return &Biquad{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}, nil
}

// Prime sets the internal state as if the filter had settled on x.
func (f *Biquad) Prime(x float64) {
	// Steady state of DF2T with unity DC gain: y = x.
	f.z2 = f.b2*x - f.a2*x
	f.z1 = f.b1*x - f.a1*x + f.z2
}

func (f *Biquad) Run(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

func (f *Biquad) Reset() {
	f.z1, f.z2 = 0, 0
}
