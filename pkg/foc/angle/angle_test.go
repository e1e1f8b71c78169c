package angle

import (
	"math"
	"testing"
)

const eps = 1e-9

func TestWrap(t *testing.T) {
	expectWrap(t, 0, 0)
	expectWrap(t, math.Pi, math.Pi)
	expectWrap(t, TwoPi, 0)
	expectWrap(t, -math.Pi/2, 3*math.Pi/2)
	expectWrap(t, 5*math.Pi, math.Pi)
	expectWrap(t, -7*math.Pi/2, math.Pi/2)
}

func TestWrapPi(t *testing.T) {
	if v := WrapPi(3 * math.Pi / 2); math.Abs(v+math.Pi/2) > eps {
		t.Errorf("WrapPi(3π/2) = %v", v)
	}
	if v := WrapPi(-math.Pi); math.Abs(v-math.Pi) > eps {
		t.Errorf("WrapPi(-π) = %v, expected π", v)
	}
	if v := Diff(0.1, TwoPi-0.1); math.Abs(v-0.2) > eps {
		t.Errorf("Diff across zero = %v, expected 0.2", v)
	}
}

func TestElectrical(t *testing.T) {
	// 7 pole pairs: a mechanical quarter turn is 7 electrical quarter turns.
	e := Electrical(math.Pi/2, 7, 0)
	if math.Abs(e-3*math.Pi/2) > eps {
		t.Errorf("Electrical = %v, expected 3π/2", e)
	}
	e = Electrical(0.5, 1, 0.5)
	if math.Abs(e) > eps {
		t.Errorf("offset not removed: %v", e)
	}
}

func TestFromResolver(t *testing.T) {
	for _, a := range []float64{0, 0.3, 2, 4, 6.2} {
		s, c := math.Sincos(a)
		if v := FromResolver(s, c); math.Abs(v-a) > eps {
			t.Errorf("FromResolver(%v) = %v", a, v)
		}
	}
}

func TestCircularMean(t *testing.T) {
	mean, r := CircularMean(0.1, TwoPi-0.1)
	if math.Abs(Diff(mean, 0)) > eps {
		t.Errorf("mean across zero = %v, expected 0", mean)
	}
	if r < 0.99 {
		t.Errorf("resultant %v for tight cluster", r)
	}
	_, r = CircularMean(0, math.Pi)
	if r > eps {
		t.Errorf("resultant %v for opposite angles, expected 0", r)
	}
}

func TestAccumulatorAcrossZero(t *testing.T) {
	var acc Accumulator
	for _, a := range []float64{TwoPi - 0.02, 0.02, TwoPi - 0.01, 0.01} {
		acc.Add(a)
	}
	if acc.Count() != 4 {
		t.Fatalf("count %d", acc.Count())
	}
	if math.Abs(Diff(acc.Mean(), 0)) > eps {
		t.Errorf("mean %v, expected 0", acc.Mean())
	}
}

func expectWrap(t *testing.T, in, expected float64) {
	t.Helper()
	out := Wrap(in)
	if math.Abs(out-expected) > eps {
		t.Errorf("Wrap(%v) = %v, expected %v", in, out, expected)
	}
	if out < 0 || out >= TwoPi {
		t.Errorf("Wrap(%v) = %v out of range", in, out)
	}
}
