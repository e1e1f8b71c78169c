// Package filter contains the small fixed-cost digital filters used to smooth
// resolver and current-sense samples inside the control loop.
package filter

import (
	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/ringbuffer"
)

// Filter consumes one sample per call and returns one filtered sample.
type Filter interface {
	Run(x float64) float64
}

type Kind string

const (
	KindAverage Kind = "average"
	KindMedian  Kind = "median"
	KindNone    Kind = "none"
)

// New builds a windowed filter of the given kind, pre-filled with initial.
func New(kind Kind, window int, initial float64) (Filter, error) {
	if kind == KindNone || kind == "" {
		return passthrough{}, nil
	}
	if window < 1 {
		return nil, errors.Errorf("filter window must be at least 1, got %d", window)
	}
	values := make([]float64, window)
	for i := range values {
		values[i] = initial
	}
	switch kind {
	case KindAverage:
		return NewAverage(values), nil
	case KindMedian:
		return NewMedian(values), nil
	default:
		return nil, errors.Errorf("unknown filter kind %q", kind)
	}
}

type passthrough struct{}

func (passthrough) Run(x float64) float64 { return x }

// Average is a moving-average filter over a fixed window.
type Average struct {
	window *ringbuffer.RingBuffer[float64]
}

func NewAverage(initial []float64) *Average {
	return &Average{window: ringbuffer.New(initial)}
}

// Run inserts x and returns the mean of the window, x included.
func (f *Average) Run(x float64) float64 {
	f.window.Insert(x)
	n := f.window.Len()
	var total float64
	for i := 0; i < n; i++ {
		total += f.window.At(i)
	}
	return total / float64(n)
}

// Median is a moving-median filter over a fixed window.  The window is sorted
// with an insertion sort so that the worst case is bounded and allocation
// free.
type Median struct {
	window  *ringbuffer.RingBuffer[float64]
	scratch []float64
}

func NewMedian(initial []float64) *Median {
	return &Median{
		window:  ringbuffer.New(initial),
		scratch: make([]float64, len(initial)),
	}
}

// Run inserts x and returns the median of the window.  For an even window
// the two central values are averaged.
func (f *Median) Run(x float64) float64 {
	f.window.Insert(x)
	f.window.CopyInto(f.scratch)
	insertionSort(f.scratch)

	n := len(f.scratch)
	if n%2 == 1 {
		return f.scratch[n/2]
	}
	return (f.scratch[n/2-1] + f.scratch[n/2]) / 2
}

func insertionSort(v []float64) {
	for i := 1; i < len(v); i++ {
		x := v[i]
		j := i
		for j > 0 && v[j-1] > x {
			v[j] = v[j-1]
			j--
		}
		v[j] = x
	}
}
