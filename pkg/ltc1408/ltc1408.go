// Package ltc1408 reads the LTC1408-12 six-channel simultaneous-sampling ADC.
//
// A rising edge on CONV samples every channel at once; the results are then
// clocked out over SPI, two bytes per enabled channel with the 12-bit code in
// bits 13..2.
package ltc1408

import (
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
)

const (
	MaxChannels = 6
	// Full-scale input range in volts.
	FullScale = 2.5
	codes     = 4096
)

type Conn interface {
	Tx(w, r []byte) error
}

// ConvPin is the conversion-start output (a periph gpio.PinIO in practice).
type ConvPin interface {
	Out(l gpio.Level) error
}

type ADC struct {
	conn     Conn
	conv     ConvPin
	channels int

	w, r []byte
}

// New returns an ADC that converts the first channels inputs.
func New(c Conn, conv ConvPin, channels int) (*ADC, error) {
	if channels < 1 || channels > MaxChannels {
		return nil, errors.Errorf("LTC1408 has 1..%d channels, asked for %d", MaxChannels, channels)
	}
	if err := conv.Out(gpio.Low); err != nil {
		return nil, errors.Wrap(err, "failed to drive CONV low")
	}
	return &ADC{
		conn:     c,
		conv:     conv,
		channels: channels,
		w:        make([]byte, 2*channels),
		r:        make([]byte, 2*channels),
	}, nil
}

// LookupConvPin finds the CONV pin by name in the periph registry.
func LookupConvPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("no such GPIO %q", name)
	}
	return p, nil
}

// Read triggers a conversion and returns one voltage per channel; channels
// beyond the enabled count read as zero.
func (a *ADC) Read() ([]float64, error) {
	if err := a.conv.Out(gpio.High); err != nil {
		return nil, errors.Wrap(err, "failed to start conversion")
	}
	if err := a.conv.Out(gpio.Low); err != nil {
		return nil, errors.Wrap(err, "failed to start conversion")
	}
	for i := range a.w {
		a.w[i] = 0
	}
	if err := a.conn.Tx(a.w, a.r); err != nil {
		return nil, errors.Wrap(err, "failed to read LTC1408")
	}

	volts := make([]float64, MaxChannels)
	for ch := 0; ch < a.channels; ch++ {
		volts[ch] = CodeToVolts(Unpack(a.r[2*ch], a.r[2*ch+1]))
	}
	return volts, nil
}

// Unpack extracts the 12-bit code from one channel's two bytes.
func Unpack(b0, b1 byte) uint16 {
	return uint16(b0&0x3f)<<6 | uint16(b1&0xfc)>>2
}

func CodeToVolts(code uint16) float64 {
	return float64(code) * FullScale / codes
}
