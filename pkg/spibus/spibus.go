// Package spibus shares one SPI controller between the gate driver and the ADC.
// Each transaction holds the bus lock from first to last byte so that chip
// selects never interleave.
package spibus

import (
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

// Conn is the part of a periph spi.Conn that devices use.
type Conn interface {
	Tx(w, r []byte) error
}

type Bus struct {
	lock    sync.Mutex
	closers []spi.PortCloser
}

func New() *Bus {
	return &Bus{}
}

// Open connects to a chip select on the bus.  The port is closed by Bus.Close.
func (b *Bus) Open(deviceFile string, frequencyHz int64, mode spi.Mode) (*Device, error) {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialise periph")
	}

	p, err := spireg.Open(deviceFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", deviceFile)
	}

	c, err := p.Connect(physic.Frequency(frequencyHz)*physic.Hertz, mode, 8)
	if err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s", deviceFile)
	}

	b.lock.Lock()
	b.closers = append(b.closers, p)
	b.lock.Unlock()

	return b.Attach(c), nil
}

// Attach wraps an existing connection so that its transactions are
// serialised with every other device on the bus.
func (b *Bus) Attach(c Conn) *Device {
	return &Device{bus: b, conn: c}
}

func (b *Bus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	var firstErr error
	for _, p := range b.closers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}

type Device struct {
	bus  *Bus
	conn Conn
}

// Tx runs one full-duplex transaction with the bus held.
func (d *Device) Tx(w, r []byte) error {
	d.bus.lock.Lock()
	defer d.bus.lock.Unlock()

	return d.conn.Tx(w, r)
}
