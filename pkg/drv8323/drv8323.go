// Package drv8323 configures and monitors a TI DRV8323RS three-phase gate
// driver over SPI.
//
// Every SPI frame is 16 bits: a read/write flag, a 4-bit register address and
// 11 data bits.
package drv8323

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	W = 0x00
	R = 0x80
)

// Conn is a full-duplex SPI connection (periph spi.Conn or spibus.Device).
type Conn interface {
	Tx(w, r []byte) error
}

type Device struct {
	conn Conn
	w, r [2]byte
}

func New(c Conn) *Device {
	return &Device{conn: c}
}

func (d *Device) ReadRegister(a Address) (uint16, error) {
	d.w[0] = R | byte(a&0xf)<<3
	d.w[1] = 0
	if err := d.conn.Tx(d.w[:], d.r[:]); err != nil {
		return 0, errors.Wrapf(err, "failed to read DRV8323 register %d", a)
	}
	return uint16(d.r[0]&0x07)<<8 | uint16(d.r[1]), nil
}

// WriteConfig writes one configuration register.
func (d *Device) WriteConfig(reg Register) error {
	bits := reg.Bits() & 0x7ff
	d.w[0] = W | byte(reg.Address()&0xf)<<3 | byte(bits>>8)
	d.w[1] = byte(bits)
	if err := d.conn.Tx(d.w[:], d.r[:]); err != nil {
		return errors.Wrapf(err, "failed to write DRV8323 register %d", reg.Address())
	}
	return nil
}

// ReadStatus reads both fault status registers.
func (d *Device) ReadStatus() (Status, error) {
	s1, err := d.ReadRegister(AddrStatus1)
	if err != nil {
		return Status{}, err
	}
	s2, err := d.ReadRegister(AddrStatus2)
	if err != nil {
		return Status{}, err
	}
	return Status{Status1: s1, Status2: s2}, nil
}

// CheckDriver reads the CSA control register n times and compares it with its
// reset value, as a bus-integrity check that must run before Setup.  It
// returns the number of bad reads.
func (d *Device) CheckDriver(n int) (int, error) {
	bad := 0
	for i := 0; i < n; i++ {
		v, err := d.ReadRegister(AddrCSAControl)
		if err != nil {
			return bad, err
		}
		if v != CSAControlReset {
			bad++
		}
	}
	fmt.Printf("DRV: %d/%d bad reads (%.3f%%)\n", bad, n, 100*float64(bad)/float64(max(n, 1)))
	if bad > 0 {
		return bad, errors.Errorf("DRV8323 bus check failed: %d of %d reads did not match %#x", bad, n, CSAControlReset)
	}
	return 0, nil
}

// Setup writes regs in order and reads each one back.
func (d *Device) Setup(regs []Register) error {
	for _, reg := range regs {
		if err := d.WriteConfig(reg); err != nil {
			return err
		}
		got, err := d.ReadRegister(reg.Address())
		if err != nil {
			return err
		}
		if want := reg.Bits() & 0x7ff; got != want {
			return errors.Errorf("DRV8323 register %d read back %#x, wrote %#x", reg.Address(), got, want)
		}
	}
	fmt.Println("DRV: configured")
	return nil
}

// ReportStatus logs the asserted fault bits, if any.
func (d *Device) ReportStatus() (Status, error) {
	s, err := d.ReadStatus()
	if err != nil {
		fmt.Println("DRV: failed to read status:", err)
		return s, err
	}
	if faults := s.Faults(); len(faults) > 0 {
		fmt.Printf("DRV: faults %v (status1=%#x status2=%#x)\n", faults, s.Status1, s.Status2)
	} else {
		fmt.Println("DRV: no faults")
	}
	return s, nil
}
