// Package pwmstage drives the PWM co-processor that generates the six gate
// signals for the DRV8323.  The controller writes three duty cycles and an
// enable mask over I2C; the co-processor owns the timers and dead time.
package pwmstage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
)

const DefaultAddr = 0x42

type Register byte

const (
	RegCtrl Register = iota
	RegStatus
	RegWatchdogTimeout
	RegFaultCount

	RegDutyA
	RegDutyB
	RegDutyC

	RegBusV        // LSB = 4mV
	RegTemperature // LSB = 0.01C
)

const (
	BusVLSB        = 0.004
	TemperatureLSB = 0.01

	// Duty registers are fractions of the PWM period scaled to 16 bits.
	DutyFullScale = math.MaxUint16
)

const (
	RegCtrlEnableI2CControl uint16 = 1 << iota
	RegCtrlRun
	RegCtrlReset
	RegCtrlWatchdogEnable
	RegCtrlEnableA
	RegCtrlEnableB
	RegCtrlEnableC
)

type StatusFlag uint16

const (
	RegStatusFault StatusFlag = 1 << iota
	RegStatusWatchdogExpired
)

// bus is the subset of *i2c.Device we use.
type bus interface {
	Write(buf []byte) error
	ReadReg(reg byte, buf []byte) error
	Close() error
}

// Stage is safe for concurrent use; the control loop writes duties while a
// monitor polls status.
type Stage struct {
	lock sync.Mutex
	dev  bus
	open func() (bus, error)

	lastConfigWord  uint16
	lastConfigTime  time.Time
	watchdogEnabled bool

	buf [7]byte
}

// New opens the co-processor at addr on the given I2C device file.
func New(deviceFile string, addr int) (*Stage, error) {
	open := func() (bus, error) {
		dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	dev, err := open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open PWM stage at %s:%#x", deviceFile, addr)
	}
	return newStage(dev, open), nil
}

func newStage(dev bus, open func() (bus, error)) *Stage {
	return &Stage{dev: dev, open: open}
}

// SetWatchdog makes the co-processor disable all outputs if no update arrives
// within timeout.  Zero disables the watchdog.
func (s *Stage) SetWatchdog(timeout time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if timeout == 0 {
		s.watchdogEnabled = false
		return s.maybeConfigure(0, false)
	}

	ms := timeout.Milliseconds()
	if ms > math.MaxUint16 {
		ms = math.MaxUint16
	}
	if err := s.writeReg(RegWatchdogTimeout, uint16(ms)); err != nil {
		return err
	}
	s.watchdogEnabled = true
	return s.maybeConfigure(0, false)
}

// SetOutputs writes the three duty cycles, each in [0, 1], in a single
// transaction, and the per-phase enable mask if it changed.
func (s *Stage) SetOutputs(duty [3]float64, enabled [3]bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var mask uint16
	for i, en := range enabled {
		if en {
			mask |= RegCtrlEnableA << i
		}
	}
	if err := s.maybeConfigure(mask, false); err != nil {
		return err
	}

	s.buf[0] = byte(RegDutyA)
	for i, d := range duty {
		binary.BigEndian.PutUint16(s.buf[1+2*i:], DutyToRaw(d))
	}
	return s.writeWithRetries(s.buf[:])
}

// DutyToRaw scales a duty cycle to the register value, clamping to [0, 1].
func DutyToRaw(d float64) uint16 {
	if !(d > 0) {
		return 0
	}
	if d >= 1 {
		return DutyFullScale
	}
	return uint16(math.Round(d * DutyFullScale))
}

// Reset zeroes and disables all outputs.
func (s *Stage) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.maybeConfigure(0, true)
}

func (s *Stage) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	_ = s.maybeConfigure(0, true)
	return s.dev.Close()
}

func (s *Stage) Status() (StatusFlag, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	raw, err := s.readReg(RegStatus)
	if err != nil {
		return 0, err
	}
	return StatusFlag(raw), nil
}

func (s *Stage) BusVolts() (float64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	raw, err := s.readReg(RegBusV)
	if err != nil {
		return 0, err
	}
	return float64(raw) * BusVLSB, nil
}

func (s *Stage) TemperatureC() (float64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	raw, err := s.readReg(RegTemperature)
	if err != nil {
		return 0, err
	}
	return float64(raw) * TemperatureLSB, nil
}

func (s *Stage) maybeConfigure(enableMask uint16, reset bool) error {
	configWord := RegCtrlEnableI2CControl | enableMask
	if enableMask != 0 {
		configWord |= RegCtrlRun
	}
	if reset {
		configWord |= RegCtrlReset
	}
	if s.watchdogEnabled {
		configWord |= RegCtrlWatchdogEnable
	}

	if configWord == s.lastConfigWord && time.Since(s.lastConfigTime) < 100*time.Millisecond {
		// Skip writing config if we've done it recently.
		return nil
	}

	if err := s.writeReg(RegCtrl, configWord); err != nil {
		return err
	}

	s.lastConfigTime = time.Now()
	s.lastConfigWord = configWord &^ RegCtrlReset // Reset is not persistent.
	return nil
}

func (s *Stage) writeReg(reg Register, value uint16) error {
	return s.writeWithRetries([]byte{byte(reg), byte(value >> 8), byte(value)})
}

func (s *Stage) readReg(reg Register) (uint16, error) {
	var buf [2]byte
	if err := s.dev.ReadReg(byte(reg), buf[:]); err != nil {
		return 0, errors.Wrapf(err, "failed to read PWM stage register %d", reg)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

const maxTries = 3

func (s *Stage) writeWithRetries(data []byte) error {
	var err error
	for tries := 0; tries < maxTries; tries++ {
		err = s.dev.Write(data)
		if err == nil {
			if tries > 0 {
				fmt.Println("PWM: write succeeded after retries")
			}
			return nil
		}
		fmt.Println("PWM: failed to write to co-processor:", err)
		if s.open == nil {
			continue
		}
		_ = s.dev.Close()
		dev, openErr := s.open()
		if openErr != nil {
			continue
		}
		s.dev = dev
	}
	return errors.Wrap(err, "failed to write to PWM stage")
}
