// Package ina219 reads the motor supply's voltage and current from an INA219
// shunt monitor.
package ina219

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
)

const (
	DefaultAddr = 0x41

	RegConfig      = 0
	RegShuntV      = 1
	RegBusV        = 2
	RegPower       = 3
	RegCurrent     = 4
	RegCalibration = 5

	BusVoltageLSB = 0.004

	// 32V range, ±320mV shunt range, 12-bit conversions, continuous shunt
	// and bus.
	ConfigDefault uint16 = 0x399f

	busOverflow = 1 << 0
)

var ErrOverflow = errors.New("ina219: math overflow, current out of range")

type port interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
	Close() error
}

type INA219 struct {
	currentLSB float64
	dev        port
}

func New(deviceFile string, addr int) (*INA219, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open INA219 at %s:%#x", deviceFile, addr)
	}
	return &INA219{dev: dev}, nil
}

// Configure programs the calibration so that the current register reads in
// units of maxCurrent/2^15.
func (m *INA219) Configure(shuntOhms float64, maxCurrent float64) error {
	if !(shuntOhms > 0 && maxCurrent > 0) {
		return errors.Errorf("ina219: shunt (%v) and max current (%v) must be positive", shuntOhms, maxCurrent)
	}
	m.currentLSB = maxCurrent / (1 << 15)
	cval := CalculateCalibrationValue(m.currentLSB, shuntOhms)
	fmt.Printf("PWR: INA219 calibration value: %#x\n", cval)
	if err := m.write16(RegConfig, ConfigDefault); err != nil {
		return err
	}
	return m.write16(RegCalibration, cval)
}

func (m *INA219) ReadBusVoltage() (float64, error) {
	raw, err := m.Read16(RegBusV)
	if err != nil {
		return 0, err
	}
	if raw&busOverflow != 0 {
		return 0, ErrOverflow
	}
	return float64(raw>>3) * BusVoltageLSB, nil
}

// ReadCurrent returns the supply current in amps; negative when the motor is
// regenerating.
func (m *INA219) ReadCurrent() (float64, error) {
	raw, err := m.Read16(RegCurrent)
	if err != nil {
		return 0, err
	}
	return float64(int16(raw)) * m.currentLSB, nil
}

func (m *INA219) ReadPower() (float64, error) {
	raw, err := m.Read16(RegPower)
	if err != nil {
		return 0, err
	}
	return float64(raw) * m.currentLSB * 20, nil
}

func (m *INA219) Read16(reg byte) (uint16, error) {
	var buf [2]byte
	if err := m.dev.ReadReg(reg, buf[:]); err != nil {
		return 0, errors.Wrapf(err, "failed to read INA219 register %d", reg)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (m *INA219) write16(reg byte, v uint16) error {
	return errors.Wrapf(m.dev.WriteReg(reg, []byte{byte(v >> 8), byte(v)}), "failed to write INA219 register %d", reg)
}

func (m *INA219) Close() error {
	return m.dev.Close()
}

func CalculateCalibrationValue(currentLSB float64, shuntOhms float64) uint16 {
	return uint16(0.04096 / (currentLSB * shuntOhms))
}
