package pwmstage

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

type fakeBus struct {
	writes   [][]byte
	failNext int
	closed   int
	regs     map[byte]uint16
}

func (b *fakeBus) Write(buf []byte) error {
	if b.failNext > 0 {
		b.failNext--
		return errors.New("nack")
	}
	b.writes = append(b.writes, append([]byte(nil), buf...))
	return nil
}

func (b *fakeBus) ReadReg(reg byte, buf []byte) error {
	binary.BigEndian.PutUint16(buf, b.regs[reg])
	return nil
}

func (b *fakeBus) Close() error {
	b.closed++
	return nil
}

func TestSetOutputs(t *testing.T) {
	bus := &fakeBus{}
	s := newStage(bus, nil)

	if err := s.SetOutputs([3]float64{0.5, 0, 1}, [3]bool{true, true, false}); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 2 {
		t.Fatalf("expected config + duty writes, got %d", len(bus.writes))
	}

	ctrl := bus.writes[0]
	word := binary.BigEndian.Uint16(ctrl[1:])
	if Register(ctrl[0]) != RegCtrl ||
		word != RegCtrlEnableI2CControl|RegCtrlRun|RegCtrlEnableA|RegCtrlEnableB {
		t.Errorf("config write % x", ctrl)
	}

	duty := bus.writes[1]
	if Register(duty[0]) != RegDutyA || len(duty) != 7 {
		t.Fatalf("duty write % x", duty)
	}
	got := [3]uint16{
		binary.BigEndian.Uint16(duty[1:]),
		binary.BigEndian.Uint16(duty[3:]),
		binary.BigEndian.Uint16(duty[5:]),
	}
	if got != [3]uint16{32768, 0, DutyFullScale} {
		t.Errorf("duties %v", got)
	}

	// Same mask again: no config rewrite.
	if err := s.SetOutputs([3]float64{0.1, 0.1, 0.1}, [3]bool{true, true, false}); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 3 {
		t.Errorf("expected a single duty write, got %d writes total", len(bus.writes))
	}

	// Changed mask: config rewritten.
	if err := s.SetOutputs([3]float64{}, [3]bool{}); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 5 {
		t.Errorf("expected config + duty writes, got %d writes total", len(bus.writes))
	}
}

func TestDutyToRawClamps(t *testing.T) {
	for d, want := range map[float64]uint16{-0.1: 0, 0: 0, 1: DutyFullScale, 1.5: DutyFullScale} {
		if got := DutyToRaw(d); got != want {
			t.Errorf("DutyToRaw(%v) = %d, expected %d", d, got, want)
		}
	}
}

func TestWriteRetriesReopen(t *testing.T) {
	first := &fakeBus{failNext: 1}
	second := &fakeBus{}
	s := newStage(first, func() (bus, error) { return second, nil })

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset after one failure: %v", err)
	}
	if first.closed != 1 || len(second.writes) != 1 {
		t.Errorf("expected reopen and retry; closed=%d writes=%d", first.closed, len(second.writes))
	}

	dead := &fakeBus{failNext: maxTries}
	s = newStage(dead, nil)
	if err := s.Reset(); err == nil {
		t.Errorf("expected error after %d failures", maxTries)
	}
}

func TestTelemetryRegisters(t *testing.T) {
	bus := &fakeBus{regs: map[byte]uint16{
		byte(RegBusV):        6000,
		byte(RegTemperature): 4250,
		byte(RegStatus):      uint16(RegStatusWatchdogExpired),
	}}
	s := newStage(bus, nil)
	if v, _ := s.BusVolts(); v != 24 {
		t.Errorf("BusVolts = %v", v)
	}
	if c, _ := s.TemperatureC(); c != 42.5 {
		t.Errorf("TemperatureC = %v", c)
	}
	if st, _ := s.Status(); st&RegStatusWatchdogExpired == 0 {
		t.Errorf("Status = %v", st)
	}
}

func TestFlashWithoutCommandIsNoop(t *testing.T) {
	if err := Flash(nil); err != nil {
		t.Errorf("Flash(nil) = %v", err)
	}
}
