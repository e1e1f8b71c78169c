package drv8323

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

// fakeChip decodes SPI frames against a register file.
type fakeChip struct {
	regs    [16]uint16
	corrupt int // corrupt every n-th read when non-zero
	reads   int
	fail    error
}

func newFakeChip() *fakeChip {
	c := &fakeChip{}
	c.regs[AddrCSAControl] = CSAControlReset
	return c
}

func (c *fakeChip) Tx(w, r []byte) error {
	if c.fail != nil {
		return c.fail
	}
	addr := (w[0] >> 3) & 0xf
	if w[0]&R != 0 {
		v := c.regs[addr]
		c.reads++
		if c.corrupt > 0 && c.reads%c.corrupt == 0 {
			v ^= 0x10
		}
		r[0] = byte(v>>8) & 0x07
		r[1] = byte(v)
		return nil
	}
	c.regs[addr] = uint16(w[0]&0x07)<<8 | uint16(w[1])
	return nil
}

func TestFrameEncoding(t *testing.T) {
	var got []byte
	conn := connFunc(func(w, r []byte) error {
		got = append([]byte(nil), w...)
		return nil
	})
	d := New(conn)

	if err := d.WriteConfig(CSAControl{VRefDiv: true, Gain: CSAGain10}); err != nil {
		t.Fatal(err)
	}
	// addr 6 → 0b0110 << 3 = 0x30; data 0x240.
	if !reflect.DeepEqual(got, []byte{0x32, 0x40}) {
		t.Errorf("write frame % x, expected 32 40", got)
	}

	if _, err := d.ReadRegister(AddrStatus2); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []byte{0x88, 0x00}) {
		t.Errorf("read frame % x, expected 88 00", got)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	for _, reg := range DefaultSetup() {
		var decoded Register
		switch r := reg.(type) {
		case DriveControl:
			decoded = DecodeDriveControl(r.Bits())
		case GateHS:
			decoded = DecodeGateHS(r.Bits())
		case GateLS:
			decoded = DecodeGateLS(r.Bits())
		case OCPControl:
			decoded = DecodeOCPControl(r.Bits())
		case CSAControl:
			decoded = DecodeCSAControl(r.Bits())
		}
		if !reflect.DeepEqual(decoded, reg) {
			t.Errorf("%T: decoded %+v from %#x", reg, decoded, reg.Bits())
		}
	}
}

func TestDefaultSetupBits(t *testing.T) {
	expected := map[Address]uint16{
		AddrDriveControl: 0x080,
		AddrGateHS:       0x333,
		AddrGateLS:       0x033,
		AddrOCPControl:   0x111,
		AddrCSAControl:   0x240,
	}
	for _, reg := range DefaultSetup() {
		if reg.Bits() != expected[reg.Address()] {
			t.Errorf("register %d = %#x, expected %#x", reg.Address(), reg.Bits(), expected[reg.Address()])
		}
	}
}

func TestCheckDriver(t *testing.T) {
	chip := newFakeChip()
	d := New(chip)
	if bad, err := d.CheckDriver(1000); err != nil || bad != 0 {
		t.Errorf("healthy chip: bad=%d err=%v", bad, err)
	}

	chip.corrupt = 100
	bad, err := d.CheckDriver(1000)
	if err == nil || bad != 10 {
		t.Errorf("corrupting chip: bad=%d err=%v, expected 10 bad reads", bad, err)
	}
}

func TestSetupReadsBack(t *testing.T) {
	chip := newFakeChip()
	d := New(chip)
	if err := d.Setup(DefaultSetup()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if chip.regs[AddrCSAControl] != 0x240 {
		t.Errorf("CSA control = %#x", chip.regs[AddrCSAControl])
	}

	chip.corrupt = 1
	if err := d.Setup(DefaultSetup()); err == nil {
		t.Errorf("expected read-back mismatch")
	}
}

func TestStatusFaults(t *testing.T) {
	chip := newFakeChip()
	chip.regs[AddrStatus1] = 1<<10 | 1<<9 | 1<<5 // FAULT, VDS_OCP, VDS_HA
	chip.regs[AddrStatus2] = 1 << 7              // OTW
	d := New(chip)

	s, err := d.ReportStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Fault() || !s.VDSOvercurrent() || !s.TemperatureWarn() || s.Undervoltage() {
		t.Errorf("unexpected accessor results for %+v", s)
	}
	want := []string{"FAULT", "VDS_OCP", "VDS_HA", "OTW"}
	if !reflect.DeepEqual(s.Faults(), want) {
		t.Errorf("Faults() = %v, expected %v", s.Faults(), want)
	}
	if (Status{}).Faults() != nil {
		t.Errorf("clean status reported faults")
	}
}

func TestBusErrorPropagates(t *testing.T) {
	boom := errors.New("bus stuck")
	d := New(&fakeChip{fail: boom})
	if _, err := d.ReadStatus(); errors.Cause(err) != boom {
		t.Errorf("ReadStatus error = %v", err)
	}
}

type connFunc func(w, r []byte) error

func (f connFunc) Tx(w, r []byte) error { return f(w, r) }
