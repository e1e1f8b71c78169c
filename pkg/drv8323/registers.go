package drv8323

// Address is a 4-bit DRV8323RS register address.
type Address uint8

const (
	AddrStatus1      Address = 0x00
	AddrStatus2      Address = 0x01
	AddrDriveControl Address = 0x02
	AddrGateHS       Address = 0x03
	AddrGateLS       Address = 0x04
	AddrOCPControl   Address = 0x05
	AddrCSAControl   Address = 0x06
)

// CSAControlReset is the power-on value of the CSA control register, used by
// the bus health check.
const CSAControlReset uint16 = 0x283

// Register is a writable configuration register: an address plus its 11 data
// bits.
type Register interface {
	Address() Address
	Bits() uint16
}

type PWMMode uint8

const (
	PWMMode6x PWMMode = iota
	PWMMode3x
	PWMMode1x
	PWMModeIndependent
)

type Lock uint8

const (
	Unlock        Lock = 0b011
	LockRegisters Lock = 0b110
)

// SourceCurrent is the gate-drive source current code (10mA..1A).
type SourceCurrent uint8

const (
	Source10mA SourceCurrent = iota
	Source30mA
	Source60mA
	Source80mA
	Source120mA
	Source140mA
	Source170mA
	Source190mA
	Source260mA
	Source330mA
	Source370mA
	Source440mA
	Source570mA
	Source680mA
	Source820mA
	Source1000mA
)

// SinkCurrent is the gate-drive sink current code (20mA..2A).
type SinkCurrent uint8

const (
	Sink20mA SinkCurrent = iota
	Sink60mA
	Sink120mA
	Sink160mA
	Sink240mA
	Sink280mA
	Sink340mA
	Sink380mA
	Sink520mA
	Sink660mA
	Sink740mA
	Sink880mA
	Sink1140mA
	Sink1360mA
	Sink1640mA
	Sink2000mA
)

type TDrive uint8

const (
	TDrive500ns TDrive = iota
	TDrive1000ns
	TDrive2000ns
	TDrive4000ns
)

type TRetry uint8

const (
	TRetry4ms TRetry = iota
	TRetry50us
)

type DeadTime uint8

const (
	DeadTime50ns DeadTime = iota
	DeadTime100ns
	DeadTime200ns
	DeadTime400ns
)

type OCPMode uint8

const (
	OCPLatched OCPMode = iota
	OCPAutoRetry
	OCPReport
	OCPIgnore
)

type Deglitch uint8

const (
	Deglitch2us Deglitch = iota
	Deglitch4us
	Deglitch6us
	Deglitch8us
)

// VDSLevel is the VDS over-current threshold code (0.06V..1.88V).
type VDSLevel uint8

const (
	VDS0V06 VDSLevel = iota
	VDS0V13
	VDS0V20
	VDS0V26
	VDS0V31
	VDS0V45
	VDS0V53
	VDS0V60
	VDS0V68
	VDS0V75
	VDS0V94
	VDS1V13
	VDS1V30
	VDS1V50
	VDS1V70
	VDS1V88
)

type CSAGain uint8

const (
	CSAGain5 CSAGain = iota
	CSAGain10
	CSAGain20
	CSAGain40
)

type SenseLevel uint8

const (
	Sense0V25 SenseLevel = iota
	Sense0V50
	Sense0V75
	Sense1V00
)

type DriveControl struct {
	DisableChargePumpUV bool
	DisableGateFault    bool
	ReportOTW           bool
	PWMMode             PWMMode
	SinglePWMCom        bool
	SinglePWMDir        bool
	Coast               bool
	Brake               bool
	ClearFaults         bool
}

func (r DriveControl) Address() Address { return AddrDriveControl }

func (r DriveControl) Bits() uint16 {
	return bit(r.DisableChargePumpUV, 9) |
		bit(r.DisableGateFault, 8) |
		bit(r.ReportOTW, 7) |
		field(uint8(r.PWMMode), 2, 5) |
		bit(r.SinglePWMCom, 4) |
		bit(r.SinglePWMDir, 3) |
		bit(r.Coast, 2) |
		bit(r.Brake, 1) |
		bit(r.ClearFaults, 0)
}

func DecodeDriveControl(v uint16) DriveControl {
	return DriveControl{
		DisableChargePumpUV: flag(v, 9),
		DisableGateFault:    flag(v, 8),
		ReportOTW:           flag(v, 7),
		PWMMode:             PWMMode(extract(v, 2, 5)),
		SinglePWMCom:        flag(v, 4),
		SinglePWMDir:        flag(v, 3),
		Coast:               flag(v, 2),
		Brake:               flag(v, 1),
		ClearFaults:         flag(v, 0),
	}
}

type GateHS struct {
	Lock    Lock
	IDriveP SourceCurrent
	IDriveN SinkCurrent
}

func (r GateHS) Address() Address { return AddrGateHS }

func (r GateHS) Bits() uint16 {
	return field(uint8(r.Lock), 3, 8) | field(uint8(r.IDriveP), 4, 4) | field(uint8(r.IDriveN), 4, 0)
}

func DecodeGateHS(v uint16) GateHS {
	return GateHS{
		Lock:    Lock(extract(v, 3, 8)),
		IDriveP: SourceCurrent(extract(v, 4, 4)),
		IDriveN: SinkCurrent(extract(v, 4, 0)),
	}
}

type GateLS struct {
	CycleByCycle bool
	TDrive       TDrive
	IDriveP      SourceCurrent
	IDriveN      SinkCurrent
}

func (r GateLS) Address() Address { return AddrGateLS }

func (r GateLS) Bits() uint16 {
	return bit(r.CycleByCycle, 10) | field(uint8(r.TDrive), 2, 8) |
		field(uint8(r.IDriveP), 4, 4) | field(uint8(r.IDriveN), 4, 0)
}

func DecodeGateLS(v uint16) GateLS {
	return GateLS{
		CycleByCycle: flag(v, 10),
		TDrive:       TDrive(extract(v, 2, 8)),
		IDriveP:      SourceCurrent(extract(v, 4, 4)),
		IDriveN:      SinkCurrent(extract(v, 4, 0)),
	}
}

type OCPControl struct {
	TRetry   TRetry
	DeadTime DeadTime
	Mode     OCPMode
	Deglitch Deglitch
	VDSLevel VDSLevel
}

func (r OCPControl) Address() Address { return AddrOCPControl }

func (r OCPControl) Bits() uint16 {
	return field(uint8(r.TRetry), 1, 10) | field(uint8(r.DeadTime), 2, 8) |
		field(uint8(r.Mode), 2, 6) | field(uint8(r.Deglitch), 2, 4) | field(uint8(r.VDSLevel), 4, 0)
}

func DecodeOCPControl(v uint16) OCPControl {
	return OCPControl{
		TRetry:   TRetry(extract(v, 1, 10)),
		DeadTime: DeadTime(extract(v, 2, 8)),
		Mode:     OCPMode(extract(v, 2, 6)),
		Deglitch: Deglitch(extract(v, 2, 4)),
		VDSLevel: VDSLevel(extract(v, 4, 0)),
	}
}

type CSAControl struct {
	SenseFromSH   bool // CSA_FET
	VRefDiv       bool
	LowSideRefSN  bool // LS_REF
	Gain          CSAGain
	DisableSense  bool
	CalibrateA    bool
	CalibrateB    bool
	CalibrateC    bool
	SenseOCPLevel SenseLevel
}

func (r CSAControl) Address() Address { return AddrCSAControl }

func (r CSAControl) Bits() uint16 {
	return bit(r.SenseFromSH, 10) | bit(r.VRefDiv, 9) | bit(r.LowSideRefSN, 8) |
		field(uint8(r.Gain), 2, 6) | bit(r.DisableSense, 5) |
		bit(r.CalibrateA, 4) | bit(r.CalibrateB, 3) | bit(r.CalibrateC, 2) |
		field(uint8(r.SenseOCPLevel), 2, 0)
}

func DecodeCSAControl(v uint16) CSAControl {
	return CSAControl{
		SenseFromSH:   flag(v, 10),
		VRefDiv:       flag(v, 9),
		LowSideRefSN:  flag(v, 8),
		Gain:          CSAGain(extract(v, 2, 6)),
		DisableSense:  flag(v, 5),
		CalibrateA:    flag(v, 4),
		CalibrateB:    flag(v, 3),
		CalibrateC:    flag(v, 2),
		SenseOCPLevel: SenseLevel(extract(v, 2, 0)),
	}
}

// DefaultSetup is the configuration for the reference power stage:
//   - 6x PWM with over-temperature warnings reported on nFAULT.
//   - ~124ns rise / ~62ns fall on both sides.
//   - Latched over-current shutdown, 100ns dead time.
//   - CSA gain 10V/V with VREF/2 for bidirectional sensing; 0.25V is the
//     lowest sense OCP level available.
func DefaultSetup() []Register {
	return []Register{
		DriveControl{ReportOTW: true, PWMMode: PWMMode6x},
		GateHS{Lock: Unlock, IDriveP: Source80mA, IDriveN: Sink160mA},
		GateLS{TDrive: TDrive500ns, IDriveP: Source80mA, IDriveN: Sink160mA},
		OCPControl{TRetry: TRetry4ms, DeadTime: DeadTime100ns, Mode: OCPLatched, Deglitch: Deglitch4us, VDSLevel: VDS0V13},
		CSAControl{VRefDiv: true, Gain: CSAGain10, SenseOCPLevel: Sense0V25},
	}
}

func bit(b bool, pos uint) uint16 {
	if b {
		return 1 << pos
	}
	return 0
}

func field(v uint8, width, pos uint) uint16 {
	return (uint16(v) & (1<<width - 1)) << pos
}

func flag(v uint16, pos uint) bool {
	return v&(1<<pos) != 0
}

func extract(v uint16, width, pos uint) uint8 {
	return uint8((v >> pos) & (1<<width - 1))
}
