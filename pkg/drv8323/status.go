package drv8323

// Fault status register 1 bits, MSB first.
var status1Names = [11]string{
	"FAULT", "VDS_OCP", "GDF", "UVLO", "OTSD",
	"VDS_HA", "VDS_LA", "VDS_HB", "VDS_LB", "VDS_HC", "VDS_LC",
}

// Fault status register 2 bits, MSB first.
var status2Names = [11]string{
	"SA_OC", "SB_OC", "SC_OC", "OTW", "CPUV",
	"VGS_HA", "VGS_LA", "VGS_HB", "VGS_LB", "VGS_HC", "VGS_LC",
}

// Status is the content of the two read-only fault status registers.
type Status struct {
	Status1 uint16
	Status2 uint16
}

func (s Status) Fault() bool            { return flag(s.Status1, 10) }
func (s Status) VDSOvercurrent() bool   { return flag(s.Status1, 9) }
func (s Status) GateDriveFault() bool   { return flag(s.Status1, 8) }
func (s Status) Undervoltage() bool     { return flag(s.Status1, 7) }
func (s Status) Overtemperature() bool  { return flag(s.Status1, 6) }
func (s Status) TemperatureWarn() bool  { return flag(s.Status2, 7) }
func (s Status) ChargePumpUV() bool     { return flag(s.Status2, 6) }
func (s Status) SenseOvercurrent() bool { return s.Status2&(0b111<<8) != 0 }

// Faults lists the names of all asserted status bits, register 1 first.
func (s Status) Faults() []string {
	var names []string
	for i, name := range status1Names {
		if flag(s.Status1, uint(10-i)) {
			names = append(names, name)
		}
	}
	for i, name := range status2Names {
		if flag(s.Status2, uint(10-i)) {
			names = append(names, name)
		}
	}
	return names
}
