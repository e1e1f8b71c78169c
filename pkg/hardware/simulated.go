package hardware

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
	"github.com/tigerbot-team/foc-controller/pkg/drv8323"
	"github.com/tigerbot-team/foc-controller/pkg/faultmonitor"
	"github.com/tigerbot-team/foc-controller/pkg/pwmstage"
	"github.com/tigerbot-team/foc-controller/pkg/radioinput"
	"github.com/tigerbot-team/foc-controller/pkg/sim"
)

// Simulated is a board made of pkg/sim devices.  The fields are exported so
// that a test harness can drive the radio and inject faults.
type Simulated struct {
	Motor       *sim.Motor
	Fault       *sim.FaultLine
	Driver      *sim.Driver
	Transmitter *sim.Radio

	stage simStage
}

var _ Interface = (*Simulated)(nil)

func NewSimulated(cfg config.Config, p sim.MotorParams) *Simulated {
	fmt.Println("SIM: simulated board")
	return &Simulated{
		Motor:       sim.NewMotor(p, cfg),
		Fault:       sim.NewFaultLine(),
		Driver:      &sim.Driver{},
		Transmitter: sim.NewRadio(),
		stage:       simStage{busV: p.BusVoltage},
	}
}

func (s *Simulated) ADC() controlloop.ADC { return s.Motor }
func (s *Simulated) PWM() controlloop.PWM { return s.Motor }
func (s *Simulated) FaultLine() faultmonitor.Line { return s.Fault }
func (s *Simulated) DriverStatus() faultmonitor.StatusReader { return s.Driver }
func (s *Simulated) Radio() radioinput.Source { return s.Transmitter }

func (s *Simulated) Loop(ctx context.Context, onFault func(error)) {
	MonitorStage(ctx, &s.stage, &s.stage, 10*time.Millisecond, onFault)
}

func (s *Simulated) PlaySound(path string) {
	fmt.Printf("SIM: PlaySound path=%v\n", path)
}

func (s *Simulated) Shutdown() {
	fmt.Println("SIM: Shutdown")
	_ = s.Transmitter.Close()
}

// InjectDriverFault latches status in the gate driver and asserts nFAULT.
func (s *Simulated) InjectDriverFault(status drv8323.Status) {
	fmt.Println("SIM: injecting driver fault", status.Faults())
	s.Driver.SetStatus(status)
	s.Fault.Assert()
}

// InjectStageFault makes the PWM co-processor report a fault.
func (s *Simulated) InjectStageFault() {
	fmt.Println("SIM: injecting PWM stage fault")
	s.stage.faulted.Store(true)
}

type simStage struct {
	busV    float64
	faulted atomic.Bool
}

func (st *simStage) Status() (pwmstage.StatusFlag, error) {
	if st.faulted.Load() {
		return pwmstage.RegStatusFault, nil
	}
	return 0, nil
}

func (st *simStage) BusVolts() (float64, error) {
	return st.busV, nil
}

func (st *simStage) TemperatureC() (float64, error) {
	return 25, nil
}

// The simulated supply is ideal.
func (st *simStage) ReadBusVoltage() (float64, error) {
	return st.busV, nil
}

func (st *simStage) ReadCurrent() (float64, error) {
	return 0, nil
}
