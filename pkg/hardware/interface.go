package hardware

import (
	"context"

	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
	"github.com/tigerbot-team/foc-controller/pkg/faultmonitor"
	"github.com/tigerbot-team/foc-controller/pkg/radioinput"
)

// Interface is the board as the controller sees it: real devices or the
// simulator.
type Interface interface {
	ADC() controlloop.ADC
	PWM() controlloop.PWM
	FaultLine() faultmonitor.Line
	DriverStatus() faultmonitor.StatusReader
	Radio() radioinput.Source

	// Loop watches the power stage until ctx is done.  Stage faults are
	// passed to onFault and end the loop.
	Loop(ctx context.Context, onFault func(error))

	PlaySound(path string)
	Shutdown()
}
