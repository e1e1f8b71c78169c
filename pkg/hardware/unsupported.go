//go:build !linux

package hardware

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
	"github.com/tigerbot-team/foc-controller/pkg/faultmonitor"
	"github.com/tigerbot-team/foc-controller/pkg/radioinput"
)

// Hardware is only available on Linux; elsewhere use the simulator.
type Hardware struct{}

var _ Interface = (*Hardware)(nil)

func New(cfg config.Config) (*Hardware, error) {
	return nil, errors.New("hardware backend requires Linux; set FOC_SIMULATE=1")
}

func (h *Hardware) ADC() controlloop.ADC { return nil }
func (h *Hardware) PWM() controlloop.PWM { return nil }
func (h *Hardware) FaultLine() faultmonitor.Line { return nil }
func (h *Hardware) DriverStatus() faultmonitor.StatusReader { return nil }
func (h *Hardware) Radio() radioinput.Source { return nil }
func (h *Hardware) Loop(ctx context.Context, onFault func(error)) {}
func (h *Hardware) PlaySound(path string) {}
func (h *Hardware) Shutdown() {}
