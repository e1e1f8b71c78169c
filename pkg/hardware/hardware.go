//go:build linux

package hardware

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/spi"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
	"github.com/tigerbot-team/foc-controller/pkg/drv8323"
	"github.com/tigerbot-team/foc-controller/pkg/faultline"
	"github.com/tigerbot-team/foc-controller/pkg/faultmonitor"
	"github.com/tigerbot-team/foc-controller/pkg/ina219"
	"github.com/tigerbot-team/foc-controller/pkg/ltc1408"
	"github.com/tigerbot-team/foc-controller/pkg/pwmstage"
	"github.com/tigerbot-team/foc-controller/pkg/radioinput"
	"github.com/tigerbot-team/foc-controller/pkg/sbus"
	"github.com/tigerbot-team/foc-controller/pkg/sound"
	"github.com/tigerbot-team/foc-controller/pkg/spibus"
)

const (
	// The co-processor turns the outputs off if the control loop stalls for
	// this long.
	stageWatchdog = 20 * time.Millisecond
	// DRV8323 needs 1ms after EN_GATE before it answers on SPI.
	driverWakeTime = time.Millisecond
)

type Hardware struct {
	spi    *spibus.Bus
	driver *drv8323.Device
	enable gpio.PinIO
	adc    *ltc1408.ADC
	fault  *faultline.Line
	stage  *pwmstage.Stage
	supply *ina219.INA219

	radio       *sbus.Receiver
	radioCloser io.Closer

	sounds *sound.Annunciator
}

var _ Interface = (*Hardware)(nil)

// New brings the board up: it flashes and opens the PWM stage with outputs
// off, wakes and configures the gate driver, then opens the ADC, the nFAULT
// line and the radio receiver.  On error everything opened so far is closed.
func New(cfg config.Config) (*Hardware, error) {
	h := &Hardware{spi: spibus.New()}
	if err := h.open(cfg); err != nil {
		h.Shutdown()
		return nil, err
	}
	fmt.Println("HW: ready")
	return h, nil
}

func (h *Hardware) open(cfg config.Config) error {
	var err error
	if len(cfg.PWMStage.FlashCommand) > 0 {
		if err = pwmstage.Flash(cfg.PWMStage.FlashCommand); err != nil {
			return err
		}
	}
	if h.stage, err = pwmstage.New(cfg.PWMStage.I2CDevice, cfg.PWMStage.Address); err != nil {
		return err
	}
	if err = h.stage.Reset(); err != nil {
		return err
	}
	if err = h.stage.SetWatchdog(stageWatchdog); err != nil {
		return err
	}

	drvConn, err := h.spi.Open(cfg.Driver.SPIDevice, cfg.Driver.SPIFrequencyHz, spi.Mode1)
	if err != nil {
		return err
	}
	if h.enable = gpioreg.ByName(cfg.Driver.EnablePin); h.enable == nil {
		return errors.Errorf("no GPIO named %q for the gate driver enable", cfg.Driver.EnablePin)
	}
	if err = h.enable.Out(gpio.High); err != nil {
		return errors.Wrap(err, "failed to enable gate driver")
	}
	time.Sleep(driverWakeTime)

	h.driver = drv8323.New(drvConn)
	if _, err = h.driver.CheckDriver(cfg.Driver.CheckReads); err != nil {
		return err
	}
	if err = h.driver.Setup(drv8323.DefaultSetup()); err != nil {
		return err
	}
	fmt.Println("HW: gate driver configured")

	adcConn, err := h.spi.Open(cfg.ADC.SPIDevice, cfg.ADC.SPIFrequencyHz, spi.Mode1)
	if err != nil {
		return err
	}
	conv, err := ltc1408.LookupConvPin(cfg.ADC.ConvPin)
	if err != nil {
		return err
	}
	if h.adc, err = ltc1408.New(adcConn, conv, cfg.Channels.Count); err != nil {
		return err
	}

	if h.fault, err = faultline.Open(cfg.Driver.FaultChip, cfg.Driver.FaultLine); err != nil {
		return err
	}
	if h.radio, h.radioCloser, err = sbus.Open(cfg.Radio.Device); err != nil {
		return err
	}

	h.supply = openSupply(cfg.Supply)
	h.sounds = sound.New()
	return nil
}

// openSupply returns nil if there is no working supply monitor; it is not
// needed to run the motor.
func openSupply(cfg config.Supply) *ina219.INA219 {
	if cfg.Address == 0 {
		return nil
	}
	s, err := ina219.New(cfg.I2CDevice, cfg.Address)
	if err != nil {
		fmt.Println("PWR: failed to open power sensor; ignoring!", err)
		return nil
	}
	if err := s.Configure(cfg.ShuntOhms, cfg.MaxCurrent); err != nil {
		fmt.Println("PWR: failed to configure power sensor; ignoring!", err)
		_ = s.Close()
		return nil
	}
	return s
}

func (h *Hardware) ADC() controlloop.ADC { return h.adc }
func (h *Hardware) PWM() controlloop.PWM { return h.stage }
func (h *Hardware) FaultLine() faultmonitor.Line { return h.fault }
func (h *Hardware) DriverStatus() faultmonitor.StatusReader { return h.driver }
func (h *Hardware) Radio() radioinput.Source { return h.radio }

func (h *Hardware) Loop(ctx context.Context, onFault func(error)) {
	var supply Supply
	if h.supply != nil {
		supply = h.supply
	}
	MonitorStage(ctx, h.stage, supply, 100*time.Millisecond, onFault)
}

func (h *Hardware) PlaySound(path string) {
	if h.sounds != nil {
		h.sounds.Play(path)
	}
}

// Shutdown turns the outputs off, then releases every device.  It tolerates a
// partially initialised Hardware.
func (h *Hardware) Shutdown() {
	fmt.Println("HW: shutting down")
	if h.stage != nil {
		if err := h.stage.Close(); err != nil {
			fmt.Println("HW: failed to close PWM stage:", err)
		}
	}
	if h.enable != nil {
		if err := h.enable.Out(gpio.Low); err != nil {
			fmt.Println("HW: failed to disable gate driver:", err)
		}
	}
	if h.radioCloser != nil {
		_ = h.radioCloser.Close()
	}
	if h.fault != nil {
		_ = h.fault.Close()
	}
	if h.supply != nil {
		_ = h.supply.Close()
	}
	if err := h.spi.Close(); err != nil {
		fmt.Println("HW: failed to close SPI bus:", err)
	}
	if h.sounds != nil {
		h.sounds.Close()
	}
}
