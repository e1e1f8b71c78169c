package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/pwmstage"
)

var ErrStageFault = errors.New("PWM stage fault")

// StageStatus is the read side of the PWM co-processor.
type StageStatus interface {
	Status() (pwmstage.StatusFlag, error)
	BusVolts() (float64, error)
	TemperatureC() (float64, error)
}

// Supply is the motor supply monitor.
type Supply interface {
	ReadBusVoltage() (float64, error)
	ReadCurrent() (float64, error)
}

const (
	// Consecutive status read failures before the stage is treated as lost.
	maxStageReadFailures = 3
	powerReportInterval  = 10 * time.Second
)

// MonitorStage polls the stage's status every interval until ctx is done or
// the stage reports a fault, which is passed to onFault.  Bus voltage and
// temperature, and the supply current if supply is non-nil, are logged every
// few seconds.
func MonitorStage(ctx context.Context, stage StageStatus, supply Supply, interval time.Duration, onFault func(error)) {
	fmt.Println("HW: stage monitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var failures int
	var lastPowerReadingTime time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := stage.Status()
		if err != nil {
			failures++
			fmt.Println("HW: failed to read stage status:", err)
			if failures >= maxStageReadFailures {
				fmt.Println("===== !!! WARNING !!! PWM STAGE NOT RESPONDING =====")
				onFault(errors.Wrap(err, "lost contact with PWM stage"))
				return
			}
			continue
		}
		failures = 0

		if status&pwmstage.RegStatusFault != 0 {
			onFault(errors.Wrap(ErrStageFault, "co-processor reports fault"))
			return
		}
		if status&pwmstage.RegStatusWatchdogExpired != 0 {
			onFault(errors.Wrap(ErrStageFault, "co-processor watchdog expired"))
			return
		}

		if time.Since(lastPowerReadingTime) > powerReportInterval {
			bv, err := stage.BusVolts()
			if err != nil {
				continue
			}
			temp, err := stage.TemperatureC()
			if err != nil {
				continue
			}
			fmt.Printf("HW: bus %.2fV, stage %.1fC\n", bv, temp)
			if supply != nil {
				sv, svErr := supply.ReadBusVoltage()
				sa, saErr := supply.ReadCurrent()
				if svErr == nil && saErr == nil {
					fmt.Printf("PWR: supply %.2fV %.2fA %.1fW\n", sv, sa, sv*sa)
				} else {
					fmt.Println("PWR: failed to read supply:", svErr, saErr)
				}
			}
			lastPowerReadingTime = time.Now()
		}
	}
}
