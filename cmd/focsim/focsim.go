// focsim runs the controller against the simulated motor and renders a trace
// of the duty cycles, currents and angle to a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
	"github.com/tigerbot-team/foc-controller/pkg/drv8323"
	"github.com/tigerbot-team/foc-controller/pkg/faultmonitor"
	"github.com/tigerbot-team/foc-controller/pkg/foc"
	"github.com/tigerbot-team/foc-controller/pkg/hardware"
	"github.com/tigerbot-team/foc-controller/pkg/radioinput"
	"github.com/tigerbot-team/foc-controller/pkg/sbus"
	"github.com/tigerbot-team/foc-controller/pkg/scope"
	"github.com/tigerbot-team/foc-controller/pkg/sim"
	"github.com/tigerbot-team/foc-controller/pkg/throttle"
	"github.com/tigerbot-team/foc-controller/pkg/tunable"
)

var (
	configPath = flag.String("config", "", "YAML config (defaults if empty)")
	duration   = flag.Float64("duration", 0.5, "simulated seconds to run after calibration")
	maxThr     = flag.Float64("throttle", 0.1, "peak throttle of the ramp")
	faultAt    = flag.Float64("fault-at", -1, "inject a gate driver over-current at this simulated time (s)")
	openLoop   = flag.Float64("openloop", 0, "drive a fixed-amplitude rotating field at this many Hz instead of closed-loop control")
	amplitude  = flag.Float64("amplitude", 0.02, "open-loop duty amplitude")
	out        = flag.String("out", "focsim.png", "trace image")
	every      = flag.Int("trace-every", 8, "record every n-th cycle")
)

// Frames go out at the usual SBUS rate of one per 14ms.
const framePeriod = 0.014

func main() {
	flag.Parse()

	cfg := config.Default()
	// The simulated motor has far more inductance than the reference one.
	cfg.DAxis = config.PID{Kp: 0.2, Ki: 200, IntegratorLimit: 0.05}
	cfg.QAxis = cfg.DAxis
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	cfg.TelemetryEvery = int(cfg.SampleRateHz / 20)

	steps := int(*duration * cfg.SampleRateHz)
	trace := scope.NewTrace(steps/(*every)+1, *every)

	board := hardware.NewSimulated(cfg, sim.DefaultMotor())
	defer board.Shutdown()

	if *openLoop > 0 {
		runOpenLoop(cfg, board.Motor, steps, trace)
	} else if err := runClosedLoop(cfg, board, steps, trace); err != nil {
		fmt.Println("Simulation ended:", err)
	}

	tel := board.Motor.Telemetry()
	fmt.Printf("Plant: t=%.3fs id=%.3fA iq=%.3fA speed=%.1frad/s\n", tel.Time, tel.Id, tel.Iq, tel.Speed)
	if err := trace.Render(*out, 1200, 900); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Trace written to", *out)
}

func runClosedLoop(cfg config.Config, board *hardware.Simulated, steps int, trace *scope.Trace) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	// Free-running: the plant advances one sample period per ADC read.
	tick := make(chan time.Time)
	close(tick)

	cell := throttle.New()
	kpScale := tunable.New("kp-scale", 1)
	loop, err := controlloop.New(cfg, controlloop.Deps{
		ADC:      board.ADC(),
		PWM:      board.PWM(),
		Throttle: cell,
		Tick:     tick,
		KpScale:  kpScale,
		Trace:    trace,
	})
	if err != nil {
		return err
	}

	monitor := faultmonitor.New(board.FaultLine(), board.DriverStatus(), cell, loop)
	monitor.Shutdown = cancel
	faulted := make(chan struct{})
	monitor.OnFault = func() {
		board.PlaySound(cfg.Sounds.Fault)
		close(faulted)
	}
	go monitor.Loop(ctx)

	radio := radioinput.New(board.Radio(), cfg.Radio, cell)
	radio.KpScale = kpScale
	radio.OnArm = func() { board.PlaySound(cfg.Sounds.Armed) }
	go radio.Loop(ctx)

	if err := loop.Calibrate(ctx); err != nil {
		return err
	}

	dt := cfg.SamplePeriod()
	frameEvery := int(math.Max(1, math.Round(framePeriod/dt)))
	faultStep := -1
	if *faultAt >= 0 {
		faultStep = int(*faultAt / dt)
	}

	for i := 0; i < steps; i++ {
		if i%frameEvery == 0 {
			thr, armed := profile(float64(i) / float64(steps))
			board.Transmitter.Send(frame(cfg.Radio, thr, armed))
		}
		if i == faultStep {
			// VDS over-current on the phase A high side.
			board.InjectDriverFault(drv8323.Status{Status1: 1<<10 | 1<<9 | 1<<5})
			// The loop is free-running, so give the monitor time to act
			// before the next cycle, as the real sample period would.
			select {
			case <-faulted:
			case <-time.After(time.Second):
				return errors.New("fault monitor did not respond to nFAULT")
			}
		}
		if err := loop.Step(ctx); err != nil {
			fmt.Println("Final state:", loop.Snapshot())
			return err
		}
	}
	fmt.Println("Final state:", loop.Snapshot())
	return nil
}

// profile ramps the throttle up over the first 40% of the run, holds it, and
// disarms for the last 10%.
func profile(frac float64) (float64, bool) {
	switch {
	case frac < 0.05:
		return 0, true
	case frac < 0.45:
		return *maxThr * (frac - 0.05) / 0.4, true
	case frac < 0.9:
		return *maxThr, true
	default:
		return 0, false
	}
}

func frame(r config.Radio, thr float64, armed bool) sbus.Frame {
	var f sbus.Frame
	f.Channels[r.ThrottleChannel] = uint16(math.Round(radioinput.MapRange(thr, 0, 1, float64(r.RawMin), float64(r.RawMax))))
	f.Channels[r.ArmChannel] = r.RawMin
	if armed {
		f.Channels[r.ArmChannel] = r.RawMax
	}
	if r.TuneChannel >= 0 {
		f.Channels[r.TuneChannel] = (r.RawMin + r.RawMax + 1) / 2
	}
	return f
}

// runOpenLoop spins the field at a fixed rate with no feedback, the way the
// motor is first brought up on the bench.
func runOpenLoop(cfg config.Config, motor *sim.Motor, steps int, trace *scope.Trace) {
	fmt.Printf("Open loop: %.1fHz, amplitude %.3f\n", *openLoop, *amplitude)
	dt := cfg.SamplePeriod()
	gen := sim.AngleGenerator{FrequencyHz: *openLoop, Step: dt}
	all := [3]bool{true, true, true}

	for i := 0; i < steps; i++ {
		theta := gen.Next()
		var duty [3]float64
		for ph := range duty {
			duty[ph] = 0.5 + *amplitude*math.Cos(theta-float64(ph)*2*math.Pi/3)
		}
		_ = motor.SetOutputs(duty, all)
		if _, err := motor.Read(); err != nil {
			log.Fatal(err)
		}

		tel := motor.Telemetry()
		d, q := foc.DQ(tel.Currents[0], tel.Currents[1], tel.Currents[2], tel.Electrical)
		trace.Record(scope.Sample{T: tel.Time, Duty: duty, Id: d, Iq: q, Angle: theta})
	}
	_ = motor.SetOutputs([3]float64{}, [3]bool{})
}
