package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
	"github.com/tigerbot-team/foc-controller/pkg/faultmonitor"
	"github.com/tigerbot-team/foc-controller/pkg/hardware"
	"github.com/tigerbot-team/foc-controller/pkg/radioinput"
	"github.com/tigerbot-team/foc-controller/pkg/sim"
	"github.com/tigerbot-team/foc-controller/pkg/telemetry"
	"github.com/tigerbot-team/foc-controller/pkg/throttle"
	"github.com/tigerbot-team/foc-controller/pkg/tunable"
)

var errInterrupted = errors.New("interrupted")

func main() {
	fmt.Println("---- FOC controller ----")
	fmt.Println("GOMAXPROCS", runtime.GOMAXPROCS(0))

	cfgPath := os.Getenv("FOC_CONFIG")
	if cfgPath == "" {
		cfgPath = "/etc/foc/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.WriteInUse("/tmp/foc-config-in-use.yaml"); err != nil {
		fmt.Println("CFG:", err)
	}

	// Our global context; cancelling it with a cause triggers shutdown.
	ctx, cancel := context.WithCancelCause(context.Background())
	registerSignalHandlers(cancel)

	var hw hardware.Interface
	if os.Getenv("FOC_SIMULATE") != "" {
		hw = hardware.NewSimulated(cfg, sim.DefaultMotor())
	} else {
		h, err := hardware.New(cfg)
		if err != nil {
			log.Fatal(err)
		}
		hw = h
	}

	os.Exit(run(ctx, cancel, cfg, hw))
}

func run(ctx context.Context, cancel context.CancelCauseFunc, cfg config.Config, hw hardware.Interface) int {
	defer func() {
		fmt.Println("Zeroing outputs for shut down")
		hw.Shutdown()
	}()

	cell := throttle.New()
	kpScale := tunable.New("kp-scale", 1)
	loop, err := controlloop.New(cfg, controlloop.Deps{
		ADC:      hw.ADC(),
		PWM:      hw.PWM(),
		Throttle: cell,
		KpScale:  kpScale,
	})
	if err != nil {
		fmt.Println("Failed to create control loop:", err)
		return 1
	}

	// Fault order: latch the throttle, stop the control loop, then shut
	// everything else down.
	stop := func(reason error) {
		cell.Latch()
		loop.Fault(reason)
		cancel(reason)
	}

	monitor := faultmonitor.New(hw.FaultLine(), hw.DriverStatus(), cell, loop)
	monitor.Shutdown = cancel
	monitor.OnFault = func() { hw.PlaySound(cfg.Sounds.Fault) }

	radio := radioinput.New(hw.Radio(), cfg.Radio, cell)
	radio.KpScale = kpScale
	radio.OnArm = func() { hw.PlaySound(cfg.Sounds.Armed) }

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := monitor.Loop(ctx); err != nil && ctx.Err() == nil {
			fmt.Println("Fault monitor stopped:", err)
		}
	}()
	go func() {
		defer wg.Done()
		err := radio.Loop(ctx)
		if err != nil && ctx.Err() == nil {
			// Without a radio the motor can only idle; keep running so the
			// driver stays supervised.
			fmt.Println("Radio stopped:", err)
		}
	}()
	go func() {
		defer wg.Done()
		hw.Loop(ctx, stop)
	}()
	startTelemetry(ctx, &wg, cfg.Telemetry, loop)

	err = loop.Run(ctx)
	if ctx.Err() == nil {
		cancel(err)
	}
	wg.Wait()

	cause := context.Cause(ctx)
	fmt.Println("Control loop exited:", err, "cause:", cause)
	if cause == errInterrupted {
		return 0
	}
	fmt.Println("Final state:", loop.Snapshot())
	return 1
}

func startTelemetry(ctx context.Context, wg *sync.WaitGroup, cfg config.Telemetry, loop *controlloop.Loop) {
	var sinks []telemetry.Sink
	if cfg.Broker != "" {
		m := telemetry.DialMQTT(cfg)
		sinks = append(sinks, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			m.Close()
		}()
	}
	if cfg.Listen != "" {
		hub := telemetry.NewHub()
		sinks = append(sinks, hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := telemetry.Serve(ctx, cfg.Listen, loop, hub); err != nil {
				// Telemetry is not worth stopping the motor for.
				fmt.Println("TLM:", err)
			}
		}()
	}
	if len(sinks) == 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		telemetry.Run(ctx, loop, time.Duration(cfg.IntervalMs)*time.Millisecond, sinks...)
	}()
}

func registerSignalHandlers(cancel context.CancelCauseFunc) {
	// Hook Ctrl-C to cause shut down.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		log.Println("Signal: ", s)
		cancel(errInterrupted)
		time.Sleep(2 * time.Second)
		os.Exit(0)
	}()
}
