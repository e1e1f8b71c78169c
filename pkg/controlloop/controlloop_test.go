package controlloop

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/foc/angle"
	"github.com/tigerbot-team/foc-controller/pkg/scope"
	"github.com/tigerbot-team/foc-controller/pkg/sim"
	"github.com/tigerbot-team/foc-controller/pkg/throttle"
	"github.com/tigerbot-team/foc-controller/pkg/tunable"
)

// freeRunning is a tick channel that never blocks.
func freeRunning() <-chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}

// simConfig has current-loop gains matched to sim.DefaultMotor
// (Kp = L·ωc, Ki = R·ωc at 2krad/s).
func simConfig() config.Config {
	cfg := config.Default()
	cfg.TelemetryEvery = 0
	cfg.DAxis = config.PID{Kp: 0.2, Ki: 200, IntegratorLimit: 0.05}
	cfg.QAxis = cfg.DAxis
	return cfg
}

type recordingPWM struct {
	lock    sync.Mutex
	writes  int
	duty    [3]float64
	enabled [3]bool
	err     error
}

func (p *recordingPWM) SetOutputs(duty [3]float64, enabled [3]bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.writes++
	p.duty = duty
	p.enabled = enabled
	return p.err
}

func (p *recordingPWM) last() ([3]float64, [3]bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.duty, p.enabled
}

type fixedADC struct {
	volts []float64
	err   error
	reads int
}

func (a *fixedADC) Read() ([]float64, error) {
	a.reads++
	if a.err != nil {
		return nil, a.err
	}
	return a.volts, nil
}

func idleADC(cfg config.Config) *fixedADC {
	v := make([]float64, cfg.Channels.Count)
	ch := cfg.Channels
	v[ch.ResolverSin] = ch.ResolverBias
	v[ch.ResolverCos] = ch.ResolverBias + 1/ch.ResolverScale
	v[ch.CurrentA] = ch.CurrentBias
	v[ch.CurrentB] = ch.CurrentBias
	v[ch.CurrentC] = ch.CurrentBias
	return &fixedADC{volts: v}
}

// runningLoop returns a loop that skips calibration.
func runningLoop(t *testing.T, cfg config.Config, adc ADC, pwm PWM, cell *throttle.Cell) *Loop {
	t.Helper()
	l, err := New(cfg, Deps{ADC: adc, PWM: pwm, Throttle: cell, Tick: freeRunning()})
	if err != nil {
		t.Fatal(err)
	}
	l.setState(State{Kind: Running, AngleOffset: 0.5})
	return l
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := simConfig()
	deps := Deps{ADC: idleADC(cfg), PWM: &recordingPWM{}, Throttle: throttle.New(), Tick: freeRunning()}

	bad := cfg
	bad.Filters.CurrentWindow = 0
	if _, err := New(bad, deps); err == nil {
		t.Errorf("zero current window accepted")
	}
	bad = cfg
	bad.Filters.AngleCutoffHz = cfg.SampleRateHz
	if _, err := New(bad, deps); err == nil {
		t.Errorf("cutoff above Nyquist accepted")
	}
	bad = cfg
	bad.PolePairs = 0
	if _, err := New(bad, deps); err == nil {
		t.Errorf("zero pole pairs accepted")
	}
	if _, err := New(cfg, Deps{PWM: &recordingPWM{}, Throttle: throttle.New()}); err == nil {
		t.Errorf("missing ADC accepted")
	}
}

func TestStepBeforeCalibration(t *testing.T) {
	cfg := simConfig()
	l, err := New(cfg, Deps{ADC: idleADC(cfg), PWM: &recordingPWM{}, Throttle: throttle.New(), Tick: freeRunning()})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Step(context.Background()); err != ErrNotCalibrated {
		t.Errorf("Step before calibration = %v", err)
	}
}

func TestDisabledThrottleIdles(t *testing.T) {
	cfg := simConfig()
	adc := idleADC(cfg)
	pwm := &recordingPWM{duty: [3]float64{0.7, 0.7, 0.7}, enabled: allEnabled}
	l := runningLoop(t, cfg, adc, pwm, throttle.New())

	if err := l.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	duty, enabled := pwm.last()
	if duty != [3]float64{} || enabled != noneEnabled {
		t.Errorf("idle cycle wrote duty=%v enabled=%v", duty, enabled)
	}
	if adc.reads != 0 {
		t.Errorf("idle cycle read the ADC %d times", adc.reads)
	}
	snap := l.Snapshot()
	if snap.State.Kind != Running || snap.State.AngleOffset != 0.5 || snap.Enabled {
		t.Errorf("snapshot after idle cycle: %+v", snap)
	}
}

func TestEnabledStepDrivesOutputs(t *testing.T) {
	cfg := simConfig()
	pwm := &recordingPWM{}
	cell := throttle.New()
	cell.Set(0.5)
	l := runningLoop(t, cfg, idleADC(cfg), pwm, cell)

	if err := l.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	duty, enabled := pwm.last()
	if enabled != allEnabled {
		t.Errorf("enabled = %v", enabled)
	}
	for i, d := range duty {
		if !(d >= 0 && d <= 1) {
			t.Errorf("duty[%d] = %v outside [0, 1]", i, d)
		}
	}
	// A positive q-axis demand must produce a non-null voltage.
	if duty == [3]float64{0.5, 0.5, 0.5} {
		t.Errorf("no voltage applied for non-zero throttle")
	}
	snap := l.Snapshot()
	if !snap.Enabled || snap.Throttle != 0.5 {
		t.Errorf("snapshot %+v", snap)
	}
	// The resolver reads 0 mechanical, so θe = -offset.
	if math.Abs(angle.Diff(snap.Angle, -0.5)) > 1e-9 {
		t.Errorf("electrical angle %v, expected %v", snap.Angle, angle.Wrap(-0.5))
	}
}

func TestSineModulationClampsPerPhase(t *testing.T) {
	cfg := simConfig()
	l := runningLoop(t, cfg, idleADC(cfg), &recordingPWM{}, throttle.New())

	duty, err := l.modulate(1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if duty[0] != 1 || duty[1] != 0 || duty[2] != 0 {
		t.Errorf("saturated duties %v, expected [1 0 0]", duty)
	}
	duty, _ = l.modulate(0, 0)
	if duty != [3]float64{0.5, 0.5, 0.5} {
		t.Errorf("null vector duties %v", duty)
	}
}

func TestSVPWMModulationLimitsVector(t *testing.T) {
	cfg := simConfig()
	cfg.Modulation = config.ModulationSVPWM
	l := runningLoop(t, cfg, idleADC(cfg), &recordingPWM{}, throttle.New())

	// Far beyond the bus voltage: limited rather than rejected.
	duty, err := l.modulate(-300, 500)
	if err != nil {
		t.Fatalf("modulate: %v", err)
	}
	for i, d := range duty {
		if !(d >= 0 && d <= 1) {
			t.Errorf("duty[%d] = %v outside [0, 1]", i, d)
		}
	}
}

func TestADCErrorFaults(t *testing.T) {
	cfg := simConfig()
	boom := errors.New("spi timeout")
	pwm := &recordingPWM{}
	cell := throttle.New()
	cell.Set(0.3)
	l := runningLoop(t, cfg, &fixedADC{err: boom}, pwm, cell)

	err := l.Step(context.Background())
	if !errors.Is(err, ErrFaulted) {
		t.Fatalf("Step error %v does not match ErrFaulted", err)
	}
	if errors.Cause(err) != boom {
		t.Errorf("cause %v, expected %v", errors.Cause(err), boom)
	}
	duty, enabled := pwm.last()
	if duty != [3]float64{} || enabled != noneEnabled {
		t.Errorf("outputs not zeroed: %v %v", duty, enabled)
	}
	if _, ok := cell.Get(); ok || !cell.Latched() {
		t.Errorf("throttle not latched after fault")
	}
	if l.Snapshot().State.Kind != Faulted {
		t.Errorf("state %v", l.Snapshot().State.Kind)
	}
	// Terminal.
	if err := l.Step(context.Background()); !errors.Is(err, ErrFaulted) {
		t.Errorf("second Step = %v", err)
	}
}

func TestFaultWinsRaceWithRadio(t *testing.T) {
	cfg := simConfig()
	pwm := &recordingPWM{}
	cell := throttle.New()
	l := runningLoop(t, cfg, idleADC(cfg), pwm, cell)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				cell.Set(0.8)
			}
		}
	}()

	// The fault monitor's order: latch the cell, then stop the loop.
	reason := errors.New("nFAULT asserted")
	cell.Latch()
	l.Fault(reason)

	err := l.Step(context.Background())
	close(stop)
	wg.Wait()

	if !errors.Is(err, ErrFaulted) || errors.Cause(err) != reason {
		t.Errorf("Step = %v", err)
	}
	if _, ok := cell.Get(); ok {
		t.Errorf("radio write survived the latch")
	}
	duty, enabled := pwm.last()
	if duty != [3]float64{} || enabled != noneEnabled {
		t.Errorf("outputs not zeroed: %v %v", duty, enabled)
	}
}

func TestCalibrationRecoversOffset(t *testing.T) {
	cfg := simConfig()
	motor := sim.NewMotor(sim.DefaultMotor(), cfg)
	l, err := New(cfg, Deps{ADC: motor, PWM: motor, Throttle: throttle.New(), Tick: freeRunning()})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Calibrate(context.Background()); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	st := l.Snapshot().State
	if st.Kind != Running {
		t.Fatalf("state after calibration: %v", st.Kind)
	}
	if d := angle.Diff(st.AngleOffset, sim.DefaultMotor().ResolverOffset); math.Abs(d) > 0.02 {
		t.Errorf("offset %.4f, expected %.4f", st.AngleOffset, sim.DefaultMotor().ResolverOffset)
	}
}

func TestCalibrationRejectsDisagreement(t *testing.T) {
	cfg := simConfig()
	// A stationary resolver: the two test vectors yield offsets 60° apart.
	pwm := &recordingPWM{}
	cell := throttle.New()
	l, err := New(cfg, Deps{ADC: idleADC(cfg), PWM: pwm, Throttle: cell, Tick: freeRunning()})
	if err != nil {
		t.Fatal(err)
	}
	err = l.Calibrate(context.Background())
	if errors.Cause(err) != ErrCalibration || !errors.Is(err, ErrFaulted) {
		t.Errorf("Calibrate = %v", err)
	}
	if !cell.Latched() {
		t.Errorf("failed calibration did not latch the throttle")
	}
}

func TestClosedLoopTracksThrottle(t *testing.T) {
	for _, mode := range []string{config.ModulationSine, config.ModulationSVPWM} {
		t.Run(mode, func(t *testing.T) {
			cfg := simConfig()
			cfg.Modulation = mode
			motor := sim.NewMotor(sim.DefaultMotor(), cfg)
			cell := throttle.New()
			trace := scope.NewTrace(256, 16)
			l, err := New(cfg, Deps{ADC: motor, PWM: motor, Throttle: cell, Tick: freeRunning(), Trace: trace})
			if err != nil {
				t.Fatal(err)
			}
			ctx := context.Background()
			if err := l.Calibrate(ctx); err != nil {
				t.Fatal(err)
			}

			cell.Set(0.1) // 2A
			for i := 0; i < 5000; i++ {
				if err := l.Step(ctx); err != nil {
					t.Fatal(err)
				}
			}

			snap := l.Snapshot()
			if math.Abs(snap.Iq-2) > 0.1 || math.Abs(snap.Id) > 0.1 {
				t.Errorf("id=%.3f iq=%.3f, expected 0 and 2", snap.Id, snap.Iq)
			}
			if tel := motor.Telemetry(); tel.Speed <= 0 || math.Abs(tel.Iq-2) > 0.1 {
				t.Errorf("plant iq=%.3f speed=%.3f", tel.Iq, tel.Speed)
			}
			if len(trace.Samples()) == 0 {
				t.Errorf("trace empty")
			}

			cell.Disable()
			if err := l.Step(ctx); err != nil {
				t.Fatal(err)
			}
			if l.Snapshot().Enabled {
				t.Errorf("still enabled after disable")
			}
		})
	}
}

func TestKpScaleAppliedAtRunTime(t *testing.T) {
	cfg := simConfig()
	scale := tunable.New("kp-scale", 1)
	l, err := New(cfg, Deps{ADC: idleADC(cfg), PWM: &recordingPWM{}, Throttle: throttle.New(), Tick: freeRunning(), KpScale: scale})
	if err != nil {
		t.Fatal(err)
	}
	l.setState(State{Kind: Running})

	scale.Set(2)
	if err := l.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.qAxis.Kp != 2*cfg.QAxis.Kp || l.dAxis.Kp != 2*cfg.DAxis.Kp {
		t.Errorf("Kp = %v/%v after scaling", l.dAxis.Kp, l.qAxis.Kp)
	}
	if l.qAxis.Ki != cfg.QAxis.Ki {
		t.Errorf("Ki changed to %v", l.qAxis.Ki)
	}
}

func TestRunStopsOnFaultAndCancel(t *testing.T) {
	cfg := simConfig()
	cfg.Calibration.SamplesPerVector = 400
	cfg.Calibration.SettleSamples = 300
	cfg.Calibration.MaxDisagreement = math.Pi

	t.Run("fault", func(t *testing.T) {
		motor := sim.NewMotor(sim.DefaultMotor(), cfg)
		pwm := &recordingPWM{}
		l, err := New(cfg, Deps{ADC: motor, PWM: pwm, Throttle: throttle.New(), Tick: freeRunning()})
		if err != nil {
			t.Fatal(err)
		}
		done := make(chan error)
		go func() { done <- l.Run(context.Background()) }()
		l.Fault(errors.New("over-current"))

		select {
		case err := <-done:
			if !errors.Is(err, ErrFaulted) {
				t.Errorf("Run = %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return after fault")
		}
		duty, enabled := pwm.last()
		if duty != [3]float64{} || enabled != noneEnabled {
			t.Errorf("outputs not zeroed: %v %v", duty, enabled)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		motor := sim.NewMotor(sim.DefaultMotor(), cfg)
		pwm := &recordingPWM{}
		l, err := New(cfg, Deps{ADC: motor, PWM: pwm, Throttle: throttle.New(), Tick: freeRunning()})
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- l.Run(ctx) }()
		cancel()

		select {
		case err := <-done:
			if err != context.Canceled {
				t.Errorf("Run = %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		duty, enabled := pwm.last()
		if duty != [3]float64{} || enabled != noneEnabled {
			t.Errorf("outputs not zeroed: %v %v", duty, enabled)
		}
	})
}

// cancellingPWM cancels the context after a number of writes.
type cancellingPWM struct {
	recordingPWM
	after  int
	cancel context.CancelFunc
}

func (p *cancellingPWM) SetOutputs(duty [3]float64, enabled [3]bool) error {
	err := p.recordingPWM.SetOutputs(duty, enabled)
	p.lock.Lock()
	writes := p.writes
	p.lock.Unlock()
	if writes == p.after {
		p.cancel()
	}
	return err
}

func TestCalibrationCancelZeroesOutputs(t *testing.T) {
	cfg := simConfig()
	motor := sim.NewMotor(sim.DefaultMotor(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exactly enough ticks for five cycles; the sixth wait sees the cancel.
	tick := make(chan time.Time, 5)
	for i := 0; i < 5; i++ {
		tick <- time.Time{}
	}
	pwm := &cancellingPWM{after: 5, cancel: cancel}
	cell := throttle.New()
	l, err := New(cfg, Deps{ADC: motor, PWM: pwm, Throttle: cell, Tick: tick})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Calibrate(ctx); err != context.Canceled {
		t.Fatalf("Calibrate = %v, expected context.Canceled", err)
	}
	duty, enabled := pwm.last()
	if duty != [3]float64{} || enabled != noneEnabled {
		t.Errorf("outputs not zeroed: %v %v", duty, enabled)
	}
	if pwm.writes != 6 {
		t.Errorf("%d PWM writes, expected 5 cycles and a zeroing write", pwm.writes)
	}
	if l.Snapshot().State.Kind != Calibrating || cell.Latched() {
		t.Errorf("cancel treated as a fault: %v", l.Snapshot())
	}
}
