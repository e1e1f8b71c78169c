// Package controlloop runs field-oriented control of one BLDC motor: it finds
// the resolver-to-electrical angle offset, then once per sample reads the ADC,
// regulates the d and q currents and writes three PWM duty cycles.
//
// All methods except Fault and Snapshot must be called from a single
// goroutine.
package controlloop

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/filter"
	"github.com/tigerbot-team/foc-controller/pkg/foc"
	"github.com/tigerbot-team/foc-controller/pkg/foc/angle"
	"github.com/tigerbot-team/foc-controller/pkg/pid"
	"github.com/tigerbot-team/foc-controller/pkg/scope"
	"github.com/tigerbot-team/foc-controller/pkg/svpwm"
	"github.com/tigerbot-team/foc-controller/pkg/throttle"
	"github.com/tigerbot-team/foc-controller/pkg/tunable"
)

// ADC returns one voltage per input channel.
type ADC interface {
	Read() ([]float64, error)
}

// PWM accepts three duty fractions in [0, 1] and a per-phase enable.
type PWM interface {
	SetOutputs(duty [3]float64, enabled [3]bool) error
}

type Deps struct {
	ADC      ADC
	PWM      PWM
	Throttle *throttle.Cell

	// Tick paces Calibrate and Run, one cycle per value received.  Nil means
	// a ticker at the configured sample rate.
	Tick <-chan time.Time
	// Optional multiplier applied to both current-loop Kp gains.
	KpScale *tunable.Tunable
	// Optional per-cycle trace.
	Trace *scope.Trace
}

type testVector struct {
	name string
	duty [3]float64
	// Electrical angle of the resulting stator field.
	angle float64
}

var calibrationVectors = [2]testVector{
	{name: "A", duty: [3]float64{1, 0, 0}, angle: 0},
	{name: "A+C", duty: [3]float64{1, 0, 1}, angle: 5 * math.Pi / 3},
}

var (
	allEnabled  = [3]bool{true, true, true}
	noneEnabled = [3]bool{}
)

type Loop struct {
	cfg config.Config
	dt  float64

	adc      ADC
	pwm      PWM
	throttle *throttle.Cell
	tick     <-chan time.Time
	stopTick func()

	kpScale   *tunable.Tunable
	kpVersion uint64
	trace     *scope.Trace

	sinLP, cosLP *filter.Biquad
	currents     [3]filter.Filter
	primed       bool

	dAxis, qAxis *pid.Controller
	calib        *pid.Controller
	active       bool

	state    State
	faultErr error
	cycles   uint64

	faultOnce   sync.Once
	faultCh     chan struct{}
	faultReason error

	lock sync.Mutex
	snap Snapshot
}

// New validates cfg and builds the filters and regulators.
func New(cfg config.Config, deps Deps) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.ADC == nil || deps.PWM == nil || deps.Throttle == nil {
		return nil, errors.New("control loop needs an ADC, a PWM sink and a throttle cell")
	}

	l := &Loop{
		cfg:      cfg,
		dt:       cfg.SamplePeriod(),
		adc:      deps.ADC,
		pwm:      deps.PWM,
		throttle: deps.Throttle,
		tick:     deps.Tick,
		stopTick: func() {},
		kpScale:  deps.KpScale,
		trace:    deps.Trace,
		faultCh:  make(chan struct{}),
		state:    State{Kind: Calibrating},
	}
	l.snap.State = l.state

	var err error
	f := cfg.Filters
	if l.sinLP, err = filter.NewLowPass(f.AngleCutoffHz, cfg.SampleRateHz, f.AngleQ); err != nil {
		return nil, errors.Wrap(err, "bad resolver filter")
	}
	if l.cosLP, err = filter.NewLowPass(f.AngleCutoffHz, cfg.SampleRateHz, f.AngleQ); err != nil {
		return nil, errors.Wrap(err, "bad resolver filter")
	}
	for i := range l.currents {
		if i == 2 && cfg.Channels.CurrentC < 0 {
			continue
		}
		if l.currents[i], err = filter.New(filter.Kind(f.CurrentKind), f.CurrentWindow, 0); err != nil {
			return nil, errors.Wrap(err, "bad current filter")
		}
	}

	l.dAxis = newPID(cfg.DAxis)
	l.qAxis = newPID(cfg.QAxis)
	l.calib = newPID(cfg.Calibration.PID)
	if l.kpScale != nil {
		l.kpVersion = l.kpScale.Version()
		l.applyKpScale(l.kpScale.Get())
	}

	if l.tick == nil {
		ticker := time.NewTicker(time.Duration(float64(time.Second) * l.dt))
		l.tick = ticker.C
		l.stopTick = ticker.Stop
	}
	return l, nil
}

func newPID(g config.PID) *pid.Controller {
	if g.IntegratorLimit > 0 {
		return pid.NewWithLimit(g.Kp, g.Ki, g.Kd, g.IntegratorLimit)
	}
	return pid.New(g.Kp, g.Ki, g.Kd)
}

// Fault asks the loop to stop.  It is safe to call from any goroutine; the
// next cycle zeroes the outputs and enters Faulted.
func (l *Loop) Fault(reason error) {
	l.faultOnce.Do(func() {
		l.faultReason = reason
		close(l.faultCh)
	})
}

// Snapshot returns a copy of the latest telemetry.
func (l *Loop) Snapshot() Snapshot {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.snap
}

// Run calibrates (unless already done) and then runs one Step per tick until
// ctx is done or the loop faults.  Outputs are zeroed and disabled on return.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopTick()
	defer func() {
		if err := l.zeroOutputs(); err != nil {
			fmt.Println("CTL: failed to zero outputs on exit:", err)
		}
	}()

	if l.state.Kind == Calibrating {
		if err := l.Calibrate(ctx); err != nil {
			return err
		}
	}
	for {
		if err := l.wait(ctx); err != nil {
			return err
		}
		if err := l.Step(ctx); err != nil {
			return err
		}
	}
}

// Calibrate holds each test vector with a regulated current and averages the
// resulting rotor angle to find the electrical angle offset.
func (l *Loop) Calibrate(ctx context.Context) error {
	switch l.state.Kind {
	case Faulted:
		return l.faultErr
	case Running:
		return nil
	}

	cal := l.cfg.Calibration
	pp := float64(l.cfg.PolePairs)
	fmt.Println("CTL: calibrating angle offset")

	var offsets [2]float64
	for i, v := range calibrationVectors {
		l.calib.Reset()
		var acc angle.Accumulator
		l.setState(State{Kind: Calibrating, Vector: i + 1})

		for n := 0; n < cal.SamplesPerVector; n++ {
			if err := l.wait(ctx); err != nil {
				if zerr := l.zeroOutputs(); zerr != nil {
					fmt.Println("CTL: failed to zero outputs:", zerr)
				}
				return err
			}
			if err := l.checkFault(); err != nil {
				return err
			}

			s, err := l.acquire()
			if err != nil {
				return l.enterFaulted(err)
			}
			u := clamp(l.calib.Output(cal.CurrentReference, s.currents[0], l.dt), 0, cal.MaxDuty)
			var duty [3]float64
			for ph := range duty {
				duty[ph] = u * v.duty[ph]
			}
			if err := l.pwm.SetOutputs(duty, allEnabled); err != nil {
				return l.enterFaulted(errors.Wrap(err, "PWM write failed"))
			}

			if n >= cal.SettleSamples {
				acc.Add(angle.Wrap(pp * s.mechanical))
			}
			l.state.AccumulatedAngle = acc.Sum()
			l.state.SampleCount = acc.Count()
			l.publish(func(snap *Snapshot) {
				snap.Duty = duty
				snap.Currents = s.currents
			})
			l.endCycle()
		}

		offsets[i] = angle.Wrap(acc.Mean() - v.angle)
		fmt.Printf("CTL: vector %s: offset estimate %.4f rad from %d samples\n", v.name, offsets[i], acc.Count())
	}

	if err := l.zeroOutputs(); err != nil {
		return l.enterFaulted(err)
	}
	if d := math.Abs(angle.Diff(offsets[0], offsets[1])); d > cal.MaxDisagreement {
		return l.enterFaulted(errors.Wrapf(ErrCalibration,
			"offset estimates %.3f and %.3f rad differ by %.3f", offsets[0], offsets[1], d))
	}

	offset, _ := angle.CircularMean(offsets[0], offsets[1])
	l.dAxis.Reset()
	l.qAxis.Reset()
	l.setState(State{Kind: Running, AngleOffset: offset})
	fmt.Printf("CTL: calibrated, angle offset %.4f rad\n", offset)
	return nil
}

// Step runs one control cycle.  A pending fault is reported ahead of a
// cancelled context, since the fault monitor cancels as it stops the loop.
func (l *Loop) Step(ctx context.Context) error {
	if err := l.checkFault(); err != nil {
		return err
	}
	if l.state.Kind == Faulted {
		return l.faultErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.state.Kind == Calibrating {
		return ErrNotCalibrated
	}
	l.pollTuning()

	thr, enabled := l.throttle.Get()
	if !enabled {
		return l.idle()
	}

	s, err := l.acquire()
	if err != nil {
		return l.enterFaulted(err)
	}

	elec := angle.Electrical(s.mechanical, l.cfg.PolePairs, l.state.AngleOffset)
	sin, cos := math.Sincos(elec)
	alpha, beta := foc.Clarke(s.currents[0], s.currents[1], s.currents[2])
	id, iq := foc.Park(alpha, beta, sin, cos)

	iqRef := thr * l.cfg.MaxCurrent
	vd := l.dAxis.Output(0, id, l.dt)
	vq := l.qAxis.Output(iqRef, iq, l.dt)
	vAlpha, vBeta := foc.InversePark(vd, vq, sin, cos)

	duty, err := l.modulate(vAlpha, vBeta)
	if err != nil {
		return l.enterFaulted(err)
	}
	if err := l.pwm.SetOutputs(duty, allEnabled); err != nil {
		return l.enterFaulted(errors.Wrap(err, "PWM write failed"))
	}
	if !l.active {
		fmt.Println("CTL: driving")
		l.active = true
	}

	l.publish(func(snap *Snapshot) {
		snap.Throttle = thr
		snap.Enabled = true
		snap.Duty = duty
		snap.Currents = s.currents
		snap.Id, snap.Iq = id, iq
		snap.Angle = elec
	})
	l.endCycle()
	if l.trace != nil {
		l.trace.Record(scope.Sample{
			T:     float64(l.cycles) * l.dt,
			Duty:  duty,
			Id:    id,
			Iq:    iq,
			IqRef: iqRef,
			Angle: elec,
		})
	}
	return nil
}

// idle holds the outputs off while the throttle is disabled.  The regulators
// restart from zero when driving resumes.
func (l *Loop) idle() error {
	if l.active {
		fmt.Println("CTL: idle")
		l.dAxis.Reset()
		l.qAxis.Reset()
		l.active = false
	}
	if err := l.zeroOutputs(); err != nil {
		return l.enterFaulted(err)
	}
	l.publish(func(snap *Snapshot) {
		snap.Throttle = 0
		snap.Enabled = false
		snap.Duty = [3]float64{}
		snap.Id, snap.Iq = 0, 0
	})
	l.endCycle()
	return nil
}

func (l *Loop) modulate(vAlpha, vBeta float64) ([3]float64, error) {
	vBus := l.cfg.BusVoltage
	if l.cfg.Modulation == config.ModulationSVPWM {
		vAlpha, vBeta, _ = foc.LimitMagnitude(vAlpha, vBeta, l.cfg.MaxModulation*vBus)
		theta := angle.Wrap(math.Atan2(vBeta, vAlpha))
		da, db, dc, err := svpwm.Duties(vAlpha, vBeta, theta, vBus)
		return [3]float64{da, db, dc}, err
	}

	a, b, c := foc.InverseClarke(vAlpha, vBeta)
	var duty [3]float64
	for i, v := range [3]float64{a, b, c} {
		duty[i] = 0.5 + clamp(v, -vBus/2, vBus/2)/vBus
	}
	return duty, nil
}

type sensors struct {
	mechanical float64
	currents   [3]float64
}

// acquire reads and filters one ADC sample.
func (l *Loop) acquire() (sensors, error) {
	v, err := l.adc.Read()
	if err != nil {
		return sensors{}, errors.Wrap(err, "ADC read failed")
	}
	ch := l.cfg.Channels
	if len(v) < ch.Count {
		return sensors{}, errors.Errorf("ADC returned %d channels, expected %d", len(v), ch.Count)
	}

	sin := (v[ch.ResolverSin] - ch.ResolverBias) * ch.ResolverScale
	cos := (v[ch.ResolverCos] - ch.ResolverBias) * ch.ResolverScale
	if !l.primed {
		l.sinLP.Prime(sin)
		l.cosLP.Prime(cos)
		l.primed = true
	}
	var s sensors
	s.mechanical = angle.FromResolver(l.sinLP.Run(sin), l.cosLP.Run(cos))

	amps := func(idx int) float64 {
		return (v[idx] - ch.CurrentBias) * ch.CurrentGain
	}
	s.currents[0] = l.currents[0].Run(amps(ch.CurrentA))
	s.currents[1] = l.currents[1].Run(amps(ch.CurrentB))
	if ch.CurrentC < 0 {
		s.currents[2] = -(s.currents[0] + s.currents[1])
	} else {
		s.currents[2] = l.currents[2].Run(amps(ch.CurrentC))
	}
	return s, nil
}

func (l *Loop) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if err := l.checkFault(); err != nil {
			return err
		}
		return ctx.Err()
	case <-l.faultCh:
		return nil
	case <-l.tick:
		return nil
	}
}

func (l *Loop) checkFault() error {
	select {
	case <-l.faultCh:
		return l.enterFaulted(l.faultReason)
	default:
		return nil
	}
}

// enterFaulted latches the throttle, zeroes the outputs and moves to the
// terminal Faulted state.
func (l *Loop) enterFaulted(reason error) error {
	if l.state.Kind == Faulted {
		return l.faultErr
	}
	l.throttle.Latch()
	if err := l.zeroOutputs(); err != nil {
		fmt.Println("CTL: failed to zero outputs:", err)
	}
	l.faultErr = &FaultError{Reason: reason}
	l.active = false
	l.setState(State{Kind: Faulted})
	fmt.Println("CTL:", l.faultErr)
	return l.faultErr
}

func (l *Loop) zeroOutputs() error {
	return errors.Wrap(l.pwm.SetOutputs([3]float64{}, noneEnabled), "failed to zero PWM outputs")
}

func (l *Loop) pollTuning() {
	if l.kpScale == nil {
		return
	}
	if v := l.kpScale.Version(); v != l.kpVersion {
		l.kpVersion = v
		l.applyKpScale(l.kpScale.Get())
	}
}

func (l *Loop) applyKpScale(scale float64) {
	d, q := l.cfg.DAxis, l.cfg.QAxis
	l.dAxis.Modify(d.Kp*scale, d.Ki, d.Kd)
	l.qAxis.Modify(q.Kp*scale, q.Ki, q.Kd)
}

func (l *Loop) setState(s State) {
	l.state = s
	l.publish(func(snap *Snapshot) {
		if s.Kind != Running {
			snap.Enabled = false
		}
	})
}

func (l *Loop) publish(update func(*Snapshot)) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.snap.State = l.state
	l.snap.Cycles = l.cycles
	update(&l.snap)
}

// endCycle counts a completed cycle and prints telemetry at the configured
// rate.
func (l *Loop) endCycle() {
	l.cycles++
	every := uint64(l.cfg.TelemetryEvery)
	if every == 0 || l.cycles%every != 0 {
		return
	}
	l.lock.Lock()
	l.snap.Cycles = l.cycles
	snap := l.snap
	l.lock.Unlock()
	fmt.Println("CTL:", snap)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
