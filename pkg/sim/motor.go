// Package sim simulates the power stage, motor and sensors so the control loop
// can run without hardware.
package sim

import (
	"math"
	"math/rand"
	"sync"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/foc"
	"github.com/tigerbot-team/foc-controller/pkg/foc/angle"
)

// MotorParams describes a surface-mount PMSM in the rotor (d-q) frame.
type MotorParams struct {
	Resistance  float64 // Ω per phase
	Inductance  float64 // H per phase
	FluxLinkage float64 // Wb
	PolePairs   int

	Inertia    float64 // kg·m²
	Damping    float64 // N·m·s/rad
	LoadTorque float64 // N·m

	BusVoltage float64

	// Electrical angle = PolePairs·resolver angle - ResolverOffset.
	ResolverOffset float64
	// Initial mechanical angle.
	InitialAngle float64

	// Standard deviation of the noise added to every ADC channel, in volts.
	Noise float64
	Seed  int64
}

// DefaultMotor is a small outrunner-class motor that settles quickly enough
// for calibration at the default sample rate.
func DefaultMotor() MotorParams {
	return MotorParams{
		Resistance:     0.1,
		Inductance:     100e-6,
		FluxLinkage:    0.005,
		PolePairs:      7,
		Inertia:        1e-5,
		Damping:        2e-3,
		BusVoltage:     24,
		ResolverOffset: 1.0,
		InitialAngle:   0.3,
	}
}

type state struct {
	id, iq float64 // A
	omega  float64 // mechanical rad/s
	theta  float64 // mechanical rad, unwrapped
}

func (s state) add(d state, k float64) state {
	return state{
		id:    s.id + k*d.id,
		iq:    s.iq + k*d.iq,
		omega: s.omega + k*d.omega,
		theta: s.theta + k*d.theta,
	}
}

// Motor is the plant.  It implements the control loop's ADC and PWM
// interfaces: every Read advances the simulation by one sample period using
// the most recently written outputs, then samples the sensors.
type Motor struct {
	params   MotorParams
	channels config.Channels
	dt       float64
	substeps int

	lock    sync.Mutex
	x       state
	duty    [3]float64
	enabled [3]bool
	t       float64
	rng     *rand.Rand
}

func NewMotor(p MotorParams, cfg config.Config) *Motor {
	return &Motor{
		params:   p,
		channels: cfg.Channels,
		dt:       cfg.SamplePeriod(),
		substeps: 4,
		x:        state{theta: p.InitialAngle},
		rng:      rand.New(rand.NewSource(p.Seed)),
	}
}

func (m *Motor) SetOutputs(duty [3]float64, enabled [3]bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.duty = duty
	m.enabled = enabled
	return nil
}

func (m *Motor) Read() ([]float64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.advance(m.dt)
	return m.sample(), nil
}

// Advance runs the plant forward without sampling.
func (m *Motor) Advance(seconds float64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.advance(seconds)
}

func (m *Motor) advance(seconds float64) {
	if !(m.enabled[0] || m.enabled[1] || m.enabled[2]) {
		// All bridges off: no current path.
		m.x.id, m.x.iq = 0, 0
	}
	// Keep the step size at or below a quarter sample period whatever the
	// interval; explicit RK2 diverges on long steps against L/R.
	n := max(m.substeps, int(math.Ceil(seconds/(m.dt/float64(m.substeps)))))
	h := seconds / float64(n)
	for i := 0; i < n; i++ {
		m.x = m.rk2(m.x, h)
		m.t += h
	}
}

// rk2 is one midpoint-method step.
func (m *Motor) rk2(x state, h float64) state {
	f1 := m.derivative(x)
	f2 := m.derivative(x.add(f1, h/2))
	return x.add(f2, h)
}

func (m *Motor) derivative(x state) state {
	p := m.params
	if !(m.enabled[0] || m.enabled[1] || m.enabled[2]) {
		torque := -p.Damping*x.omega - p.LoadTorque
		return state{omega: torque / p.Inertia, theta: x.omega}
	}

	var v [3]float64
	for i := range v {
		if m.enabled[i] {
			v[i] = m.duty[i] * p.BusVoltage
		}
	}
	pp := float64(p.PolePairs)
	sin, cos := math.Sincos(pp*x.theta - p.ResolverOffset)
	vAlpha, vBeta := foc.Clarke(v[0], v[1], v[2])
	vd, vq := foc.Park(vAlpha, vBeta, sin, cos)

	omegaE := pp * x.omega
	did := (vd - p.Resistance*x.id + omegaE*p.Inductance*x.iq) / p.Inductance
	diq := (vq - p.Resistance*x.iq - omegaE*p.Inductance*x.id - omegaE*p.FluxLinkage) / p.Inductance
	torque := 1.5*pp*p.FluxLinkage*x.iq - p.Damping*x.omega - p.LoadTorque
	return state{id: did, iq: diq, omega: torque / p.Inertia, theta: x.omega}
}

func (m *Motor) sample() []float64 {
	p := m.params
	ch := m.channels
	out := make([]float64, ch.Count)

	s, c := math.Sincos(m.x.theta)
	out[ch.ResolverSin] = ch.ResolverBias + s/ch.ResolverScale
	out[ch.ResolverCos] = ch.ResolverBias + c/ch.ResolverScale

	ia, ib, ic := m.phaseCurrents()
	out[ch.CurrentA] = ch.CurrentBias + ia/ch.CurrentGain
	out[ch.CurrentB] = ch.CurrentBias + ib/ch.CurrentGain
	if ch.CurrentC >= 0 {
		out[ch.CurrentC] = ch.CurrentBias + ic/ch.CurrentGain
	}

	if p.Noise > 0 {
		for i := range out {
			out[i] += m.rng.NormFloat64() * p.Noise
		}
	}
	return out
}

func (m *Motor) phaseCurrents() (a, b, c float64) {
	sin, cos := math.Sincos(float64(m.params.PolePairs)*m.x.theta - m.params.ResolverOffset)
	alpha, beta := foc.InversePark(m.x.id, m.x.iq, sin, cos)
	return foc.InverseClarke(alpha, beta)
}

// Telemetry is the true plant state.
type Telemetry struct {
	Time       float64
	Id, Iq     float64
	Currents   [3]float64
	Speed      float64 // mechanical rad/s
	Mechanical float64 // [0, 2π)
	Electrical float64 // [0, 2π)
}

func (m *Motor) Telemetry() Telemetry {
	m.lock.Lock()
	defer m.lock.Unlock()

	a, b, c := m.phaseCurrents()
	return Telemetry{
		Time:       m.t,
		Id:         m.x.id,
		Iq:         m.x.iq,
		Currents:   [3]float64{a, b, c},
		Speed:      m.x.omega,
		Mechanical: angle.Wrap(m.x.theta),
		Electrical: angle.Electrical(m.x.theta, m.params.PolePairs, m.params.ResolverOffset),
	}
}
