// Package pid implements the PID regulator used once per control axis.
package pid

import "github.com/pkg/errors"

var ErrNonPositiveDt = errors.New("pid: dt must be positive")

// Controller is a textbook PID regulator with an optional symmetric clamp on
// the integrated error (anti-windup).
//
// Not safe for concurrent use.
type Controller struct {
	Kp, Ki, Kd float64

	limit    float64
	hasLimit bool

	accumulated float64
	previous    float64
}

// New creates a controller with no integrator clamp.
func New(kp, ki, kd float64) *Controller {
	return &Controller{Kp: kp, Ki: ki, Kd: kd}
}

// NewWithLimit creates a controller whose accumulated error is clamped to
// [-limit, limit].
func NewWithLimit(kp, ki, kd, limit float64) *Controller {
	if limit < 0 {
		limit = -limit
	}
	return &Controller{Kp: kp, Ki: ki, Kd: kd, limit: limit, hasLimit: true}
}

// Modify replaces the gains.  The integrator and derivative history are kept.
func (c *Controller) Modify(kp, ki, kd float64) {
	c.Kp, c.Ki, c.Kd = kp, ki, kd
}

// Output advances the controller by dt seconds and returns the control signal.
// dt must be positive.
func (c *Controller) Output(setpoint, measurement, dt float64) float64 {
	if !(dt > 0) {
		panic(ErrNonPositiveDt)
	}
	err := setpoint - measurement

	c.accumulated += err * dt
	if c.hasLimit {
		if c.accumulated > c.limit {
			c.accumulated = c.limit
		} else if c.accumulated < -c.limit {
			c.accumulated = -c.limit
		}
	}

	p := c.Kp * err
	i := c.Ki * c.accumulated
	d := c.Kd * (err - c.previous) / dt
	c.previous = err

	return p + i + d
}

// Accumulated returns the current integrated error.
func (c *Controller) Accumulated() float64 {
	return c.accumulated
}

// Limit returns the integrator clamp and whether one is set.
func (c *Controller) Limit() (float64, bool) {
	return c.limit, c.hasLimit
}

// Reset clears the integrator and derivative history.
func (c *Controller) Reset() {
	c.accumulated = 0
	c.previous = 0
}
