// Package foc holds the reference-frame transforms of field-oriented control.
//
// Three-phase quantities (a, b, c) are projected onto the stationary α-β frame
// with the amplitude-invariant Clarke transform, and from there onto the
// rotor-aligned d-q frame with the Park transform.  The rotating transforms
// take a precomputed sin/cos pair so that one math.Sincos call per control
// cycle serves every transform that uses the same angle.
package foc

import "math"

const sqrt3By2 = 0.86602540378443864676372317075293618347140262690519

// Clarke projects a three-phase quantity onto the stationary α-β frame.
func Clarke(a, b, c float64) (alpha, beta float64) {
	alpha = (2.0 / 3.0) * (a - 0.5*b - 0.5*c)
	beta = (2.0 / 3.0) * (sqrt3By2*b - sqrt3By2*c)
	return
}

// InverseClarke is the inverse of Clarke for balanced (a+b+c = 0) quantities.
func InverseClarke(alpha, beta float64) (a, b, c float64) {
	a = alpha
	b = -0.5*alpha + sqrt3By2*beta
	c = -0.5*alpha - sqrt3By2*beta
	return
}

// Park rotates a stationary-frame vector into the rotor frame.
func Park(alpha, beta, sin, cos float64) (d, q float64) {
	d = alpha*cos + beta*sin
	q = -alpha*sin + beta*cos
	return
}

// InversePark rotates a rotor-frame vector back into the stationary frame.
func InversePark(d, q, sin, cos float64) (alpha, beta float64) {
	alpha = d*cos - q*sin
	beta = d*sin + q*cos
	return
}

// DQ is Clarke followed by Park at the given electrical angle.
func DQ(a, b, c, angle float64) (d, q float64) {
	sin, cos := math.Sincos(angle)
	alpha, beta := Clarke(a, b, c)
	return Park(alpha, beta, sin, cos)
}

// Magnitude returns the length of a two-axis vector.
func Magnitude(x, y float64) float64 {
	return math.Hypot(x, y)
}

// LimitMagnitude scales (x, y) down so that its length does not exceed max.
// Vectors already inside the limit are returned unchanged.
func LimitMagnitude(x, y, max float64) (float64, float64, bool) {
	m := math.Hypot(x, y)
	if m <= max || m == 0 {
		return x, y, false
	}
	s := max / m
	return x * s, y * s, true
}
