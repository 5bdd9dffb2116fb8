package axis

import (
	"time"

	"go.uber.org/atomic"
)

// Estimator dead-reckons the angle of a device that reports no position.
// Only one goroutine may call Advance; Angle is safe from anywhere.
type Estimator struct {
	limits Limits
	rate   float64
	angle  atomic.Float64
}

// NewEstimator integrates speed at rate degrees per second per unit of
// speed, starting from start clamped into limits
func NewEstimator(limits Limits, rate float64, start float64) *Estimator {
	e := &Estimator{limits: limits, rate: rate}
	e.angle.Store(limits.Clamp(start))
	return e
}

// Advance integrates speed over dt and clamps the result. Non-positive dt
// is ignored.
func (e *Estimator) Advance(speed float64, dt time.Duration) {
	if dt <= 0 {
		return
	}
	next := e.angle.Load() + speed*e.rate*dt.Seconds()
	e.angle.Store(e.limits.Clamp(next))
}

// Angle returns the current estimate
func (e *Estimator) Angle() float64 {
	return e.angle.Load()
}
