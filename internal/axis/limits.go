package axis

import (
	"fmt"
	"math"
	"sync"
)

// Limits is the closed angle interval an axis may occupy, in degrees
type Limits struct {
	Min float64
	Max float64
}

// NewLimits requires min < max
func NewLimits(min, max float64) (Limits, error) {
	if math.IsNaN(min) || math.IsNaN(max) || !(min < max) {
		return Limits{}, fmt.Errorf("invalid axis limits [%v, %v]", min, max)
	}
	return Limits{Min: min, Max: max}, nil
}

// Clamp returns a limited to [Min, Max]
func (l Limits) Clamp(a float64) float64 {
	if a < l.Min {
		return l.Min
	}
	if a > l.Max {
		return l.Max
	}
	return a
}

// Target is a clamped angle shared between writers and a control loop.
// The lock covers only the field access.
type Target struct {
	mu     sync.Mutex
	limits Limits
	angle  float64
}

// NewTarget starts at angle, clamped
func NewTarget(limits Limits, angle float64) *Target {
	return &Target{limits: limits, angle: limits.Clamp(angle)}
}

// Set stores the clamped angle and returns the stored value
func (t *Target) Set(angle float64) float64 {
	angle = t.limits.Clamp(angle)
	t.mu.Lock()
	t.angle = angle
	t.mu.Unlock()
	return angle
}

// Get returns the stored angle
func (t *Target) Get() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.angle
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
