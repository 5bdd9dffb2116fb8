package actuator

import (
	"fmt"
	"math"
	"time"

	"robohead/internal/pwm"
)

// PulseRange is the pulse width interval a servo accepts
type PulseRange struct {
	Min time.Duration
	Max time.Duration
}

// at maps f in [0,1] linearly onto the range
func (r PulseRange) at(f float64) time.Duration {
	return r.Min + time.Duration(math.Round(f*float64(r.Max-r.Min)))
}

// Throttle is a raw continuous-rotation output. Throttle -1 maps to the
// minimum pulse, +1 to the maximum.
type Throttle struct {
	drv     pwm.Driver
	channel int
	pulse   PulseRange
}

// NewThrottle binds a throttle output to a driver channel
func NewThrottle(drv pwm.Driver, channel int, pulse PulseRange) (*Throttle, error) {
	if pulse.Min <= 0 || pulse.Min >= pulse.Max {
		return nil, fmt.Errorf("invalid pulse range %v..%v", pulse.Min, pulse.Max)
	}
	return &Throttle{drv: drv, channel: channel, pulse: pulse}, nil
}

// SetThrottle clamps t to [-1,1] and writes the matching pulse
func (t *Throttle) SetThrottle(v float64) error {
	v = clamp(v, -1, 1)
	return t.drv.SetPulse(t.channel, t.pulse.at((v+1)/2))
}

// Channel returns the driver channel
func (t *Throttle) Channel() int {
	return t.channel
}

// ContinuousServoConfig calibrates a continuous-rotation servo
type ContinuousServoConfig struct {
	Channel int
	Pulse   PulseRange

	// Throttle interval in which the servo does not turn. Neutral is
	// its midpoint.
	MinZero float64
	MaxZero float64

	// Throttle swing for a full drive command
	Range  float64
	Invert bool
}

// ContinuousServo turns normalized drive commands into throttle around
// the calibrated neutral point
type ContinuousServo struct {
	out    *Throttle
	zero   float64
	rng    float64
	invert bool
}

// NewContinuousServo creates the neck-style servo output
func NewContinuousServo(drv pwm.Driver, cfg ContinuousServoConfig) (*ContinuousServo, error) {
	out, err := NewThrottle(drv, cfg.Channel, cfg.Pulse)
	if err != nil {
		return nil, err
	}
	if cfg.Range <= 0 {
		return nil, fmt.Errorf("invalid throttle range %v", cfg.Range)
	}
	return &ContinuousServo{
		out:    out,
		zero:   (cfg.MinZero + cfg.MaxZero) / 2,
		rng:    cfg.Range,
		invert: cfg.Invert,
	}, nil
}

// SetDrive accepts v in [-1,1]; 0 holds the servo at neutral
func (s *ContinuousServo) SetDrive(v float64) error {
	return s.out.SetThrottle(s.throttle(v))
}

func (s *ContinuousServo) throttle(v float64) float64 {
	v = clamp(v, -1, 1)
	if s.invert {
		v = -v
	}
	return v*s.rng + s.zero
}

// ServoConfig calibrates a positional servo
type ServoConfig struct {
	Channel        int
	Pulse          PulseRange
	ZeroAngle      float64
	ActuationRange float64
}

// Servo is a positional hobby servo. Callers serialize access.
type Servo struct {
	drv   pwm.Driver
	cfg   ServoConfig
	angle float64
}

// NewServo creates a positional servo output
func NewServo(drv pwm.Driver, cfg ServoConfig) (*Servo, error) {
	if cfg.Pulse.Min <= 0 || cfg.Pulse.Min >= cfg.Pulse.Max {
		return nil, fmt.Errorf("invalid pulse range %v..%v", cfg.Pulse.Min, cfg.Pulse.Max)
	}
	if cfg.ActuationRange <= 0 {
		return nil, fmt.Errorf("invalid actuation range %v", cfg.ActuationRange)
	}
	return &Servo{drv: drv, cfg: cfg}, nil
}

// SetAngle moves the servo to angle degrees relative to its zero angle.
// The physical angle is clamped to [0, actuation range].
func (s *Servo) SetAngle(angle float64) error {
	phys := clamp(angle+s.cfg.ZeroAngle, 0, s.cfg.ActuationRange)
	if err := s.drv.SetPulse(s.cfg.Channel, s.cfg.Pulse.at(phys/s.cfg.ActuationRange)); err != nil {
		return err
	}
	s.angle = phys - s.cfg.ZeroAngle
	return nil
}

// Angle returns the last angle written, relative to the zero angle
func (s *Servo) Angle() float64 {
	return s.angle
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
