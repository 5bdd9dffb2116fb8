package head

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"robohead/internal/actuator"
	"robohead/internal/axis"
	"robohead/internal/config"
	"robohead/internal/pwm"
)

// PointerLimit bounds each coordinate of the cumulative pointer position
const PointerLimit = 1000

// PanAxis is the continuous-rotation neck
type PanAxis interface {
	SetTarget(angle float64)
	MoveBy(delta float64)
	State() axis.State
	Stop() error
}

// TiltAxis is the positional face servo
type TiltAxis interface {
	SetAngle(angle float64) error
	MoveBy(delta float64) error
	Angle() float64
}

// Position is the cumulative pointer offset since the last reset
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Status is a snapshot of the head
type Status struct {
	Pointer Position   `json:"pointer"`
	Pan     axis.State `json:"pan"`
	Tilt    float64    `json:"tilt"`
}

// Config holds the per-axis sensitivities in degrees per pointer unit
type Config struct {
	PanSensitivity  float64
	TiltSensitivity float64
	Logger          *zap.SugaredLogger
}

// Head owns both head axes and the pointer position shared by manual
// and tracking input
type Head struct {
	pan    PanAxis
	tilt   TiltAxis
	cfg    Config
	logger *zap.SugaredLogger

	mu     sync.Mutex
	pos    Position
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps already constructed axes
func New(pan PanAxis, tilt TiltAxis, cfg Config) *Head {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Head{pan: pan, tilt: tilt, cfg: cfg, logger: logger}
}

// FromConfig builds the neck and face outputs on drv and starts the neck
// control loop. The face is moved to its zero angle.
func FromConfig(cfg config.HeadConfig, drv pwm.Driver, logger *zap.SugaredLogger) (*Head, error) {
	n := cfg.Neck
	neckOut, err := actuator.NewContinuousServo(drv, actuator.ContinuousServoConfig{
		Channel: n.Channel,
		Pulse:   actuator.PulseRange{Min: n.MinPulse, Max: n.MaxPulse},
		MinZero: n.MinZero,
		MaxZero: n.MaxZero,
		Range:   n.Range,
		Invert:  n.Invert,
	})
	if err != nil {
		return nil, fmt.Errorf("neck: %w", err)
	}

	f := cfg.Face
	faceOut, err := actuator.NewServo(drv, actuator.ServoConfig{
		Channel:        f.Channel,
		Pulse:          actuator.PulseRange{Min: f.MinPulse, Max: f.MaxPulse},
		ZeroAngle:      f.ZeroAngle,
		ActuationRange: f.ActuationRange,
	})
	if err != nil {
		return nil, fmt.Errorf("face: %w", err)
	}

	tilt, err := axis.NewPositionalAxis(faceOut, axis.PositionalConfig{
		Name:   "face",
		Limits: axis.Limits{Min: f.MinAngle, Max: f.MaxAngle},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if err := tilt.SetAngle(0); err != nil {
		return nil, err
	}

	pan, err := axis.NewContinuousAxis(neckOut, axis.ContinuousConfig{
		Name: "neck",
		Params: axis.Params{
			Limits:           axis.Limits{Min: n.MinAngle, Max: n.MaxAngle},
			Kp:               n.Kp,
			MaxSpeed:         n.MaxSpeed,
			Deadband:         n.Deadband,
			DegreesPerSecond: n.DegreesPerSecond,
			DriveScale:       n.DriveScale,
			DriveMin:         n.DriveMin,
			DriveMax:         n.DriveMax,
			TickPeriod:       n.TickPeriod,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return New(pan, tilt, Config{
		PanSensitivity:  n.Sensitivity,
		TiltSensitivity: f.Sensitivity,
		Logger:          logger,
	}), nil
}

// Nudge adds (dx, dy) to the pointer, clamping each coordinate to
// ±PointerLimit, and moves each axis whose delta is nonzero by the delta
// times its sensitivity. After Close it does nothing.
func (h *Head) Nudge(dx, dy float64) Position {
	if math.IsNaN(dx) || math.IsNaN(dy) {
		return h.Position()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.logger.Warnf("Ignoring nudge (%v, %v), head is closed", dx, dy)
		return h.pos
	}

	h.pos.X = clampPointer(h.pos.X + dx)
	h.pos.Y = clampPointer(h.pos.Y + dy)

	if dx != 0 {
		h.pan.MoveBy(dx * h.cfg.PanSensitivity)
	}
	if dy != 0 {
		if err := h.tilt.MoveBy(dy * h.cfg.TiltSensitivity); err != nil {
			h.logger.Warnf("Tilt move failed: %v", err)
		}
	}
	return h.pos
}

// Reset zeroes the pointer and returns both axes to angle 0. After Close
// it does nothing.
func (h *Head) Reset() Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.logger.Warnf("Ignoring reset, head is closed")
		return h.pos
	}

	h.pos = Position{}
	h.pan.SetTarget(0)
	if err := h.tilt.SetAngle(0); err != nil {
		h.logger.Warnf("Tilt reset failed: %v", err)
	}
	return h.pos
}

// Position returns the pointer position
func (h *Head) Position() Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// Status returns the pointer and both axis states
func (h *Head) Status() Status {
	return Status{
		Pointer: h.Position(),
		Pan:     h.pan.State(),
		Tilt:    h.tilt.Angle(),
	}
}

// Close stops the neck loop and returns the face to zero. Later Nudge and
// Reset calls are ignored. Safe to call more than once.
func (h *Head) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		h.closeErr = multierr.Combine(h.pan.Stop(), h.tilt.SetAngle(0))
	})
	return h.closeErr
}

func clampPointer(v float64) float64 {
	return math.Max(-PointerLimit, math.Min(PointerLimit, v))
}
