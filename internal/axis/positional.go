package axis

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Positioner is a device that moves to an absolute angle
type Positioner interface {
	SetAngle(angle float64) error
}

// PositionalConfig configures a PositionalAxis
type PositionalConfig struct {
	Name   string
	Limits Limits
	Logger *zap.SugaredLogger
}

// PositionalAxis drives a positional servo synchronously within limits
type PositionalAxis struct {
	name   string
	limits Limits
	out    Positioner
	logger *zap.SugaredLogger

	mu    sync.Mutex
	angle float64
}

// NewPositionalAxis wraps out. Nothing is written until the first move.
func NewPositionalAxis(out Positioner, cfg PositionalConfig) (*PositionalAxis, error) {
	if out == nil {
		return nil, fmt.Errorf("axis %s: positioner is required", cfg.Name)
	}
	if _, err := NewLimits(cfg.Limits.Min, cfg.Limits.Max); err != nil {
		return nil, fmt.Errorf("axis %s: %w", cfg.Name, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PositionalAxis{
		name:   cfg.Name,
		limits: cfg.Limits,
		out:    out,
		logger: logger.Named(cfg.Name),
		angle:  cfg.Limits.Clamp(0),
	}, nil
}

// SetAngle clamps and writes angle. The stored angle changes only when
// the write succeeds.
func (p *PositionalAxis) SetAngle(angle float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setLocked(angle)
}

func (p *PositionalAxis) setLocked(angle float64) error {
	if math.IsNaN(angle) {
		return nil
	}
	angle = p.limits.Clamp(angle)
	if err := p.out.SetAngle(angle); err != nil {
		return fmt.Errorf("axis %s: failed to set angle %.2f: %w", p.name, angle, err)
	}
	p.angle = angle
	return nil
}

// MoveBy sets the angle to Angle() - delta
func (p *PositionalAxis) MoveBy(delta float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setLocked(p.angle - delta)
}

// Angle returns the last angle written
func (p *PositionalAxis) Angle() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.angle
}

// Limits returns the axis limits
func (p *PositionalAxis) Limits() Limits {
	return p.limits
}
