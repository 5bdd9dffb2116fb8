package drive

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"robohead/internal/actuator"
	"robohead/internal/config"
	"robohead/internal/pwm"
)

// Keys understood by the drive base
const (
	KeyForward  = "w"
	KeyLeft     = "a"
	KeyBackward = "s"
	KeyRight    = "d"
	KeyFast     = "shift"
	KeyCtrl     = "ctrl"
)

var knownKeys = []string{KeyForward, KeyLeft, KeyBackward, KeyRight, KeyFast, KeyCtrl}

// Output is a throttle channel in [-1, 1]
type Output interface {
	SetThrottle(v float64) error
}

// Car maps keyboard state onto a drive motor and a steering servo
type Car struct {
	motor  Output
	wheel  Output
	cfg    config.CarConfig
	logger *zap.SugaredLogger

	mu   sync.Mutex
	keys map[string]bool
}

// New creates a car on two throttle outputs and moves both to neutral
func New(motor, wheel Output, cfg config.CarConfig, logger *zap.SugaredLogger) (*Car, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Car{
		motor:  motor,
		wheel:  wheel,
		cfg:    cfg,
		logger: logger.Named("drive"),
		keys:   make(map[string]bool, len(knownKeys)),
	}
	for _, k := range knownKeys {
		c.keys[k] = false
	}
	if err := c.Stop(); err != nil {
		return nil, fmt.Errorf("failed to neutral drive base: %w", err)
	}
	return c, nil
}

// FromConfig builds the motor and steering throttles on drv
func FromConfig(cfg config.CarConfig, drv pwm.Driver, logger *zap.SugaredLogger) (*Car, error) {
	pulse := actuator.PulseRange{Min: cfg.MinPulse, Max: cfg.MaxPulse}
	motor, err := actuator.NewThrottle(drv, cfg.Motor.Channel, pulse)
	if err != nil {
		return nil, fmt.Errorf("motor: %w", err)
	}
	wheel, err := actuator.NewThrottle(drv, cfg.Wheel.Channel, pulse)
	if err != nil {
		return nil, fmt.Errorf("wheel: %w", err)
	}
	return New(motor, wheel, cfg, logger)
}

// SetSpeed drives the motor; -1 is full backward, +1 full forward
func (c *Car) SetSpeed(speed float64) error {
	m := c.cfg.Motor
	return c.motor.SetThrottle(m.ZeroThrottle + speed*m.SpeedToThrottleRatio)
}

// SetWheel steers; -1 is full left, +1 full right
func (c *Car) SetWheel(degree float64) error {
	return c.wheel.SetThrottle(-degree)
}

// SetKey records a key press or release and updates the outputs. Unknown
// keys are ignored and reported as false.
func (c *Car) SetKey(key string, pressed bool) (bool, error) {
	key = strings.ToLower(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.keys[key]; !ok {
		return false, nil
	}
	c.keys[key] = pressed
	c.logger.Debugf("Key %s pressed=%v", key, pressed)

	switch key {
	case KeyLeft, KeyRight:
		return true, c.updateWheels()
	default:
		return true, c.updateMotor()
	}
}

func (c *Car) updateWheels() error {
	w := c.cfg.Wheel
	switch {
	case c.keys[KeyLeft] == c.keys[KeyRight]:
		return c.SetWheel(w.ZeroThrottle)
	case c.keys[KeyLeft]:
		return c.SetWheel(w.MinThrottle)
	default:
		return c.SetWheel(w.MaxThrottle)
	}
}

func (c *Car) updateMotor() error {
	speed := c.cfg.Motor.Speed
	mode := speed.Normal
	if c.keys[KeyFast] {
		mode = speed.Fast
	}

	switch {
	case c.keys[KeyForward] == c.keys[KeyBackward]:
		return c.SetSpeed(speed.Zero)
	case c.keys[KeyForward]:
		return c.SetSpeed(mode.Forward)
	default:
		return c.SetSpeed(mode.Backward)
	}
}

// Keys returns a copy of the key state
func (c *Car) Keys() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]bool, len(c.keys))
	for k, v := range c.keys {
		out[k] = v
	}
	return out
}

// Stop releases all keys, sets zero speed and centres the steering
func (c *Car) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.keys {
		c.keys[k] = false
	}
	return multierr.Combine(
		c.SetSpeed(c.cfg.Motor.Speed.Zero),
		c.SetWheel(c.cfg.Wheel.ZeroThrottle),
	)
}
