package axis

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTickPeriod is the control loop period used when none is set
const DefaultTickPeriod = 10 * time.Millisecond

// Actuator accepts a normalized drive value in [-1,1] and has no notion
// of angle
type Actuator interface {
	SetDrive(v float64) error
}

// Params tunes a continuous-rotation axis
type Params struct {
	Limits Limits

	// Proportional gain from degrees of error to speed
	Kp       float64
	MaxSpeed float64

	// Errors smaller than this many degrees produce zero speed
	Deadband float64

	// Angular rate at speed 1, used by the estimator
	DegreesPerSecond float64

	// Speed to drive conversion and the actuator's safe drive range
	DriveScale float64
	DriveMin   float64
	DriveMax   float64

	TickPeriod time.Duration
}

// Validate checks the tuning
func (p Params) Validate() error {
	if _, err := NewLimits(p.Limits.Min, p.Limits.Max); err != nil {
		return err
	}
	switch {
	case p.Kp <= 0:
		return fmt.Errorf("kp must be positive, got %v", p.Kp)
	case p.MaxSpeed <= 0:
		return fmt.Errorf("max speed must be positive, got %v", p.MaxSpeed)
	case p.Deadband < 0:
		return fmt.Errorf("deadband must not be negative, got %v", p.Deadband)
	case p.DegreesPerSecond <= 0:
		return fmt.Errorf("degrees per second must be positive, got %v", p.DegreesPerSecond)
	case p.DriveScale <= 0:
		return fmt.Errorf("drive scale must be positive, got %v", p.DriveScale)
	case p.DriveMin < -1 || p.DriveMin > 0 || p.DriveMax < 0 || p.DriveMax > 1:
		return fmt.Errorf("drive range [%v, %v] must lie in [-1, 1] around 0", p.DriveMin, p.DriveMax)
	case p.TickPeriod < 0:
		return fmt.Errorf("tick period must not be negative, got %v", p.TickPeriod)
	}
	return nil
}

// speed is the proportional command for an error in degrees
func (p Params) speed(errDeg float64) float64 {
	if math.Abs(errDeg) < p.Deadband {
		return 0
	}
	return clamp(errDeg*p.Kp, -p.MaxSpeed, p.MaxSpeed)
}

// drive converts speed into an actuator command within the safe range
func (p Params) drive(speed float64) float64 {
	return clamp(speed*p.DriveScale, p.DriveMin, p.DriveMax)
}

// ContinuousConfig configures a ContinuousAxis
type ContinuousConfig struct {
	Name   string
	Params Params
	Start  float64

	// Clock defaults to the wall clock
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// ContinuousAxis closes the loop between a target angle and a
// continuous-rotation servo using a dead-reckoned angle estimate
type ContinuousAxis struct {
	name   string
	params Params
	act    Actuator
	clk    clock.Clock
	logger *zap.SugaredLogger

	target *Target
	est    *Estimator
	drive  atomic.Float64

	ticker  *clock.Ticker
	last    time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
	errLog  rate.Sometimes
}

// State is a snapshot of an axis
type State struct {
	Target   float64 `json:"target"`
	Estimate float64 `json:"estimate"`
	Drive    float64 `json:"drive"`
	Running  bool    `json:"running"`
}

// NewContinuousAxis validates the tuning and starts the control loop
func NewContinuousAxis(act Actuator, cfg ContinuousConfig) (*ContinuousAxis, error) {
	if act == nil {
		return nil, fmt.Errorf("axis %s: actuator is required", cfg.Name)
	}
	p := cfg.Params
	if p.TickPeriod == 0 {
		p.TickPeriod = DefaultTickPeriod
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("axis %s: %w", cfg.Name, err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &ContinuousAxis{
		name:   cfg.Name,
		params: p,
		act:    act,
		clk:    clk,
		logger: logger.Named(cfg.Name),
		target: NewTarget(p.Limits, cfg.Start),
		est:    NewEstimator(p.Limits, p.DegreesPerSecond, cfg.Start),
		cancel: cancel,
		done:   make(chan struct{}),
		errLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}

	// Must exist before New returns; callers may advance a mock clock
	// immediately.
	a.ticker = clk.Ticker(p.TickPeriod)
	a.last = clk.Now()
	go a.run(ctx)

	return a, nil
}

func (a *ContinuousAxis) run(ctx context.Context) {
	defer close(a.done)
	defer a.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-a.ticker.C:
			if ctx.Err() != nil {
				return
			}
			a.step(now.Sub(a.last))
			a.last = now
		}
	}
}

// step runs one control tick with the measured elapsed time dt
func (a *ContinuousAxis) step(dt time.Duration) {
	errDeg := a.target.Get() - a.est.Angle()
	speed := a.params.speed(errDeg)
	drive := a.params.drive(speed)

	if err := a.act.SetDrive(drive); err != nil {
		a.errLog.Do(func() {
			a.logger.Warnf("Failed to write drive %.3f: %v", drive, err)
		})
	}
	a.drive.Store(drive)
	a.est.Advance(speed, dt)
}

// SetTarget clamps angle to the axis limits and makes it the new target.
// After Stop it only logs a warning.
func (a *ContinuousAxis) SetTarget(angle float64) {
	if a.stopped.Load() {
		a.logger.Warnf("Ignoring target %.2f, axis is stopped", angle)
		return
	}
	if math.IsNaN(angle) {
		a.logger.Warnf("Ignoring NaN target")
		return
	}
	a.target.Set(angle)
}

// MoveBy sets the target to Current() - delta
func (a *ContinuousAxis) MoveBy(delta float64) {
	a.SetTarget(a.Current() - delta)
}

// Current returns the estimated angle
func (a *ContinuousAxis) Current() float64 {
	return a.est.Angle()
}

// Target returns the stored target angle
func (a *ContinuousAxis) Target() float64 {
	return a.target.Get()
}

// Limits returns the axis limits
func (a *ContinuousAxis) Limits() Limits {
	return a.params.Limits
}

// State returns a snapshot for status reporting
func (a *ContinuousAxis) State() State {
	return State{
		Target:   a.target.Get(),
		Estimate: a.est.Angle(),
		Drive:    a.drive.Load(),
		Running:  !a.stopped.Load(),
	}
}

// Stop ends the control loop, waits for it to exit and then writes a
// single zero drive. Later calls do nothing.
func (a *ContinuousAxis) Stop() error {
	var err error
	a.once.Do(func() {
		a.stopped.Store(true)
		a.cancel()
		<-a.done

		if err = a.act.SetDrive(0); err != nil {
			err = fmt.Errorf("axis %s: failed to write zero drive: %w", a.name, err)
		}
		a.drive.Store(0)
		a.logger.Infof("Stopped at estimated angle %.2f", a.est.Angle())
	})
	return err
}
