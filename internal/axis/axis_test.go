package axis

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingActuator struct {
	mu     sync.Mutex
	drives []float64
	err    error
}

func (r *recordingActuator) SetDrive(v float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drives = append(r.drives, v)
	return r.err
}

func (r *recordingActuator) writes() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.drives))
	copy(out, r.drives)
	return out
}

func (r *recordingActuator) last() float64 {
	w := r.writes()
	if len(w) == 0 {
		return math.NaN()
	}
	return w[len(w)-1]
}

func testParams() Params {
	return Params{
		Limits:           Limits{Min: -180, Max: 180},
		Kp:               0.05,
		MaxSpeed:         1,
		Deadband:         0.5,
		DegreesPerSecond: 90,
		DriveScale:       1,
		DriveMin:         -0.9,
		DriveMax:         0.8,
		TickPeriod:       10 * time.Millisecond,
	}
}

// newTestAxis returns an axis on a mock clock that is never advanced, so
// the loop stays idle and tests can call step directly.
func newTestAxis(t *testing.T, act Actuator, p Params) *ContinuousAxis {
	t.Helper()
	a, err := NewContinuousAxis(act, ContinuousConfig{
		Name:   "pan",
		Params: p,
		Clock:  clock.NewMock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestNewLimits(t *testing.T) {
	_, err := NewLimits(10, 10)
	assert.Error(t, err)
	_, err = NewLimits(10, -10)
	assert.Error(t, err)
	_, err = NewLimits(math.NaN(), 1)
	assert.Error(t, err)

	l, err := NewLimits(-90, 90)
	require.NoError(t, err)
	assert.Equal(t, -90.0, l.Clamp(-1000))
	assert.Equal(t, 90.0, l.Clamp(1000))
	assert.Equal(t, 12.5, l.Clamp(12.5))
	assert.Equal(t, 90.0, l.Clamp(90))
}

func TestSetTargetClamps(t *testing.T) {
	a := newTestAxis(t, &recordingActuator{}, testParams())
	l := a.Limits()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		angle := (rng.Float64() - 0.5) * 1000
		a.SetTarget(angle)
		assert.Equal(t, l.Clamp(angle), a.Target())
	}

	a.SetTarget(math.Inf(1))
	assert.Equal(t, l.Max, a.Target())

	a.SetTarget(math.NaN())
	assert.Equal(t, l.Max, a.Target())
}

func TestMoveBySubtractsFromEstimate(t *testing.T) {
	a := newTestAxis(t, &recordingActuator{}, testParams())

	a.MoveBy(10)
	assert.Equal(t, -10.0, a.Target())

	a.MoveBy(-25)
	assert.Equal(t, 25.0, a.Target(), "relative to the estimate, not the target")
}

func TestEstimatorAdvance(t *testing.T) {
	e := NewEstimator(Limits{Min: -45, Max: 45}, 90, 0)

	e.Advance(1, 0)
	e.Advance(1, -time.Second)
	assert.Equal(t, 0.0, e.Angle())

	e.Advance(0.5, 500*time.Millisecond)
	assert.InDelta(t, 22.5, e.Angle(), 1e-9)

	e.Advance(1, time.Second)
	assert.Equal(t, 45.0, e.Angle())

	e.Advance(-1, 10*time.Second)
	assert.Equal(t, -45.0, e.Angle())
}

func TestDeadReckoningIndependentOfTickGranularity(t *testing.T) {
	integrate := func(tick time.Duration) float64 {
		e := NewEstimator(Limits{Min: -360, Max: 360}, 90, 0)
		for elapsed := time.Duration(0); elapsed < 2*time.Second; elapsed += tick {
			e.Advance(0.7, tick)
		}
		return e.Angle()
	}

	fine := integrate(time.Millisecond)
	coarse := integrate(10 * time.Millisecond)
	assert.InDelta(t, 0.7*90*2, fine, 1e-6)
	assert.InDelta(t, fine, coarse, 1e-6)
}

func TestStepDrivesTowardsTarget(t *testing.T) {
	act := &recordingActuator{}
	a := newTestAxis(t, act, testParams())

	a.SetTarget(180)
	a.step(10 * time.Millisecond)
	assert.Equal(t, 0.8, act.last(), "positive drive is capped by DriveMax")
	assert.InDelta(t, 0.9, a.Current(), 1e-9, "estimate integrates speed, not drive")

	a.SetTarget(-180)
	a.step(10 * time.Millisecond)
	assert.Equal(t, -0.9, act.last())
}

func TestStepDeadband(t *testing.T) {
	act := &recordingActuator{}
	a := newTestAxis(t, act, testParams())

	a.SetTarget(0.3)
	a.step(10 * time.Millisecond)
	assert.Equal(t, 0.0, act.last())
	assert.Equal(t, 0.0, a.Current())

	a.SetTarget(0.6)
	a.step(10 * time.Millisecond)
	assert.InDelta(t, 0.03, act.last(), 1e-9)
}

func TestConvergence(t *testing.T) {
	act := &recordingActuator{}
	a := newTestAxis(t, act, testParams())

	for _, target := range []float64{30, -75, 4} {
		a.SetTarget(target)
		for i := 0; i < 2000; i++ {
			a.step(10 * time.Millisecond)
		}
		assert.InDelta(t, target, a.Current(), 0.5)
		assert.Equal(t, 0.0, act.last(), "drive settles to zero at target %v", target)
	}
}

func TestStepSurvivesActuatorErrors(t *testing.T) {
	act := &recordingActuator{err: errors.New("i2c nack")}
	a := newTestAxis(t, act, testParams())

	a.SetTarget(20)
	for i := 0; i < 10; i++ {
		a.step(10 * time.Millisecond)
	}
	assert.Len(t, act.writes(), 10)
	assert.Greater(t, a.Current(), 0.0)
}

func TestLoopUsesTickTimes(t *testing.T) {
	mock := clock.NewMock()
	act := &recordingActuator{}
	a, err := NewContinuousAxis(act, ContinuousConfig{Name: "pan", Params: testParams(), Clock: mock})
	require.NoError(t, err)
	t.Cleanup(func() { a.Stop() })

	a.SetTarget(20)
	for i := 0; i < 300; i++ {
		mock.Add(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return math.Abs(a.Current()-20) < 0.5
	}, time.Second, 5*time.Millisecond)
	assert.True(t, a.State().Running)
}

func TestStopIsIdempotent(t *testing.T) {
	act := &recordingActuator{}
	a, err := NewContinuousAxis(act, ContinuousConfig{Name: "pan", Params: testParams(), Clock: clock.NewMock()})
	require.NoError(t, err)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())

	assert.Equal(t, []float64{0}, act.writes())
	assert.False(t, a.State().Running)
}

func TestStopWithRunningLoopWritesZeroLast(t *testing.T) {
	act := &recordingActuator{}
	a, err := NewContinuousAxis(act, ContinuousConfig{
		Name:   "pan",
		Params: Params{Limits: Limits{Min: -90, Max: 90}, Kp: 1, MaxSpeed: 1, DegreesPerSecond: 10, DriveScale: 1, DriveMin: -1, DriveMax: 1, TickPeriod: time.Millisecond},
	})
	require.NoError(t, err)

	a.SetTarget(90)
	require.Eventually(t, func() bool { return len(act.writes()) > 5 }, time.Second, time.Millisecond)

	require.NoError(t, a.Stop())
	n := len(act.writes())
	assert.Equal(t, 0.0, act.last())

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, act.writes(), n, "no writes after Stop returns")
}

func TestSetTargetAfterStopWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a, err := NewContinuousAxis(&recordingActuator{}, ContinuousConfig{
		Name:   "pan",
		Params: testParams(),
		Clock:  clock.NewMock(),
		Logger: zap.New(core).Sugar(),
	})
	require.NoError(t, err)
	a.SetTarget(10)
	require.NoError(t, a.Stop())

	a.SetTarget(50)
	a.MoveBy(5)
	assert.Equal(t, 10.0, a.Target())
	assert.Equal(t, 2, logs.FilterMessageSnippet("axis is stopped").Len())
}

func TestNewContinuousAxisValidates(t *testing.T) {
	p := testParams()
	p.Kp = 0
	_, err := NewContinuousAxis(&recordingActuator{}, ContinuousConfig{Params: p})
	assert.Error(t, err)

	p = testParams()
	p.DriveMax = 1.5
	_, err = NewContinuousAxis(&recordingActuator{}, ContinuousConfig{Params: p})
	assert.Error(t, err)

	_, err = NewContinuousAxis(nil, ContinuousConfig{Params: testParams()})
	assert.Error(t, err)
}

type recordingPositioner struct {
	angles []float64
	err    error
}

func (r *recordingPositioner) SetAngle(a float64) error {
	if r.err != nil {
		return r.err
	}
	r.angles = append(r.angles, a)
	return nil
}

func TestPositionalAxis(t *testing.T) {
	out := &recordingPositioner{}
	p, err := NewPositionalAxis(out, PositionalConfig{Name: "tilt", Limits: Limits{Min: -60, Max: 60}})
	require.NoError(t, err)
	assert.Empty(t, out.angles)

	require.NoError(t, p.SetAngle(100))
	assert.Equal(t, 60.0, p.Angle())

	require.NoError(t, p.MoveBy(20))
	assert.Equal(t, 40.0, p.Angle())

	require.NoError(t, p.MoveBy(-500))
	assert.Equal(t, 60.0, p.Angle())
	assert.Equal(t, []float64{60, 40, 60}, out.angles)

	out.err = errors.New("bus error")
	assert.Error(t, p.MoveBy(10))
	assert.Equal(t, 60.0, p.Angle())

	_, err = NewPositionalAxis(out, PositionalConfig{Limits: Limits{Min: 1, Max: 0}})
	assert.Error(t, err)
}
