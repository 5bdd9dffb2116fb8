package head

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"robohead/internal/axis"
	"robohead/internal/config"
	"robohead/internal/pwm"
)

type fakePan struct {
	mu      sync.Mutex
	moves   []float64
	targets []float64
	stops   int
}

func (f *fakePan) SetTarget(a float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, a)
}

func (f *fakePan) MoveBy(d float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, d)
}

func (f *fakePan) State() axis.State { return axis.State{Running: f.stops == 0} }

func (f *fakePan) Stop() error {
	f.stops++
	return nil
}

type fakeTilt struct {
	moves  []float64
	angles []float64
	angle  float64
	err    error
}

func (f *fakeTilt) SetAngle(a float64) error {
	if f.err != nil {
		return f.err
	}
	f.angles = append(f.angles, a)
	f.angle = a
	return nil
}

func (f *fakeTilt) MoveBy(d float64) error {
	if f.err != nil {
		return f.err
	}
	f.moves = append(f.moves, d)
	f.angle -= d
	return nil
}

func (f *fakeTilt) Angle() float64 { return f.angle }

func newTestHead() (*Head, *fakePan, *fakeTilt) {
	pan, tilt := &fakePan{}, &fakeTilt{}
	return New(pan, tilt, Config{PanSensitivity: 0.1, TiltSensitivity: 0.05}), pan, tilt
}

func TestNudgeScalesBySensitivity(t *testing.T) {
	h, pan, tilt := newTestHead()

	pos := h.Nudge(-93.75, 40)
	assert.Equal(t, Position{X: -93.75, Y: 40}, pos)
	assert.InDeltaSlice(t, []float64{-9.375}, pan.moves, 1e-9)
	assert.InDeltaSlice(t, []float64{2}, tilt.moves, 1e-9)
}

func TestNudgeSkipsZeroAxes(t *testing.T) {
	h, pan, tilt := newTestHead()

	h.Nudge(0, 10)
	h.Nudge(10, 0)
	h.Nudge(0, 0)
	assert.Len(t, pan.moves, 1)
	assert.Len(t, tilt.moves, 1)
}

func TestNudgeClampsPointer(t *testing.T) {
	h, _, _ := newTestHead()

	for i := 0; i < 30; i++ {
		h.Nudge(100, -100)
	}
	assert.Equal(t, Position{X: PointerLimit, Y: -PointerLimit}, h.Position())

	pos := h.Nudge(-500, 2500)
	assert.Equal(t, Position{X: 500, Y: 1000}, pos)
}

func TestNudgeTiltErrorKeepsPointer(t *testing.T) {
	h, _, tilt := newTestHead()
	tilt.err = errors.New("bus")

	pos := h.Nudge(0, 50)
	assert.Equal(t, 50.0, pos.Y)
}

func TestReset(t *testing.T) {
	h, pan, tilt := newTestHead()
	h.Nudge(300, 200)

	pos := h.Reset()
	assert.Equal(t, Position{}, pos)
	assert.Equal(t, []float64{0}, pan.targets)
	assert.Equal(t, 0.0, tilt.Angle())
}

func TestCloseOnce(t *testing.T) {
	h, pan, tilt := newTestHead()
	h.Nudge(0, 100)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, pan.stops)
	assert.Equal(t, 0.0, tilt.Angle())
	assert.False(t, h.Status().Pan.Running)
}

func TestInputAfterCloseIsIgnored(t *testing.T) {
	h, pan, tilt := newTestHead()
	h.Nudge(100, 100)
	require.NoError(t, h.Close())
	moves, angles := len(tilt.moves), len(tilt.angles)

	assert.Equal(t, Position{X: 100, Y: 100}, h.Nudge(0, 400))
	assert.Equal(t, Position{X: 100, Y: 100}, h.Reset())

	assert.Len(t, tilt.moves, moves)
	assert.Len(t, tilt.angles, angles)
	assert.Len(t, pan.moves, 1)
	assert.Empty(t, pan.targets)
}

func TestFromConfigNoWritesAfterClose(t *testing.T) {
	cfg := config.Default().Head
	cfg.Neck.TickPeriod = time.Millisecond
	drv := pwm.NewFake()

	h, err := FromConfig(cfg, drv, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	face, _ := drv.Last(cfg.Face.Channel)
	writes := len(drv.History())

	h.Nudge(0, 400)
	h.Reset()
	h.Nudge(0, 400)

	after, _ := drv.Last(cfg.Face.Channel)
	assert.Equal(t, face, after)
	assert.Len(t, drv.History(), writes)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Head
	cfg.Neck.TickPeriod = time.Millisecond
	drv := pwm.NewFake()

	h, err := FromConfig(cfg, drv, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	// face starts at zero angle
	_, ok := drv.Last(cfg.Face.Channel)
	assert.True(t, ok)
	assert.Equal(t, 0.0, h.Status().Tilt)

	h.Nudge(-100, 0)
	assert.InDelta(t, 10, h.Status().Pan.Target, 1e-9)

	require.Eventually(t, func() bool {
		_, ok := drv.Last(cfg.Neck.Channel)
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, h.Close())
	w, _ := drv.Last(cfg.Neck.Channel)
	// zero drive is the neutral throttle 0.26 on a 750..2750us range
	assert.InDelta(t, float64(2010*time.Microsecond), float64(w), float64(time.Microsecond))
}
