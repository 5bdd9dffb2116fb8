package tracking

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"robohead/internal/head"
)

// PointerScale maps a normalized image error onto the pointer range so
// that tracking and manual input share one numeric space
const PointerScale = head.PointerLimit

// Detection is an axis-aligned box in pixel coordinates
type Detection struct {
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	Score float64 `json:"score,omitempty"`
	Label string  `json:"label,omitempty"`
}

// Valid reports whether the box has positive width and height
func (d Detection) Valid() bool {
	return d.X1 < d.X2 && d.Y1 < d.Y2
}

// Center returns the midpoint of the box
func (d Detection) Center() (float64, float64) {
	return (d.X1 + d.X2) / 2, (d.Y1 + d.Y2) / 2
}

// Area returns the box area in square pixels
func (d Detection) Area() float64 {
	return (d.X2 - d.X1) * (d.Y2 - d.Y1)
}

// Detector finds subjects in a frame, best first
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// Steerer receives pointer deltas; head.Head implements it
type Steerer interface {
	Nudge(dx, dy float64) head.Position
}

// Parameters tune the tracking feedback
type Parameters struct {
	Gain     float64 `json:"gain"`
	Deadzone float64 `json:"deadzone"`
}

// Validate requires gain > 0 and deadzone in [0, 1)
func (p Parameters) Validate() error {
	if !(p.Gain > 0) || math.IsInf(p.Gain, 0) {
		return fmt.Errorf("gain must be positive, got %v", p.Gain)
	}
	if !(p.Deadzone >= 0 && p.Deadzone < 1) {
		return fmt.Errorf("deadzone must be in [0, 1), got %v", p.Deadzone)
	}
	return nil
}

// Annotation is a detection marked for overlay drawing
type Annotation struct {
	Detection
	Tracked bool `json:"tracked"`
}

// Result is the outcome of one tracking tick
type Result struct {
	DX          float64       `json:"dx"`
	DY          float64       `json:"dy"`
	Moved       bool          `json:"moved"`
	Pointer     head.Position `json:"pointer"`
	Annotations []Annotation  `json:"annotations"`
}

// Controller turns detections into pointer deltas for the head
type Controller struct {
	steer    Steerer
	detector Detector
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	params  Parameters
	enabled atomic.Bool
}

// NewController validates params. detector may be nil when only Update is used.
func NewController(steer Steerer, detector Detector, params Parameters, logger *zap.SugaredLogger) (*Controller, error) {
	if steer == nil {
		return nil, fmt.Errorf("tracking: steerer is required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("tracking: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Controller{
		steer:    steer,
		detector: detector,
		logger:   logger.Named("tracking"),
		params:   params,
	}, nil
}

// SetParameters replaces gain and deadzone for the next tick
func (c *Controller) SetParameters(gain, deadzone float64) error {
	p := Parameters{Gain: gain, Deadzone: deadzone}
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
	c.logger.Infof("Parameters updated: gain=%v deadzone=%v", gain, deadzone)
	return nil
}

// Parameters returns the current parameters
func (c *Controller) Parameters() Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// SetEnabled toggles tracking
func (c *Controller) SetEnabled(on bool) {
	if c.enabled.Swap(on) != on {
		c.logger.Infof("Tracking enabled: %v", on)
	}
}

// Enabled reports whether tracking is on
func (c *Controller) Enabled() bool {
	return c.enabled.Load()
}

// Update runs one tick for a w x h frame. The first detection is tracked;
// when it is malformed the tick is a no-op. Malformed boxes are left out of
// the annotations. The head is nudged only when a delta survives the dead
// zone.
func (c *Controller) Update(dets []Detection, w, h int) Result {
	var res Result
	for i, d := range dets {
		if !d.Valid() {
			continue
		}
		res.Annotations = append(res.Annotations, Annotation{Detection: d, Tracked: i == 0})
	}
	if len(dets) == 0 || !dets[0].Valid() || w <= 0 || h <= 0 {
		return res
	}

	p := c.Parameters()
	cx, cy := dets[0].Center()
	ex := deadzone((cx-float64(w)/2)/float64(w), p.Deadzone)
	ey := deadzone((cy-float64(h)/2)/float64(h), p.Deadzone)

	res.DX = ex * p.Gain * PointerScale
	res.DY = ey * p.Gain * PointerScale
	if res.DX != 0 || res.DY != 0 {
		res.Pointer = c.steer.Nudge(res.DX, res.DY)
		res.Moved = true
	}
	return res
}

// ProcessFrame detects subjects in img, applies Update and returns a copy
// of img with the detections drawn. A detector error is returned as is and
// no axis moves.
func (c *Controller) ProcessFrame(ctx context.Context, img image.Image) (image.Image, Result, error) {
	if c.detector == nil {
		return img, Result{}, fmt.Errorf("tracking: no detector configured")
	}
	dets, err := c.detector.Detect(ctx, img)
	if err != nil {
		return img, Result{}, err
	}

	b := img.Bounds()
	if !b.Min.Eq(image.Point{}) {
		shifted := make([]Detection, len(dets))
		for i, d := range dets {
			d.X1 -= float64(b.Min.X)
			d.X2 -= float64(b.Min.X)
			d.Y1 -= float64(b.Min.Y)
			d.Y2 -= float64(b.Min.Y)
			shifted[i] = d
		}
		dets = shifted
	}

	res := c.Update(dets, b.Dx(), b.Dy())
	return Annotate(img, res.Annotations), res, nil
}

func deadzone(e, dz float64) float64 {
	if math.Abs(e) < dz {
		return 0
	}
	return e
}
