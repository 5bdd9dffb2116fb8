package camera

import (
	"image"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/fogleman/gg"
	"go.uber.org/atomic"
)

// Pattern renders a red disc drifting over a grey background. It stands
// in for a camera in dev mode and gives the color detector something to
// follow.
type Pattern struct {
	w, h  int
	clk   clock.Clock
	start int64
	seq   atomic.Uint64
}

// NewPattern creates a w x h synthetic source; clk defaults to the wall clock
func NewPattern(w, h int, clk clock.Clock) *Pattern {
	if clk == nil {
		clk = clock.New()
	}
	return &Pattern{w: w, h: h, clk: clk, start: clk.Now().UnixNano()}
}

// Target returns where the disc is drawn at the current time
func (p *Pattern) Target() (x, y, r float64) {
	t := float64(p.clk.Now().UnixNano()-p.start) / 1e9
	w, h := float64(p.w), float64(p.h)
	x = w/2 + w/3*math.Sin(t*0.7)
	y = h/2 + h/4*math.Sin(t*1.1)
	return x, y, math.Min(w, h) / 10
}

// Frame renders the current pattern. Every call is a new frame.
func (p *Pattern) Frame() (image.Image, uint64, bool) {
	dc := gg.NewContext(p.w, p.h)
	dc.SetRGB(0.35, 0.35, 0.35)
	dc.Clear()

	x, y, r := p.Target()
	dc.SetRGB(0.9, 0.1, 0.1)
	dc.DrawCircle(x, y, r)
	dc.Fill()
	return dc.Image(), p.seq.Inc(), true
}

// Close is a no-op
func (p *Pattern) Close() error {
	return nil
}
