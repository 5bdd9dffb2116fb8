package stream

import (
	"bytes"
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"robohead/internal/camera"
	"robohead/internal/tracking"
)

// NoFrameBackoff is how long the pipeline waits after the source had
// nothing to offer
const NoFrameBackoff = 100 * time.Millisecond

// Processor runs tracking on a frame; tracking.Controller implements it
type Processor interface {
	Enabled() bool
	ProcessFrame(ctx context.Context, img image.Image) (image.Image, tracking.Result, error)
}

// Config for a Pipeline
type Config struct {
	FPS         int
	JPEGQuality int
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
}

// Pipeline pulls frames from a camera, runs tracking when enabled, draws
// the crosshair and publishes the result as JPEG
type Pipeline struct {
	src     camera.Source
	proc    Processor
	period  time.Duration
	quality int
	clk     clock.Clock
	logger  *zap.SugaredLogger
	errLog  rate.Sometimes

	// sequence of the last source frame handled, touched by Run only
	srcSeq  uint64
	handled bool

	mu     sync.Mutex
	frame  []byte
	seq    uint64
	notify chan struct{}
}

// New creates a pipeline. proc may be nil to stream without tracking.
func New(src camera.Source, proc Processor, cfg Config) *Pipeline {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 15
	}
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = 80
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		src:     src,
		proc:    proc,
		period:  time.Second / time.Duration(fps),
		quality: quality,
		clk:     clk,
		logger:  logger.Named("stream"),
		errLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
		notify:  make(chan struct{}),
	}
}

// Run processes frames until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.clk.Ticker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if p.tick(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(NoFrameBackoff):
		}
	}
}

// tick handles one frame and reports whether the source had one. A frame
// already handled is not tracked or published again.
func (p *Pipeline) tick(ctx context.Context) bool {
	img, seq, ok := p.src.Frame()
	if !ok || img == nil {
		return false
	}
	if p.handled && seq == p.srcSeq {
		return true
	}
	p.srcSeq, p.handled = seq, true

	if p.proc != nil && p.proc.Enabled() {
		annotated, res, err := p.proc.ProcessFrame(ctx, img)
		if err != nil {
			p.errLog.Do(func() {
				p.logger.Warnf("Tracking skipped: %v", err)
			})
		} else {
			img = annotated
			if res.Moved {
				p.logger.Debugf("Tracking nudge dx=%.1f dy=%.1f pointer=%+v", res.DX, res.DY, res.Pointer)
			}
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, tracking.Crosshair(img), imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		p.logger.Warnf("Failed to encode frame: %v", err)
		return true
	}
	p.publish(buf.Bytes())
	return true
}

func (p *Pipeline) publish(frame []byte) {
	p.mu.Lock()
	p.frame = frame
	p.seq++
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
}

// Latest returns the newest JPEG and its sequence number, 0 if none yet
func (p *Pipeline) Latest() ([]byte, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.seq
}

// Wait blocks until a frame newer than seq is published
func (p *Pipeline) Wait(ctx context.Context, seq uint64) ([]byte, uint64, error) {
	for {
		p.mu.Lock()
		if p.seq > seq {
			frame, cur := p.frame, p.seq
			p.mu.Unlock()
			return frame, cur, nil
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-ch:
		}
	}
}
