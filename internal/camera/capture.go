package camera

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
)

var (
	// ErrCaptureDisabled is returned when image saving is turned off
	ErrCaptureDisabled = errors.New("image capture is disabled")
	// ErrNoFrame is returned when the camera has not produced a frame yet
	ErrNoFrame = errors.New("no frame available")
)

// Capturer saves snapshots of a source to a directory
type Capturer struct {
	src     Source
	dir     string
	enabled bool
	quality int
	clk     clock.Clock
}

// NewCapturer creates dir when saving is enabled
func NewCapturer(src Source, dir string, enabled bool, quality int, clk clock.Clock) (*Capturer, error) {
	if clk == nil {
		clk = clock.New()
	}
	if enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return &Capturer{src: src, dir: dir, enabled: enabled, quality: quality, clk: clk}, nil
}

// Capture writes the current frame as capture_<unix seconds>.jpg and
// returns its path
func (c *Capturer) Capture() (string, error) {
	if !c.enabled {
		return "", ErrCaptureDisabled
	}
	if c.src == nil {
		return "", ErrNoFrame
	}
	img, _, ok := c.src.Frame()
	if !ok {
		return "", ErrNoFrame
	}

	path := filepath.Join(c.dir, fmt.Sprintf("capture_%d.jpg", c.clk.Now().Unix()))
	if err := imaging.Save(img, path, imaging.JPEGQuality(c.quality)); err != nil {
		return "", fmt.Errorf("failed to save capture: %w", err)
	}
	return path, nil
}
