package vision

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"robohead/internal/tracking"
)

// ColorConfig selects pixels by HSV range. Hue is in degrees and may wrap
// through 0 (HueMin > HueMax), saturation and value are in [0,1].
type ColorConfig struct {
	HueMin float64
	HueMax float64
	SatMin float64
	ValMin float64

	// Frames wider than this are downscaled before segmentation
	ProcessWidth int

	// Blobs smaller than this fraction of the frame are dropped
	MinArea float64

	Label string
}

// ColorDetector finds connected blobs of a colour, largest first
type ColorDetector struct {
	cfg ColorConfig
}

// NewColorDetector validates the colour range
func NewColorDetector(cfg ColorConfig) (*ColorDetector, error) {
	if cfg.ProcessWidth <= 0 {
		return nil, fmt.Errorf("process width must be positive, got %d", cfg.ProcessWidth)
	}
	if cfg.HueMin < 0 || cfg.HueMin > 360 || cfg.HueMax < 0 || cfg.HueMax > 360 {
		return nil, fmt.Errorf("hue range [%v, %v] outside [0, 360]", cfg.HueMin, cfg.HueMax)
	}
	return &ColorDetector{cfg: cfg}, nil
}

type blob struct {
	minX, minY, maxX, maxY int
	pixels                 int
}

// Detect segments img and returns one detection per blob in frame
// coordinates
func (d *ColorDetector) Detect(ctx context.Context, img image.Image) ([]tracking.Detection, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	var small *image.NRGBA
	if b.Dx() > d.cfg.ProcessWidth {
		small = imaging.Resize(img, d.cfg.ProcessWidth, 0, imaging.NearestNeighbor)
	} else {
		small = imaging.Clone(img)
	}
	sw, sh := small.Bounds().Dx(), small.Bounds().Dy()
	if sw == 0 || sh == 0 {
		return nil, nil
	}

	mask := make([]bool, sw*sh)
	for y := 0; y < sh; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := small.Pix[y*small.Stride:]
		for x := 0; x < sw; x++ {
			p := row[x*4 : x*4+3]
			c := colorful.Color{R: float64(p[0]) / 255, G: float64(p[1]) / 255, B: float64(p[2]) / 255}
			mask[y*sw+x] = d.match(c)
		}
	}

	blobs := components(mask, sw, sh)
	minPixels := int(d.cfg.MinArea * float64(sw*sh))
	sort.SliceStable(blobs, func(i, j int) bool { return blobs[i].pixels > blobs[j].pixels })

	sx := float64(b.Dx()) / float64(sw)
	sy := float64(b.Dy()) / float64(sh)
	var dets []tracking.Detection
	for _, bl := range blobs {
		if bl.pixels < minPixels || bl.pixels == 0 {
			continue
		}
		boxArea := (bl.maxX - bl.minX + 1) * (bl.maxY - bl.minY + 1)
		dets = append(dets, tracking.Detection{
			X1:    float64(b.Min.X) + float64(bl.minX)*sx,
			Y1:    float64(b.Min.Y) + float64(bl.minY)*sy,
			X2:    float64(b.Min.X) + float64(bl.maxX+1)*sx,
			Y2:    float64(b.Min.Y) + float64(bl.maxY+1)*sy,
			Score: float64(bl.pixels) / float64(boxArea),
			Label: d.cfg.Label,
		})
	}
	return dets, nil
}

func (d *ColorDetector) match(c colorful.Color) bool {
	h, s, v := c.Hsv()
	if s < d.cfg.SatMin || v < d.cfg.ValMin {
		return false
	}
	if d.cfg.HueMin <= d.cfg.HueMax {
		return h >= d.cfg.HueMin && h <= d.cfg.HueMax
	}
	return h >= d.cfg.HueMin || h <= d.cfg.HueMax
}

// components labels 4-connected regions of mask
func components(mask []bool, w, h int) []blob {
	seen := make([]bool, len(mask))
	var blobs []blob
	var queue []int

	for start, on := range mask {
		if !on || seen[start] {
			continue
		}
		bl := blob{minX: w, minY: h, maxX: -1, maxY: -1}
		seen[start] = true
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%w, i/w

			bl.pixels++
			bl.minX = min(bl.minX, x)
			bl.maxX = max(bl.maxX, x)
			bl.minY = min(bl.minY, y)
			bl.maxY = max(bl.maxY, y)

			for _, n := range [4]int{i - 1, i + 1, i - w, i + w} {
				if n < 0 || n >= len(mask) || seen[n] || !mask[n] {
					continue
				}
				// no wrap across row ends
				if (n == i-1 && x == 0) || (n == i+1 && x == w-1) {
					continue
				}
				seen[n] = true
				queue = append(queue, n)
			}
		}
		blobs = append(blobs, bl)
	}
	return blobs
}
