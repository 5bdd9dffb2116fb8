package vision

import (
	"context"
	"fmt"
	"image"

	"robohead/internal/config"
	"robohead/internal/tracking"
)

// Filter keeps a detection when it returns true
type Filter func(tracking.Detection) bool

// MinScore keeps detections scoring at least s
func MinScore(s float64) Filter {
	return func(d tracking.Detection) bool { return d.Score >= s }
}

// MinAreaPixels keeps detections covering at least px square pixels
func MinAreaPixels(px float64) Filter {
	return func(d tracking.Detection) bool { return d.Area() >= px }
}

type filtered struct {
	det     tracking.Detector
	filters []Filter
}

// Filtered wraps det so that only detections passing every filter are
// returned, in their original order
func Filtered(det tracking.Detector, filters ...Filter) tracking.Detector {
	if len(filters) == 0 {
		return det
	}
	return &filtered{det: det, filters: filters}
}

func (f *filtered) Detect(ctx context.Context, img image.Image) ([]tracking.Detection, error) {
	dets, err := f.det.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	out := dets[:0:0]
next:
	for _, d := range dets {
		for _, keep := range f.filters {
			if !keep(d) {
				continue next
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// FromConfig builds the configured detector
func FromConfig(cfg config.DetectorConfig) (tracking.Detector, error) {
	switch cfg.Type {
	case config.DetectorColor:
		det, err := NewColorDetector(ColorConfig{
			HueMin:       cfg.HueMin,
			HueMax:       cfg.HueMax,
			SatMin:       cfg.SatMin,
			ValMin:       cfg.ValMin,
			ProcessWidth: cfg.ProcessWidth,
			MinArea:      cfg.MinArea,
			Label:        "target",
		})
		if err != nil {
			return nil, err
		}
		return det, nil
	case config.DetectorRemote:
		det, err := NewRemoteDetector(RemoteConfig{URL: cfg.URL, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		return Filtered(det, MinScore(cfg.MinScore)), nil
	default:
		return nil, fmt.Errorf("unsupported detector: %s", cfg.Type)
	}
}
