package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"robohead/internal/tracking"
)

// RemoteConfig points at an HTTP inference service
type RemoteConfig struct {
	URL         string
	Timeout     time.Duration
	JPEGQuality int
}

// RemoteDetector posts frames as JPEG and reads back boxes. The service
// answers {"detections": [{"x1":..,"y1":..,"x2":..,"y2":..,"score":..,"label":..}]}
// in confidence order.
type RemoteDetector struct {
	url     string
	quality int
	client  *http.Client
}

type remoteResponse struct {
	Detections []tracking.Detection `json:"detections"`
}

// NewRemoteDetector creates a client for the service
func NewRemoteDetector(cfg RemoteConfig) (*RemoteDetector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("detector URL is required")
	}
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = 80
	}
	return &RemoteDetector{
		url:     cfg.URL,
		quality: quality,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Detect sends img to the service
func (d *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]tracking.Detection, error) {
	var body bytes.Buffer
	if err := imaging.Encode(&body, img, imaging.JPEG, imaging.JPEGQuality(d.quality)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detector returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}
	return out.Detections, nil
}
