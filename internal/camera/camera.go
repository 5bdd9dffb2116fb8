package camera

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"robohead/internal/config"
	"robohead/internal/rtsp"
)

// Source produces camera frames. The sequence number changes only when a
// new frame arrives. A false last result means no frame has arrived yet;
// it is not an error.
type Source interface {
	Frame() (image.Image, uint64, bool)
	Close() error
}

// RTSPSource keeps the latest frame of an MJPEG RTSP stream
type RTSPSource struct {
	client *rtsp.Client
	logger *zap.SugaredLogger

	mu      sync.Mutex
	raw     []byte
	seq     uint64
	decoded image.Image
	decSeq  uint64
}

// NewRTSPSource starts streaming from url in the background
func NewRTSPSource(url string, logger *zap.SugaredLogger) (*RTSPSource, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &RTSPSource{logger: logger.Named("camera")}
	client, err := rtsp.NewClient(rtsp.Config{
		URL:     url,
		Codec:   rtsp.CodecMJPEG,
		OnFrame: s.store,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	client.Start()
	return s, nil
}

func (s *RTSPSource) store(buf []byte) {
	s.mu.Lock()
	s.raw = append(s.raw[:0], buf...)
	s.seq++
	s.mu.Unlock()
}

// Frame decodes the newest JPEG. Repeated calls without a new frame
// return the cached image with the same sequence number.
func (s *RTSPSource) Frame() (image.Image, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq == 0 {
		return nil, 0, false
	}
	if s.decSeq != s.seq {
		img, err := imaging.Decode(bytes.NewReader(s.raw))
		if err != nil {
			s.logger.Debugf("Dropping undecodable frame %d: %v", s.seq, err)
			return s.decoded, s.decSeq, s.decoded != nil
		}
		s.decoded = img
		s.decSeq = s.seq
	}
	return s.decoded, s.decSeq, true
}

// Connected reports whether the stream is playing
func (s *RTSPSource) Connected() bool {
	return s.client.Connected()
}

// Close stops the stream
func (s *RTSPSource) Close() error {
	return s.client.Close()
}

// Open builds the configured source; nil with no error means no camera
func Open(cfg config.CameraConfig, logger *zap.SugaredLogger) (Source, error) {
	switch cfg.Source {
	case config.SourceRTSP:
		src, err := NewRTSPSource(cfg.URL, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourcePattern:
		return NewPattern(cfg.Width, cfg.Height, nil), nil
	case config.SourceNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported camera source: %s", cfg.Source)
	}
}
