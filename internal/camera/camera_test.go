package camera

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"robohead/internal/config"
)

func TestPatternMovesWithClock(t *testing.T) {
	mock := clock.NewMock()
	p := NewPattern(320, 240, mock)

	x0, y0, r := p.Target()
	assert.Equal(t, 160.0, x0)
	assert.Equal(t, 120.0, y0)
	assert.Equal(t, 24.0, r)

	img, seq, ok := p.Frame()
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())

	cr, _, _, _ := img.At(160, 120).RGBA()
	assert.Greater(t, cr>>8, uint32(200), "disc is drawn at the target")

	mock.Add(2 * time.Second)
	x1, _, _ := p.Target()
	assert.NotEqual(t, x0, x1)

	_, seq, _ = p.Frame()
	assert.Equal(t, uint64(2), seq)
}

func TestCaptureWritesJPEG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))

	c, err := NewCapturer(NewPattern(64, 48, mock), dir, true, 90, mock)
	require.NoError(t, err)

	path, err := c.Capture()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "capture_1700000000.jpg"), path)

	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestCaptureDisabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	c, err := NewCapturer(NewPattern(8, 8, nil), dir, false, 90, nil)
	require.NoError(t, err)

	_, err = c.Capture()
	assert.ErrorIs(t, err, ErrCaptureDisabled)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

type emptySource struct{}

func (emptySource) Frame() (image.Image, uint64, bool) { return nil, 0, false }
func (emptySource) Close() error                       { return nil }

func TestCaptureWithoutFrame(t *testing.T) {
	c, err := NewCapturer(emptySource{}, t.TempDir(), true, 90, nil)
	require.NoError(t, err)
	_, err = c.Capture()
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestRTSPSourceDecodesLatest(t *testing.T) {
	s := &RTSPSource{logger: zap.NewNop().Sugar()}
	_, _, ok := s.Frame()
	assert.False(t, ok)

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, image.NewGray(image.Rect(0, 0, 32, 16)), imaging.JPEG))
	s.store(buf.Bytes())

	img, seq, ok := s.Frame()
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 32, img.Bounds().Dx())

	// no new frame, same sequence
	again, seq2, ok := s.Frame()
	require.True(t, ok)
	assert.Same(t, img, again)
	assert.Equal(t, seq, seq2)

	// a corrupt frame keeps the previous image and sequence
	s.store([]byte("garbage"))
	img2, seq3, ok := s.Frame()
	require.True(t, ok)
	assert.Same(t, img, img2)
	assert.Equal(t, seq, seq3)
}

func TestOpen(t *testing.T) {
	src, err := Open(config.CameraConfig{Source: config.SourceNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = Open(config.CameraConfig{Source: config.SourcePattern, Width: 10, Height: 10}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Pattern{}, src)

	_, err = Open(config.CameraConfig{Source: "usb"}, nil)
	assert.Error(t, err)
}
