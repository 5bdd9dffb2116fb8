package rtsp

import (
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Codec selects which track the client consumes
type Codec int

const (
	// CodecH264 relays raw H264 (or H265) RTP packets on RTPChannel
	CodecH264 Codec = iota
	// CodecMJPEG decodes JPEG access units and hands them to OnFrame
	CodecMJPEG
)

func (c Codec) String() string {
	if c == CodecMJPEG {
		return "mjpeg"
	}
	return "h264"
}

// Config for an RTSP client
type Config struct {
	URL   string
	Codec Codec

	// OnFrame receives every complete JPEG in MJPEG mode. It runs on the
	// RTP read goroutine and must not retain buf.
	OnFrame func(buf []byte)

	Logger *zap.SugaredLogger
}

// Client handles the RTSP connection using gortsplib and reconnects with
// exponential backoff when the stream drops
type Client struct {
	cfg     Config
	logger  *zap.SugaredLogger
	rtpChan chan []byte
	stopCh  chan struct{}

	mu        sync.Mutex
	client    *gortsplib.Client
	stopped   bool
	connected atomic.Bool
}

// NewClient creates a new RTSP client
func NewClient(cfg Config) (*Client, error) {
	if _, err := base.ParseURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid RTSP URL: %w", err)
	}
	if cfg.Codec == CodecMJPEG && cfg.OnFrame == nil {
		return nil, fmt.Errorf("MJPEG mode needs a frame callback")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.Named("rtsp"),
		rtpChan: make(chan []byte, 500),
		stopCh:  make(chan struct{}),
	}, nil
}

// Connect establishes the RTSP connection and starts streaming
func (c *Client) Connect() error {
	return c.connect()
}

// Start connects in the background, retrying until Close
func (c *Client) Start() {
	go func() {
		if err := c.connect(); err != nil {
			c.logger.Warnf("Initial connect failed: %v", err)
			c.reconnect()
		}
	}()
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("client closed")
	}

	client := &gortsplib.Client{
		// Use TCP transport (interleaved)
		Transport: func() *gortsplib.Transport {
			t := gortsplib.TransportTCP
			return &t
		}(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		OnDecodeError: func(err error) {
			c.logger.Debugf("Decode error: %v", err)
		},
	}

	u, err := base.ParseURL(c.cfg.URL)
	if err != nil {
		return err
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return err
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return err
	}

	switch c.cfg.Codec {
	case CodecMJPEG:
		err = c.setupMJPEG(client, desc)
	default:
		err = c.setupRelay(client, desc)
	}
	if err != nil {
		client.Close()
		return err
	}

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return err
	}

	c.client = client
	c.connected.Store(true)
	c.logger.Infof("Connected and playing %s from %s", c.cfg.Codec, c.cfg.URL)

	go c.monitorConnection(client)

	return nil
}

func (c *Client) setupMJPEG(client *gortsplib.Client, desc *description.Session) error {
	var forma *format.MJPEG
	media := desc.FindFormat(&forma)
	if media == nil {
		return fmt.Errorf("no MJPEG track in %s", c.cfg.URL)
	}

	dec, err := forma.CreateDecoder()
	if err != nil {
		return err
	}

	if _, err := client.Setup(desc.BaseURL, media, 0, 0); err != nil {
		return err
	}

	client.OnPacketRTP(media, forma, func(pkt *rtp.Packet) {
		// fragments return an error until the frame is complete
		buf, err := dec.Decode(pkt)
		if err != nil {
			return
		}
		c.cfg.OnFrame(buf)
	})
	return nil
}

func (c *Client) setupRelay(client *gortsplib.Client, desc *description.Session) error {
	var videoFormat format.Format
	var videoMedia *description.Media

	for _, media := range desc.Medias {
		for _, f := range media.Formats {
			switch f.(type) {
			case *format.H264, *format.H265:
				videoFormat = f
				videoMedia = media
			}
			if videoFormat != nil {
				break
			}
		}
		if videoFormat != nil {
			break
		}
	}

	if videoFormat == nil {
		return fmt.Errorf("no H264/H265 track in %s", c.cfg.URL)
	}

	if _, err := client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		return err
	}

	client.OnPacketRTPAny(func(media *description.Media, forma format.Format, pkt *rtp.Packet) {
		buf, err := pkt.Marshal()
		if err != nil {
			return
		}

		select {
		case c.rtpChan <- buf:
		case <-c.stopCh:
			return
		default:
			// Drop packet if channel full
		}
	})
	return nil
}

// monitorConnection waits for the session to end and reconnects
func (c *Client) monitorConnection(client *gortsplib.Client) {
	err := client.Wait()
	c.connected.Store(false)

	select {
	case <-c.stopCh:
		return
	default:
	}

	if err != nil {
		c.logger.Warnf("Connection lost: %v", err)
	}
	c.reconnect()
}

func (c *Client) reconnect() {
	for attempt := 1; ; attempt++ {
		delay := min(time.Duration(1<<uint(min(attempt-1, 5)))*time.Second, 30*time.Second)
		c.logger.Infof("Reconnect attempt %d in %v", attempt, delay)

		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.logger.Warnf("Reconnect failed: %v", err)
			continue
		}

		c.logger.Infof("Reconnected successfully")
		return
	}
}

// Connected reports whether a session is currently playing
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// RTPChannel returns marshalled RTP packets in relay mode
func (c *Client) RTPChannel() <-chan []byte {
	return c.rtpChan
}

// Close closes the RTSP connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	client := c.client
	close(c.stopCh)
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
	close(c.rtpChan)
	return nil
}
