package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoTrack is returned when writing before a track was added or after Close
var ErrNoTrack = errors.New("no video track")

// liveStreamID groups the live view track on the browser side
const liveStreamID = "robohead-camera"

// CandidateFunc receives local ICE candidates as they are gathered
type CandidateFunc func(*webrtc.ICECandidate)

// Config for a Session
type Config struct {
	// ICEServers are STUN/TURN URLs, one server per entry
	ICEServers []string
	Logger     *zap.SugaredLogger
}

func (c Config) configuration() webrtc.Configuration {
	var conf webrtc.Configuration
	for _, url := range c.ICEServers {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}
	return conf
}

// Session is the live view peer connection of one browser. It carries a
// single outgoing H264 track fed with packets relayed from the camera.
type Session struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
	badLog rate.Sometimes

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticRTP
	closed bool
}

// NewSession opens a peer connection. onICE may be nil.
func NewSession(cfg Config, onICE CandidateFunc) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pc, err := webrtc.NewPeerConnection(cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("webrtc: peer connection: %w", err)
	}

	s := &Session{
		pc:     pc,
		logger: logger.Named("webrtc"),
		badLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c != nil && onICE != nil {
			onICE(c)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infof("Live view %s", state)
	})
	return s, nil
}

// AddH264Track attaches the live view track
func (s *Session) AddH264Track() error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video",
		liveStreamID,
	)
	if err != nil {
		return fmt.Errorf("webrtc: video track: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("webrtc: add track: %w", err)
	}
	s.track = track
	return nil
}

// CreateOffer returns the local SDP once ICE gathering has finished, so
// the browser gets every candidate in one message
func (s *Session) CreateOffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: local description: %w", err)
	}
	<-gathered
	return s.pc.LocalDescription().SDP, nil
}

// SetAnswer applies the browser's answer
func (s *Session) SetAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("webrtc: remote description: %w", err)
	}
	return nil
}

// AddICECandidate applies a candidate trickled by the browser
func (s *Session) AddICECandidate(candidate, sdpMid string, sdpMLineIndex uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	})
	if err != nil {
		return fmt.Errorf("webrtc: candidate: %w", err)
	}
	return nil
}

// WriteRTP sends one marshalled RTP packet on the track. Packets that do
// not parse are dropped and logged; the stream continues.
func (s *Session) WriteRTP(buf []byte) error {
	s.mu.Lock()
	track, closed := s.track, s.closed
	s.mu.Unlock()
	if closed || track == nil {
		return ErrNoTrack
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		s.badLog.Do(func() {
			s.logger.Debugf("Dropping malformed RTP packet (%d bytes): %v", len(buf), err)
		})
		return nil
	}
	return track.WriteRTP(&pkt)
}

// Close ends the peer connection; later calls return nil
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pc.Close()
}
