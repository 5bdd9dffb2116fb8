package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"robohead/internal/head"
	"robohead/internal/protocol"
	"robohead/internal/rtsp"
	"robohead/internal/tracking"
)

// Head is the pan/tilt head driven by the pointer
type Head interface {
	Nudge(dx, dy float64) head.Position
	Reset() head.Position
	Status() head.Status
}

// Tracker toggles and tunes vision tracking
type Tracker interface {
	Enabled() bool
	SetEnabled(on bool)
	Parameters() tracking.Parameters
	SetParameters(gain, deadzone float64) error
}

// Drive is the keyboard-driven drive base
type Drive interface {
	SetKey(key string, pressed bool) (bool, error)
	Keys() map[string]bool
}

// Capturer saves snapshots of the camera
type Capturer interface {
	Capture() (string, error)
}

// Video serves the annotated MJPEG feed
type Video interface {
	http.Handler
	Latest() ([]byte, uint64)
}

// Config for the server
type Config struct {
	ListenAddr  string
	ICEServers  []string
	LiveRTSPURL string // optional H264 source for the WebRTC live view
	Logger      *zap.SugaredLogger
}

// Deps are the components behind the command surface. Drive, Capturer
// and Video may be nil.
type Deps struct {
	Head     Head
	Tracker  Tracker
	Drive    Drive
	Capturer Capturer
	Video    Video
}

// Server is the robot head remote HTTP and WebSocket server
type Server struct {
	cfg       Config
	deps      Deps
	logger    *zap.SugaredLogger
	clients   map[*Client]bool
	clientsMu sync.RWMutex
	live      *rtsp.Client
	upgrader  websocket.Upgrader
	staticFS  fs.FS
	http      *http.Server
}

// New creates a new server instance. staticFS is served at /.
func New(cfg Config, deps Deps, staticFS fs.FS) (*Server, error) {
	if deps.Head == nil || deps.Tracker == nil {
		return nil, errors.New("server needs a head and a tracker")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.Named("server"),
		clients:  make(map[*Client]bool),
		staticFS: staticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local use
			},
		},
	}
	if cfg.LiveRTSPURL != "" {
		live, err := rtsp.NewClient(rtsp.Config{
			URL:    cfg.LiveRTSPURL,
			Codec:  rtsp.CodecH264,
			Logger: s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("live view: %w", err)
		}
		s.live = live
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/position", s.handlePosition)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/tracking", s.handleTracking)
	mux.HandleFunc("GET /api/tracking/params", s.handleGetTrackingParams)
	mux.HandleFunc("POST /api/tracking/params", s.handleSetTrackingParams)
	mux.HandleFunc("POST /api/keyboard", s.handleKeyboard)
	mux.HandleFunc("POST /api/capture", s.handleCapture)
	mux.HandleFunc("GET /video_feed", s.handleVideo)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.staticFS != nil {
		mux.Handle("GET /", http.FileServer(http.FS(s.staticFS)))
	}
	return mux
}

// Start connects the optional live view source and serves until Shutdown
func (s *Server) Start() error {
	if s.live != nil {
		s.live.Start()
		go s.broadcastRTP()
		s.logger.Infof("Live view from %s", s.cfg.LiveRTSPURL)
	}

	s.logger.Infof("Server starting on %s", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// broadcastRTP fans live view packets out to every client
func (s *Server) broadcastRTP() {
	for packet := range s.live.RTPChannel() {
		s.clientsMu.RLock()
		for client := range s.clients {
			select {
			case client.rtpChan <- packet:
			default:
				// Client's buffer full, drop packet for this client
			}
		}
		s.clientsMu.RUnlock()
	}
}

// Shutdown closes all clients, the live view source and the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	if s.live != nil {
		if err := s.live.Close(); err != nil {
			s.logger.Warnf("Failed to close live view: %v", err)
		}
	}
	return s.http.Shutdown(ctx)
}

// status snapshots every component for GET /api/status and WS status
func (s *Server) status() protocol.StatusPayload {
	hs := s.deps.Head.Status()
	params := s.deps.Tracker.Parameters()

	st := protocol.StatusPayload{
		X:               hs.Pointer.X,
		Y:               hs.Pointer.Y,
		TrackingEnabled: s.deps.Tracker.Enabled(),
		KeyStates:       map[string]bool{},
		Pan: protocol.AxisPayload{
			Target:   hs.Pan.Target,
			Estimate: hs.Pan.Estimate,
			Drive:    hs.Pan.Drive,
			Running:  hs.Pan.Running,
		},
		Tilt:     hs.Tilt,
		Tracking: protocol.TrackingParamsPayload{Gain: params.Gain, Deadzone: params.Deadzone},
		LiveView: s.live != nil && s.live.Connected(),
	}
	if s.deps.Drive != nil {
		st.KeyStates = s.deps.Drive.Keys()
	}
	if s.deps.Video != nil {
		_, seq := s.deps.Video.Latest()
		st.CameraConnected = seq > 0
	}
	return st
}

// broadcastStatus pushes the current status to every WebSocket client
func (s *Server) broadcastStatus() {
	st := s.status()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		client.sendMessage(protocol.TypeStatus, st)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
