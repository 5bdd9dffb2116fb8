package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	pwebrtc "github.com/pion/webrtc/v3"

	"robohead/internal/protocol"
	"robohead/internal/webrtc"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Client represents a connected WebSocket client
type Client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	webrtc  *webrtc.Session
	send    chan []byte
	rtpChan chan []byte // Per-client RTP channel
	stopRTP chan struct{}
	mu      sync.Mutex
	closed  bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		send:    make(chan []byte, 256),
		rtpChan: make(chan []byte, 500),
		stopRTP: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()
	s.logger.Infof("Client %s connected from %s", client.id, r.RemoteAddr)

	go client.writePump()
	go client.readPump()

	client.sendMessage(protocol.TypeStatus, s.status())

	if s.live != nil {
		if err := client.initWebRTC(); err != nil {
			s.logger.Warnf("Client %s: failed to initialize WebRTC: %v", client.id, err)
			client.sendMessage(protocol.TypeError, protocol.ErrorPayload{
				Code:    protocol.ErrWebRTC,
				Message: err.Error(),
			})
		}
	}
}

func (c *Client) initWebRTC() error {
	session, err := webrtc.NewSession(webrtc.Config{
		ICEServers: c.server.cfg.ICEServers,
		Logger:     c.server.logger,
	}, func(candidate *pwebrtc.ICECandidate) {
		cand := candidate.ToJSON()
		payload := protocol.ICECandidatePayload{Candidate: cand.Candidate}
		if cand.SDPMid != nil {
			payload.SDPMid = *cand.SDPMid
		}
		if cand.SDPMLineIndex != nil {
			payload.SDPMLineIndex = *cand.SDPMLineIndex
		}
		c.sendMessage(protocol.TypeICECandidate, payload)
	})
	if err != nil {
		return err
	}

	if err := session.AddH264Track(); err != nil {
		session.Close()
		return err
	}

	offer, err := session.CreateOffer()
	if err != nil {
		session.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return session.Close()
	}
	c.webrtc = session
	c.mu.Unlock()

	c.sendMessage(protocol.TypeOffer, protocol.SDPPayload{SDP: offer})
	go c.forwardRTP(session)
	return nil
}

func (c *Client) forwardRTP(session *webrtc.Session) {
	for {
		select {
		case <-c.stopRTP:
			return
		case packet := <-c.rtpChan:
			if err := session.WriteRTP(packet); err != nil {
				// Client disconnected or track closed
				return
			}
		}
	}
}

func (c *Client) session() *webrtc.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webrtc
}

func (c *Client) sendMessage(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.server.logger.Errorf("Failed to create message: %v", err)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Errorf("Failed to marshal message: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warnf("Client %s send buffer full, dropping %s", c.id, msgType)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *Client) readPump() {
	defer func() {
		c.server.clientsMu.Lock()
		delete(c.server.clients, c)
		c.server.clientsMu.Unlock()
		c.Close()
		c.server.logger.Infof("Client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warnf("WebSocket error: %v", err)
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(protocol.ErrInvalidMessage, "Failed to parse message")
		return
	}

	s := c.server
	switch msg.Type {
	case protocol.TypePing:
		var payload protocol.PingPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		c.sendMessage(protocol.TypePong, protocol.PongPayload{
			ClientTimestamp: payload.Timestamp,
			ServerTimestamp: time.Now().UnixMilli(),
		})

	case protocol.TypeStatus:
		c.sendMessage(protocol.TypeStatus, s.status())

	case protocol.TypePointer:
		var payload protocol.PointerPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			return
		}
		s.deps.Head.Nudge(payload.DX, payload.DY)
		s.broadcastStatus()

	case protocol.TypeReset:
		s.deps.Head.Reset()
		s.broadcastStatus()

	case protocol.TypeTracking:
		var payload protocol.TrackingPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			return
		}
		s.deps.Tracker.SetEnabled(payload.Tracking)
		s.broadcastStatus()

	case protocol.TypeTrackingParams:
		var payload protocol.TrackingParamsPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			return
		}
		if err := s.deps.Tracker.SetParameters(payload.Gain, payload.Deadzone); err != nil {
			c.sendError(protocol.ErrInvalidParams, err.Error())
			return
		}
		s.broadcastStatus()

	case protocol.TypeKey:
		var payload protocol.KeyPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			return
		}
		if s.deps.Drive == nil {
			return
		}
		if _, err := s.deps.Drive.SetKey(payload.Key, payload.State); err != nil {
			c.sendError(protocol.ErrDrive, err.Error())
			return
		}
		s.broadcastStatus()

	case protocol.TypeAnswer:
		var payload protocol.SDPPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		session := c.session()
		if session == nil {
			c.sendError(protocol.ErrLiveView, "no live view session")
			return
		}
		if err := session.SetAnswer(payload.SDP); err != nil {
			s.logger.Warnf("Failed to set answer: %v", err)
			c.sendError(protocol.ErrWebRTC, err.Error())
		}

	case protocol.TypeICECandidate:
		var payload protocol.ICECandidatePayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		if session := c.session(); session != nil {
			if err := session.AddICECandidate(payload.Candidate, payload.SDPMid, payload.SDPMLineIndex); err != nil {
				s.logger.Warnf("Failed to add ICE candidate: %v", err)
			}
		}

	default:
		s.logger.Debugf("Unknown message type: %s", msg.Type)
		c.sendError(protocol.ErrInvalidMessage, "unknown message type "+msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	close(c.stopRTP)

	if c.webrtc != nil {
		c.webrtc.Close()
		c.webrtc = nil
	}

	close(c.send)
}
