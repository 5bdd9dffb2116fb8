package protocol

import "encoding/json"

// Message types
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeStatus         = "status"
	TypePointer        = "pointer"
	TypeReset          = "reset"
	TypeTracking       = "tracking"
	TypeTrackingParams = "tracking_params"
	TypeKey            = "key"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice_candidate"
	TypeError          = "error"
)

// Error codes
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrInvalidParams  = "INVALID_PARAMS"
	ErrDrive          = "DRIVE_ERROR"
	ErrLiveView       = "LIVE_VIEW_UNAVAILABLE"
	ErrWebRTC         = "WEBRTC_ERROR"
)

// Message is the base envelope for all WebSocket messages
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PingPayload for ping messages
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload for pong messages
type PongPayload struct {
	ClientTimestamp int64 `json:"client_timestamp"`
	ServerTimestamp int64 `json:"server_timestamp"`
}

// PointerPayload is a pointer delta from the UI
type PointerPayload struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// TrackingPayload toggles vision tracking
type TrackingPayload struct {
	Tracking bool `json:"tracking"`
}

// TrackingParamsPayload updates the tracking gain and deadzone
type TrackingParamsPayload struct {
	Gain     float64 `json:"gain"`
	Deadzone float64 `json:"deadzone"`
}

// KeyPayload is a drive keyboard event
type KeyPayload struct {
	Key    string `json:"key"`
	State  bool   `json:"state"`
	Action string `json:"action"`
}

// AxisPayload describes the pan axis loop
type AxisPayload struct {
	Target   float64 `json:"target"`
	Estimate float64 `json:"estimate"`
	Drive    float64 `json:"drive"`
	Running  bool    `json:"running"`
}

// StatusPayload for status messages and GET /api/status
type StatusPayload struct {
	X               float64               `json:"x"`
	Y               float64               `json:"y"`
	TrackingEnabled bool                  `json:"tracking_enabled"`
	KeyStates       map[string]bool       `json:"key_states"`
	Pan             AxisPayload           `json:"pan"`
	Tilt            float64               `json:"tilt"`
	Tracking        TrackingParamsPayload `json:"tracking_params"`
	CameraConnected bool                  `json:"camera_connected"`
	LiveView        bool                  `json:"live_view"`
}

// SDPPayload for offer/answer messages
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload for ICE candidate messages
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

// ErrorPayload for error messages
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given struct
func (m *Message) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
