package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robohead/internal/axis"
	"robohead/internal/camera"
	"robohead/internal/head"
	"robohead/internal/protocol"
	"robohead/internal/tracking"
)

type fakeHead struct {
	mu     sync.Mutex
	pos    head.Position
	nudges [][2]float64
	resets int
}

func (f *fakeHead) Nudge(dx, dy float64) head.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudges = append(f.nudges, [2]float64{dx, dy})
	f.pos.X += dx
	f.pos.Y += dy
	return f.pos
}

func (f *fakeHead) Reset() head.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.pos = head.Position{}
	return f.pos
}

func (f *fakeHead) Status() head.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return head.Status{Pointer: f.pos, Pan: axis.State{Target: 3, Running: true}, Tilt: -2}
}

func (f *fakeHead) nudgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nudges)
}

type fakeTracker struct {
	mu      sync.Mutex
	enabled bool
	params  tracking.Parameters
}

func (f *fakeTracker) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTracker) SetEnabled(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = on
}

func (f *fakeTracker) Parameters() tracking.Parameters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

func (f *fakeTracker) SetParameters(gain, deadzone float64) error {
	p := tracking.Parameters{Gain: gain, Deadzone: deadzone}
	if err := p.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = p
	return nil
}

type fakeDrive struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (f *fakeDrive) SetKey(key string, pressed bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return true, f.err
	}
	if _, ok := f.keys[key]; !ok {
		return false, nil
	}
	f.keys[key] = pressed
	return true, nil
}

func (f *fakeDrive) Keys() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for k, v := range f.keys {
		out[k] = v
	}
	return out
}

type fakeCapturer struct {
	path string
	err  error
}

func (f *fakeCapturer) Capture() (string, error) { return f.path, f.err }

type fakeVideo struct{ seq uint64 }

func (f *fakeVideo) Latest() ([]byte, uint64) { return nil, f.seq }

func (f *fakeVideo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)
}

type fixture struct {
	srv     *Server
	head    *fakeHead
	tracker *fakeTracker
	drive   *fakeDrive
	capture *fakeCapturer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		head:    &fakeHead{},
		tracker: &fakeTracker{params: tracking.Parameters{Gain: 0.5, Deadzone: 0.05}},
		drive:   &fakeDrive{keys: map[string]bool{"w": false, "a": false}},
		capture: &fakeCapturer{path: "/tmp/out/capture_1.jpg"},
	}
	srv, err := New(Config{ListenAddr: ":0"}, Deps{
		Head:     f.head,
		Tracker:  f.tracker,
		Drive:    f.drive,
		Capturer: f.capture,
		Video:    &fakeVideo{seq: 4},
	}, fstest.MapFS{"index.html": {Data: []byte("<html>robohead</html>")}})
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestNewRequiresHeadAndTracker(t *testing.T) {
	_, err := New(Config{}, Deps{Head: &fakeHead{}}, nil)
	assert.Error(t, err)
}

func TestPosition(t *testing.T) {
	f := newFixture(t)

	rec, out := f.do(t, http.MethodPost, "/api/position", `{"dx": 10, "dy": -4}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 10.0, out["x"])
	assert.Equal(t, -4.0, out["y"])

	// missing fields default to zero
	_, out = f.do(t, http.MethodPost, "/api/position", `{"dx": 5}`)
	assert.Equal(t, 15.0, out["x"])
	assert.Equal(t, [][2]float64{{10, -4}, {5, 0}}, f.head.nudges)
}

func TestPositionRejectsBadJSON(t *testing.T) {
	f := newFixture(t)

	rec, out := f.do(t, http.MethodPost, "/api/position", `{"dx": "far"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.NotEmpty(t, out["error"])
	assert.Zero(t, f.head.nudgeCount())
}

func TestPositionMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPut, "/api/position", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/position", `{"dx": 10}`)

	rec, out := f.do(t, http.MethodPost, "/api/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, out["x"])
	assert.Equal(t, 1, f.head.resets)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetEnabled(true)
	f.do(t, http.MethodPost, "/api/position", `{"dx": 7, "dy": 2}`)

	rec, out := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7.0, out["x"])
	assert.Equal(t, 2.0, out["y"])
	assert.Equal(t, true, out["tracking_enabled"])
	assert.Equal(t, map[string]any{"w": false, "a": false}, out["key_states"])
	assert.Equal(t, -2.0, out["tilt"])
	assert.Equal(t, true, out["camera_connected"])
	assert.Equal(t, false, out["live_view"])

	pan := out["pan"].(map[string]any)
	assert.Equal(t, 3.0, pan["target"])
	params := out["tracking_params"].(map[string]any)
	assert.Equal(t, 0.5, params["gain"])
}

func TestTrackingToggle(t *testing.T) {
	f := newFixture(t)

	_, out := f.do(t, http.MethodPost, "/api/tracking", `{"tracking": true}`)
	assert.Equal(t, true, out["tracking"])
	assert.True(t, f.tracker.Enabled())

	_, out = f.do(t, http.MethodPost, "/api/tracking", `{}`)
	assert.Equal(t, false, out["tracking"])
}

func TestTrackingParams(t *testing.T) {
	f := newFixture(t)

	_, out := f.do(t, http.MethodPost, "/api/tracking/params", `{"deadzone": 0.1}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 0.5, out["gain"], "omitted gain is kept")
	assert.Equal(t, 0.1, out["deadzone"])

	rec, out := f.do(t, http.MethodPost, "/api/tracking/params", `{"gain": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, 0.5, f.tracker.Parameters().Gain)

	_, out = f.do(t, http.MethodGet, "/api/tracking/params", "")
	assert.Equal(t, 0.1, out["deadzone"])
}

func TestKeyboard(t *testing.T) {
	f := newFixture(t)

	_, out := f.do(t, http.MethodPost, "/api/keyboard", `{"key": "w", "state": true, "action": "press"}`)
	assert.Equal(t, map[string]any{"success": true, "key": "w", "state": true, "action": "press"}, out)
	assert.True(t, f.drive.Keys()["w"])

	// unknown keys are echoed and ignored
	rec, out := f.do(t, http.MethodPost, "/api/keyboard", `{"key": "q", "state": true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.NotContains(t, f.drive.Keys(), "q")

	f.drive.err = errors.New("i2c")
	rec, _ = f.do(t, http.MethodPost, "/api/keyboard", `{"key": "a", "state": true}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCapture(t *testing.T) {
	f := newFixture(t)

	_, out := f.do(t, http.MethodPost, "/api/capture", "")
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Image captured successfully", out["message"])
	assert.Equal(t, "capture_1.jpg", out["file"])

	f.capture.err = camera.ErrCaptureDisabled
	rec, out := f.do(t, http.MethodPost, "/api/capture", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, out["success"])

	f.capture.err = camera.ErrNoFrame
	rec, _ = f.do(t, http.MethodPost, "/api/capture", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVideoAndStatic(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/video_feed", "")
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))

	rec, _ = f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "robohead")
}

func TestVideoWithoutCamera(t *testing.T) {
	srv, err := New(Config{}, Deps{Head: &fakeHead{}, Tracker: &fakeTracker{}}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/capture", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return &msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketStatusOnConnect(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)

	var st protocol.StatusPayload
	require.NoError(t, readMessage(t, conn, protocol.TypeStatus).ParsePayload(&st))
	assert.Equal(t, 0.5, st.Tracking.Gain)
	assert.True(t, st.CameraConnected)
	assert.Eventually(t, func() bool { return f.srv.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketPingPong(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)

	send(t, conn, protocol.TypePing, protocol.PingPayload{Timestamp: 42})
	var pong protocol.PongPayload
	require.NoError(t, readMessage(t, conn, protocol.TypePong).ParsePayload(&pong))
	assert.Equal(t, int64(42), pong.ClientTimestamp)
	assert.NotZero(t, pong.ServerTimestamp)
}

func TestWebSocketPointerBroadcastsStatus(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)
	readMessage(t, conn, protocol.TypeStatus)

	send(t, conn, protocol.TypePointer, protocol.PointerPayload{DX: 3, DY: 1})
	var st protocol.StatusPayload
	require.NoError(t, readMessage(t, conn, protocol.TypeStatus).ParsePayload(&st))
	assert.Equal(t, 3.0, st.X)
	assert.Equal(t, 1.0, st.Y)

	send(t, conn, protocol.TypeKey, protocol.KeyPayload{Key: "a", State: true, Action: "press"})
	require.NoError(t, readMessage(t, conn, protocol.TypeStatus).ParsePayload(&st))
	assert.True(t, st.KeyStates["a"])

	send(t, conn, protocol.TypeReset, struct{}{})
	require.NoError(t, readMessage(t, conn, protocol.TypeStatus).ParsePayload(&st))
	assert.Zero(t, st.X)
}

func TestWebSocketErrors(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var e protocol.ErrorPayload
	require.NoError(t, readMessage(t, conn, protocol.TypeError).ParsePayload(&e))
	assert.Equal(t, protocol.ErrInvalidMessage, e.Code)

	send(t, conn, protocol.TypeTrackingParams, protocol.TrackingParamsPayload{Gain: 0, Deadzone: 0.1})
	require.NoError(t, readMessage(t, conn, protocol.TypeError).ParsePayload(&e))
	assert.Equal(t, protocol.ErrInvalidParams, e.Code)

	send(t, conn, protocol.TypeAnswer, protocol.SDPPayload{SDP: "v=0"})
	require.NoError(t, readMessage(t, conn, protocol.TypeError).ParsePayload(&e))
	assert.Equal(t, protocol.ErrLiveView, e.Code)
}

func TestWebSocketTracking(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)
	readMessage(t, conn, protocol.TypeStatus)

	send(t, conn, protocol.TypeTracking, protocol.TrackingPayload{Tracking: true})
	var st protocol.StatusPayload
	require.NoError(t, readMessage(t, conn, protocol.TypeStatus).ParsePayload(&st))
	assert.True(t, st.TrackingEnabled)

	send(t, conn, protocol.TypeTrackingParams, protocol.TrackingParamsPayload{Gain: 0.9, Deadzone: 0.02})
	require.NoError(t, readMessage(t, conn, protocol.TypeStatus).ParsePayload(&st))
	assert.Equal(t, 0.9, st.Tracking.Gain)
}

func TestLiveViewURLValidated(t *testing.T) {
	_, err := New(Config{LiveRTSPURL: "://bad"}, Deps{Head: &fakeHead{}, Tracker: &fakeTracker{}}, nil)
	assert.Error(t, err)
}
