package server

import (
	"context"
	"encoding/base64"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/tutorstream/capture"
	"github.com/room4-2/tutorstream/config"
	"github.com/room4-2/tutorstream/functions"
	"github.com/room4-2/tutorstream/messages"
	"github.com/room4-2/tutorstream/mixer"
	"github.com/room4-2/tutorstream/session"
	"github.com/room4-2/tutorstream/tutor"
)

type fakeController struct {
	mixer *mixer.Mixer

	mu          sync.Mutex
	sink        session.Sink
	connects    []session.ConnectOverrides
	disconnects int
	audio       [][]byte
	muted       []bool
	camera      []bool
	screenErr   error
	question    functions.Question
	answered    []string
	texts       []string
}

func newFakeController(t *testing.T) *fakeController {
	m, err := mixer.New(mixer.Config{Width: 30, Height: 30, TargetFPS: 10})
	require.NoError(t, err)
	return &fakeController{mixer: m}
}

func (f *fakeController) Attach(s session.Sink) func() {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		if f.sink == s {
			f.sink = nil
		}
		f.mu.Unlock()
	}
}

func (f *fakeController) emit(msg *messages.ServerMessage) {
	f.mu.Lock()
	s := f.sink
	f.mu.Unlock()
	if s != nil {
		s.Send(msg)
	}
}

func (f *fakeController) ConnectTutor(_ context.Context, o session.ConnectOverrides) error {
	f.mu.Lock()
	f.connects = append(f.connects, o)
	n := len(f.connects)
	f.mu.Unlock()
	if n > 1 {
		return tutor.ErrAlreadyActive
	}
	f.emit(messages.NewStatusMessage("s1", messages.StatusConnected, ""))
	return nil
}

func (f *fakeController) DisconnectTutor(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeController) PushAudio(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
}

func (f *fakeController) SetMuted(m bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = append(f.muted, m)
}

func (f *fakeController) SetCamera(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.camera = append(f.camera, on)
	return nil
}

func (f *fakeController) SetScreen(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenErr
}

func (f *fakeController) SetQuestion(q functions.Question) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.question = q
}

func (f *fakeController) Answered(id string, correct bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if correct {
		id += ":correct"
	}
	f.answered = append(f.answered, id)
}

func (f *fakeController) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeController) SessionID() string       { return "s1" }
func (f *fakeController) TutorState() tutor.State { return tutor.StateDisconnected }
func (f *fakeController) Mixer() *mixer.Mixer     { return f.mixer }

func (f *fakeController) with(fn func(f *fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestServer(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	cfg := &config.Config{Port: 8080, AllowedOrigins: []string{"*"}}
	s := NewServerWebsocket(cfg, ctrl, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := sonic.Marshal(payload)
	require.NoError(t, err)
	data, err := sonic.Marshal(messages.ClientMessage{Type: typ, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

type received struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func read(t *testing.T, ws *websocket.Conn) received {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg received
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return msg
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t, newFakeController(t))
	ws := dial(t, ts)

	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionPing})
	msg := read(t, ws)
	assert.Equal(t, messages.TypeStatus, msg.Type)
	assert.Equal(t, messages.StatusPong, msg.Payload["status"])
}

func TestConnectForwardsOverridesAndEvents(t *testing.T) {
	ctrl := newFakeController(t)
	ts := newTestServer(t, ctrl)
	ws := dial(t, ts)

	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionConnect, Voice: "Kore"})
	msg := read(t, ws)
	assert.Equal(t, messages.StatusConnected, msg.Payload["status"])
	ctrl.with(func(f *fakeController) {
		require.Len(t, f.connects, 1)
		assert.Equal(t, "Kore", f.connects[0].Voice)
	})

	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionConnect})
	msg = read(t, ws)
	assert.Equal(t, messages.TypeError, msg.Type)
	assert.Equal(t, messages.ErrCodeBusy, msg.Payload["code"])
}

func TestAudioBinaryAndJSON(t *testing.T) {
	ctrl := newFakeController(t)
	ts := newTestServer(t, ctrl)
	ws := dial(t, ts)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	send(t, ws, messages.TypeAudio, messages.AudioPayload{Data: base64.StdEncoding.EncodeToString([]byte{3, 4})})
	send(t, ws, messages.TypeAudio, messages.AudioPayload{Data: "%%%"})

	msg := read(t, ws)
	assert.Equal(t, messages.ErrCodeInvalidMessage, msg.Payload["code"])
	ctrl.with(func(f *fakeController) {
		assert.Equal(t, [][]byte{{1, 2}, {3, 4}}, f.audio)
	})
}

func TestQuestionAnswerAndText(t *testing.T) {
	ctrl := newFakeController(t)
	ts := newTestServer(t, ctrl)
	ws := dial(t, ts)

	send(t, ws, messages.TypeQuestion, messages.QuestionPayload{ID: "q1", Text: "3x=12"})
	send(t, ws, messages.TypeAnswered, messages.AnsweredPayload{QuestionID: "q1", Correct: true})
	send(t, ws, messages.TypeText, messages.TextPayload{Text: "I'm stuck"})
	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionMute})
	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionPing})
	read(t, ws)

	ctrl.with(func(f *fakeController) {
		assert.Equal(t, functions.Question{ID: "q1", Text: "3x=12"}, f.question)
		assert.Equal(t, []string{"q1:correct"}, f.answered)
		assert.Equal(t, []string{"I'm stuck"}, f.texts)
		assert.Equal(t, []bool{true}, f.muted)
	})
}

func TestSourceErrorsReachUI(t *testing.T) {
	ctrl := newFakeController(t)
	ctrl.screenErr = capture.ErrPermissionDenied
	ts := newTestServer(t, ctrl)
	ws := dial(t, ts)

	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionScreenOn})
	msg := read(t, ws)
	assert.Equal(t, messages.ErrCodeDeviceError, msg.Payload["code"])
	assert.Contains(t, msg.Payload["message"], "permission denied")

	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionCameraOn})
	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.camera) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidMessages(t *testing.T) {
	ts := newTestServer(t, newFakeController(t))
	ws := dial(t, ts)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, messages.ErrCodeInvalidMessage, read(t, ws).Payload["code"])

	send(t, ws, "teleport", map[string]string{})
	assert.Equal(t, messages.ErrCodeInvalidMessage, read(t, ws).Payload["code"])

	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: "dance"})
	assert.Equal(t, messages.ErrCodeInvalidMessage, read(t, ws).Payload["code"])
}

func TestSecondClientIsBusy(t *testing.T) {
	ctrl := newFakeController(t)
	ts := newTestServer(t, ctrl)
	first := dial(t, ts)
	send(t, first, messages.TypeControl, messages.ControlPayload{Action: messages.ActionPing})
	read(t, first)

	second := dial(t, ts)
	msg := read(t, second)
	assert.Equal(t, messages.ErrCodeBusy, msg.Payload["code"])

	// The first client is unaffected.
	send(t, first, messages.TypeControl, messages.ControlPayload{Action: messages.ActionPing})
	assert.Equal(t, messages.StatusPong, read(t, first).Payload["status"])
}

func TestClientLeavingDisconnectsTutor(t *testing.T) {
	ctrl := newFakeController(t)
	ts := newTestServer(t, ctrl)
	ws := dial(t, ts)
	send(t, ws, messages.TypeControl, messages.ControlPayload{Action: messages.ActionPing})
	read(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.disconnects == 1 && ctrl.sink == nil
	}, 2*time.Second, 5*time.Millisecond)

	// A new client may connect once the first is gone.
	next := dial(t, ts)
	send(t, next, messages.TypeControl, messages.ControlPayload{Action: messages.ActionPing})
	assert.Equal(t, messages.StatusPong, read(t, next).Payload["status"])
}

func TestHealthAndSnapshot(t *testing.T) {
	ts := newTestServer(t, newFakeController(t))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, tutor.StateDisconnected.String(), health["tutor"])

	snap, err := http.Get(ts.URL + "/snapshot.jpg")
	require.NoError(t, err)
	defer snap.Body.Close()
	assert.Equal(t, "image/jpeg", snap.Header.Get("Content-Type"))
	img, err := jpeg.Decode(snap.Body)
	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dx())
}
