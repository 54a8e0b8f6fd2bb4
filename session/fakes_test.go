package session

import (
	"context"
	"errors"
	"image"
	"sync"

	"google.golang.org/genai"

	"github.com/room4-2/tutorstream/assistant"
	"github.com/room4-2/tutorstream/auth"
	"github.com/room4-2/tutorstream/instruction"
	"github.com/room4-2/tutorstream/messages"
	"github.com/room4-2/tutorstream/tutor"
)

var errClosed = errors.New("transport closed")

type fakeTransport struct {
	inbound chan *genai.LiveServerMessage
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	content  []genai.LiveSendClientContentParameters
	realtime []genai.LiveRealtimeInput
	tools    []genai.LiveToolResponseInput
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan *genai.LiveServerMessage, 16), done: make(chan struct{})}
}

func (t *fakeTransport) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.done:
		return nil, errClosed
	}
}

func (t *fakeTransport) SendClientContent(p genai.LiveSendClientContentParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.content = append(t.content, p)
	return nil
}

func (t *fakeTransport) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realtime = append(t.realtime, in)
	return nil
}

func (t *fakeTransport) SendToolResponse(in genai.LiveToolResponseInput) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools = append(t.tools, in)
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// texts returns the text of every user turn sent so far.
func (t *fakeTransport) texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, c := range t.content {
		for _, turn := range c.Turns {
			for _, part := range turn.Parts {
				out = append(out, part.Text)
			}
		}
	}
	return out
}

func (t *fakeTransport) media(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, in := range t.realtime {
		if in.Media != nil && len(in.Media.MIMEType) >= len(prefix) && in.Media.MIMEType[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (t *fakeTransport) audioStreamEnds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, in := range t.realtime {
		if in.AudioStreamEnd {
			n++
		}
	}
	return n
}

func (t *fakeTransport) toolResponses() []*genai.FunctionResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*genai.FunctionResponse
	for _, in := range t.tools {
		out = append(out, in.FunctionResponses...)
	}
	return out
}

type fakeDialer struct {
	err error

	mu         sync.Mutex
	transports []*fakeTransport
	configs    []*genai.LiveConnectConfig
}

func (d *fakeDialer) Dial(_ context.Context, _ auth.Credential, cfg *genai.LiveConnectConfig) (tutor.Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.configs = append(d.configs, cfg)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type staticTokens struct{}

func (staticTokens) Token(context.Context) (auth.Credential, error) {
	return auth.Credential{Token: "ephemeral", Model: "models/test"}, nil
}

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []*messages.ServerMessage
}

func (s *sinkRecorder) Send(msg *messages.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *sinkRecorder) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		if p, ok := m.Payload.(messages.StatusPayload); ok {
			out = append(out, p.Status)
		}
	}
	return out
}

func (s *sinkRecorder) ofType(typ string) []*messages.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*messages.ServerMessage
	for _, m := range s.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeFeed struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	audio       [][]byte
	media       []string
	transcripts []string
}

func (f *fakeFeed) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeFeed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeFeed) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, chunk)
	return nil
}

func (f *fakeFeed) SendMedia(mimeType string, _ []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, mimeType)
	return true
}

func (f *fakeFeed) SendTranscript(speaker, text string, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, speaker+": "+text)
	return true
}

func (f *fakeFeed) snapshot() (audio int, media int, transcripts []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio), len(f.media), append([]string(nil), f.transcripts...)
}

type fakeInstructions struct {
	mu      sync.Mutex
	started bool
	stopped bool
	subs    []func(instruction.Instruction)
}

func (f *fakeInstructions) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeInstructions) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeInstructions) Subscribe(fn func(instruction.Instruction)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeInstructions) fire(in instruction.Instruction) {
	f.mu.Lock()
	subs := make([]func(instruction.Instruction), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(in)
	}
}

type fakeAssistant struct {
	greeting string
	goodbye  string

	mu      sync.Mutex
	turns   []assistant.Turn
	answers []assistant.Answer
}

func (a *fakeAssistant) StartSession(context.Context, assistant.SessionRequest) (string, error) {
	return a.greeting, nil
}

func (a *fakeAssistant) EndSession(context.Context, assistant.SessionRequest) (string, error) {
	return a.goodbye, nil
}

func (a *fakeAssistant) LogTurn(_ context.Context, turn assistant.Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, turn)
	return nil
}

func (a *fakeAssistant) QuestionAnswered(_ context.Context, ans assistant.Answer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, ans)
	return nil
}

func (a *fakeAssistant) recorded() ([]assistant.Turn, []assistant.Answer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]assistant.Turn(nil), a.turns...), append([]assistant.Answer(nil), a.answers...)
}

// fakeSource flips state synchronously and serves a solid frame.
type fakeSource struct {
	enableErr error

	mu      sync.Mutex
	enabled bool
	frame   image.Image
	subs    []func(bool)
}

func (s *fakeSource) Enable(context.Context) error {
	if s.enableErr != nil {
		return s.enableErr
	}
	s.set(true)
	return nil
}

func (s *fakeSource) Disable() { s.set(false) }

func (s *fakeSource) set(enabled bool) {
	s.mu.Lock()
	changed := s.enabled != enabled
	s.enabled = enabled
	subs := make([]func(bool), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range subs {
		fn(enabled)
	}
}

func (s *fakeSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *fakeSource) LatestFrame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.enabled && s.frame != nil
}

func (s *fakeSource) OnStateChange(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	return func() {}
}
