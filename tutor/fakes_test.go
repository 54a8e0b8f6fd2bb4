package tutor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/room4-2/tutorstream/auth"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	inbound chan *genai.LiveServerMessage
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	content  []genai.LiveSendClientContentParameters
	realtime []genai.LiveRealtimeInput
	tools    []genai.LiveToolResponseInput
	sendErr  error
	closes   atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan *genai.LiveServerMessage, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.done:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) SendClientContent(p genai.LiveSendClientContentParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.content = append(t.content, p)
	return nil
}

func (t *fakeTransport) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
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
	t.closes.Add(1)
	t.once.Do(func() { close(t.done) })
	return nil
}

// drop simulates the server going away.
func (t *fakeTransport) drop() { t.once.Do(func() { close(t.done) }) }

type fakeDialer struct {
	gate      chan struct{}
	err       error
	dials     atomic.Int32
	mu        sync.Mutex
	transport *fakeTransport
	lastCfg   *genai.LiveConnectConfig
	lastCred  auth.Credential
}

func (d *fakeDialer) Dial(ctx context.Context, cred auth.Credential, cfg *genai.LiveConnectConfig) (Transport, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transport = t
	d.lastCfg = cfg
	d.lastCred = cred
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) current() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport
}

type staticTokens struct {
	err   error
	calls atomic.Int32
}

func (s *staticTokens) Token(ctx context.Context) (auth.Credential, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return auth.Credential{}, s.err
	}
	return auth.Credential{Token: "ephemeral-" + string(rune('0'+n)), Model: "models/test-live"}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func count[T Event](events []Event) int {
	n := 0
	for _, e := range events {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

type stopCounter struct{ n atomic.Int32 }

func (s *stopCounter) Stop() { s.n.Add(1) }
