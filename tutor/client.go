// Package tutor is the realtime tutor channel: one live audio session with
// the model at a time, an explicit connection state machine and a closed set
// of inbound events.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/genai"
	"pkt.systems/pslog"
)

var (
	// ErrAlreadyActive is returned by Connect unless the client is
	// disconnected.
	ErrAlreadyActive = errors.New("tutor session already connecting or connected")
	// ErrCancelled is returned by Connect when Disconnect won the race.
	ErrCancelled = errors.New("tutor connect cancelled")
)

// State of the client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Player is local audio playback. Stop must return quickly.
type Player interface {
	Stop()
}

// Option configures a Client.
type Option func(*Client)

// WithPlayer sets the playback sink stopped on interruption.
func WithPlayer(p Player) Option { return func(c *Client) { c.player = p } }

// WithLogger sets the client logger.
func WithLogger(log pslog.Logger) Option { return func(c *Client) { c.log = log } }

// Client owns at most one live connection.
type Client struct {
	tokens TokenSource
	dialer Dialer
	player Player
	log    pslog.Logger

	mu    sync.Mutex
	state State
	conn  *connection

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

type connection struct {
	id        string
	transport Transport
	model     string
	closing   atomic.Bool
	setupSeen atomic.Bool
	closeOnce sync.Once

	// lifecycle orders Open before Close for this connection.
	lifecycle sync.Mutex
}

// New builds a disconnected client.
func New(tokens TokenSource, dialer Dialer, opts ...Option) *Client {
	c := &Client{
		tokens:    tokens,
		dialer:    dialer,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = pslog.Ctx(context.Background())
	}
	c.log = c.log.With("component", "tutor")
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers l for every event until the returned func is called.
func (c *Client) Subscribe(l Listener) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// Connect fetches a fresh credential, dials and starts receiving. It fails
// with ErrAlreadyActive, without side effects, unless disconnected. Any
// failure after that point emits Error then Close. Close never precedes
// Open for the same connection, so listeners must not call Disconnect from
// inside their Open handler.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	conn := &connection{id: uuid.NewString()}
	c.state = StateConnecting
	c.conn = conn
	c.mu.Unlock()

	log := c.log.With("conn", conn.id)
	log.Info("🔌 connecting tutor session")

	cred, err := c.tokens.Token(ctx)
	if err != nil {
		err = fmt.Errorf("fetch credential: %w", err)
		c.fail(conn, err)
		return err
	}

	transport, err := c.dialer.Dial(ctx, cred, cfg.live())
	if err != nil {
		err = fmt.Errorf("dial: %w", err)
		c.fail(conn, err)
		return err
	}

	conn.lifecycle.Lock()
	defer conn.lifecycle.Unlock()

	c.mu.Lock()
	if c.conn != conn || conn.closing.Load() {
		c.mu.Unlock()
		_ = transport.Close()
		return ErrCancelled
	}
	conn.transport = transport
	conn.model = cred.Model
	c.state = StateConnected
	c.mu.Unlock()

	log.Info("✅ tutor session connected", "model", cred.Model)
	c.emit(Open{Model: cred.Model})
	go c.receive(conn, log)
	return nil
}

// Disconnect closes the current connection, if any. Close fires once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.finish(conn, nil)
}

func (c *Client) receive(conn *connection, log pslog.Logger) {
	for {
		msg, err := conn.transport.Receive()
		if err != nil {
			if conn.closing.Load() {
				return
			}
			log.Error("❌ tutor receive error", "err", err)
			c.fail(conn, err)
			return
		}
		c.dispatch(conn, msg, log)
	}
}

func (c *Client) dispatch(conn *connection, msg *genai.LiveServerMessage, log pslog.Logger) {
	for _, ev := range Demux(msg) {
		switch e := ev.(type) {
		case SetupComplete:
			if !conn.setupSeen.CompareAndSwap(false, true) {
				continue
			}
			log.Debug("📥 setup complete")
		case Interrupted:
			if c.player != nil {
				c.player.Stop()
			}
			log.Debug("📥 interrupted")
		case ToolCall:
			log.Info("📥 received function calls", "count", len(e.Calls))
		case Audio:
			log.Trace("📥 received audio", "bytes", len(e.Data))
		case Content:
			log.Debug("📥 received content", "parts", len(e.Parts))
		}
		c.emit(ev)
	}
}

// fail reports err and tears the connection down.
func (c *Client) fail(conn *connection, err error) {
	if conn.closing.Load() {
		return
	}
	c.emit(Error{Err: err})
	c.finish(conn, err)
}

func (c *Client) finish(conn *connection, cause error) {
	conn.closeOnce.Do(func() {
		conn.closing.Store(true)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.state = StateDisconnected
		}
		transport := conn.transport
		c.mu.Unlock()

		if transport != nil {
			if err := transport.Close(); err != nil {
				c.log.Debug("tutor transport close", "conn", conn.id, "err", err)
			}
		}
		c.log.Info("tutor session closed", "conn", conn.id, "err", cause)
		conn.lifecycle.Lock()
		c.emit(Close{Err: cause})
		conn.lifecycle.Unlock()
	})
}

func (c *Client) emit(ev Event) {
	c.lmu.RLock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	c.lmu.RUnlock()

	for _, l := range ls {
		l.HandleEvent(ev)
	}
}

func (c *Client) active() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

// Send delivers a user turn. It is a no-op when not connected.
func (c *Client) Send(parts []*genai.Part, turnComplete bool) error {
	conn := c.active()
	if conn == nil || len(parts) == 0 {
		return nil
	}
	err := conn.transport.SendClientContent(genai.LiveSendClientContentParameters{
		Turns:        []*genai.Content{{Role: "user", Parts: parts}},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return c.sendFailed(conn, fmt.Errorf("failed to send content: %w", err))
	}
	c.log.Debug("📤 sent content", "parts", len(parts), "turn_complete", turnComplete)
	return nil
}

// SendText sends text as a complete user turn.
func (c *Client) SendText(text string) error {
	if text == "" {
		return nil
	}
	return c.Send([]*genai.Part{{Text: text}}, true)
}

// SendRealtimeInput streams audio and video chunks. It is a no-op when not
// connected.
func (c *Client) SendRealtimeInput(chunks []*genai.Blob) error {
	conn := c.active()
	if conn == nil || len(chunks) == 0 {
		return nil
	}
	total := 0
	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}
		if err := conn.transport.SendRealtimeInput(genai.LiveRealtimeInput{Media: chunk}); err != nil {
			return c.sendFailed(conn, fmt.Errorf("failed to send realtime input: %w", err))
		}
		total += len(chunk.Data)
	}
	c.log.Trace("📤 sent realtime input", "kind", classify(chunks), "chunks", len(chunks), "bytes", total)
	return nil
}

// EndAudioStream tells the model the microphone went quiet, so it answers
// what it has heard so far.
func (c *Client) EndAudioStream() error {
	conn := c.active()
	if conn == nil {
		return nil
	}
	if err := conn.transport.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return c.sendFailed(conn, fmt.Errorf("failed to send audio stream end: %w", err))
	}
	c.log.Debug("📤 sent audio stream end")
	return nil
}

// SendToolResponse answers function calls. It is a no-op when not connected.
func (c *Client) SendToolResponse(responses []*genai.FunctionResponse) error {
	conn := c.active()
	if conn == nil || len(responses) == 0 {
		return nil
	}
	err := conn.transport.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
	if err != nil {
		return c.sendFailed(conn, fmt.Errorf("failed to send tool response: %w", err))
	}
	c.log.Info("📤 sent tool responses", "count", len(responses))
	return nil
}

func (c *Client) sendFailed(conn *connection, err error) error {
	c.log.Error("❌ tutor send failed", "conn", conn.id, "err", err)
	c.fail(conn, err)
	return err
}

// classify labels a realtime batch for logging only.
func classify(chunks []*genai.Blob) string {
	var audio, video bool
	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}
		switch {
		case strings.HasPrefix(chunk.MIMEType, "audio/"):
			audio = true
		case strings.HasPrefix(chunk.MIMEType, "image/"), strings.HasPrefix(chunk.MIMEType, "video/"):
			video = true
		}
	}
	switch {
	case audio && video:
		return "both"
	case video:
		return "video"
	case audio:
		return "audio"
	default:
		return "unknown"
	}
}
