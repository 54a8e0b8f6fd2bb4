// Package feed is the secondary, best-effort WebSocket feed. Audio is batched
// on a timer; media and transcripts go out immediately or not at all.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/reconnect"
)

// State of the feed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// URL is the feed endpoint, e.g. wss://host/ws/feed.
	URL string
	// Token is appended as the token query parameter.
	Token string

	BatchInterval time.Duration // default: 2s
	PingInterval  time.Duration // default: 25s
	// MaxBatchBytes caps queued audio; 0 means 4 MiB, negative means no cap.
	MaxBatchBytes int
	Policy        reconnect.Policy

	Dialer *websocket.Dialer
	Logger pslog.Logger
}

// Client is one feed connection. The zero value is not usable; call New.
type Client struct {
	opts  Options
	log   pslog.Logger
	batch *AudioBatch
	sched *reconnect.Scheduler

	mu       sync.Mutex
	state    State
	wanted   bool
	gen      uint64
	ctx      context.Context
	conn     *wsConn
	lastPong time.Time
}

type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// intentional marks a close we asked for.
	intentional atomic.Bool
}

func (c *wsConn) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// New builds a disconnected client.
func New(opts Options) *Client {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 2 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.MaxBatchBytes == 0 {
		opts.MaxBatchBytes = 4 << 20
	}
	if opts.Policy == (reconnect.Policy{}) {
		opts.Policy = reconnect.DefaultPolicy()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Client{
		opts:  opts,
		log:   log.With("component", "feed"),
		batch: NewAudioBatch(opts.MaxBatchBytes),
		sched: reconnect.NewScheduler(opts.Policy),
	}
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPong returns when the server last answered a ping. Zero if never.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Connect opens the feed. ctx bounds the whole lifetime, reconnects
// included. A failed first dial still arms the reconnect schedule.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.wanted && (c.state == StateConnecting || c.state == StateConnected || c.sched.Pending()) {
		c.mu.Unlock()
		return nil
	}
	c.wanted = true
	c.gen++
	c.ctx = ctx
	gen := c.gen
	c.mu.Unlock()

	c.sched.Reset()
	return c.dial(gen)
}

// Disconnect closes with a normal close code, stops every timer and forgets
// the attempt count. It never leads to a reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.sched.Cancel()
	c.batch.Clear()
	if conn != nil {
		conn.intentional.Store(true)
		conn.stop()
		c.log.Info("🔌 feed disconnected", "conn", conn.id)
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) dial(gen uint64) error {
	c.mu.Lock()
	if gen != c.gen || !c.wanted {
		c.mu.Unlock()
		return nil
	}
	ctx := c.ctx
	c.state = StateConnecting
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		c.setState(gen, StateError)
		return err
	}

	ws, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.log.Warn("feed dial failed", "err", err)
		c.setState(gen, StateError)
		c.scheduleReconnect(gen)
		return fmt.Errorf("dial feed: %w", err)
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if gen != c.gen || !c.wanted {
		c.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.sched.Reset()
	c.log.Info("✅ feed connected", "conn", conn.id)

	go c.writePump(conn)
	go c.readPump(gen, conn)
	return nil
}

func (c *Client) setState(gen uint64, s State) {
	c.mu.Lock()
	if gen == c.gen {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	wanted := c.wanted && gen == c.gen
	ctxErr := c.ctx.Err()
	c.mu.Unlock()
	if !wanted || ctxErr != nil {
		return
	}

	delay, ok := c.sched.Schedule(func() {
		if err := c.dial(gen); err != nil {
			c.log.Debug("feed reconnect attempt failed", "err", err)
		}
	})
	if !ok {
		if c.sched.Exhausted() {
			c.log.Error("❌ feed reconnect attempts exhausted", "attempts", c.sched.Attempts())
		}
		return
	}
	c.log.Info("🔄 feed reconnect scheduled", "delay", delay, "attempt", c.sched.Attempts())
}

// readPump watches for pongs and decides, from the close code, whether the
// drop warrants a reconnect.
func (c *Client) readPump(gen uint64, conn *wsConn) {
	defer conn.stop()
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.intentional.Load() {
				return
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Info("feed closed by server", "conn", conn.id)
				c.setState(gen, StateDisconnected)
				return
			}
			c.log.Warn("feed connection lost", "conn", conn.id, "err", err)
			c.setState(gen, StateError)
			c.scheduleReconnect(gen)
			return
		}
		if peekType(raw) == TypePong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}
	}
}

// writePump owns every write on the socket, including the batch flush and
// keep-alive timers, which live exactly as long as the connection.
func (c *Client) writePump(conn *wsConn) {
	batchTicker := time.NewTicker(c.opts.BatchInterval)
	pingTicker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		batchTicker.Stop()
		pingTicker.Stop()
		if conn.intentional.Load() {
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.ws.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
		}
		_ = conn.ws.Close()
	}()

	write := func(payload []byte) bool {
		_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.Debug("feed write failed", "conn", conn.id, "err", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-conn.done:
			return
		case payload := <-conn.send:
			if !write(payload) {
				return
			}
		case <-batchTicker.C:
			pcm := c.batch.Flush()
			if pcm == nil {
				continue
			}
			payload, err := encode(audioMessage(pcm))
			if err != nil {
				c.log.Warn("feed audio encode failed", "err", err)
				continue
			}
			if !write(payload) {
				return
			}
			c.log.Trace("📤 feed audio batch", "bytes", len(pcm))
		case <-pingTicker.C:
			payload, err := encode(newMessage(TypePing, nil))
			if err != nil {
				continue
			}
			if !write(payload) {
				return
			}
		}
	}
}

// SendAudio queues a PCM chunk for the next batch flush. It never writes to
// the socket itself.
func (c *Client) SendAudio(chunk []byte) error {
	if err := c.batch.Append(chunk); err != nil {
		if errors.Is(err, ErrBufferFull) {
			c.log.Warn("feed audio batch full, dropping chunk", "bytes", len(chunk), "queued", c.batch.Size())
		}
		return err
	}
	return nil
}

// SendMedia sends a media frame now. It is dropped when the socket is not
// open.
func (c *Client) SendMedia(mimeType string, data []byte) bool {
	return c.sendNow(mediaMessage(mimeType, data))
}

// SendTranscript sends a transcript line now. It is dropped when the socket
// is not open.
func (c *Client) SendTranscript(speaker, text string, final bool) bool {
	return c.sendNow(transcriptMessage(speaker, text, final))
}

func (c *Client) sendNow(msg Message) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return false
	}

	payload, err := encode(msg)
	if err != nil {
		c.log.Warn("feed encode failed", "type", msg.Type, "err", err)
		return false
	}
	select {
	case <-conn.done:
		return false
	case conn.send <- payload:
		return true
	default:
		c.log.Debug("feed send queue full, dropping", "type", msg.Type)
		return false
	}
}
