// Package instruction subscribes to the server-pushed instruction stream
// (Server-Sent Events) and fans instructions out to listeners.
package instruction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tmaxmax/go-sse"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/reconnect"
)

// Event names on the stream.
const (
	EventInstruction = "instruction"
	EventKeepalive   = "keepalive"
)

const maxEventSize = 1 << 20

// State of the subscription.
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

// Instruction is one pushed instruction.
type Instruction struct {
	ID         string
	Text       string
	ReceivedAt time.Time
}

// Options configures a Client.
type Options struct {
	// URL is the stream endpoint, e.g. https://host/sse/instructions.
	URL    string
	Token  string
	Policy reconnect.Policy
	// HTTP must not set a client timeout; the stream is long-lived.
	HTTP   *http.Client
	Logger pslog.Logger
}

// Client is a receive-only subscription.
type Client struct {
	opts  Options
	log   pslog.Logger
	sched *reconnect.Scheduler

	mu            sync.Mutex
	state         State
	wanted        bool
	gen           uint64
	ctx           context.Context
	cancelStream  context.CancelFunc
	lastKeepalive time.Time

	lmu       sync.RWMutex
	listeners map[uint64]func(Instruction)
	nextID    uint64
}

// New builds a stopped client.
func New(opts Options) *Client {
	if opts.Policy == (reconnect.Policy{}) {
		opts.Policy = reconnect.DefaultPolicy()
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Client{
		opts:      opts,
		log:       log.With("component", "instruction"),
		sched:     reconnect.NewScheduler(opts.Policy),
		listeners: make(map[uint64]func(Instruction)),
	}
}

// Subscribe adds a listener. Each returned func removes only its own
// listener.
func (c *Client) Subscribe(fn func(Instruction)) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
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

// State returns the subscription state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastKeepalive returns when the last keepalive arrived.
func (c *Client) LastKeepalive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKeepalive
}

// Start opens the stream in the background. ctx bounds the subscription,
// reconnects included.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.endpoint(); err != nil {
		return err
	}
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
	go c.connect(gen)
	return nil
}

// Stop closes the stream and cancels any pending reconnect.
func (c *Client) Stop() {
	c.mu.Lock()
	c.wanted = false
	c.gen++
	cancel := c.cancelStream
	c.cancelStream = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.sched.Cancel()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse instruction url: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) connect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.wanted {
		c.mu.Unlock()
		return
	}
	streamCtx, cancel := context.WithCancel(c.ctx)
	c.cancelStream = cancel
	c.state = StateConnecting
	c.mu.Unlock()
	defer cancel()

	err := c.stream(streamCtx, gen)

	c.mu.Lock()
	current := gen == c.gen && c.wanted
	if current {
		c.state = StateError
		c.cancelStream = nil
	}
	c.mu.Unlock()
	if !current || streamCtx.Err() != nil {
		return
	}

	c.log.Warn("instruction stream error", "err", err)
	delay, ok := c.sched.Schedule(func() { c.connect(gen) })
	if !ok {
		if c.sched.Exhausted() {
			c.log.Error("❌ instruction reconnect attempts exhausted", "attempts", c.sched.Attempts())
		}
		return
	}
	c.log.Info("🔄 instruction reconnect scheduled", "delay", delay, "attempt", c.sched.Attempts())
}

func (c *Client) stream(ctx context.Context, gen uint64) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	if gen == c.gen {
		c.state = StateConnected
	}
	c.mu.Unlock()
	c.sched.Reset()
	c.log.Info("✅ instruction stream connected")

	for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("read stream: %w", err)
		}
		c.handle(ev)
	}
	return fmt.Errorf("read stream: %w", io.EOF)
}

func (c *Client) handle(ev sse.Event) {
	switch ev.Type {
	case EventKeepalive:
		c.mu.Lock()
		c.lastKeepalive = time.Now()
		c.mu.Unlock()
		c.log.Trace("instruction keepalive")
	case EventInstruction:
		text := decodePayload(ev.Data)
		if text == "" {
			return
		}
		c.log.Info("📥 instruction received", "id", ev.LastEventID)
		c.emit(Instruction{ID: ev.LastEventID, Text: text, ReceivedAt: time.Now()})
	default:
		c.log.Debug("instruction stream: ignoring event", "event", ev.Type)
	}
}

func (c *Client) emit(in Instruction) {
	c.lmu.RLock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Instruction), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.lmu.RUnlock()

	for _, fn := range fns {
		fn(in)
	}
}

// decodePayload accepts a bare string, a JSON string, or a JSON object with
// an instruction or text field.
func decodePayload(data string) string {
	trimmed := strings.TrimSpace(data)
	switch {
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := sonic.UnmarshalString(trimmed, &s); err == nil {
			return s
		}
	case strings.HasPrefix(trimmed, "{"):
		var obj struct {
			Instruction string `json:"instruction"`
			Text        string `json:"text"`
		}
		if err := sonic.UnmarshalString(trimmed, &obj); err == nil {
			if obj.Instruction != "" {
				return obj.Instruction
			}
			return obj.Text
		}
	}
	return data
}
