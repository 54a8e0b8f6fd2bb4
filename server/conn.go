package server

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/capture"
	"github.com/room4-2/tutorstream/functions"
	"github.com/room4-2/tutorstream/messages"
	"github.com/room4-2/tutorstream/session"
	"github.com/room4-2/tutorstream/tutor"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	connectTimeout  = 30 * time.Second
)

// controlConn is the single UI connection driving the pipeline.
type controlConn struct {
	id       string
	ws       *websocket.Conn
	pipeline Controller
	log      pslog.Logger
	detach   func()

	// Use channels for non-blocking writes
	writeChan chan *messages.ServerMessage

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

func newControlConn(ws *websocket.Conn, pipeline Controller, log pslog.Logger) *controlConn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &controlConn{
		id:        id,
		ws:        ws,
		pipeline:  pipeline,
		log:       log.With("conn", id),
		writeChan: make(chan *messages.ServerMessage, writeBufferSize),
		CloseChan: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start attaches the connection to the pipeline and begins pumping.
func (c *controlConn) Start() {
	c.detach = c.pipeline.Attach(c)
	go c.writePump()
	go c.readPump()
}

// reject tells a surplus client why and hangs up.
func (c *controlConn) reject(msg *messages.ServerMessage) {
	defer c.cancel()
	if data, err := sonic.Marshal(msg); err == nil {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "busy"))
	_ = c.ws.Close()
}

// Send implements session.Sink.
func (c *controlConn) Send(msg *messages.ServerMessage) {
	c.queueMessage(msg)
}

// queueMessage adds a message to the write queue (non-blocking)
func (c *controlConn) queueMessage(msg *messages.ServerMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.writeChan <- msg:
	default:
		c.log.Warn("UI write queue full, dropping message", "type", msg.Type)
	}
}

// writePump handles all outgoing messages in a single goroutine
func (c *controlConn) writePump() {
	defer func() {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.CloseChan:
			return
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				c.log.Debug("UI write failed", "err", err)
				go c.Close()
				return
			}
		}
	}
}

func (c *controlConn) write(msg *messages.ServerMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close detaches from the pipeline and ends both pumps.
func (c *controlConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.detach != nil {
		c.detach()
	}
	c.cancel()
	close(c.CloseChan)
}

func (c *controlConn) readPump() {
	defer c.Close()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("UI connection lost", "err", err)
			}
			return
		}

		// Binary frames are raw 16 kHz PCM from the microphone
		if messageType == websocket.BinaryMessage {
			c.pipeline.PushAudio(data)
			continue
		}

		var msg messages.ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.queueError(messages.ErrCodeInvalidMessage, "Invalid message format")
			continue
		}
		c.processClientMessage(&msg)
	}
}

func (c *controlConn) queueError(code, text string) {
	c.queueMessage(messages.NewErrorMessage(c.pipeline.SessionID(), code, text))
}

func (c *controlConn) processClientMessage(msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.TypeAudio:
		var payload messages.AudioPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			c.queueError(messages.ErrCodeInvalidMessage, "Invalid audio payload")
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			c.queueError(messages.ErrCodeInvalidMessage, "Invalid base64 audio data")
			return
		}
		c.pipeline.PushAudio(pcm)

	case messages.TypeControl:
		var payload messages.ControlPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			c.queueError(messages.ErrCodeInvalidMessage, "Invalid control payload")
			return
		}
		c.handleControlMessage(&payload)

	case messages.TypeQuestion:
		var payload messages.QuestionPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil || payload.ID == "" {
			c.queueError(messages.ErrCodeInvalidMessage, "Invalid question payload")
			return
		}
		c.pipeline.SetQuestion(functions.Question{ID: payload.ID, Text: payload.Text})

	case messages.TypeAnswered:
		var payload messages.AnsweredPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil || payload.QuestionID == "" {
			c.queueError(messages.ErrCodeInvalidMessage, "Invalid answered payload")
			return
		}
		c.pipeline.Answered(payload.QuestionID, payload.Correct)

	case messages.TypeText:
		var payload messages.TextPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			c.queueError(messages.ErrCodeInvalidMessage, "Invalid text payload")
			return
		}
		if err := c.pipeline.SendText(payload.Text); err != nil {
			c.queueError(messages.ErrCodeTutorError, err.Error())
		}

	default:
		c.queueError(messages.ErrCodeInvalidMessage, "Unknown message type: "+msg.Type)
	}
}

func (c *controlConn) handleControlMessage(payload *messages.ControlPayload) {
	switch payload.Action {
	case messages.ActionPing:
		c.queueMessage(messages.NewStatusMessage(c.pipeline.SessionID(), messages.StatusPong, ""))

	case messages.ActionConnect:
		// Connecting blocks on the credential fetch and dial.
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, connectTimeout)
			defer cancel()
			err := c.pipeline.ConnectTutor(ctx, session.ConnectOverrides{
				SystemInstruction: payload.SystemInstruction,
				Voice:             payload.Voice,
			})
			switch {
			case err == nil:
			case errors.Is(err, tutor.ErrAlreadyActive):
				c.queueError(messages.ErrCodeBusy, "tutor session already active")
			default:
				c.log.Error("❌ tutor connect failed", "err", err)
				c.queueError(messages.ErrCodeSessionFailed, err.Error())
			}
		}()

	case messages.ActionDisconnect:
		go c.pipeline.DisconnectTutor(c.ctx)

	case messages.ActionMute:
		c.pipeline.SetMuted(true)
	case messages.ActionUnmute:
		c.pipeline.SetMuted(false)

	case messages.ActionCameraOn, messages.ActionCameraOff:
		c.setSource(payload.Action, c.pipeline.SetCamera, payload.Action == messages.ActionCameraOn)
	case messages.ActionScreenOn, messages.ActionScreenOff:
		c.setSource(payload.Action, c.pipeline.SetScreen, payload.Action == messages.ActionScreenOn)

	default:
		c.queueError(messages.ErrCodeInvalidMessage, "Unknown control action: "+payload.Action)
	}
}

func (c *controlConn) setSource(action string, set func(context.Context, bool) error, on bool) {
	go func() {
		err := set(c.ctx, on)
		if err == nil {
			return
		}
		text := err.Error()
		switch {
		case errors.Is(err, capture.ErrPermissionDenied):
			text = "permission denied: " + text
		case errors.Is(err, capture.ErrNoDevice):
			text = "no device: " + text
		}
		c.log.Warn("source toggle failed", "action", action, "err", err)
		c.queueError(messages.ErrCodeDeviceError, text)
	}()
}
