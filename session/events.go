package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/room4-2/tutorstream/assistant"
	"github.com/room4-2/tutorstream/messages"
	"github.com/room4-2/tutorstream/tutor"
)

func (p *Pipeline) handleEvent(ev tutor.Event) {
	sid := p.SessionID()
	switch e := ev.(type) {
	case tutor.Open:
		p.onOpen(sid, e.Model)
	case tutor.SetupComplete:
		p.send(messages.NewStatusMessage(sid, messages.StatusSetupComplete, ""))
	case tutor.Audio:
		p.send(messages.NewAudioMessage(sid, base64.StdEncoding.EncodeToString(e.Data), e.MIMEType))
	case tutor.Content:
		if text := partsText(e.Parts); text != "" {
			p.send(messages.NewTextMessage(sid, text))
		}
	case tutor.Transcript:
		p.onTranscript(sid, e)
	case tutor.TurnComplete:
		p.send(messages.NewStatusMessage(sid, messages.StatusTurnComplete, ""))
		p.mu.Lock()
		if p.goodbye != nil {
			close(p.goodbye)
			p.goodbye = nil
		}
		p.mu.Unlock()
	case tutor.Interrupted:
		// The player already told the UI.
	case tutor.ToolCall:
		p.handleToolCalls(sid, e.Calls)
	case tutor.ToolCallCancellation:
		p.log.Debug("tool calls cancelled", "ids", strings.Join(e.IDs, ","))
	case tutor.Error:
		if !p.connecting.Load() {
			p.send(messages.NewErrorMessage(sid, messages.ErrCodeTutorError, e.Err.Error()))
		}
	case tutor.Close:
		p.onClose(sid, e.Err)
	}
}

func (p *Pipeline) onOpen(sid, model string) {
	ctx, cancel := context.WithCancel(p.backgroundCtx())
	p.mu.Lock()
	if p.tutorCancel != nil {
		p.tutorCancel()
	}
	p.tutorCancel = cancel
	p.mu.Unlock()

	p.send(messages.NewStatusMessage(sid, messages.StatusConnected, model))
	p.deps.Recorder.Start(ctx, sid, time.Now())

	p.goAsync(func() {
		p.snapshotLoop(ctx, p.opts.SnapshotInterval, func(jpeg []byte) {
			err := p.tutor.SendRealtimeInput([]*genai.Blob{{MIMEType: "image/jpeg", Data: jpeg}})
			if err != nil {
				p.log.Warn("snapshot send failed", "err", err)
			}
		})
	})

	if a := p.deps.Assistant; a != nil {
		p.goAsync(func() {
			prompt, err := a.StartSession(ctx, assistant.SessionRequest{
				SessionID:  sid,
				QuestionID: p.board.Current().ID,
			})
			if err != nil {
				p.log.Warn("assistant start session failed", "err", err)
				return
			}
			if prompt == "" || ctx.Err() != nil {
				return
			}
			if err := p.tutor.SendText(prompt); err != nil {
				p.log.Warn("greeting send failed", "err", err)
			}
		})
	}
}

func (p *Pipeline) onClose(sid string, cause error) {
	p.mu.Lock()
	cancel := p.tutorCancel
	p.tutorCancel = nil
	if p.goodbye != nil {
		close(p.goodbye)
		p.goodbye = nil
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	p.deps.Recorder.End(p.backgroundCtx(), sid, time.Now())
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	p.send(messages.NewStatusMessage(sid, messages.StatusDisconnected, detail))
}

func (p *Pipeline) onTranscript(sid string, t tutor.Transcript) {
	speaker := string(t.Speaker)
	p.send(messages.NewTranscriptMessage(sid, speaker, t.Text, t.Final))
	if fd := p.deps.Feed; fd != nil {
		fd.SendTranscript(speaker, t.Text, t.Final)
	}
	if !t.Final || strings.TrimSpace(t.Text) == "" {
		return
	}

	now := time.Now()
	ctx := p.backgroundCtx()
	p.deps.Recorder.Transcript(ctx, sid, speaker, t.Text, now)
	if a := p.deps.Assistant; a != nil {
		p.goAsync(func() {
			err := a.LogTurn(ctx, assistant.Turn{SessionID: sid, Speaker: speaker, Text: t.Text, At: now})
			if err != nil {
				p.log.Debug("assistant log turn failed", "err", err)
			}
		})
	}
}

func (p *Pipeline) handleToolCalls(sid string, calls []*genai.FunctionCall) {
	responses := make([]*genai.FunctionResponse, 0, len(calls))
	for _, fc := range calls {
		resp, outcome, ok := p.board.Handle(fc)
		if !ok {
			p.log.Info("🔧 forwarding tool call to UI", "name", fc.Name, "id", fc.ID)
			p.send(messages.NewToolCallMessage(sid, fc.ID, fc.Name, fc.Args))
			resp = map[string]any{"output": "forwarded to the tutoring interface"}
		} else {
			p.log.Info("🔧 handled tool call", "name", fc.Name, "id", fc.ID)
		}
		if outcome != nil {
			p.recordAnswer(*outcome)
		}
		responses = append(responses, &genai.FunctionResponse{ID: fc.ID, Name: fc.Name, Response: resp})
	}
	if err := p.tutor.SendToolResponse(responses); err != nil {
		p.log.Error("❌ failed to send tool response", "err", err)
	}
}

// snapshotLoop encodes the composite every interval and hands it to send.
// Nothing is sent once ctx is done, even for a tick already taken.
func (p *Pipeline) snapshotLoop(ctx context.Context, interval time.Duration, send func([]byte)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		buf.Reset()
		if err := p.mixer.EncodeJPEG(&buf, p.opts.JPEGQuality); err != nil {
			p.log.Warn("snapshot encode failed", "err", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		send(bytes.Clone(buf.Bytes()))
	}
}

func partsText(parts []*genai.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if part != nil && part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
