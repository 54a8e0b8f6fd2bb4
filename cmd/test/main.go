// Command test streams a PCM file to a running agent as if it were the
// microphone and plays the tutor's speech through sox.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/messages"
)

// inbound mirrors messages.ServerMessage with the payload left raw.
type inbound struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	Payload   sonic.NoCopyRawMessage `json:"payload"`
}

// AudioPlayer streams audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() (*AudioPlayer, error) {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sox start: %w", err)
	}
	return &AudioPlayer{cmd: cmd, stdin: stdin}, nil
}

func (p *AudioPlayer) Play(audioData []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	_, _ = p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Wait()
	}
}

func main() {
	psi.Run(func(ctx context.Context) int {
		logger := pslog.LoggerFromEnv(
			pslog.WithEnvWriter(os.Stderr),
			pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		if err := newRootCmd().ExecuteContext(ctx); err != nil {
			logger.Error("test client failed", "err", err)
			return 1
		}
		return 0
	})
}

func newRootCmd() *cobra.Command {
	var serverURL, audioFile string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:           "test",
		Short:         "Stream a PCM file to the agent and play the tutor's answer",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), serverURL, audioFile, wait)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8080/ws", "control surface URL")
	cmd.Flags().StringVar(&audioFile, "file", "examples/user.pcm", "audio file to send (16 kHz PCM or WAV)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the answer")
	return cmd
}

func run(ctx context.Context, serverURL, audioFile string, wait time.Duration) error {
	log := pslog.Ctx(ctx)
	log.Info("🔌 connecting", "url", serverURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	player, err := NewAudioPlayer()
	if err != nil {
		return fmt.Errorf("audio player (is sox installed?): %w", err)
	}
	defer player.Close()

	connected := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var once sync.Once
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Debug("read ended", "err", err)
				return
			}
			var msg inbound
			if err := sonic.Unmarshal(data, &msg); err != nil {
				log.Warn("parse error", "err", err)
				continue
			}
			switch msg.Type {
			case messages.TypeAudio:
				var payload messages.AudioResponsePayload
				_ = sonic.Unmarshal(msg.Payload, &payload)
				if pcm, err := base64.StdEncoding.DecodeString(payload.Data); err == nil {
					log.Debug("🔊 playing audio", "bytes", len(pcm))
					player.Play(pcm)
				}
			case messages.TypeText:
				var payload messages.TextResponsePayload
				_ = sonic.Unmarshal(msg.Payload, &payload)
				fmt.Printf("📝 %s\n", payload.Text)
			case messages.TypeTranscript:
				var payload messages.TranscriptPayload
				_ = sonic.Unmarshal(msg.Payload, &payload)
				if payload.Final {
					fmt.Printf("💬 %s: %s\n", payload.Speaker, payload.Text)
				}
			case messages.TypeStatus:
				var payload messages.StatusPayload
				_ = sonic.Unmarshal(msg.Payload, &payload)
				log.Info("📊 status", "status", payload.Status, "message", payload.Message)
				if payload.Status == messages.StatusConnected {
					once.Do(func() { close(connected) })
				}
			case messages.TypeToolCall:
				log.Info("🔧 tool call", "payload", string(msg.Payload))
			case messages.TypeError:
				log.Error("❌ error", "payload", string(msg.Payload))
			}
		}
	}()

	if err := sendControl(conn, messages.ActionConnect); err != nil {
		return err
	}
	select {
	case <-connected:
	case <-done:
		return fmt.Errorf("connection closed before the tutor connected")
	case <-time.After(15 * time.Second):
		return fmt.Errorf("timed out waiting for the tutor")
	case <-ctx.Done():
		return nil
	}

	audioData, err := loadAudioFile(audioFile)
	if err != nil {
		return fmt.Errorf("load audio: %w", err)
	}
	log.Info("📤 sending audio", "file", audioFile, "bytes", len(audioData))

	// 100ms chunks at 16kHz, paced in real time
	chunkSize := 3200
	for i := 0; i < len(audioData); i += chunkSize {
		end := min(i+chunkSize, len(audioData))
		if err := conn.WriteMessage(websocket.BinaryMessage, audioData[i:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Info("✅ audio sent, waiting for response")

	select {
	case <-done:
		log.Info("connection closed")
	case <-ctx.Done():
		log.Info("👋 interrupted, closing")
	case <-time.After(wait):
		log.Info("⏰ done waiting")
	}
	_ = sendControl(conn, messages.ActionDisconnect)
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func sendControl(conn *websocket.Conn, action string) error {
	payload, err := sonic.Marshal(messages.ControlPayload{Action: action})
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(messages.ClientMessage{Type: messages.TypeControl, Payload: payload})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Skip the standard 44-byte header of a WAV file
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:], nil
	}
	return data, nil
}
