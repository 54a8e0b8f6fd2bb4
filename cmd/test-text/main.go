// Command test-text drives a running agent with text only: it connects the
// tutor, shows a question and prints whatever comes back.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/messages"
)

func main() {
	psi.Run(func(ctx context.Context) int {
		logger := pslog.LoggerFromEnv(
			pslog.WithEnvWriter(os.Stderr),
			pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		if err := newRootCmd().ExecuteContext(ctx); err != nil {
			logger.Error("test-text failed", "err", err)
			return 1
		}
		return 0
	})
}

func newRootCmd() *cobra.Command {
	var serverURL, question, text string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:           "test-text",
		Short:         "Send a question and a typed message to the tutor",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), serverURL, question, text, wait)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8080/ws", "control surface URL")
	cmd.Flags().StringVar(&question, "question", "Solve 3x + 4 = 19", "question shown on the scratchpad")
	cmd.Flags().StringVar(&text, "text", "Hello! Can you give me a first hint?", "message typed to the tutor")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to print responses")
	return cmd
}

func run(ctx context.Context, serverURL, question, text string, wait time.Duration) error {
	log := pslog.Ctx(ctx)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := sonic.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg["type"] == messages.TypeAudio {
				continue
			}
			log.Info("📥 received", "type", msg["type"], "payload", msg["payload"])
		}
	}()

	steps := []struct {
		typ     string
		payload any
	}{
		{messages.TypeControl, messages.ControlPayload{Action: messages.ActionConnect}},
		{messages.TypeQuestion, messages.QuestionPayload{ID: "demo-1", Text: question}},
		{messages.TypeText, messages.TextPayload{Text: text}},
	}
	for _, step := range steps {
		if err := send(conn, step.typ, step.payload); err != nil {
			return err
		}
		// Give the agent time to connect before the first turn.
		time.Sleep(time.Second)
	}

	log.Info("waiting for response...")
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
	_ = send(conn, messages.TypeControl, messages.ControlPayload{Action: messages.ActionDisconnect})
	log.Info("done")
	return nil
}

func send(conn *websocket.Conn, typ string, payload any) error {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(messages.ClientMessage{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
