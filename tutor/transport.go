package tutor

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/room4-2/tutorstream/auth"
)

// DefaultModel is used when the auth collaborator does not name one.
const DefaultModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"

// Transport is an established live session. *genai.Session satisfies it.
type Transport interface {
	Receive() (*genai.LiveServerMessage, error)
	SendClientContent(genai.LiveSendClientContentParameters) error
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Close() error
}

// TokenSource hands out one fresh credential per connection attempt.
type TokenSource interface {
	Token(ctx context.Context) (auth.Credential, error)
}

// Dialer opens a Transport with a credential.
type Dialer interface {
	Dial(ctx context.Context, cred auth.Credential, cfg *genai.LiveConnectConfig) (Transport, error)
}

// GenAIDialer connects through the Gemini Live API. Ephemeral tokens are
// only accepted by the v1alpha endpoint.
type GenAIDialer struct {
	APIVersion string
}

// Dial implements Dialer.
func (d GenAIDialer) Dial(ctx context.Context, cred auth.Credential, cfg *genai.LiveConnectConfig) (Transport, error) {
	version := d.APIVersion
	if version == "" {
		version = "v1alpha"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cred.Token,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: version},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := cred.Model
	if model == "" {
		model = DefaultModel
	}
	session, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}
	return session, nil
}

// Config is what the caller negotiates per connection.
type Config struct {
	// SystemInstruction overrides DefaultSystemInstruction when non-empty.
	SystemInstruction string
	// Voice is a prebuilt voice name (Puck, Charon, Kore, Fenrir, Aoede,
	// Leda, Orus, Zephyr). Empty uses the server default.
	Voice string
	Tools []*genai.Tool
}

func (c Config) live() *genai.LiveConnectConfig {
	instruction := c.SystemInstruction
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: instruction}},
		},
		Tools:                    c.Tools,
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if c.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.Voice},
			},
		}
	}
	return cfg
}
