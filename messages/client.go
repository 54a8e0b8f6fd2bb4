package messages

import "encoding/json"

// Client message types.
const (
	TypeControl  = "control"
	TypeQuestion = "question"
	TypeAnswered = "answered"
)

// Control actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionMute       = "mute"
	ActionUnmute     = "unmute"
	ActionCameraOn   = "camera_on"
	ActionCameraOff  = "camera_off"
	ActionScreenOn   = "screen_on"
	ActionScreenOff  = "screen_off"
	ActionPing       = "ping"
)

// ClientMessage represents a message from the tutoring UI
type ClientMessage struct {
	Type    string          `json:"type"` // "audio", "control", "question", "answered", "text"
	Payload json.RawMessage `json:"payload"`
}

// AudioPayload contains microphone audio
type AudioPayload struct {
	Data string `json:"data"` // Base64-encoded PCM, 16 kHz mono
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"`
	// SystemInstruction and Voice apply to the connect action only.
	SystemInstruction string `json:"systemInstruction,omitempty"`
	Voice             string `json:"voice,omitempty"`
}

// QuestionPayload announces the question now shown on the scratchpad
type QuestionPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AnsweredPayload reports an answer submitted through the UI
type AnsweredPayload struct {
	QuestionID string `json:"questionId"`
	Correct    bool   `json:"correct"`
}

// TextPayload is a typed message to the tutor
type TextPayload struct {
	Text string `json:"text"`
}
