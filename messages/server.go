package messages

// Error codes
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeTutorError       = "TUTOR_ERROR"
	ErrCodeSessionFailed    = "SESSION_FAILED"
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
	ErrCodeBufferFull       = "BUFFER_FULL"
	ErrCodeDeviceError      = "DEVICE_ERROR"
	ErrCodeBusy             = "BUSY"
)

// Message types
const (
	TypeAudio      = "audio"
	TypeText       = "text"
	TypeTranscript = "transcript"
	TypeStatus     = "status"
	TypeToolCall   = "tool_call"
	TypeError      = "error"
)

// Statuses
const (
	StatusConnecting    = "connecting"
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusSetupComplete = "setup_complete"
	StatusTurnComplete  = "turn_complete"
	StatusInterrupted   = "interrupted"
	StatusPong          = "pong"
	StatusMuted         = "muted"
	StatusUnmuted       = "unmuted"
	StatusCameraOn      = "camera_on"
	StatusCameraOff     = "camera_off"
	StatusScreenOn      = "screen_on"
	StatusScreenOff     = "screen_off"
)

// ServerMessage represents a message sent to the tutoring UI
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

// AudioResponsePayload contains tutor speech
type AudioResponsePayload struct {
	Data     string `json:"data"`     // Base64-encoded PCM audio
	MimeType string `json:"mimeType"` // "audio/pcm;rate=24000"
}

// TextResponsePayload contains text response
type TextResponsePayload struct {
	Text string `json:"text"`
}

// TranscriptPayload is live captioning for either side
type TranscriptPayload struct {
	Speaker string `json:"speaker"` // "user" or "tutor"
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ToolCallPayload is a function call the agent could not answer itself
type ToolCallPayload struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAudioMessage creates an audio response message
func NewAudioMessage(sessionID, data, mimeType string) *ServerMessage {
	if mimeType == "" {
		mimeType = "audio/pcm;rate=24000"
	}
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Payload: AudioResponsePayload{
			Data:     data,
			MimeType: mimeType,
		},
	}
}

// NewTextMessage creates a text response message
func NewTextMessage(sessionID, text string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeText,
		SessionID: sessionID,
		Payload:   TextResponsePayload{Text: text},
	}
}

func NewTranscriptMessage(sessionID, speaker, text string, final bool) *ServerMessage {
	return &ServerMessage{
		Type:      TypeTranscript,
		SessionID: sessionID,
		Payload:   TranscriptPayload{Speaker: speaker, Text: text, Final: final},
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

func NewToolCallMessage(sessionID, id, name string, args map[string]any) *ServerMessage {
	return &ServerMessage{
		Type:      TypeToolCall,
		SessionID: sessionID,
		Payload:   ToolCallPayload{ID: id, Name: name, Args: args},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
