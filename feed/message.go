package feed

import (
	"encoding/base64"
	"time"

	"github.com/bytedance/sonic"
)

// Message types on the feed socket.
const (
	TypeAudio      = "audio"
	TypeMedia      = "media"
	TypeTranscript = "transcript"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Message is the feed envelope. Timestamp is Unix milliseconds.
type Message struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// MediaData is the payload of a media message.
type MediaData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// TranscriptData is the payload of a transcript message.
type TranscriptData struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

func newMessage(typ string, data any) Message {
	return Message{Type: typ, Timestamp: time.Now().UnixMilli(), Data: data}
}

func audioMessage(pcm []byte) Message {
	return newMessage(TypeAudio, base64.StdEncoding.EncodeToString(pcm))
}

func mediaMessage(mimeType string, data []byte) Message {
	return newMessage(TypeMedia, MediaData{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)})
}

func transcriptMessage(speaker, text string, final bool) Message {
	return newMessage(TypeTranscript, TranscriptData{Speaker: speaker, Text: text, Final: final})
}

func encode(msg Message) ([]byte, error) {
	return sonic.Marshal(msg)
}

// peekType reads only the type field of an inbound frame.
func peekType(raw []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}
