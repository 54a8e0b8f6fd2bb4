package tutor

import (
	"google.golang.org/genai"
)

// Event is one inbound signal from the tutor channel. The set of
// implementations is closed; switch on the concrete type.
type Event interface {
	event()
}

// Speaker tags a transcript.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerTutor Speaker = "tutor"
)

type (
	// Open fires once the transport is established.
	Open struct{ Model string }
	// SetupComplete fires at most once per connection, before any content.
	SetupComplete struct{}
	// ToolCall carries the model's function calls verbatim.
	ToolCall struct{ Calls []*genai.FunctionCall }
	// ToolCallCancellation carries the IDs of calls the model abandoned.
	ToolCallCancellation struct{ IDs []string }
	// Interrupted means the user barged in; local playback has already been
	// stopped when listeners see it.
	Interrupted  struct{}
	TurnComplete struct{}
	// Transcript is partial unless Final is set.
	Transcript struct {
		Speaker Speaker
		Text    string
		Final   bool
	}
	// Audio is one inline audio part of a model turn.
	Audio struct {
		MIMEType string
		Data     []byte
	}
	// Content holds the non-audio parts of a model turn. It never fires
	// empty.
	Content struct{ Parts []*genai.Part }
	Error   struct{ Err error }
	// Close fires exactly once per connection attempt. Err is nil for an
	// explicit disconnect.
	Close struct{ Err error }
)

func (Open) event()                 {}
func (SetupComplete) event()        {}
func (ToolCall) event()             {}
func (ToolCallCancellation) event() {}
func (Interrupted) event()          {}
func (TurnComplete) event()         {}
func (Transcript) event()           {}
func (Audio) event()                {}
func (Content) event()              {}
func (Error) event()                {}
func (Close) event()                {}

// Listener receives tutor events.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }
