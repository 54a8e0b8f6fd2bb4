package tutor

import (
	"strings"

	"google.golang.org/genai"
)

// Demux classifies one server message. Setup and tool signals end
// classification; content frames may yield several events in this order:
// interrupted or turn-complete, user transcript, tutor transcript, audio
// parts, then the remaining parts as a single Content.
func Demux(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	if msg.SetupComplete != nil {
		return []Event{SetupComplete{}}
	}
	if msg.ToolCall != nil {
		return []Event{ToolCall{Calls: msg.ToolCall.FunctionCalls}}
	}
	if msg.ToolCallCancellation != nil {
		return []Event{ToolCallCancellation{IDs: msg.ToolCallCancellation.IDs}}
	}

	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var events []Event
	switch {
	case sc.Interrupted:
		events = append(events, Interrupted{})
	case sc.TurnComplete:
		events = append(events, TurnComplete{})
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		events = append(events, Transcript{Speaker: SpeakerUser, Text: t.Text, Final: t.Finished})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		events = append(events, Transcript{Speaker: SpeakerTutor, Text: t.Text, Final: t.Finished})
	}

	if sc.ModelTurn != nil {
		var rest []*genai.Part
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if isAudio(part) {
				events = append(events, Audio{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data})
				continue
			}
			rest = append(rest, part)
		}
		if len(rest) > 0 {
			events = append(events, Content{Parts: rest})
		}
	}
	return events
}

// The live API sends PCM without always setting a MIME type.
func isAudio(part *genai.Part) bool {
	if part.InlineData == nil {
		return false
	}
	mt := part.InlineData.MIMEType
	return mt == "" || strings.HasPrefix(mt, "audio/")
}
