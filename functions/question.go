// Package functions declares the tools the tutor model may call and answers
// the ones that can be resolved locally.
package functions

import (
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// Tool names.
const (
	GetCurrentQuestion   = "get_current_question"
	RecordHint           = "record_hint"
	MarkQuestionAnswered = "mark_question_answered"
)

// Declarations returns the tool set sent with every tutor connection.
func Declarations() []*genai.Tool {
	return []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        GetCurrentQuestion,
				Description: "Get the question the student is currently working on.",
			},
			{
				Name:        RecordHint,
				Description: "Record that a hint was given for the current question.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"summary": {Type: genai.TypeString, Description: "One-line summary of the hint."},
					},
					Required: []string{"summary"},
				},
			},
			{
				Name:        MarkQuestionAnswered,
				Description: "Mark the current question as answered once the student gives a final answer.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"correct": {Type: genai.TypeBoolean, Description: "Whether the final answer was correct."},
					},
					Required: []string{"correct"},
				},
			},
		},
	}}
}

// Question is the one on the student's scratchpad.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Outcome is produced when the model marks a question answered.
type Outcome struct {
	Question  Question
	Correct   bool
	HintsUsed int
}

// Board tracks the current question and the hints given for it.
type Board struct {
	mu       sync.Mutex
	current  Question
	hints    []string
	answered bool
}

// SetQuestion switches to q and forgets previous hints.
func (b *Board) SetQuestion(q Question) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = q
	b.hints = nil
	b.answered = false
}

// Current returns the active question.
func (b *Board) Current() Question {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Hints returns the hints given for the active question.
func (b *Board) Hints() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.hints...)
}

// Handle answers fc when it is one of ours. ok is false for unknown tools,
// which the caller forwards elsewhere. outcome is set only for
// mark_question_answered.
func (b *Board) Handle(fc *genai.FunctionCall) (response map[string]any, outcome *Outcome, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch fc.Name {
	case GetCurrentQuestion:
		if b.current.ID == "" {
			return map[string]any{"error": "no question is displayed"}, nil, true
		}
		return map[string]any{"id": b.current.ID, "text": b.current.Text, "hintsGiven": len(b.hints)}, nil, true

	case RecordHint:
		summary, _ := fc.Args["summary"].(string)
		if summary == "" {
			return map[string]any{"error": "summary is required"}, nil, true
		}
		b.hints = append(b.hints, summary)
		return map[string]any{"output": fmt.Sprintf("hint %d recorded", len(b.hints))}, nil, true

	case MarkQuestionAnswered:
		if b.current.ID == "" {
			return map[string]any{"error": "no question is displayed"}, nil, true
		}
		correct, _ := fc.Args["correct"].(bool)
		if b.answered {
			return map[string]any{"output": "already recorded"}, nil, true
		}
		b.answered = true
		return map[string]any{"output": "recorded"},
			&Outcome{Question: b.current, Correct: correct, HintsUsed: len(b.hints)}, true
	}
	return nil, nil, false
}
