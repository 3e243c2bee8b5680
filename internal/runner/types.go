// Package runner defines the runner capability the coordinator consumes and
// the adapters that implement it for each supported agent CLI. Adapters
// translate their protocol's stream into normalized events; everything
// downstream (state machine, tracker activities, narrative) speaks only
// these events.
package runner

import "encoding/json"

// Supported runner adapter types.
const (
	TypeClaude   = "claude"
	TypeCodex    = "codex"
	TypeOpencode = "opencode"
	TypeGemini   = "gemini"
	TypeMock     = "mock"
)

// Types lists every supported adapter type.
var Types = []string{TypeClaude, TypeCodex, TypeOpencode, TypeGemini, TypeMock}

// Selection picks the runner adapter and model for one issue's session.
type Selection struct {
	IssueID         string `json:"issueId"`
	RunnerType      string `json:"runnerType"`
	Model           string `json:"model,omitempty"`
	FallbackModel   string `json:"fallbackModel,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

// EventKind tags a normalized runner event.
type EventKind string

const (
	KindThought EventKind = "thought"
	KindAction  EventKind = "action"
	KindResult  EventKind = "result"
	KindError   EventKind = "error"
	KindFinal   EventKind = "final"
)

// Event is one normalized runner event. Which fields are set depends on
// Kind: thoughts and finals carry Text, actions carry Name/ToolUseID/Input,
// results carry ToolUseID/Output/IsError, errors carry Err.
//
// Adapters whose protocol streams text incrementally set PartID and emit the
// full accumulated text of that part on every event. The normalizer keeps
// only the latest snapshot per part and flushes it once. Events without a
// PartID are complete and stand alone.
type Event struct {
	Kind EventKind `json:"kind"`

	Text   string `json:"text,omitempty"`
	PartID string `json:"partId,omitempty"`

	Name      string          `json:"name,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// ParentToolUseID attributes an event to the Task sub-agent that
	// produced it. Only the claude and mock adapters set it.
	ParentToolUseID string `json:"parentToolUseId,omitempty"`

	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`

	Err string `json:"err,omitempty"`
}

// Thought creates a thought event.
func Thought(text string) Event {
	return Event{Kind: KindThought, Text: text}
}

// ThoughtPart creates a cumulative thought snapshot for one part.
func ThoughtPart(partID, text string) Event {
	return Event{Kind: KindThought, PartID: partID, Text: text}
}

// Action creates a tool-use event with its raw input.
func Action(name, toolUseID string, input json.RawMessage) Event {
	return Event{Kind: KindAction, Name: name, ToolUseID: toolUseID, Input: input}
}

// Result creates a tool-result event.
func Result(toolUseID, output string, isError bool) Event {
	return Event{Kind: KindResult, ToolUseID: toolUseID, Output: output, IsError: isError}
}

// ErrorEvent creates an error event.
func ErrorEvent(err string) Event {
	return Event{Kind: KindError, Err: err}
}

// Final creates a final-response event.
func Final(text string) Event {
	return Event{Kind: KindFinal, Text: text}
}
