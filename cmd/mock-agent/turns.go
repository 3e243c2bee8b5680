package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ceedaragents/cyrus/pkg/claudecode"
)

// Prompt markers selecting a scripted scenario. They match the markers the
// in-process mock runner reacts to, so the same test prompts drive both.
const (
	markerError    = "__MOCK_ERROR__"
	markerHang     = "__MOCK_HANG__"
	markerParallel = "__MOCK_PARALLEL__"
)

// lastMessageMarker tags the canonical final response, mirroring the
// instruction the prompt builder appends.
const lastMessageMarker = "___LAST_MESSAGE_MARKER___"

// agent plays scripted turns against one encoder. Turns run on the stdin
// goroutine, one at a time, the way the real CLI serializes its stream.
type agent struct {
	enc       *json.Encoder
	sessionID string
	model     string
	turns     int
}

func newAgent(enc *json.Encoder, inv invocation) *agent {
	sessionID := inv.Resume
	if sessionID == "" {
		sessionID = fmt.Sprintf("mock-%d", os.Getpid())
	}
	return &agent{enc: enc, sessionID: sessionID, model: inv.Model}
}

func (a *agent) emitInit() {
	cwd, _ := os.Getwd()
	a.send(&claudecode.Message{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   claudecode.SubtypeInit,
		SessionID: a.sessionID,
		Model:     a.model,
		CWD:       cwd,
		Tools:     []string{"Bash", "Read", "Edit", "Grep", "Task"},
	})
}

// playTurn emits one scripted assistant turn for the prompt.
func (a *agent) playTurn(prompt string) {
	a.turns++
	switch {
	case strings.Contains(prompt, markerError):
		a.errorTurn()
	case strings.Contains(prompt, markerHang):
		// Block until the adapter gives up and terminates the process.
		select {}
	case strings.Contains(prompt, markerParallel):
		a.parallelTurn()
	default:
		a.defaultTurn(prompt)
	}
}

// defaultTurn is a plausible small run: think, read a file, answer.
func (a *agent) defaultTurn(prompt string) {
	a.assistant(
		thinking("The request is: "+firstLine(prompt)),
		text("Let me look at the repository first."),
		toolUse("tool-read-1", "Read", `{"file_path":"README.md"}`),
	)
	a.toolResult("tool-read-1", "# Project\nSample readme contents.", false)
	final := lastMessageMarker + " Reviewed the request and made the change."
	a.assistant(text(final))
	a.result(claudecode.SubtypeSuccess, final, false)
}

func (a *agent) errorTurn() {
	a.assistant(text("Something is wrong with this workspace."))
	a.result(claudecode.SubtypeErrorDuringExecution, "mock agent failure", true)
}

// parallelTurn spawns two Task sub-agents with attributed child messages,
// which is the shape the worker's fan-out grouping consumes.
func (a *agent) parallelTurn() {
	a.assistant(
		text("Splitting this into two parallel tasks."),
		toolUse("task-1", "Task", `{"description":"Update the parser","prompt":"Fix tokenizer"}`),
		toolUse("task-2", "Task", `{"description":"Update the tests","prompt":"Cover tokenizer"}`),
	)

	a.child("task-1", thinking("Scanning parser sources."))
	a.child("task-1", toolUse("child-1", "Grep", `{"pattern":"tokenize"}`))
	a.childResult("task-1", "child-1", "parser.go:42", false)
	a.child("task-2", toolUse("child-2", "Bash", `{"command":"go test ./..."}`))
	a.childResult("task-2", "child-2", "ok", false)

	a.toolResult("task-1", "Parser updated.", false)
	a.toolResult("task-2", "Tests green.", false)

	final := lastMessageMarker + " Both tasks finished."
	a.assistant(text(final))
	a.result(claudecode.SubtypeSuccess, final, false)
}

// ackControl acknowledges a control request; an interrupt also closes the
// current turn with an interrupt result, like the CLI does.
func (a *agent) ackControl(msg claudecode.ControlRequestMessage) {
	a.send(&claudecode.Message{
		Type: claudecode.MessageTypeControlResponse,
		Response: &claudecode.ControlResponse{
			Subtype:   claudecode.SubtypeSuccess,
			RequestID: msg.RequestID,
		},
	})
	if msg.Request.Subtype == claudecode.SubtypeInterrupt {
		a.result(claudecode.SubtypeInterrupt, "", false)
	}
}

func (a *agent) assistant(blocks ...claudecode.ContentBlock) {
	a.send(&claudecode.Message{
		Type:      claudecode.MessageTypeAssistant,
		SessionID: a.sessionID,
		Message:   &claudecode.MessageBody{Role: "assistant", Content: blocks, Model: a.model},
	})
}

func (a *agent) child(parentToolUseID string, blocks ...claudecode.ContentBlock) {
	a.send(&claudecode.Message{
		Type:            claudecode.MessageTypeAssistant,
		SessionID:       a.sessionID,
		ParentToolUseID: parentToolUseID,
		Message:         &claudecode.MessageBody{Role: "assistant", Content: blocks, Model: a.model},
	})
}

func (a *agent) toolResult(toolUseID, content string, isError bool) {
	a.send(&claudecode.Message{
		Type:      claudecode.MessageTypeUser,
		SessionID: a.sessionID,
		Message: &claudecode.MessageBody{Role: "user", Content: []claudecode.ContentBlock{{
			Type:      claudecode.BlockTypeToolResult,
			ToolUseID: toolUseID,
			Content:   claudecode.ResultContent(content),
			IsError:   isError,
		}}},
	})
}

func (a *agent) childResult(parentToolUseID, toolUseID, content string, isError bool) {
	a.send(&claudecode.Message{
		Type:            claudecode.MessageTypeUser,
		SessionID:       a.sessionID,
		ParentToolUseID: parentToolUseID,
		Message: &claudecode.MessageBody{Role: "user", Content: []claudecode.ContentBlock{{
			Type:      claudecode.BlockTypeToolResult,
			ToolUseID: toolUseID,
			Content:   claudecode.ResultContent(content),
			IsError:   isError,
		}}},
	})
}

func (a *agent) result(subtype, text string, isError bool) {
	a.send(&claudecode.Message{
		Type:      claudecode.MessageTypeResult,
		Subtype:   subtype,
		SessionID: a.sessionID,
		Result:    text,
		IsError:   isError,
		NumTurns:  a.turns,
		Usage:     &claudecode.Usage{InputTokens: 120, OutputTokens: 80},
	})
}

func (a *agent) send(msg *claudecode.Message) {
	_ = a.enc.Encode(msg)
}

func thinking(s string) claudecode.ContentBlock {
	return claudecode.ContentBlock{Type: claudecode.BlockTypeThinking, Thinking: s}
}

func text(s string) claudecode.ContentBlock {
	return claudecode.ContentBlock{Type: claudecode.BlockTypeText, Text: s}
}

func toolUse(id, name, input string) claudecode.ContentBlock {
	return claudecode.ContentBlock{
		Type:  claudecode.BlockTypeToolUse,
		ID:    id,
		Name:  name,
		Input: json.RawMessage(input),
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
