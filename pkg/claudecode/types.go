// Package claudecode speaks the Claude Code CLI stream-json protocol: the
// CLI writes one JSON message per line on stdout and, when started with
// --input-format stream-json, accepts user messages on stdin the same way.
package claudecode

import (
	"encoding/json"
	"strings"
)

// Top-level message types.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Message subtypes.
const (
	SubtypeInit                 = "init"
	SubtypeSuccess              = "success"
	SubtypeErrorMaxTurns        = "error_max_turns"
	SubtypeErrorDuringExecution = "error_during_execution"
	SubtypeInterrupt            = "interrupt"
)

// Content block types inside assistant and user messages.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Message is the envelope for every line the CLI emits. Which fields are
// populated depends on Type.
type Message struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Type == "system", Subtype == "init".
	Model string   `json:"model,omitempty"`
	CWD   string   `json:"cwd,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// Type == "assistant" or "user". ParentToolUseID is set on messages
	// produced inside a Task sub-agent; it names the tool_use that spawned
	// the sub-agent.
	Message         *MessageBody `json:"message,omitempty"`
	ParentToolUseID string       `json:"parent_tool_use_id,omitempty"`

	// Type == "result".
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`

	// Type == "control_request" or "control_response".
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	// Raw holds the original line for callers that need fields this
	// envelope does not model. Set by the client, never marshalled.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the inner Anthropic-format message carried by assistant and
// user envelopes.
type MessageBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// TextContent concatenates the text blocks of the message.
func (m *MessageBody) TextContent() string {
	var b strings.Builder
	for _, blk := range m.Content {
		if blk.Type == BlockTypeText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message in order.
func (m *MessageBody) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, blk := range m.Content {
		if blk.Type == BlockTypeToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}

// ContentBlock is one element of a message content array.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks.
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   ResultContent `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
}

// ResultContent holds tool_result content, which the CLI emits either as a
// plain string or as an array of text blocks.
type ResultContent string

// UnmarshalJSON accepts both encodings. Unknown shapes keep the raw JSON so
// nothing is silently lost.
func (rc *ResultContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*rc = ResultContent(s)
		return nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type != BlockTypeText {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(blk.Text)
		}
		*rc = ResultContent(b.String())
		return nil
	}
	*rc = ResultContent(data)
	return nil
}

// String returns the flattened content.
func (rc ResultContent) String() string {
	return string(rc)
}

// Usage reports token consumption for a completed run.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// ControlRequest is the body of a control_request message from the CLI.
type ControlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ControlResponse is the body of a control_response message from the CLI,
// acknowledging a request we sent.
type ControlResponse struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UserMessage is a prompt written to the CLI's stdin in streaming mode.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the inner user message. Content is a plain string; the
// CLI does not require block arrays on input.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage builds a stdin user message for text.
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: text,
		},
	}
}

// ControlRequestMessage is a control request written to the CLI's stdin,
// used to interrupt the current turn in streaming mode.
type ControlRequestMessage struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody carries the request subtype.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
}
