// Package opencode speaks the OpenCode server protocol: a REST API for
// session control plus a Server-Sent Events stream for live updates.
package opencode

import "encoding/json"

// SSE event types from /event.
const (
	SDKEventMessageUpdated     = "message.updated"
	SDKEventMessagePartUpdated = "message.part.updated"
	SDKEventMessageRemoved     = "message.removed"
	SDKEventPermissionAsked    = "permission.asked"
	SDKEventPermissionReplied  = "permission.replied"
	SDKEventSessionIdle        = "session.idle"
	SDKEventSessionError       = "session.error"
	SDKEventTodoUpdated        = "todo.updated"
)

// Part types.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool status values.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission reply values.
const (
	PermissionReplyOnce   = "once"
	PermissionReplyReject = "reject"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects the provider and model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput is one part of a prompt request.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelSpec      `json:"model,omitempty"`
	Agent string          `json:"agent,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// PermissionReplyRequest for POST /permission/{id}/reply.
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// SDKEventEnvelope is the outer shape of every SSE event.
type SDKEventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo carries message metadata. Role distinguishes the prompt echo
// from assistant output.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
}

// MessagePartUpdatedProperties for message.part.updated. Part.Text is the
// full accumulated text of the part, not a delta.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is one message part: text, reasoning, or a tool invocation.
type Part struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	MessageID string           `json:"messageID"`
	SessionID string           `json:"sessionID"`
	Text      string           `json:"text,omitempty"`
	CallID    string           `json:"callID,omitempty"`
	Tool      string           `json:"tool,omitempty"`
	State     *ToolStateUpdate `json:"state,omitempty"`
}

// Key returns a stable identifier for tracking part snapshots across
// updates. Older servers omit part ids.
func (p *Part) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.MessageID + ":" + p.Type
}

// ToolStateUpdate is the execution state of a tool part.
type ToolStateUpdate struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PermissionAskedProperties for permission.asked.
type PermissionAskedProperties struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"sessionID"`
	Permission string              `json:"permission"`
	Patterns   []string            `json:"patterns,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Tool       *PermissionToolInfo `json:"tool,omitempty"`
}

// PermissionToolInfo links a permission request to a tool call.
type PermissionToolInfo struct {
	CallID string `json:"callID"`
}

// SessionIdleProperties for session.idle.
type SessionIdleProperties struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorProperties for session.error.
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *SDKError `json:"error,omitempty"`
}

// SDKError is the error body of a session.error event. The message lives in
// different places depending on server version.
type SDKError struct {
	Name    string        `json:"name,omitempty"`
	Type    string        `json:"type,omitempty"`
	Message string        `json:"message,omitempty"`
	Data    *SDKErrorData `json:"data,omitempty"`
}

// SDKErrorData is the nested error body newer servers send.
type SDKErrorData struct {
	Message string `json:"message,omitempty"`
}

// GetMessage returns the most specific message available.
func (e *SDKError) GetMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// GetKind returns the error kind.
func (e *SDKError) GetKind() string {
	switch {
	case e.Name != "":
		return e.Name
	case e.Type != "":
		return e.Type
	default:
		return "unknown"
	}
}

// TodoUpdatedProperties for todo.updated.
type TodoUpdatedProperties struct {
	Todos []Todo `json:"todos"`
}

// Todo is one checklist entry.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// ParseSDKEvent parses the outer envelope of an SSE event.
func ParseSDKEvent(data []byte) (*SDKEventEnvelope, error) {
	var env SDKEventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *SDKEventEnvelope) decode(into any) error {
	return json.Unmarshal(e.Properties, into)
}

// MessageUpdated decodes the envelope's properties as a message.updated
// event.
func (e *SDKEventEnvelope) MessageUpdated() (*MessageUpdatedProperties, error) {
	var props MessageUpdatedProperties
	if err := e.decode(&props); err != nil {
		return nil, err
	}
	return &props, nil
}

// MessagePartUpdated decodes the envelope's properties as a
// message.part.updated event.
func (e *SDKEventEnvelope) MessagePartUpdated() (*MessagePartUpdatedProperties, error) {
	var props MessagePartUpdatedProperties
	if err := e.decode(&props); err != nil {
		return nil, err
	}
	return &props, nil
}

// PermissionAsked decodes the envelope's properties as a permission.asked
// event.
func (e *SDKEventEnvelope) PermissionAsked() (*PermissionAskedProperties, error) {
	var props PermissionAskedProperties
	if err := e.decode(&props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SessionError decodes the envelope's properties as a session.error event.
func (e *SDKEventEnvelope) SessionError() (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := e.decode(&props); err != nil {
		return nil, err
	}
	return &props, nil
}

// TodoUpdated decodes the envelope's properties as a todo.updated event.
func (e *SDKEventEnvelope) TodoUpdated() (*TodoUpdatedProperties, error) {
	var props TodoUpdatedProperties
	if err := e.decode(&props); err != nil {
		return nil, err
	}
	return &props, nil
}
