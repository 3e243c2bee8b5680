// Package codex speaks the Codex app-server protocol: a JSON-RPC 2.0
// variant over stdio that omits the "jsonrpc" header field. The client
// starts threads, runs turns on them, and consumes item notifications.
package codex

import "encoding/json"

// Request is an outgoing call. ID is omitted for notifications.
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request by id.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a server push with no id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Methods the client calls on the server.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Notifications the server pushes to the client.
const (
	NotifyThreadStarted              = "thread/started"
	NotifyTurnStarted                = "turn/started"
	NotifyTurnCompleted              = "turn/completed"
	NotifyTurnPlanUpdated            = "turn/plan/updated"
	NotifyItemStarted                = "item/started"
	NotifyItemCompleted              = "item/completed"
	NotifyItemAgentMessageDelta      = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta  = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta     = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta     = "item/commandExecution/outputDelta"
	NotifyItemCmdExecRequestApproval = "item/commandExecution/requestApproval"
	NotifyItemFileChangeApproval     = "item/fileChange/requestApproval"
	NotifyError                      = "error"
)

// Item types.
const (
	ItemTypeUserMessage  = "userMessage"
	ItemTypeAgentMessage = "agentMessage"
	ItemTypeCommandExec  = "commandExecution"
	ItemTypeFileChange   = "fileChange"
	ItemTypeReasoning    = "reasoning"
	ItemTypeMcpToolCall  = "mcpToolCall"
)

// Approval decisions.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// SandboxPolicy configures what the agent process may touch. Type values are
// kebab-case: "read-only", "workspace-write", "danger-full-access".
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// ThreadStartParams for thread/start. ApprovalPolicy values: "untrusted",
// "on-failure", "on-request", "never".
type ThreadStartParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// Thread is one Codex conversation.
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string         `json:"threadId"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// ThreadResumeResult from thread/resume.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one input element for a turn.
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TextInput builds a plain text input.
func TextInput(text string) UserInput {
	return UserInput{Type: "text", Text: text}
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is one exchange within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed"
	Items  []Item `json:"items"`
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// Item is one unit of turn output. Fields beyond ID/Type/Status are
// populated per item type.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"` // "inProgress", "completed", "failed"

	// commandExecution.
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int   `json:"durationMs,omitempty"`

	// fileChange.
	Changes []FileChange `json:"changes,omitempty"`

	// agentMessage and reasoning. Codex sends content either as a plain
	// string or as an array of typed parts.
	Text    string          `json:"text,omitempty"`
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// mcpToolCall. ToolError avoids a clash with the Error type.
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// MessageText returns the best text rendering of an agentMessage or
// reasoning item.
func (it *Item) MessageText() string {
	if it.Text != "" {
		return it.Text
	}
	if s := it.Content.Text(); s != "" {
		return s
	}
	return it.Summary.Text()
}

// ContentPart is one element of an array-form content field.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent unmarshals from either a plain string or a part array.
type FlexibleContent []ContentPart

// UnmarshalJSON accepts both encodings and never fails the parse.
func (c *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if json.Unmarshal(data, &parts) == nil {
		*c = parts
		return nil
	}
	var plain string
	if json.Unmarshal(data, &plain) == nil {
		*c = FlexibleContent{{Type: "text", Text: plain}}
		return nil
	}
	*c = nil
	return nil
}

// Text concatenates the text of all parts.
func (c FlexibleContent) Text() string {
	var out string
	for _, p := range c {
		out += p.Text
	}
	return out
}

// FileChange is one entry of a fileChange item.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind tags the change type.
type FileChangeKind struct {
	Type string `json:"type"` // "add", "modify", "delete"
}

// ItemNotificationParams is the payload of item/started and item/completed.
type ItemNotificationParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemDeltaParams is the payload of the item-scoped delta notifications
// (agentMessage/delta, reasoning/textDelta, reasoning/summaryTextDelta).
type ItemDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams for item/commandExecution/requestApproval. This
// arrives as a request, not a notification; the server waits for an
// ApprovalResponse.
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Path      string   `json:"path"`
	Diff      string   `json:"diff,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// ApprovalResponse answers an approval request. Decision values: "accept",
// "acceptForSession", "decline", "cancel".
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// TurnCompletedParams for turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// TurnPlanUpdatedParams for turn/plan/updated.
type TurnPlanUpdatedParams struct {
	ThreadID string      `json:"threadId"`
	TurnID   string      `json:"turnId"`
	Plan     []PlanEntry `json:"plan"`
}

// PlanEntry is one step of the agent's plan.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"` // "pending", "in_progress", "completed", "failed"
}

// ErrorParams for the error notification.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
