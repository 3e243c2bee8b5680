// Package tracker defines the issue tracker capability the edge worker
// consumes. The linear subpackage implements it against the Linear GraphQL
// API; Recorder is an in-memory fake for tests.
package tracker

import "context"

// IssueData is the subset of an issue the worker needs.
type IssueData struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	TeamKey     string   `json:"teamKey,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	URL         string   `json:"url,omitempty"`
	BranchName  string   `json:"branchName,omitempty"`
}

// SessionResult is the outcome of creating an agent session.
type SessionResult struct {
	Success        bool   `json:"success"`
	AgentSessionID string `json:"agentSessionId"`
	LastSyncID     int64  `json:"lastSyncId"`
}

// ContentType tags an agent activity's content.
type ContentType string

const (
	ContentPrompt      ContentType = "prompt"
	ContentThought     ContentType = "thought"
	ContentAction      ContentType = "action"
	ContentResult      ContentType = "result"
	ContentError       ContentType = "error"
	ContentElicitation ContentType = "elicitation"
	ContentResponse    ContentType = "response"
)

// ActivityContent is the tracker activity content union: simple kinds carry
// Body, actions carry Action/Parameter and optionally Result.
type ActivityContent struct {
	Type      ContentType `json:"type"`
	Body      string      `json:"body,omitempty"`
	Action    string      `json:"action,omitempty"`
	Parameter string      `json:"parameter,omitempty"`
	Result    string      `json:"result,omitempty"`
}

// IssueStateType is the worker-side issue state. Implementations map it to
// the tracker's workflow state names.
type IssueStateType string

const (
	IssueStateActive    IssueStateType = "active"    // In Progress
	IssueStateCompleted IssueStateType = "completed" // Done
	IssueStateFailed    IssueStateType = "failed"    // Canceled
	IssueStatePaused    IssueStateType = "paused"    // Paused
)

// UploadResult describes a completed file upload.
type UploadResult struct {
	AssetURL    string `json:"assetUrl"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Client is the tracker capability. Implementations are safe for concurrent
// use; one client is created per repository at config load.
//
// Posting an activity with ephemeral=true replaces any previous ephemeral
// activity on the same session; non-ephemeral activities append and clear
// the ephemeral one.
type Client interface {
	// GetIssue fetches an issue by id or identifier. Returns (nil, nil)
	// when the issue does not exist.
	GetIssue(ctx context.Context, issueID string) (*IssueData, error)

	// CreateAgentSessionOnIssue opens an agent session attached to an issue.
	CreateAgentSessionOnIssue(ctx context.Context, issueID, externalLink string) (*SessionResult, error)

	// CreateAgentSessionOnComment opens an agent session attached to a
	// comment thread.
	CreateAgentSessionOnComment(ctx context.Context, commentID, externalLink string) (*SessionResult, error)

	// PostActivity creates one agent activity and returns its id.
	PostActivity(ctx context.Context, agentSessionID string, content ActivityContent, ephemeral bool) (string, error)

	// UpdateIssueState moves the issue to the workflow state mapped from
	// stateType.
	UpdateIssueState(ctx context.Context, issueID string, stateType IssueStateType) error

	// UploadFile uploads a local file and returns its public asset URL.
	UploadFile(ctx context.Context, path, filename, contentType string, makePublic bool) (*UploadResult, error)
}

// WorkflowStateName maps a worker-side state type to Linear's default
// workflow state name.
func WorkflowStateName(stateType IssueStateType) string {
	switch stateType {
	case IssueStateActive:
		return "In Progress"
	case IssueStateCompleted:
		return "Done"
	case IssueStateFailed:
		return "Canceled"
	case IssueStatePaused:
		return "Paused"
	default:
		return ""
	}
}
