// Package webhook receives tracker webhook deliveries, authenticates them,
// and normalizes their payloads into typed events for the router.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags a normalized webhook event.
type Kind string

const (
	KindIssueAssigned        Kind = "issue_assigned"
	KindIssueUnassigned      Kind = "issue_unassigned"
	KindIssueCommentMention  Kind = "issue_comment_mention"
	KindIssueStatusChanged   Kind = "issue_status_changed"
	KindAgentSessionCreated  Kind = "agent_session_created"
	KindAgentSessionPrompted Kind = "agent_session_prompted"
)

// Event is a normalized webhook delivery. Which optional fields are set
// depends on Kind: session events carry AgentSessionID and possibly Prompt,
// comment mentions carry CommentID and Prompt.
type Event struct {
	Kind            Kind   `json:"kind"`
	OrganizationID  string `json:"organizationId"`
	IssueID         string `json:"issueId"`
	IssueIdentifier string `json:"issueIdentifier,omitempty"`
	IssueTitle      string `json:"issueTitle,omitempty"`
	TeamKey         string `json:"teamKey,omitempty"`

	// Labels holds the issue labels when the delivery included them. Nil
	// means unknown; the router fetches them on demand.
	Labels []string `json:"labels,omitempty"`

	AgentSessionID string   `json:"agentSessionId,omitempty"`
	CommentID      string   `json:"commentId,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	Author         string   `json:"author,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`

	ReceivedAt time.Time `json:"receivedAt"`
}

// labelList accepts both plain string arrays and arrays of {name} objects.
type labelList []string

func (l *labelList) UnmarshalJSON(data []byte) error {
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		*l = plain
		return nil
	}
	var objects []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &objects); err != nil {
		return err
	}
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, o.Name)
	}
	*l = names
	return nil
}

type issueRecord struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Team       *struct {
		Key string `json:"key"`
	} `json:"team"`
	Labels labelList `json:"labels"`
}

// payload is the raw delivery shape shared by all tracker webhook types.
type payload struct {
	Type           string       `json:"type"`
	Action         string       `json:"action"`
	OrganizationID string       `json:"organizationId"`
	Issue          *issueRecord `json:"issue"`
	AgentSession   *struct {
		ID    string       `json:"id"`
		Issue *issueRecord `json:"issue"`
	} `json:"agentSession"`
	Comment *struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	} `json:"comment"`
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Actor *struct {
		Name string `json:"name"`
	} `json:"actor"`
	Attachments []struct {
		URL string `json:"url"`
	} `json:"attachments"`
}

// Parse normalizes a raw delivery body. Unknown type/action combinations are
// an error; callers treat that as a malformed delivery.
func Parse(body []byte) (*Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid webhook body: %w", err)
	}

	kind, err := classify(p)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		Kind:           kind,
		OrganizationID: p.OrganizationID,
		ReceivedAt:     time.Now().UTC(),
	}

	issue := p.Issue
	if issue == nil && p.AgentSession != nil {
		issue = p.AgentSession.Issue
	}
	if issue != nil {
		ev.IssueID = issue.ID
		ev.IssueIdentifier = issue.Identifier
		ev.IssueTitle = issue.Title
		if issue.Team != nil {
			ev.TeamKey = issue.Team.Key
		}
		ev.Labels = issue.Labels
	}
	if ev.IssueID == "" {
		return nil, fmt.Errorf("webhook %s/%s has no issue record", p.Type, p.Action)
	}

	if p.AgentSession != nil {
		ev.AgentSessionID = p.AgentSession.ID
	}
	if p.Comment != nil {
		ev.CommentID = p.Comment.ID
		ev.Prompt = p.Comment.Body
	}
	if p.Message != nil && p.Message.Content != "" {
		ev.Prompt = p.Message.Content
	}
	if p.Actor != nil {
		ev.Author = p.Actor.Name
	}
	for _, a := range p.Attachments {
		ev.Attachments = append(ev.Attachments, a.URL)
	}
	return ev, nil
}

func classify(p payload) (Kind, error) {
	typ := strings.TrimSpace(p.Type)
	action := strings.TrimSpace(p.Action)

	switch typ {
	case "AgentSessionEvent":
		switch action {
		case "created":
			return KindAgentSessionCreated, nil
		case "prompted":
			return KindAgentSessionPrompted, nil
		}
	case "IssueCommentReaction":
		return KindIssueCommentMention, nil
	case "Issue", "AppUserNotification":
		switch action {
		case "assigned", "issueAssignedToYou":
			return KindIssueAssigned, nil
		case "unassigned", "issueUnassignedFromYou":
			return KindIssueUnassigned, nil
		case "commented", "issueCommentMention":
			return KindIssueCommentMention, nil
		case "statusChanged":
			return KindIssueStatusChanged, nil
		}
	}
	return "", fmt.Errorf("unsupported webhook: type=%s action=%s", p.Type, p.Action)
}
