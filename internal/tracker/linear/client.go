// Package linear implements the tracker capability against the Linear
// GraphQL API.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/cyruserr"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

const (
	defaultEndpoint = "https://api.linear.app/graphql"

	issueCacheSize  = 256
	statesCacheSize = 64
)

// Client talks to the Linear GraphQL API for one workspace. It is safe for
// concurrent use.
type Client struct {
	endpoint    string
	token       string
	workspaceID string
	httpClient  *http.Client
	log         *logger.Logger

	maxRetries int
	baseDelay  time.Duration

	// issueCache keys by both id and identifier; statesCache maps an issue
	// id to its team's workflow state name → state id.
	issueCache  *lru.Cache[string, tracker.IssueData]
	statesCache *lru.Cache[string, map[string]string]
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API endpoint, used by tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries overrides the retry cap for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay overrides the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// NewClient creates a client authenticated with token.
func NewClient(token, workspaceID string, log *logger.Logger, opts ...Option) *Client {
	issueCache, _ := lru.New[string, tracker.IssueData](issueCacheSize)
	statesCache, _ := lru.New[string, map[string]string](statesCacheSize)

	c := &Client{
		endpoint:    defaultEndpoint,
		token:       token,
		workspaceID: workspaceID,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log.WithFields(zap.String("component", "linear-client")),
		maxRetries:  3,
		baseDelay:   500 * time.Millisecond,
		issueCache:  issueCache,
		statesCache: statesCache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// execute runs one GraphQL document with retries on 429 and 5xx responses,
// honoring Retry-After and otherwise backing off exponentially with jitter.
func (c *Client) execute(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay(attempt, lastErr)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &retryableError{err: err}
			c.log.Warn("Linear request failed, will retry", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = &retryableError{err: err}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return cyruserr.Newf(cyruserr.KindAuthenticationFailure,
				"linear rejected credentials (HTTP %d)", resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &retryableError{
				err:        fmt.Errorf("HTTP %d", resp.StatusCode),
				retryAfter: parseRetryAfter(resp.Header),
			}
			c.log.Warn("Linear request throttled or failed, will retry",
				zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			continue
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("linear request failed: HTTP %d: %s", resp.StatusCode, respBody)
		}

		var envelope graphqlResponse
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("failed to decode linear response: %w", err)
		}
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("linear query failed: %s", envelope.Errors[0].Message)
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return fmt.Errorf("failed to decode linear data: %w", err)
			}
		}
		return nil
	}

	return cyruserr.Wrap(cyruserr.KindTransientIO,
		fmt.Sprintf("linear request failed after %d attempts", c.maxRetries+1), unwrapRetryable(lastErr))
}

type retryableError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }

func unwrapRetryable(err error) error {
	if re, ok := err.(*retryableError); ok {
		return re.err
	}
	return err
}

func (c *Client) retryDelay(attempt int, lastErr error) time.Duration {
	if re, ok := lastErr.(*retryableError); ok && re.retryAfter > 0 {
		return re.retryAfter
	}
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseDelay
	jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	return backoff + jitter
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// GetIssue implements tracker.Client. Results are cached under both the
// issue id and its identifier.
func (c *Client) GetIssue(ctx context.Context, issueID string) (*tracker.IssueData, error) {
	if cached, ok := c.issueCache.Get(issueID); ok {
		copied := cached
		return &copied, nil
	}

	var resp struct {
		Issue *struct {
			ID          string `json:"id"`
			Identifier  string `json:"identifier"`
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			BranchName  string `json:"branchName"`
			Team        *struct {
				Key string `json:"key"`
			} `json:"team"`
			Labels struct {
				Nodes []struct {
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
		} `json:"issue"`
	}
	if err := c.execute(ctx, issueQuery, map[string]interface{}{"id": issueID}, &resp); err != nil {
		return nil, err
	}
	if resp.Issue == nil {
		return nil, nil
	}

	issue := tracker.IssueData{
		ID:          resp.Issue.ID,
		Identifier:  resp.Issue.Identifier,
		Title:       resp.Issue.Title,
		Description: resp.Issue.Description,
		URL:         resp.Issue.URL,
		BranchName:  resp.Issue.BranchName,
	}
	if resp.Issue.Team != nil {
		issue.TeamKey = resp.Issue.Team.Key
	}
	for _, label := range resp.Issue.Labels.Nodes {
		issue.Labels = append(issue.Labels, label.Name)
	}

	c.issueCache.Add(issue.ID, issue)
	if issue.Identifier != "" {
		c.issueCache.Add(issue.Identifier, issue)
	}
	return &issue, nil
}

// InvalidateIssue drops an issue from the cache, forcing the next GetIssue
// to refetch. Used when a webhook reports changed labels.
func (c *Client) InvalidateIssue(issueID string) {
	if issue, ok := c.issueCache.Get(issueID); ok {
		c.issueCache.Remove(issue.ID)
		c.issueCache.Remove(issue.Identifier)
		return
	}
	c.issueCache.Remove(issueID)
}

type sessionCreatePayload struct {
	Success      bool    `json:"success"`
	LastSyncID   float64 `json:"lastSyncId"`
	AgentSession *struct {
		ID string `json:"id"`
	} `json:"agentSession"`
}

func sessionResult(p sessionCreatePayload) *tracker.SessionResult {
	result := &tracker.SessionResult{
		Success:    p.Success,
		LastSyncID: int64(p.LastSyncID),
	}
	if p.AgentSession != nil {
		result.AgentSessionID = p.AgentSession.ID
	}
	return result
}

// CreateAgentSessionOnIssue implements tracker.Client.
func (c *Client) CreateAgentSessionOnIssue(ctx context.Context, issueID, externalLink string) (*tracker.SessionResult, error) {
	input := map[string]interface{}{"issueId": issueID}
	if externalLink != "" {
		input["externalLink"] = externalLink
	}
	var resp struct {
		Payload sessionCreatePayload `json:"agentSessionCreateOnIssue"`
	}
	if err := c.execute(ctx, agentSessionCreateOnIssueMutation, map[string]interface{}{"input": input}, &resp); err != nil {
		return nil, err
	}
	return sessionResult(resp.Payload), nil
}

// CreateAgentSessionOnComment implements tracker.Client.
func (c *Client) CreateAgentSessionOnComment(ctx context.Context, commentID, externalLink string) (*tracker.SessionResult, error) {
	input := map[string]interface{}{"commentId": commentID}
	if externalLink != "" {
		input["externalLink"] = externalLink
	}
	var resp struct {
		Payload sessionCreatePayload `json:"agentSessionCreateOnComment"`
	}
	if err := c.execute(ctx, agentSessionCreateOnCommentMutation, map[string]interface{}{"input": input}, &resp); err != nil {
		return nil, err
	}
	return sessionResult(resp.Payload), nil
}

// PostActivity implements tracker.Client.
func (c *Client) PostActivity(ctx context.Context, agentSessionID string, content tracker.ActivityContent, ephemeral bool) (string, error) {
	contentInput := map[string]interface{}{"type": string(content.Type)}
	switch content.Type {
	case tracker.ContentAction:
		contentInput["action"] = content.Action
		contentInput["parameter"] = content.Parameter
		if content.Result != "" {
			contentInput["result"] = content.Result
		}
	default:
		contentInput["body"] = content.Body
	}

	input := map[string]interface{}{
		"agentSessionId": agentSessionID,
		"content":        contentInput,
	}
	if ephemeral {
		input["ephemeral"] = true
	}

	var resp struct {
		Payload struct {
			Success       bool `json:"success"`
			AgentActivity *struct {
				ID string `json:"id"`
			} `json:"agentActivity"`
		} `json:"agentActivityCreate"`
	}
	if err := c.execute(ctx, agentActivityCreateMutation, map[string]interface{}{"input": input}, &resp); err != nil {
		return "", err
	}
	if !resp.Payload.Success || resp.Payload.AgentActivity == nil {
		return "", fmt.Errorf("linear rejected agent activity for session %s", agentSessionID)
	}
	return resp.Payload.AgentActivity.ID, nil
}

// UpdateIssueState implements tracker.Client. The team's workflow states are
// fetched once per issue and cached.
func (c *Client) UpdateIssueState(ctx context.Context, issueID string, stateType tracker.IssueStateType) error {
	stateName := tracker.WorkflowStateName(stateType)
	if stateName == "" {
		return fmt.Errorf("unknown issue state type: %s", stateType)
	}

	states, err := c.workflowStates(ctx, issueID)
	if err != nil {
		return err
	}
	stateID, ok := states[stateName]
	if !ok {
		return fmt.Errorf("workflow state %q not found for issue %s", stateName, issueID)
	}

	var resp struct {
		Payload struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	vars := map[string]interface{}{"id": issueID, "stateId": stateID}
	if err := c.execute(ctx, issueUpdateStateMutation, vars, &resp); err != nil {
		return err
	}
	if !resp.Payload.Success {
		return fmt.Errorf("linear rejected state update for issue %s", issueID)
	}
	return nil
}

func (c *Client) workflowStates(ctx context.Context, issueID string) (map[string]string, error) {
	if cached, ok := c.statesCache.Get(issueID); ok {
		return cached, nil
	}

	var resp struct {
		Issue *struct {
			ID   string `json:"id"`
			Team *struct {
				States struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"states"`
			} `json:"team"`
		} `json:"issue"`
	}
	if err := c.execute(ctx, issueStatesQuery, map[string]interface{}{"id": issueID}, &resp); err != nil {
		return nil, err
	}
	if resp.Issue == nil || resp.Issue.Team == nil {
		return nil, fmt.Errorf("issue %s has no team workflow states", issueID)
	}

	states := make(map[string]string, len(resp.Issue.Team.States.Nodes))
	for _, node := range resp.Issue.Team.States.Nodes {
		states[node.Name] = node.ID
	}
	c.statesCache.Add(issueID, states)
	return states, nil
}

// UploadFile implements tracker.Client: request an upload slot, PUT the
// bytes, return the asset URL.
func (c *Client) UploadFile(ctx context.Context, path, filename, contentType string, makePublic bool) (*tracker.UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload file: %w", err)
	}
	if filename == "" {
		filename = filepath.Base(path)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var resp struct {
		Payload struct {
			Success    bool `json:"success"`
			UploadFile *struct {
				UploadURL   string `json:"uploadUrl"`
				AssetURL    string `json:"assetUrl"`
				ContentType string `json:"contentType"`
				Size        int64  `json:"size"`
				Headers     []struct {
					Key   string `json:"key"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"uploadFile"`
		} `json:"fileUpload"`
	}
	vars := map[string]interface{}{
		"contentType": contentType,
		"filename":    filename,
		"size":        len(data),
		"makePublic":  makePublic,
	}
	if err := c.execute(ctx, fileUploadMutation, vars, &resp); err != nil {
		return nil, err
	}
	if !resp.Payload.Success || resp.Payload.UploadFile == nil {
		return nil, fmt.Errorf("linear rejected file upload for %s", filename)
	}

	slot := resp.Payload.UploadFile
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.UploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	for _, h := range slot.Headers {
		req.Header.Set(h.Key, h.Value)
	}
	putResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cyruserr.Wrap(cyruserr.KindTransientIO, "file upload PUT failed", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		return nil, fmt.Errorf("file upload PUT failed: HTTP %d", putResp.StatusCode)
	}

	return &tracker.UploadResult{
		AssetURL:    slot.AssetURL,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

var _ tracker.Client = (*Client)(nil)
