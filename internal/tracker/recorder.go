package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RecordedActivity is one PostActivity call captured by the Recorder.
type RecordedActivity struct {
	ID             string
	AgentSessionID string
	Content        ActivityContent
	Ephemeral      bool
	PostedAt       time.Time
}

// StateChange is one UpdateIssueState call captured by the Recorder.
type StateChange struct {
	IssueID   string
	StateType IssueStateType
}

// Recorder is an in-memory Client for tests. It mirrors the tracker's
// ephemeral semantics: a new ephemeral activity replaces the previous one on
// the same session, and a non-ephemeral activity clears it.
type Recorder struct {
	mu sync.Mutex

	issues       map[string]*IssueData
	posted       []RecordedActivity
	ephemeral    map[string]string
	stateChanges []StateChange

	sessionSeq  int
	activitySeq int

	failPosts int
	postErr   error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		issues:    make(map[string]*IssueData),
		ephemeral: make(map[string]string),
	}
}

// AddIssue registers an issue under both its id and identifier.
func (r *Recorder) AddIssue(issue IssueData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := issue
	r.issues[issue.ID] = &copied
	if issue.Identifier != "" {
		r.issues[issue.Identifier] = &copied
	}
}

// FailNextPosts makes the next n PostActivity calls return err.
func (r *Recorder) FailNextPosts(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPosts = n
	r.postErr = err
}

// GetIssue implements Client.
func (r *Recorder) GetIssue(_ context.Context, issueID string) (*IssueData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[issueID]
	if !ok {
		return nil, nil
	}
	copied := *issue
	return &copied, nil
}

// CreateAgentSessionOnIssue implements Client.
func (r *Recorder) CreateAgentSessionOnIssue(_ context.Context, issueID, _ string) (*SessionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionSeq++
	return &SessionResult{
		Success:        true,
		AgentSessionID: fmt.Sprintf("agent-session-%d", r.sessionSeq),
		LastSyncID:     int64(r.sessionSeq),
	}, nil
}

// CreateAgentSessionOnComment implements Client.
func (r *Recorder) CreateAgentSessionOnComment(ctx context.Context, commentID, externalLink string) (*SessionResult, error) {
	return r.CreateAgentSessionOnIssue(ctx, commentID, externalLink)
}

// PostActivity implements Client.
func (r *Recorder) PostActivity(_ context.Context, agentSessionID string, content ActivityContent, ephemeral bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failPosts > 0 {
		r.failPosts--
		return "", r.postErr
	}

	r.activitySeq++
	id := fmt.Sprintf("activity-%d", r.activitySeq)
	r.posted = append(r.posted, RecordedActivity{
		ID:             id,
		AgentSessionID: agentSessionID,
		Content:        content,
		Ephemeral:      ephemeral,
		PostedAt:       time.Now().UTC(),
	})

	if ephemeral {
		r.ephemeral[agentSessionID] = id
	} else {
		delete(r.ephemeral, agentSessionID)
	}
	return id, nil
}

// UpdateIssueState implements Client.
func (r *Recorder) UpdateIssueState(_ context.Context, issueID string, stateType IssueStateType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateChanges = append(r.stateChanges, StateChange{IssueID: issueID, StateType: stateType})
	return nil
}

// UploadFile implements Client.
func (r *Recorder) UploadFile(_ context.Context, path, filename, contentType string, _ bool) (*UploadResult, error) {
	if filename == "" {
		filename = path
	}
	return &UploadResult{
		AssetURL:    "https://uploads.example.com/" + filename,
		Size:        int64(len(path)),
		ContentType: contentType,
	}, nil
}

// Posted returns a copy of every recorded activity, oldest first.
func (r *Recorder) Posted() []RecordedActivity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedActivity, len(r.posted))
	copy(out, r.posted)
	return out
}

// PostedForSession returns the recorded activities for one session.
func (r *Recorder) PostedForSession(agentSessionID string) []RecordedActivity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedActivity
	for _, a := range r.posted {
		if a.AgentSessionID == agentSessionID {
			out = append(out, a)
		}
	}
	return out
}

// CurrentEphemeralID returns the id of the session's visible ephemeral
// activity, or empty when none is showing.
func (r *Recorder) CurrentEphemeralID(agentSessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ephemeral[agentSessionID]
}

// StateChanges returns every recorded issue state change.
func (r *Recorder) StateChanges() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateChange, len(r.stateChanges))
	copy(out, r.stateChanges)
	return out
}

var _ Client = (*Recorder)(nil)
