package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ceedaragents/cyrus/internal/runner"
)

// NarrativeEntry is one tracker activity already posted (or pending post)
// for a session. Entries mirror the tracker's activity content union: simple
// kinds carry Body, actions carry Action/Parameter, results carry Result.
type NarrativeEntry struct {
	ContentType string    `json:"contentType"`
	Body        string    `json:"body,omitempty"`
	Action      string    `json:"action,omitempty"`
	Parameter   string    `json:"parameter,omitempty"`
	Result      string    `json:"result,omitempty"`
	Ephemeral   bool      `json:"ephemeral,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RalphState is the iterative-loop state for a session whose issue carries a
// ralph-wiggum label. It is persisted both in the session snapshot and as a
// markdown state file in the workspace.
type RalphState struct {
	Active           bool      `json:"active" yaml:"active"`
	Iteration        int       `json:"iteration" yaml:"iteration"`
	MaxIterations    int       `json:"maxIterations" yaml:"max_iterations"`
	CompletionPhrase string    `json:"completionPhrase,omitempty" yaml:"completion_phrase,omitempty"`
	StartedAt        time.Time `json:"startedAt" yaml:"started_at"`
	UpdatedAt        time.Time `json:"updatedAt" yaml:"updated_at"`

	// OriginalPrompt is the loop's goal. In the workspace state file it is
	// the markdown body rather than front matter.
	OriginalPrompt string `json:"originalPrompt,omitempty" yaml:"-"`
}

// Session is one agent run against one issue. It is owned by exactly one
// coordinator goroutine; nothing here needs a lock.
type Session struct {
	ID               string
	TrackerSessionID string
	RepositoryID     string
	IssueID          string
	IssueIdentifier  string
	WorkspacePath    string

	Machine   *Machine
	Selection runner.Selection

	// Runner and Input are live handles, present only while a runner is
	// attached. Input is allocated for streaming-capable runners.
	Runner runner.Runner
	Input  chan string

	// Narrative is the ordered list of activities posted for this session.
	// PendingActivities holds posts that exhausted their retries and await
	// re-attempt after a restart.
	Narrative         []NarrativeEntry
	PendingActivities []NarrativeEntry

	Ralph *RalphState

	StartedAt  time.Time
	EndedAt    *time.Time
	ExitCode   *int
	StderrTail string

	// Version increases on every persisted snapshot so a late write can
	// never clobber a newer one.
	Version int64
}

// New creates a session in the Created state.
func New(trackerSessionID, repositoryID, issueID, issueIdentifier string, selection runner.Selection, mode Mode) *Session {
	id := uuid.New().String()
	return &Session{
		ID:               id,
		TrackerSessionID: trackerSessionID,
		RepositoryID:     repositoryID,
		IssueID:          issueID,
		IssueIdentifier:  issueIdentifier,
		Machine:          NewMachine(id, mode),
		Selection:        selection,
		StartedAt:        time.Now().UTC(),
	}
}

// Status returns the machine's current state.
func (s *Session) Status() Status {
	return s.Machine.Status()
}

// AppendNarrative records one posted activity.
func (s *Session) AppendNarrative(entry NarrativeEntry) {
	s.Narrative = append(s.Narrative, entry)
}

// Snapshot is the serializable subset of a session.
type Snapshot struct {
	ID                string           `json:"id"`
	TrackerSessionID  string           `json:"trackerSessionId"`
	RepositoryID      string           `json:"repositoryId"`
	IssueID           string           `json:"issueId"`
	IssueIdentifier   string           `json:"issueIdentifier,omitempty"`
	WorkspacePath     string           `json:"workspacePath,omitempty"`
	Status            Status           `json:"status"`
	Selection         runner.Selection `json:"runnerSelection"`
	PendingActivities []NarrativeEntry `json:"pendingActivities,omitempty"`
	Ralph             *RalphState      `json:"ralphState,omitempty"`
	StartedAt         time.Time        `json:"startedAt"`
	EndedAt           *time.Time       `json:"endedAt,omitempty"`
	ExitCode          *int             `json:"exitCode,omitempty"`
	StderrTail        string           `json:"stderrTail,omitempty"`
	Version           int64            `json:"version"`
}

// ToSnapshot captures the persistable state, bumping the snapshot version.
func (s *Session) ToSnapshot() Snapshot {
	s.Version++
	return Snapshot{
		ID:                s.ID,
		TrackerSessionID:  s.TrackerSessionID,
		RepositoryID:      s.RepositoryID,
		IssueID:           s.IssueID,
		IssueIdentifier:   s.IssueIdentifier,
		WorkspacePath:     s.WorkspacePath,
		Status:            s.Status(),
		Selection:         s.Selection,
		PendingActivities: append([]NarrativeEntry(nil), s.PendingActivities...),
		Ralph:             s.Ralph,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
		ExitCode:          s.ExitCode,
		StderrTail:        s.StderrTail,
		Version:           s.Version,
	}
}

// FromSnapshot reconstructs a session after a restart. Non-terminal sessions
// are restored as Stopped and left dormant; a later prompt resumes them.
func FromSnapshot(snap Snapshot, mode Mode) *Session {
	status := snap.Status
	if !status.IsTerminal() {
		status = StatusStopped
	}
	return &Session{
		ID:                snap.ID,
		TrackerSessionID:  snap.TrackerSessionID,
		RepositoryID:      snap.RepositoryID,
		IssueID:           snap.IssueID,
		IssueIdentifier:   snap.IssueIdentifier,
		WorkspacePath:     snap.WorkspacePath,
		Machine:           RestoreMachine(snap.ID, status, mode),
		Selection:         snap.Selection,
		PendingActivities: append([]NarrativeEntry(nil), snap.PendingActivities...),
		Ralph:             snap.Ralph,
		StartedAt:         snap.StartedAt,
		EndedAt:           snap.EndedAt,
		ExitCode:          snap.ExitCode,
		StderrTail:        snap.StderrTail,
		Version:           snap.Version,
	}
}
