package persistence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
)

// Writer owns the authoritative WorkerState and sequences all state saves on
// one goroutine. Mutations mark the state dirty and kick the writer; bursts
// coalesce because only the latest state is ever written. Session snapshots
// carry a monotonic version so a stale snapshot can never overwrite a newer
// one.
type Writer struct {
	store *Store
	log   *logger.Logger

	mu    sync.Mutex
	state *WorkerState

	kick chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewWriter creates a writer seeded with state, or an empty state when nil.
func NewWriter(store *Store, state *WorkerState, log *logger.Logger) *Writer {
	if state == nil {
		state = NewWorkerState()
	}
	return &Writer{
		store:   store,
		log:     log,
		state:   state,
		kick:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. It drains pending work and performs a
// final save when ctx is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.kick:
				w.save()
			case <-ctx.Done():
				w.save()
				return
			case <-w.stopped:
				w.save()
				return
			}
		}
	}()
}

// Close stops the writer after a final save and waits for it to finish.
func (w *Writer) Close() {
	w.stopOnce.Do(func() { close(w.stopped) })
	<-w.done
}

// Flush forces a synchronous save of the current state.
func (w *Writer) Flush() error {
	return w.saveErr()
}

func (w *Writer) save() {
	if err := w.saveErr(); err != nil {
		w.log.Error("Failed to persist worker state", zap.Error(err))
	}
}

func (w *Writer) saveErr() error {
	w.mu.Lock()
	snapshot := w.copyStateLocked()
	w.mu.Unlock()
	return w.store.Save(snapshot)
}

// copyStateLocked clones the maps so Save can marshal without holding the
// mutation lock. Values are value-types or append-only slices.
func (w *Writer) copyStateLocked() *WorkerState {
	out := NewWorkerState()
	for k, v := range w.state.AgentSessions {
		out.AgentSessions[k] = v
	}
	for k, v := range w.state.AgentSessionEntries {
		out.AgentSessionEntries[k] = append([]session.NarrativeEntry(nil), v...)
	}
	for k, v := range w.state.ChildToParentAgentSession {
		out.ChildToParentAgentSession[k] = v
	}
	for k, v := range w.state.IssueRepositoryCache {
		out.IssueRepositoryCache[k] = v
	}
	for k, v := range w.state.SessionRunnerSelections {
		out.SessionRunnerSelections[k] = v
	}
	out.FinalizedNonClaudeSessions = append([]string(nil), w.state.FinalizedNonClaudeSessions...)
	return out
}

func (w *Writer) dirty() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// UpdateSession merges a session snapshot and its narrative entries. A
// snapshot older than the stored one is dropped.
func (w *Writer) UpdateSession(snap session.Snapshot, entries []session.NarrativeEntry) {
	w.mu.Lock()
	if existing, ok := w.state.AgentSessions[snap.TrackerSessionID]; ok && snap.Version < existing.Version {
		w.mu.Unlock()
		w.log.Debug("Dropping stale session snapshot",
			zap.String("session_id", snap.TrackerSessionID),
			zap.Int64("version", snap.Version),
			zap.Int64("current", existing.Version))
		return
	}
	w.state.AgentSessions[snap.TrackerSessionID] = snap
	if entries != nil {
		w.state.AgentSessionEntries[snap.TrackerSessionID] = append([]session.NarrativeEntry(nil), entries...)
	}
	w.mu.Unlock()
	w.dirty()
}

// RemoveSession drops a session and its narrative from the state.
func (w *Writer) RemoveSession(trackerSessionID string) {
	w.mu.Lock()
	delete(w.state.AgentSessions, trackerSessionID)
	delete(w.state.AgentSessionEntries, trackerSessionID)
	delete(w.state.SessionRunnerSelections, trackerSessionID)
	w.mu.Unlock()
	w.dirty()
}

// SetRunnerSelection records the runner selection for a tracker session.
func (w *Writer) SetRunnerSelection(trackerSessionID string, sel runner.Selection) {
	w.mu.Lock()
	w.state.SessionRunnerSelections[trackerSessionID] = sel
	w.mu.Unlock()
	w.dirty()
}

// CacheIssueRepository remembers which repository an issue routed to.
func (w *Writer) CacheIssueRepository(issueID, repositoryID string) {
	w.mu.Lock()
	w.state.IssueRepositoryCache[issueID] = repositoryID
	w.mu.Unlock()
	w.dirty()
}

// LinkChildSession records a child-to-parent session relationship.
func (w *Writer) LinkChildSession(childID, parentID string) {
	w.mu.Lock()
	w.state.ChildToParentAgentSession[childID] = parentID
	w.mu.Unlock()
	w.dirty()
}

// MarkFinalizedNonClaude records that a non-claude session was finalized so
// a replayed webhook does not reopen it.
func (w *Writer) MarkFinalizedNonClaude(trackerSessionID string) {
	w.mu.Lock()
	found := false
	for _, id := range w.state.FinalizedNonClaudeSessions {
		if id == trackerSessionID {
			found = true
			break
		}
	}
	if !found {
		w.state.FinalizedNonClaudeSessions = append(w.state.FinalizedNonClaudeSessions, trackerSessionID)
	}
	w.mu.Unlock()
	if !found {
		w.dirty()
	}
}

// IsFinalizedNonClaude reports whether the session was already finalized.
func (w *Writer) IsFinalizedNonClaude(trackerSessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.state.FinalizedNonClaudeSessions {
		if id == trackerSessionID {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current state, for status introspection
// and tests.
func (w *Writer) Snapshot() *WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.copyStateLocked()
}

// RunnerSelection returns the recorded selection for a tracker session.
func (w *Writer) RunnerSelection(trackerSessionID string) (runner.Selection, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sel, ok := w.state.SessionRunnerSelections[trackerSessionID]
	return sel, ok
}

// RepositoryForIssue returns the cached repository id for an issue.
func (w *Writer) RepositoryForIssue(issueID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.state.IssueRepositoryCache[issueID]
	return id, ok
}
