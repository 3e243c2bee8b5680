package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
)

func setupWriter(t *testing.T) (*Writer, *Store) {
	t.Helper()
	store, _ := setupStore(t)
	w := NewWriter(store, nil, store.log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)
	t.Cleanup(w.Close)
	return w, store
}

func TestWriterPersistsUpdates(t *testing.T) {
	w, store := setupWriter(t)

	w.UpdateSession(session.Snapshot{TrackerSessionID: "ts-1", Status: session.StatusRunning, Version: 1}, nil)
	w.SetRunnerSelection("ts-1", runner.Selection{IssueID: "i-1", RunnerType: "codex"})
	w.CacheIssueRepository("i-1", "frontend")
	w.LinkChildSession("ts-child", "ts-1")
	require.NoError(t, w.Flush())

	loaded := store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, session.StatusRunning, loaded.AgentSessions["ts-1"].Status)
	assert.Equal(t, "codex", loaded.SessionRunnerSelections["ts-1"].RunnerType)
	assert.Equal(t, "frontend", loaded.IssueRepositoryCache["i-1"])
	assert.Equal(t, "ts-1", loaded.ChildToParentAgentSession["ts-child"])
}

func TestWriterDropsStaleSnapshots(t *testing.T) {
	w, _ := setupWriter(t)

	w.UpdateSession(session.Snapshot{TrackerSessionID: "ts-1", Status: session.StatusCompleted, Version: 5}, nil)
	// A late writer with an older version must not clobber the newer state.
	w.UpdateSession(session.Snapshot{TrackerSessionID: "ts-1", Status: session.StatusRunning, Version: 4}, nil)

	state := w.Snapshot()
	assert.Equal(t, session.StatusCompleted, state.AgentSessions["ts-1"].Status)
	assert.EqualValues(t, 5, state.AgentSessions["ts-1"].Version)

	// Equal or newer versions are accepted.
	w.UpdateSession(session.Snapshot{TrackerSessionID: "ts-1", Status: session.StatusFailed, Version: 6}, nil)
	assert.Equal(t, session.StatusFailed, w.Snapshot().AgentSessions["ts-1"].Status)
}

func TestWriterRemoveSession(t *testing.T) {
	w, _ := setupWriter(t)

	w.UpdateSession(session.Snapshot{TrackerSessionID: "ts-1", Version: 1},
		[]session.NarrativeEntry{{ContentType: "thought", Body: "hi"}})
	w.SetRunnerSelection("ts-1", runner.Selection{RunnerType: "claude"})
	w.RemoveSession("ts-1")

	state := w.Snapshot()
	assert.NotContains(t, state.AgentSessions, "ts-1")
	assert.NotContains(t, state.AgentSessionEntries, "ts-1")
	assert.NotContains(t, state.SessionRunnerSelections, "ts-1")
}

func TestWriterFinalizedNonClaude(t *testing.T) {
	w, _ := setupWriter(t)

	assert.False(t, w.IsFinalizedNonClaude("ts-1"))
	w.MarkFinalizedNonClaude("ts-1")
	w.MarkFinalizedNonClaude("ts-1")
	assert.True(t, w.IsFinalizedNonClaude("ts-1"))
	assert.Equal(t, []string{"ts-1"}, w.Snapshot().FinalizedNonClaudeSessions)
}

func TestWriterCloseFlushes(t *testing.T) {
	store, _ := setupStore(t)
	w := NewWriter(store, nil, store.log)
	w.Start(context.Background())

	w.UpdateSession(session.Snapshot{TrackerSessionID: "ts-1", Status: session.StatusStopped, Version: 1}, nil)
	w.Close()

	loaded := store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, session.StatusStopped, loaded.AgentSessions["ts-1"].Status)
}

func TestWriterSeedsFromExistingState(t *testing.T) {
	store, _ := setupStore(t)
	seed := NewWorkerState()
	seed.AgentSessions["ts-1"] = session.Snapshot{TrackerSessionID: "ts-1", Status: session.StatusStopped, Version: 7}

	w := NewWriter(store, seed, store.log)
	sel, ok := w.RunnerSelection("ts-missing")
	assert.False(t, ok)
	assert.Empty(t, sel.RunnerType)

	state := w.Snapshot()
	assert.EqualValues(t, 7, state.AgentSessions["ts-1"].Version)
}
