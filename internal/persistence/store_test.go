package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
)

func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	dir := t.TempDir()
	return NewStore(dir, log), dir
}

func sampleState() *WorkerState {
	state := NewWorkerState()
	state.AgentSessions["ts-1"] = session.Snapshot{
		ID:               "s-1",
		TrackerSessionID: "ts-1",
		RepositoryID:     "frontend",
		IssueID:          "i-1",
		IssueIdentifier:  "FE-12",
		Status:           session.StatusRunning,
		Selection:        runner.Selection{IssueID: "i-1", RunnerType: "claude", Model: "opus"},
		StartedAt:        time.Now().UTC().Truncate(time.Second),
		Version:          3,
	}
	state.AgentSessionEntries["ts-1"] = []session.NarrativeEntry{
		{ContentType: "thought", Body: "Looking at the issue.", CreatedAt: time.Now().UTC().Truncate(time.Second)},
	}
	state.ChildToParentAgentSession["ts-2"] = "ts-1"
	state.IssueRepositoryCache["i-1"] = "frontend"
	state.SessionRunnerSelections["ts-1"] = runner.Selection{IssueID: "i-1", RunnerType: "claude"}
	state.FinalizedNonClaudeSessions = []string{"ts-9"}
	return state
}

func TestSaveAndLoad(t *testing.T) {
	store, dir := setupStore(t)

	require.NoError(t, store.Save(sampleState()))

	// On-disk envelope carries the version and a timestamp.
	data, err := os.ReadFile(filepath.Join(dir, "edge-worker-state.json"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, 2, doc["version"])
	assert.NotEmpty(t, doc["savedAt"])

	loaded := store.Load()
	require.NotNil(t, loaded)
	snap := loaded.AgentSessions["ts-1"]
	assert.Equal(t, "FE-12", snap.IssueIdentifier)
	assert.Equal(t, session.StatusRunning, snap.Status)
	assert.EqualValues(t, 3, snap.Version)
	assert.Equal(t, "ts-1", loaded.ChildToParentAgentSession["ts-2"])
	assert.Equal(t, "frontend", loaded.IssueRepositoryCache["i-1"])
	assert.Equal(t, "claude", loaded.SessionRunnerSelections["ts-1"].RunnerType)
	assert.Equal(t, []string{"ts-9"}, loaded.FinalizedNonClaudeSessions)
	require.Len(t, loaded.AgentSessionEntries["ts-1"], 1)
	assert.Equal(t, "thought", loaded.AgentSessionEntries["ts-1"][0].ContentType)
}

func TestLoadMissingFile(t *testing.T) {
	store, _ := setupStore(t)
	assert.Nil(t, store.Load())
}

func TestLoadCorruptFile(t *testing.T) {
	store, dir := setupStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edge-worker-state.json"), []byte("{truncated"), 0o644))
	assert.Nil(t, store.Load())
}

func TestLoadVersionMismatch(t *testing.T) {
	store, dir := setupStore(t)
	doc := `{"version": 1, "savedAt": "2026-01-01T00:00:00Z", "state": {"agentSessions": {}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edge-worker-state.json"), []byte(doc), 0o644))
	assert.Nil(t, store.Load())
}

func TestLoadNormalizesMissingMaps(t *testing.T) {
	store, dir := setupStore(t)
	doc := `{"version": 2, "savedAt": "2026-01-01T00:00:00Z", "state": {}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edge-worker-state.json"), []byte(doc), 0o644))

	loaded := store.Load()
	require.NotNil(t, loaded)
	assert.NotNil(t, loaded.AgentSessions)
	assert.NotNil(t, loaded.AgentSessionEntries)
	assert.NotNil(t, loaded.SessionRunnerSelections)
}

func TestCrashedWriteLeavesPreviousDocument(t *testing.T) {
	store, dir := setupStore(t)
	require.NoError(t, store.Save(sampleState()))

	// A crash between temp-file write and rename leaves a stray .tmp file.
	// The committed document must still load.
	tmp := filepath.Join(dir, "edge-worker-state.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial garbage"), 0o644))

	loaded := store.Load()
	require.NotNil(t, loaded)
	assert.Contains(t, loaded.AgentSessions, "ts-1")
}

func TestActiveWork(t *testing.T) {
	store, dir := setupStore(t)

	t.Run("empty by default", func(t *testing.T) {
		work := store.LoadActiveWork()
		assert.False(t, work.IsWorking)
		assert.Empty(t, work.ActiveSessions)
	})

	t.Run("add and remove rewrite the whole document", func(t *testing.T) {
		info := ActiveSessionInfo{IssueID: "i-1", IssueIdentifier: "FE-12", RepositoryID: "frontend", StartedAt: time.Now().UTC()}
		require.NoError(t, store.AddActiveSession("ts-1", info))

		work := store.LoadActiveWork()
		assert.True(t, work.IsWorking)
		assert.Equal(t, "FE-12", work.ActiveSessions["ts-1"].IssueIdentifier)
		assert.False(t, work.LastUpdated.IsZero())

		require.NoError(t, store.RemoveActiveSession("ts-1"))
		work = store.LoadActiveWork()
		assert.False(t, work.IsWorking)
		assert.Empty(t, work.ActiveSessions)
	})

	t.Run("corruption is treated as nothing active", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "active-work.json"), []byte("###"), 0o644))
		work := store.LoadActiveWork()
		assert.False(t, work.IsWorking)
		assert.Empty(t, work.ActiveSessions)

		// Next write recreates a valid document.
		require.NoError(t, store.AddActiveSession("ts-2", ActiveSessionInfo{IssueID: "i-2"}))
		work = store.LoadActiveWork()
		assert.True(t, work.IsWorking)
		assert.Contains(t, work.ActiveSessions, "ts-2")
	})

	t.Run("clear resets the document", func(t *testing.T) {
		require.NoError(t, store.ClearActiveWork())
		work := store.LoadActiveWork()
		assert.False(t, work.IsWorking)
		assert.Empty(t, work.ActiveSessions)
	})
}
