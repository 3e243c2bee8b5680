package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/runner"
)

func TestNewSession(t *testing.T) {
	sel := runner.Selection{IssueID: "issue-1", RunnerType: runner.TypeClaude, Model: "opus"}
	s := New("as-77", "repo-1", "issue-1", "FE-12", sel, Strict)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "as-77", s.TrackerSessionID)
	assert.Equal(t, StatusCreated, s.Status())
	assert.Equal(t, sel, s.Selection)
	assert.False(t, s.StartedAt.IsZero())
	assert.Equal(t, s.ID, s.Machine.SessionID())
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Run("version bumps on every snapshot", func(t *testing.T) {
		s := New("as-1", "repo-1", "issue-1", "FE-1", runner.Selection{}, Strict)

		first := s.ToSnapshot()
		second := s.ToSnapshot()
		assert.Equal(t, int64(1), first.Version)
		assert.Equal(t, int64(2), second.Version)
	})

	t.Run("non-terminal sessions restore stopped and dormant", func(t *testing.T) {
		s := New("as-1", "repo-1", "issue-1", "FE-1", runner.Selection{RunnerType: runner.TypeClaude}, Strict)
		applyAll(t, s.Machine, EventInitializeRunner, EventRunnerInitialized)
		s.WorkspacePath = "/tmp/ws/FE-1"
		s.PendingActivities = []NarrativeEntry{{ContentType: "thought", Body: "buffered"}}

		snap := s.ToSnapshot()
		assert.Equal(t, StatusRunning, snap.Status)

		restored := FromSnapshot(snap, Strict)
		assert.Equal(t, s.ID, restored.ID)
		assert.Equal(t, StatusStopped, restored.Status())
		assert.True(t, restored.Machine.CanResume())
		assert.Nil(t, restored.Runner)
		assert.Equal(t, "/tmp/ws/FE-1", restored.WorkspacePath)
		require.Len(t, restored.PendingActivities, 1)
		assert.Equal(t, "buffered", restored.PendingActivities[0].Body)
		assert.Equal(t, snap.Version, restored.Version)
	})

	t.Run("terminal sessions keep their status", func(t *testing.T) {
		s := New("as-1", "repo-1", "issue-1", "FE-1", runner.Selection{}, Strict)
		applyAll(t, s.Machine,
			EventInitializeRunner, EventRunnerInitialized,
			EventResultReceived, EventCleanupComplete)
		ended := time.Now().UTC()
		code := 0
		s.EndedAt = &ended
		s.ExitCode = &code

		restored := FromSnapshot(s.ToSnapshot(), Strict)
		assert.Equal(t, StatusCompleted, restored.Status())
		require.NotNil(t, restored.EndedAt)
		require.NotNil(t, restored.ExitCode)
		assert.Equal(t, 0, *restored.ExitCode)
	})

	t.Run("ralph state survives the round trip", func(t *testing.T) {
		s := New("as-1", "repo-1", "issue-1", "FE-1", runner.Selection{}, Strict)
		s.Ralph = &RalphState{
			Active:           true,
			Iteration:        3,
			MaxIterations:    10,
			CompletionPhrase: "ALL TESTS PASS",
			OriginalPrompt:   "make the suite green",
			StartedAt:        time.Now().UTC(),
		}

		restored := FromSnapshot(s.ToSnapshot(), Strict)
		require.NotNil(t, restored.Ralph)
		assert.Equal(t, 3, restored.Ralph.Iteration)
		assert.Equal(t, "ALL TESTS PASS", restored.Ralph.CompletionPhrase)
		assert.Equal(t, "make the suite green", restored.Ralph.OriginalPrompt)
	})

	t.Run("pending activities copy does not alias the session", func(t *testing.T) {
		s := New("as-1", "repo-1", "issue-1", "FE-1", runner.Selection{}, Strict)
		s.PendingActivities = []NarrativeEntry{{ContentType: "thought", Body: "a"}}

		snap := s.ToSnapshot()
		s.PendingActivities[0].Body = "mutated"
		assert.Equal(t, "a", snap.PendingActivities[0].Body)
	})
}

func TestAppendNarrative(t *testing.T) {
	s := New("as-1", "repo-1", "issue-1", "FE-1", runner.Selection{}, Strict)
	s.AppendNarrative(NarrativeEntry{ContentType: "action", Action: "Bash", Parameter: "go test ./..."})
	s.AppendNarrative(NarrativeEntry{ContentType: "result", Result: "ok"})

	require.Len(t, s.Narrative, 2)
	assert.Equal(t, "Bash", s.Narrative[0].Action)
	assert.Equal(t, "ok", s.Narrative[1].Result)
}
