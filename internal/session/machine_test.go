package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/cyruserr"
)

func applyAll(t *testing.T, m *Machine, events ...EventType) {
	t.Helper()
	for _, ev := range events {
		ok, err := m.Apply(ev)
		require.NoError(t, err, "event %s from %s", ev, m.Status())
		require.True(t, ok)
	}
}

func TestMachineLifecycle(t *testing.T) {
	t.Run("happy path runs to completed", func(t *testing.T) {
		m := NewMachine("s1", Strict)
		assert.Equal(t, StatusCreated, m.Status())

		applyAll(t, m,
			EventInitializeRunner,
			EventRunnerInitialized,
			EventMessageReceived,
			EventMessageReceived,
			EventResultReceived,
			EventCleanupComplete,
		)
		assert.Equal(t, StatusCompleted, m.Status())
		assert.True(t, m.IsTerminal())
		assert.False(t, m.IsActive())
	})

	t.Run("message received loops in running", func(t *testing.T) {
		m := NewMachine("s1", Strict)
		applyAll(t, m, EventInitializeRunner, EventRunnerInitialized)

		for i := 0; i < 5; i++ {
			applyAll(t, m, EventMessageReceived)
			assert.Equal(t, StatusRunning, m.Status())
		}
	})

	t.Run("stop then resume returns to starting", func(t *testing.T) {
		m := NewMachine("s1", Strict)
		applyAll(t, m, EventInitializeRunner, EventRunnerInitialized)

		applyAll(t, m, EventStopSignal)
		assert.Equal(t, StatusStopping, m.Status())
		applyAll(t, m, EventRunnerStopped)
		assert.Equal(t, StatusStopped, m.Status())
		assert.True(t, m.CanResume())

		applyAll(t, m, EventResume)
		assert.Equal(t, StatusStarting, m.Status())
		assert.True(t, m.IsActive())
	})

	t.Run("stopped accepts initialize runner for a fresh start", func(t *testing.T) {
		m := RestoreMachine("s1", StatusStopped, Strict)
		applyAll(t, m, EventInitializeRunner)
		assert.Equal(t, StatusStarting, m.Status())
	})

	t.Run("error is accepted from every non-terminal state except stopped", func(t *testing.T) {
		for _, from := range []Status{StatusCreated, StatusStarting, StatusRunning, StatusCompleting, StatusStopping} {
			m := RestoreMachine("s1", from, Strict)
			ok, err := m.Apply(EventError)
			require.NoError(t, err, "from %s", from)
			require.True(t, ok)
			assert.Equal(t, StatusFailed, m.Status())
		}

		m := RestoreMachine("s1", StatusStopped, Lenient)
		ok, err := m.Apply(EventError)
		require.NoError(t, err)
		assert.False(t, ok, "stopped is dormant, not failable")
		assert.Equal(t, StatusStopped, m.Status())
	})

	t.Run("terminal states accept nothing", func(t *testing.T) {
		allEvents := []EventType{
			EventInitializeRunner, EventRunnerInitialized, EventMessageReceived,
			EventResultReceived, EventCleanupComplete, EventStopSignal,
			EventRunnerStopped, EventError, EventResume,
		}
		for _, terminal := range []Status{StatusCompleted, StatusFailed} {
			m := RestoreMachine("s1", terminal, Lenient)
			for _, ev := range allEvents {
				ok, err := m.Apply(ev)
				require.NoError(t, err)
				assert.False(t, ok, "%s should reject %s", terminal, ev)
			}
			assert.Equal(t, terminal, m.Status())
		}
	})
}

func TestMachineModes(t *testing.T) {
	t.Run("strict returns a typed error and keeps state", func(t *testing.T) {
		m := NewMachine("s1", Strict)
		ok, err := m.Apply(EventResultReceived)
		assert.False(t, ok)
		require.Error(t, err)

		var invalid *cyruserr.InvalidTransitionError
		require.True(t, errors.As(err, &invalid))
		assert.Equal(t, "created", invalid.State)
		assert.Equal(t, "result_received", invalid.Event)
		assert.Equal(t, StatusCreated, m.Status())
	})

	t.Run("lenient rejects silently", func(t *testing.T) {
		m := NewMachine("s1", Lenient)
		ok, err := m.Apply(EventRunnerStopped)
		assert.False(t, ok)
		assert.NoError(t, err)
		assert.Equal(t, StatusCreated, m.Status())
	})

	t.Run("can apply probes without mutating", func(t *testing.T) {
		m := NewMachine("s1", Strict)
		assert.True(t, m.CanApply(EventInitializeRunner))
		assert.False(t, m.CanApply(EventRunnerInitialized))
		assert.Equal(t, StatusCreated, m.Status())
		assert.Empty(t, m.History())
	})
}

func TestMachineHistory(t *testing.T) {
	t.Run("records transitions oldest first", func(t *testing.T) {
		m := NewMachine("s1", Strict)
		applyAll(t, m, EventInitializeRunner, EventRunnerInitialized, EventStopSignal)

		history := m.History()
		require.Len(t, history, 3)
		assert.Equal(t, StatusCreated, history[0].From)
		assert.Equal(t, EventInitializeRunner, history[0].Event)
		assert.Equal(t, StatusStarting, history[0].To)
		assert.False(t, history[0].At.IsZero())
		assert.Equal(t, StatusStopping, history[2].To)
	})

	t.Run("caps retained history at fifty entries", func(t *testing.T) {
		m := NewMachine("s1", Strict)
		applyAll(t, m, EventInitializeRunner, EventRunnerInitialized)
		for i := 0; i < 70; i++ {
			applyAll(t, m, EventMessageReceived)
		}

		history := m.History()
		assert.Len(t, history, historyCap)
		// Oldest retained entries are all the self-loop, the initial
		// transitions have been evicted.
		assert.Equal(t, EventMessageReceived, history[0].Event)
	})
}

func TestStatusProjection(t *testing.T) {
	cases := []struct {
		status   Status
		external ExternalStatus
	}{
		{StatusCreated, ExternalPending},
		{StatusStarting, ExternalActive},
		{StatusRunning, ExternalActive},
		{StatusStopping, ExternalActive},
		{StatusCompleting, ExternalActive},
		{StatusStopped, ExternalStale},
		{StatusCompleted, ExternalComplete},
		{StatusFailed, ExternalError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s maps to %s", tc.status, tc.external), func(t *testing.T) {
			assert.Equal(t, tc.external, tc.status.External())
		})
	}
}

func TestMachineState(t *testing.T) {
	m := NewMachine("session-9", Strict)
	applyAll(t, m, EventInitializeRunner)

	state := m.State()
	assert.Equal(t, "session-9", state.SessionID)
	assert.Equal(t, StatusStarting, state.Status)
}
