package session

import (
	"sync"
	"time"

	"github.com/ceedaragents/cyrus/internal/cyruserr"
)

// EventType represents a lifecycle event driving the state machine.
type EventType string

const (
	EventInitializeRunner  EventType = "initialize_runner"
	EventRunnerInitialized EventType = "runner_initialized"
	EventMessageReceived   EventType = "message_received"
	EventResultReceived    EventType = "result_received"
	EventCleanupComplete   EventType = "cleanup_complete"
	EventStopSignal        EventType = "stop_signal"
	EventRunnerStopped     EventType = "runner_stopped"
	EventError             EventType = "error"
	EventResume            EventType = "resume"
)

// transitions maps (state, event) to the next state. Any pair not listed is
// invalid.
var transitions = map[Status]map[EventType]Status{
	StatusCreated: {
		EventInitializeRunner: StatusStarting,
		EventError:            StatusFailed,
	},
	StatusStarting: {
		EventRunnerInitialized: StatusRunning,
		EventError:             StatusFailed,
	},
	StatusRunning: {
		EventMessageReceived: StatusRunning,
		EventResultReceived:  StatusCompleting,
		EventStopSignal:      StatusStopping,
		EventError:           StatusFailed,
	},
	StatusStopping: {
		EventRunnerStopped: StatusStopped,
		EventError:         StatusFailed,
	},
	StatusStopped: {
		EventInitializeRunner: StatusStarting,
		EventResume:           StatusStarting,
	},
	StatusCompleting: {
		EventCleanupComplete: StatusCompleted,
		EventError:           StatusFailed,
	},
}

// Transition records one applied event for crash forensics.
type Transition struct {
	From  Status    `json:"from"`
	Event EventType `json:"event"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
}

// historyCap bounds the retained transition history.
const historyCap = 50

// Mode selects how the machine reports invalid events.
type Mode int

const (
	// Strict raises an InvalidTransitionError on invalid events.
	Strict Mode = iota
	// Lenient rejects invalid events with a false return and no error.
	Lenient
)

// Machine is the session lifecycle state machine. It is safe for concurrent
// use, though sessions normally drive it from a single goroutine.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	status    Status
	mode      Mode
	history   []Transition
	now       func() time.Time
}

// NewMachine creates a machine in the Created state.
func NewMachine(sessionID string, mode Mode) *Machine {
	return &Machine{
		sessionID: sessionID,
		status:    StatusCreated,
		mode:      mode,
		now:       time.Now,
	}
}

// RestoreMachine reconstructs a machine at a given status, as after a
// restart. History starts empty.
func RestoreMachine(sessionID string, status Status, mode Mode) *Machine {
	m := NewMachine(sessionID, mode)
	m.status = status
	return m
}

// SessionID returns the owning session id.
func (m *Machine) SessionID() string {
	return m.sessionID
}

// Status returns the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Apply drives one event through the machine. In strict mode an invalid
// event returns an InvalidTransitionError; in lenient mode it returns
// (false, nil) and the state is unchanged.
func (m *Machine) Apply(event EventType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.status][event]
	if !ok {
		if m.mode == Strict {
			return false, cyruserr.NewInvalidTransition(string(m.status), string(event))
		}
		return false, nil
	}

	m.history = append(m.history, Transition{
		From:  m.status,
		Event: event,
		To:    next,
		At:    m.now().UTC(),
	})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.status = next
	return true, nil
}

// CanApply reports whether the event is valid in the current state without
// applying it.
func (m *Machine) CanApply(event EventType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[m.status][event]
	return ok
}

// IsTerminal reports whether the machine is in a final state.
func (m *Machine) IsTerminal() bool {
	return m.Status().IsTerminal()
}

// IsActive reports whether the machine is in a working state.
func (m *Machine) IsActive() bool {
	return m.Status().IsActive()
}

// CanResume reports whether a Resume event would be accepted.
func (m *Machine) CanResume() bool {
	return m.Status().CanResume()
}

// History returns a copy of the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// MachineState is the serializable form of a machine.
type MachineState struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
}

// State returns the serializable form.
func (m *Machine) State() MachineState {
	return MachineState{SessionID: m.sessionID, Status: m.Status()}
}
