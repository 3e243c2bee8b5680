// Package session provides the session model and its lifecycle state machine.
// A session tracks one agent run against one issue: the machine orders runner
// lifecycle events, the Session struct carries everything the coordinator
// owns, and snapshots serialize the parts that survive a restart.
package session

// Status represents a session's lifecycle state.
type Status string

const (
	// StatusCreated - session exists but no runner has been started.
	StatusCreated Status = "created"
	// StatusStarting - runner process is being launched.
	StatusStarting Status = "starting"
	// StatusRunning - runner is streaming events.
	StatusRunning Status = "running"
	// StatusStopping - cooperative stop requested, waiting for the runner.
	StatusStopping Status = "stopping"
	// StatusStopped - runner stopped; the session can be resumed.
	StatusStopped Status = "stopped"
	// StatusCompleting - final result received, cleanup in progress.
	StatusCompleting Status = "completing"
	// StatusCompleted - terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed - terminal failure.
	StatusFailed Status = "failed"
)

// ExternalStatus is the tracker-facing visibility of a session.
type ExternalStatus string

const (
	ExternalPending  ExternalStatus = "pending"
	ExternalActive   ExternalStatus = "active"
	ExternalStale    ExternalStatus = "stale"
	ExternalComplete ExternalStatus = "complete"
	ExternalError    ExternalStatus = "error"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the session is doing work.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusCompleting
}

// CanResume reports whether the session may be resumed.
func (s Status) CanResume() bool {
	return s == StatusStopped
}

// External maps the internal status to its tracker-facing visibility.
func (s Status) External() ExternalStatus {
	switch s {
	case StatusCreated:
		return ExternalPending
	case StatusStarting, StatusRunning, StatusStopping, StatusCompleting:
		return ExternalActive
	case StatusStopped:
		return ExternalStale
	case StatusCompleted:
		return ExternalComplete
	case StatusFailed:
		return ExternalError
	default:
		return ExternalPending
	}
}
