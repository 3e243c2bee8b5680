// Package events provides event subjects and utilities for the edge worker
// event system.
package events

// SubjectRoot prefixes every subject the worker publishes, so one
// SubjectAll subscription observes the whole worker.
const (
	SubjectRoot = "cyrus"
	SubjectAll  = SubjectRoot + ".>"
)

// Event types for webhook intake
const (
	WebhookReceived = "cyrus.webhook.received"
	WebhookDropped  = "cyrus.webhook.dropped" // No repository matched
)

// Event types for sessions
const (
	SessionCreated      = "cyrus.session.created"
	SessionStateChanged = "cyrus.session.state_changed"
	SessionCompleted    = "cyrus.session.completed"
	SessionFailed       = "cyrus.session.failed"
	SessionStopped      = "cyrus.session.stopped"
	SessionResumed      = "cyrus.session.resumed"
)

// Event types for runner streams
const (
	RunnerEvent = "cyrus.runner.event" // Base subject for normalized runner events
)

// Event types for tracker activity posts
const (
	ActivityPosted = "cyrus.activity.posted"
	ActivityFailed = "cyrus.activity.failed" // Post exhausted retries, buffered
)

// Event types for configuration
const (
	ConfigReloaded = "cyrus.config.reloaded"
)

// Event types for the Ralph Wiggum loop
const (
	RalphIterationStarted = "cyrus.ralph.iteration_started"
	RalphLoopCompleted    = "cyrus.ralph.loop_completed"
)

// Event types for aggregate work status
const (
	WorkStatusChanged = "cyrus.work.status_changed"
)

// BuildRunnerEventSubject creates a runner event subject for a specific session
func BuildRunnerEventSubject(sessionID string) string {
	return RunnerEvent + "." + sessionID
}

// BuildRunnerEventWildcardSubject creates a wildcard subscription for all runner events
func BuildRunnerEventWildcardSubject() string {
	return RunnerEvent + ".*"
}

// BuildSessionStateSubject creates a state-change subject for a specific session
func BuildSessionStateSubject(sessionID string) string {
	return SessionStateChanged + "." + sessionID
}

// BuildSessionStateWildcardSubject creates a wildcard subscription for all session state changes
func BuildSessionStateWildcardSubject() string {
	return SessionStateChanged + ".*"
}

// BuildActivitySubject creates an activity subject for a specific session
func BuildActivitySubject(sessionID string) string {
	return ActivityPosted + "." + sessionID
}

// BuildActivityWildcardSubject creates a wildcard subscription for all activity posts
func BuildActivityWildcardSubject() string {
	return ActivityPosted + ".*"
}
