// Package events provides event subjects and utilities for the Memento
// coordination event system.
package events

// Subjects for session lifecycle and per-session streams.
const (
	GlobalSessions = "global.sessions" // create / close / handoff
	SessionStream  = "session"         // base subject, one stream per session id
)

// Subjects for agent coordination.
const (
	AgentEvents       = "agent.events"
	AgentCoordination = "agent.coordination"
	AgentHeartbeat    = "agent.heartbeat"
	AgentDead         = "agent.dead"
)

// Subject and event types for checkpoint jobs.
const (
	CheckpointJobs = "checkpoint.jobs"

	JobCompleted     = "job.completed"
	JobAttemptFailed = "job.attempt_failed"
	JobFailed        = "job.failed"
	JobDeadLettered  = "job.dead_lettered"
)

// Event types carried on GlobalSessions.
const (
	SessionCreated = "session.created"
	SessionClosed  = "session.closed"
	SessionHandoff = "session.handoff"
)

// BuildSessionSubject creates the per-session stream subject.
func BuildSessionSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription covering all
// per-session streams.
func BuildSessionWildcardSubject() string {
	return SessionStream + ".*"
}
