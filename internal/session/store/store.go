// Package store persists sessions and their event logs. Two backends
// exist: Redis for shared deployments and an in-memory store for
// local-first use and tests. Both enforce the same append invariants.
package store

import (
	"context"
	"time"

	"github.com/memento-ai/memento/internal/session"
)

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	// Seq is the sequence number assigned to the event.
	Seq uint64
	// EventsSinceCheckpoint counts appends since the last checkpoint
	// counter reset; the manager uses it for auto-checkpoint triggers.
	EventsSinceCheckpoint int
}

// Store is the session document store: membership, state, and TTL
// bookkeeping. All writes are fail-fast; reads tolerate transient backend
// errors with bounded backoff.
type Store interface {
	// Create initialises an active session with the creating agent as its
	// first member and returns the stored document.
	Create(ctx context.Context, agentID string, opts session.CreateOptions) (*session.Session, error)

	// Get returns the session document. During the grace window the read
	// succeeds; after it the session is gone.
	Get(ctx context.Context, sessionID string) (*session.Session, error)

	// Join adds an agent to the session membership.
	Join(ctx context.Context, sessionID, agentID string) error

	// Leave removes an agent. The count of remaining members is returned
	// so the caller can close sessions left empty.
	Leave(ctx context.Context, sessionID, agentID string) (remaining int, err error)

	// Touch refreshes the TTL without appending an event.
	Touch(ctx context.Context, sessionID string, at time.Time) error

	// SetState transitions between active and paused.
	SetState(ctx context.Context, sessionID string, state session.State) error

	// Close marks the session closed with a reason. Terminal.
	Close(ctx context.Context, sessionID, reason string) error

	// ListActive returns all sessions currently in the active state.
	ListActive(ctx context.Context) ([]*session.Session, error)

	// ByAgent returns the sessions an agent is a member of.
	ByAgent(ctx context.Context, agentID string) ([]*session.Session, error)

	// ResetCheckpointCounter zeroes the events-since-checkpoint counter
	// after a checkpoint has been enqueued for the session.
	ResetCheckpointCounter(ctx context.Context, sessionID string) error

	// Ping reports backend health.
	Ping(ctx context.Context) error
}

// EventLog is the per-session append-only event stream.
type EventLog interface {
	// Append atomically assigns the next sequence number, persists the
	// event, and refreshes the session TTL. The event's Seq field is set
	// on success. Fails with SESSION_NOT_FOUND, SESSION_EXPIRED, or
	// ACTOR_NOT_JOINED.
	Append(ctx context.Context, sessionID string, ev *session.Event) (AppendResult, error)

	// Range returns events with fromSeq <= seq <= toSeq in sequence order.
	// toSeq of 0 means no upper bound. fromSeq of 0 with toSeq of 0
	// returns the newest events up to the configured tail size.
	Range(ctx context.Context, sessionID string, fromSeq, toSeq uint64) ([]*session.Event, error)

	// Trim retains only the newest keepTail events.
	Trim(ctx context.Context, sessionID string, keepTail int) error
}

// Backend combines the session store and event log, which share the
// underlying keyspace.
type Backend interface {
	Store
	EventLog
}
