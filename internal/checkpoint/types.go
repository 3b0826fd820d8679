// Package checkpoint materialises session event streams into durable graph
// checkpoints through a retrying job pipeline. The graph itself is owned by
// an external collaborator; this package produces anchors that reference it.
package checkpoint

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a checkpoint job. Transitions are
// monotonic: queued -> running -> (completed | pending-retry -> queued |
// manual-intervention).
type JobStatus string

const (
	StatusQueued             JobStatus = "queued"
	StatusRunning            JobStatus = "running"
	StatusPendingRetry       JobStatus = "pending-retry"
	StatusCompleted          JobStatus = "completed"
	StatusManualIntervention JobStatus = "manual-intervention"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusManualIntervention
}

// JobPayload describes the checkpoint to materialise.
type JobPayload struct {
	SessionID      string                 `json:"sessionId"`
	SeedEntityIDs  []string               `json:"seedEntityIds"`
	Reason         string                 `json:"reason"`
	HopCount       int                    `json:"hopCount"`
	SequenceNumber *uint64                `json:"sequenceNumber,omitempty"`
	EventID        string                 `json:"eventId,omitempty"`
	Window         int                    `json:"window,omitempty"`
	Actor          string                 `json:"actor,omitempty"`
	TriggeredBy    string                 `json:"triggeredBy,omitempty"`
	Annotations    map[string]interface{} `json:"annotations,omitempty"`

	// Progress markers carried across retries so the worker never creates
	// a second checkpoint for the same job.
	CheckpointID string `json:"checkpointId,omitempty"`
	Linked       bool   `json:"linked,omitempty"`
}

// Job is a durable work item describing a pending checkpoint
// materialisation. Jobs outlive sessions.
type Job struct {
	ID        string     `json:"id"`
	Payload   JobPayload `json:"payload"`
	Attempts  int        `json:"attempts"`
	Status    JobStatus  `json:"status"`
	LastError string     `json:"lastError,omitempty"`
	QueuedAt  time.Time  `json:"queuedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Outcome values recorded on anchors and session-checkpoint links.
const (
	OutcomeCompleted          = "completed"
	OutcomeManualIntervention = "manual-intervention"
)

// Annotation is attached to session relationships when a checkpoint
// materialises or fails.
type Annotation struct {
	Status       string `json:"status"`
	CheckpointID string `json:"checkpointId,omitempty"`
	JobID        string `json:"jobId"`
	Reason       string `json:"reason,omitempty"`
}

// LinkProps are recorded on the session-to-checkpoint link.
type LinkProps struct {
	Status   string `json:"status"`
	JobID    string `json:"jobId"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

// Anchor is the metadata a completed job leaves behind, referencing the
// checkpoint owned by the graph collaborator.
type Anchor struct {
	CheckpointID  string    `json:"checkpointId"`
	SessionID     string    `json:"sessionId"`
	SeedEntityIDs []string  `json:"seedEntityIds"`
	Reason        string    `json:"reason"`
	HopCount      int       `json:"hopCount"`
	Outcome       string    `json:"outcome"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Graph is the external collaborator that owns the knowledge graph.
// Annotate and link calls are idempotent keyed by job id in their
// metadata, so a retried job may safely repeat them.
type Graph interface {
	// CreateCheckpoint materialises a checkpoint around the seed entities
	// and returns its id. An empty id is treated as failure.
	CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason string, hopCount, window int) (string, error)

	// AnnotateSessionRelationshipsWithCheckpoint marks the session's
	// relationships with the checkpoint outcome.
	AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID string, seedEntityIDs []string, annotation Annotation) error

	// CreateSessionCheckpointLink links the session to the checkpoint.
	CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, props LinkProps) error

	// DeleteCheckpoint removes an orphan checkpoint that was created but
	// never linked.
	DeleteCheckpoint(ctx context.Context, checkpointID string) error
}

// LinkRegistry is the optional in-memory rollback collaborator; a
// completed job registers its anchor here so a rollback can find it
// without a graph round-trip.
type LinkRegistry interface {
	RegisterCheckpointLink(sessionID string, anchor Anchor)
}
