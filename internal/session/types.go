// Package session implements the session and event model of the
// coordination core: short-lived collaboration contexts shared by agents,
// each carrying an ordered stream of change events anchored to the
// knowledge graph.
package session

import (
	"time"

	"github.com/memento-ai/memento/internal/common/coorderr"
)

// State describes the lifecycle state of a session.
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateClosed State = "closed"
)

// EventType classifies a session event.
type EventType string

const (
	EventModified   EventType = "modified"
	EventBroke      EventType = "broke"
	EventFixed      EventType = "fixed"
	EventHandoff    EventType = "handoff"
	EventCheckpoint EventType = "checkpoint"
	EventCustom     EventType = "custom"
)

// knownEventTypes is the closed set accepted by emit.
var knownEventTypes = map[EventType]bool{
	EventModified:   true,
	EventBroke:      true,
	EventFixed:      true,
	EventHandoff:    true,
	EventCheckpoint: true,
	EventCustom:     true,
}

// ChangeInfo describes what a session event touched in the knowledge graph.
type ChangeInfo struct {
	ElementType string   `json:"elementType"`
	EntityIDs   []string `json:"entityIds"`
	Operation   string   `json:"operation"` // created, modified, deleted, failed, ...
}

// StateTransition records an optional verified state change carried by an
// event, for example broke -> fixed.
type StateTransition struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	VerifiedBy string  `json:"verifiedBy"`
	Confidence float64 `json:"confidence"` // in [0,1]
}

// Event is an immutable record describing a change produced by an agent
// within a session. Seq is assigned by the event log, strictly monotonic
// per session starting at 1.
type Event struct {
	Seq             uint64           `json:"seq"`
	Actor           string           `json:"actor"`
	Timestamp       time.Time        `json:"timestamp"`
	Type            EventType        `json:"type"`
	ChangeInfo      ChangeInfo       `json:"changeInfo"`
	StateTransition *StateTransition `json:"stateTransition,omitempty"`
	Payload         interface{}      `json:"payload,omitempty"`
}

// Validate checks the fields a caller controls before an event is appended.
func (e *Event) Validate() error {
	if e.Actor == "" {
		return coorderr.Validation("event actor is required")
	}
	if !knownEventTypes[e.Type] {
		return coorderr.Validation("unknown event type " + string(e.Type))
	}
	if e.StateTransition != nil {
		if c := e.StateTransition.Confidence; c < 0 || c > 1 {
			return coorderr.Validation("stateTransition.confidence must be in [0,1]")
		}
	}
	return nil
}

// Session is a bounded collaboration context shared by one or more agents.
type Session struct {
	ID                    string                 `json:"id"`
	State                 State                  `json:"state"`
	AgentIDs              []string               `json:"agentIds"`
	CreatedAt             time.Time              `json:"createdAt"`
	LastActivityAt        time.Time              `json:"lastActivityAt"`
	TTLSeconds            int                    `json:"ttlSeconds"`
	GraceTTLSeconds       int                    `json:"graceTtlSeconds"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	NextSeq               uint64                 `json:"nextSeq"`
	EventsSinceCheckpoint int                    `json:"eventsSinceCheckpoint"`
	ClosedReason          string                 `json:"closedReason,omitempty"`
}

// HasAgent reports whether the agent is currently a member.
func (s *Session) HasAgent(agentID string) bool {
	for _, id := range s.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Expired reports whether the session TTL has elapsed at the given time.
// A TTL of 0 disables expiry.
func (s *Session) Expired(now time.Time) bool {
	if s.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(s.LastActivityAt) > time.Duration(s.TTLSeconds)*time.Second
}

// InGrace reports whether the session is inside the read-only grace window:
// expired, but not yet past ttl+grace. Reads succeed here, writes fail.
func (s *Session) InGrace(now time.Time) bool {
	if !s.Expired(now) {
		return false
	}
	total := time.Duration(s.TTLSeconds+s.GraceTTLSeconds) * time.Second
	return now.Sub(s.LastActivityAt) <= total
}

// StreamMessage is the JSON payload published on the per-session channel
// for every appended event.
type StreamMessage struct {
	SessionID       string           `json:"sessionId"`
	Seq             uint64           `json:"seq"`
	Actor           string           `json:"actor"`
	Type            EventType        `json:"type"`
	ChangeInfo      ChangeInfo       `json:"changeInfo"`
	StateTransition *StateTransition `json:"stateTransition,omitempty"`
	Payload         interface{}      `json:"payload,omitempty"`
	EmittedAt       time.Time        `json:"emittedAt"`
}

// NewStreamMessage builds the bus payload for an appended event.
func NewStreamMessage(sessionID string, ev *Event) *StreamMessage {
	return &StreamMessage{
		SessionID:       sessionID,
		Seq:             ev.Seq,
		Actor:           ev.Actor,
		Type:            ev.Type,
		ChangeInfo:      ev.ChangeInfo,
		StateTransition: ev.StateTransition,
		Payload:         ev.Payload,
		EmittedAt:       time.Now().UTC(),
	}
}

// CreateOptions control session creation.
type CreateOptions struct {
	TTLSeconds      int
	GraceTTLSeconds int
	Metadata        map[string]interface{}
}
