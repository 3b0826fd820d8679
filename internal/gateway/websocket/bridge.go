package websocket

import (
	"context"

	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/events"
	"github.com/memento-ai/memento/internal/events/bus"
	"github.com/memento-ai/memento/internal/session"
)

// Bridge forwards coordination events from the bus to the hub: per-session
// streams to their subscribers, lifecycle and job events to every client.
type Bridge struct {
	bus    bus.EventBus
	hub    *Hub
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBridge creates a bus-to-hub bridge.
func NewBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{bus: eventBus, hub: hub, logger: log}
}

// Start subscribes to the coordination subjects.
func (b *Bridge) Start() error {
	subjects := []string{
		events.BuildSessionWildcardSubject(),
		events.GlobalSessions,
		events.CheckpointJobs,
		events.AgentDead,
	}
	for _, subject := range subjects {
		sub, err := b.bus.Subscribe(subject, b.forward)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop drops the bus subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

// forward converts a bus event into a gateway frame. Stays within the
// handler budget: marshalling only, the hub fan-out is buffered.
func (b *Bridge) forward(ctx context.Context, event *bus.Event) error {
	msg, err := NewMessage(event.Type, sessionIDOf(event.Data), event.Data)
	if err != nil {
		b.logger.WithError(err).Warn("dropping unmarshalable bus event")
		return nil
	}
	b.hub.Broadcast(msg)
	return nil
}

// sessionIDOf scopes a frame to a session. Only per-session stream
// payloads are scoped; lifecycle and job frames fan out to every client.
func sessionIDOf(data interface{}) string {
	switch v := data.(type) {
	case *session.StreamMessage:
		return v.SessionID
	case session.StreamMessage:
		return v.SessionID
	}
	return ""
}
