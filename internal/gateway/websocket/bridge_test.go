package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/events"
	"github.com/memento-ai/memento/internal/events/bus"
	"github.com/memento-ai/memento/internal/session"
)

// stubClient registers a hub client without a real connection and exposes
// its send channel for assertions.
func stubClient(t *testing.T, hub *Hub, id string) *Client {
	t.Helper()
	c := &Client{
		ID:            id,
		hub:           hub,
		send:          make(chan []byte, 16),
		subscriptions: make(map[string]bool),
		logger:        logger.Default(),
	}
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	return c
}

func recvFrame(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("expected a gateway frame, got none")
		return nil
	}
}

func TestBridgeForwardsSessionStreamToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	hub := NewHub(logger.Default())
	go hub.Run(ctx)

	bridge := NewBridge(eventBus, hub, logger.Default())
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	client := stubClient(t, hub, "client-1")
	hub.SubscribeToSession(client, "sess-1")

	stream := session.NewStreamMessage("sess-1", &session.Event{
		Seq:   4,
		Actor: "agent-a",
		Type:  session.EventModified,
		ChangeInfo: session.ChangeInfo{
			ElementType: "function",
			EntityIDs:   []string{"f1"},
			Operation:   "modified",
		},
	})
	err := eventBus.Publish(ctx, events.BuildSessionSubject("sess-1"),
		bus.NewEvent("session.event", "session-manager", stream))
	require.NoError(t, err)

	msg := recvFrame(t, client)
	assert.Equal(t, "session.event", msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)

	var payload session.StreamMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, uint64(4), payload.Seq)
	assert.Equal(t, "agent-a", payload.Actor)
}

func TestBridgeSessionFramesSkipNonSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	hub := NewHub(logger.Default())
	go hub.Run(ctx)

	bridge := NewBridge(eventBus, hub, logger.Default())
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	client := stubClient(t, hub, "client-1") // not subscribed to any session

	stream := session.NewStreamMessage("sess-other", &session.Event{
		Seq: 1, Actor: "agent-a", Type: session.EventModified,
	})
	require.NoError(t, eventBus.Publish(ctx, events.BuildSessionSubject("sess-other"),
		bus.NewEvent("session.event", "session-manager", stream)))

	// Global frames reach everyone, session frames only reach subscribers.
	require.NoError(t, eventBus.Publish(ctx, events.GlobalSessions,
		bus.NewEvent(events.SessionClosed, "session-manager", map[string]interface{}{"sessionId": "sess-other"})))

	msg := recvFrame(t, client)
	assert.Equal(t, events.SessionClosed, msg.Type)

	select {
	case raw := <-client.send:
		t.Fatalf("unexpected extra frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}
