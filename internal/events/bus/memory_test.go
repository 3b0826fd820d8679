package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-ai/memento/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func collect(t *testing.T, b *MemoryEventBus, subject string) (<-chan *Event, Subscription) {
	t.Helper()
	ch := make(chan *Event, 64)
	sub, err := b.Subscribe(subject, func(ctx context.Context, event *Event) error {
		ch <- event
		return nil
	})
	require.NoError(t, err)
	return ch, sub
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	ch, _ := collect(t, b, "session.abc")

	require.NoError(t, b.Publish(context.Background(), "session.abc", NewEvent("modified", "test", "payload")))

	select {
	case ev := <-ch:
		assert.Equal(t, "modified", ev.Type)
		assert.Equal(t, "payload", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusPreservesOrderPerSubject(t *testing.T) {
	b := newTestBus(t)
	ch, _ := collect(t, b, "session.ordered")

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "session.ordered",
			NewEvent("modified", "test", i)))
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			require.Equal(t, i, ev.Data, "events must arrive in publish order")
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := newTestBus(t)
	star, _ := collect(t, b, "session.*")
	deep, _ := collect(t, b, "session.>")
	other, _ := collect(t, b, "agent.*")

	require.NoError(t, b.Publish(context.Background(), "session.s1", NewEvent("modified", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "session.s1.extra", NewEvent("modified", "test", nil)))

	assertReceived := func(ch <-chan *Event, want int) {
		t.Helper()
		got := 0
		deadline := time.After(500 * time.Millisecond)
		for got < want {
			select {
			case <-ch:
				got++
			case <-deadline:
				t.Fatalf("expected %d events, got %d", want, got)
			}
		}
	}

	assertReceived(star, 1) // only the single-token subject
	assertReceived(deep, 2) // both
	select {
	case <-other:
		t.Fatal("agent subscriber must not see session events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	counts := make(map[string]int)
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("worker-%d", i)
		_, err := b.QueueSubscribe("checkpoint.jobs", "workers", func(ctx context.Context, event *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	const n = 9
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "checkpoint.jobs", NewEvent("job.completed", "test", i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, c := range counts {
			total += c
		}
		return total == n
	}, time.Second, 10*time.Millisecond, "each event delivered to exactly one group member")

	mu.Lock()
	defer mu.Unlock()
	for name, c := range counts {
		assert.Equal(t, 3, c, "round-robin should balance, %s got %d", name, c)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	ch, sub := collect(t, b, "session.gone")

	require.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "session.gone", NewEvent("modified", "test", nil)))
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	require.True(t, b.IsConnected())
	b.Close()
	require.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "session.x", NewEvent("modified", "test", nil)))
}
