package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/session"
)

func newMemBackend(t *testing.T, opts RedisOptions) *MemoryBackend {
	t.Helper()
	return NewMemoryBackend(opts)
}

func mkEvent(actor string, entityIDs ...string) *session.Event {
	return &session.Event{
		Actor: actor,
		Type:  session.EventModified,
		ChangeInfo: session.ChangeInfo{
			ElementType: "function",
			EntityIDs:   entityIDs,
			Operation:   "modified",
		},
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	b := newMemBackend(t, RedisOptions{DefaultTTLSeconds: 3600, GraceTTLSeconds: 300})
	ctx := context.Background()

	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{Metadata: map[string]interface{}{"task": "refactor"}})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StateActive, sess.State)
	assert.Equal(t, []string{"agent-a"}, sess.AgentIDs)
	assert.Equal(t, 3600, sess.TTLSeconds)

	got, err := b.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "refactor", got.Metadata["task"])

	_, err = b.Get(ctx, "missing")
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionNotFound))
}

func TestMemoryAppendAssignsMonotonicSequence(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		res, err := b.Append(ctx, sess.ID, mkEvent("agent-a", "e1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Seq)
		assert.Equal(t, i, res.EventsSinceCheckpoint)
	}

	evs, err := b.Range(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, evs, 10)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestMemoryAppendConcurrentNoGapsNoDuplicates(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	const n = 50
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Append(ctx, sess.ID, mkEvent("agent-a"))
			if err == nil {
				seqs <- res.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		require.False(t, seen[s], "sequence %d assigned twice", s)
		seen[s] = true
	}
	// Every successful append got a unique, contiguous sequence.
	for i := uint64(1); i <= uint64(len(seen)); i++ {
		assert.True(t, seen[i], "gap at seq %d", i)
	}
}

func TestMemoryAppendRejectsNonMember(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	_, err = b.Append(ctx, sess.ID, mkEvent("agent-b"))
	assert.True(t, coorderr.Is(err, coorderr.CodeActorNotJoined))

	// The rejected event must not occupy a sequence slot.
	res, err := b.Append(ctx, sess.ID, mkEvent("agent-a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
}

func TestMemoryAppendRejectsClosedSession(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, sess.ID, "done"))

	_, err = b.Append(ctx, sess.ID, mkEvent("agent-a"))
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionExpired))
}

func TestMemoryGraceWindowReadsSucceedWritesFail(t *testing.T) {
	b := newMemBackend(t, RedisOptions{DefaultTTLSeconds: 60, GraceTTLSeconds: 60})
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	now := base
	b.SetClock(func() time.Time { return now })

	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	_, err = b.Append(ctx, sess.ID, mkEvent("agent-a"))
	require.NoError(t, err)

	// Inside the grace window: expired for writes, visible for reads.
	now = base.Add(90 * time.Second)
	got, err := b.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	evs, err := b.Range(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	_, err = b.Append(ctx, sess.ID, mkEvent("agent-a"))
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionExpired))

	// Past ttl+grace the session is gone entirely.
	now = base.Add(150 * time.Second)
	_, err = b.Get(ctx, sess.ID)
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionNotFound))
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	b := newMemBackend(t, RedisOptions{DefaultTTLSeconds: 0})
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	now := base
	b.SetClock(func() time.Time { return now })

	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	now = base.Add(1000 * time.Hour)
	_, err = b.Append(ctx, sess.ID, mkEvent("agent-a"))
	assert.NoError(t, err)
}

func TestMemoryEventLogTrimsOldestFirst(t *testing.T) {
	b := newMemBackend(t, RedisOptions{MaxEventsPerSession: 3})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Append(ctx, sess.ID, mkEvent("agent-a"))
		require.NoError(t, err)
	}

	evs, err := b.Range(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	// Oldest entries were dropped; sequence numbers keep advancing.
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[2].Seq)
}

func TestMemoryExplicitTrim(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Append(ctx, sess.ID, mkEvent("agent-a"))
		require.NoError(t, err)
	}
	require.NoError(t, b.Trim(ctx, sess.ID, 2))

	evs, err := b.Range(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(4), evs[0].Seq)
}

func TestMemoryJoinLeaveMembership(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Join(ctx, sess.ID, "agent-b"))
	// Joining twice is a no-op.
	require.NoError(t, b.Join(ctx, sess.ID, "agent-b"))

	got, err := b.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a", "agent-b"}, got.AgentIDs)

	remaining, err := b.Leave(ctx, sess.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = b.Leave(ctx, sess.ID, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, err = b.Leave(ctx, sess.ID, "agent-c")
	assert.True(t, coorderr.Is(err, coorderr.CodeActorNotJoined))
}

func TestMemoryResetCheckpointCounter(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Append(ctx, sess.ID, mkEvent("agent-a"))
		require.NoError(t, err)
	}
	require.NoError(t, b.ResetCheckpointCounter(ctx, sess.ID))

	res, err := b.Append(ctx, sess.ID, mkEvent("agent-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsSinceCheckpoint)
	assert.Equal(t, uint64(4), res.Seq)
}

func TestMemoryListActiveAndByAgent(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()

	s1, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	s2, err := b.Create(ctx, "agent-b", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, s2.ID, "done"))

	active, err := b.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, s1.ID, active[0].ID)

	byA, err := b.ByAgent(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, byA, 1)

	byB, err := b.ByAgent(ctx, "agent-b")
	require.NoError(t, err)
	assert.Empty(t, byB)
}

func TestMemorySetStateValidatesTransitions(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.SetState(ctx, sess.ID, session.StatePaused))
	got, err := b.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatePaused, got.State)

	err = b.SetState(ctx, sess.ID, session.StateClosed)
	assert.True(t, coorderr.Is(err, coorderr.CodeValidation))
}

func TestMemoryEventValidation(t *testing.T) {
	b := newMemBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	_, err = b.Append(ctx, sess.ID, &session.Event{Actor: "", Type: session.EventModified})
	assert.True(t, coorderr.Is(err, coorderr.CodeValidation))

	_, err = b.Append(ctx, sess.ID, &session.Event{Actor: "agent-a", Type: "bogus"})
	assert.True(t, coorderr.Is(err, coorderr.CodeValidation))

	_, err = b.Append(ctx, sess.ID, &session.Event{
		Actor: "agent-a",
		Type:  session.EventFixed,
		StateTransition: &session.StateTransition{
			From: "broke", To: "fixed", Confidence: 1.5,
		},
	})
	assert.True(t, coorderr.Is(err, coorderr.CodeValidation))
}
