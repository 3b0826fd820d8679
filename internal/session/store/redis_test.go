package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/session"
)

func newRedisBackend(t *testing.T, opts RedisOptions) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client, opts, logger.Default()), mr
}

func TestRedisCreateAndGet(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{DefaultTTLSeconds: 3600, GraceTTLSeconds: 300})
	ctx := context.Background()

	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{Metadata: map[string]interface{}{"task": "refactor"}})
	require.NoError(t, err)

	got, err := b.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, got.State)
	assert.Equal(t, []string{"agent-a"}, got.AgentIDs)
	assert.Equal(t, 3600, got.TTLSeconds)
	assert.Equal(t, "refactor", got.Metadata["task"])

	_, err = b.Get(ctx, "missing")
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionNotFound))
}

func TestRedisAppendAssignsSequenceAndCounter(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{DefaultTTLSeconds: 3600})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		res, err := b.Append(ctx, sess.ID, mkEvent("agent-a", "e1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Seq)
		assert.Equal(t, i, res.EventsSinceCheckpoint)
	}

	got, err := b.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.NextSeq)
	assert.Equal(t, 5, got.EventsSinceCheckpoint)
}

func TestRedisAppendRejectsNonMember(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	_, err = b.Append(ctx, sess.ID, mkEvent("agent-b"))
	assert.True(t, coorderr.Is(err, coorderr.CodeActorNotJoined))

	require.NoError(t, b.Join(ctx, sess.ID, "agent-b"))
	res, err := b.Append(ctx, sess.ID, mkEvent("agent-b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
}

func TestRedisAppendRejectsClosedSession(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, sess.ID, "done"))

	_, err = b.Append(ctx, sess.ID, mkEvent("agent-a"))
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionExpired))

	// Closed sessions remain readable until the keys expire.
	got, err := b.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, got.State)
	assert.Equal(t, "done", got.ClosedReason)
}

func TestRedisAppendUnknownSession(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{})
	_, err := b.Append(context.Background(), "missing", mkEvent("agent-a"))
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionNotFound))
}

func TestRedisRangeAndTrim(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Append(ctx, sess.ID, mkEvent("agent-a", "e1"))
		require.NoError(t, err)
	}

	evs, err := b.Range(ctx, sess.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)
	assert.Equal(t, "agent-a", evs[0].Actor)
	assert.Equal(t, []string{"e1"}, evs[0].ChangeInfo.EntityIDs)

	require.NoError(t, b.Trim(ctx, sess.ID, 2))
	evs, err = b.Range(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[1].Seq)
}

func TestRedisEventLogCapsTail(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{MaxEventsPerSession: 3})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := b.Append(ctx, sess.ID, mkEvent("agent-a"))
		require.NoError(t, err)
	}

	evs, err := b.Range(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Equal(t, uint64(6), evs[2].Seq)
}

func TestRedisLeaveAndIndexes(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Join(ctx, sess.ID, "agent-b"))

	remaining, err := b.Leave(ctx, sess.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = b.Leave(ctx, sess.ID, "agent-a")
	assert.True(t, coorderr.Is(err, coorderr.CodeActorNotJoined))

	byA, err := b.ByAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, byA)

	byB, err := b.ByAgent(ctx, "agent-b")
	require.NoError(t, err)
	require.Len(t, byB, 1)
	assert.Equal(t, sess.ID, byB[0].ID)
}

func TestRedisListActiveDropsClosed(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{})
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
}

func TestRedisExpiredKeysBecomeNotFound(t *testing.T) {
	b, mr := newRedisBackend(t, RedisOptions{DefaultTTLSeconds: 60, GraceTTLSeconds: 30})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	mr.FastForward(100 * time.Second) // past ttl+grace

	_, err = b.Get(ctx, sess.ID)
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionNotFound))
}

func TestRedisResetCheckpointCounter(t *testing.T) {
	b, _ := newRedisBackend(t, RedisOptions{})
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

func TestRedisPing(t *testing.T) {
	b, mr := newRedisBackend(t, RedisOptions{})
	require.NoError(t, b.Ping(context.Background()))
	mr.Close()
	err := b.Ping(context.Background())
	assert.True(t, coorderr.Is(err, coorderr.CodeBackendUnavail))
}

func TestRedisRangeDetectsSequenceGap(t *testing.T) {
	b, mr := newRedisBackend(t, RedisOptions{DefaultTTLSeconds: 3600})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := b.Append(ctx, sess.ID, mkEvent("agent-a", "e1"))
		require.NoError(t, err)
	}

	// Tear a hole in the middle of the log behind the backend's back.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.ZRemRangeByScore(ctx, eventsKey(sess.ID), "3", "3").Err())

	_, err = b.Range(ctx, sess.ID, 0, 0)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.CodeSequenceGap))
	assert.Contains(t, err.Error(), "gap")

	_, err = b.Range(ctx, sess.ID, 1, 5)
	assert.True(t, coorderr.Is(err, coorderr.CodeSequenceGap))

	// The run on either side of the hole is still readable.
	evs, err := b.Range(ctx, sess.ID, 4, 5)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestRedisRangeRejectsCorruptRecord(t *testing.T) {
	b, mr := newRedisBackend(t, RedisOptions{DefaultTTLSeconds: 3600})
	ctx := context.Background()
	sess, err := b.Create(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := b.Append(ctx, sess.ID, mkEvent("agent-a", "e1"))
		require.NoError(t, err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.ZAdd(ctx, eventsKey(sess.ID), redis.Z{Score: 3, Member: "3|{torn"}).Err())

	_, err = b.Range(ctx, sess.ID, 0, 0)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.CodeSequenceGap))
	assert.Contains(t, err.Error(), "corrupt")
}
