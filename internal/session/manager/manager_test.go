package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-ai/memento/internal/checkpoint"
	"github.com/memento-ai/memento/internal/checkpoint/queue"
	"github.com/memento-ai/memento/internal/common/config"
	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/events"
	"github.com/memento-ai/memento/internal/events/bus"
	"github.com/memento-ai/memento/internal/session"
	"github.com/memento-ai/memento/internal/session/store"
)

type testStack struct {
	manager *Manager
	backend *store.MemoryBackend
	bus     *bus.MemoryEventBus
	queue   *queue.Queue
}

func newTestStack(t *testing.T, mutate func(*config.Config)) *testStack {
	t.Helper()
	cfg := &config.Config{
		Session: config.SessionConfig{
			DefaultTTLSeconds:   3600,
			GraceTTLSeconds:     1,
			MaxEventsPerSession: 1000,
		},
		Checkpoint: config.CheckpointConfig{
			Interval:        2,
			Concurrency:     1,
			MaxAttempts:     3,
			RetryDelayMs:    10,
			DefaultHopCount: 2,
			Window:          10,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	backend := store.NewMemoryBackend(store.RedisOptions{
		DefaultTTLSeconds:   cfg.Session.DefaultTTLSeconds,
		GraceTTLSeconds:     cfg.Session.GraceTTLSeconds,
		MaxEventsPerSession: cfg.Session.MaxEventsPerSession,
	})
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	graph := checkpoint.NewLocalGraph(logger.Default())
	worker := checkpoint.NewWorker(graph, nil, logger.Default())
	q := queue.New(cfg.Checkpoint, queue.NewMemoryPersistence(), worker, eventBus, logger.Default())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)

	return &testStack{
		manager: New(cfg, backend, q, eventBus, logger.Default()),
		backend: backend,
		bus:     eventBus,
		queue:   q,
	}
}

func subscribe(t *testing.T, b bus.EventBus, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 64)
	_, err := b.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
		ch <- ev
		return nil
	})
	require.NoError(t, err)
	return ch
}

func recv(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("expected bus event, got none")
		return nil
	}
}

func modifiedEvent(actor string, entityIDs ...string) *session.Event {
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

func TestAutoCheckpointAfterInterval(t *testing.T) {
	st := newTestStack(t, nil) // interval 2
	ctx := context.Background()
	jobEvents := subscribe(t, st.bus, events.CheckpointJobs)

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f1"))
	require.NoError(t, err)
	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f1"))
	require.NoError(t, err)

	// The second event reaches the interval; a checkpoint job runs in the
	// background and completes against the graph.
	var done *checkpoint.Job
	for done == nil {
		ev := recv(t, jobEvents)
		if ev.Type != events.JobCompleted {
			continue
		}
		job, ok := ev.Data.(*checkpoint.Job)
		require.True(t, ok)
		if job.Payload.SessionID == sess.ID {
			done = job
		}
	}

	assert.Equal(t, "auto", done.Payload.Reason)
	assert.Equal(t, []string{"f1"}, done.Payload.SeedEntityIDs)
	assert.NotEmpty(t, done.Payload.CheckpointID)
	assert.Equal(t, 2, done.Payload.HopCount)
}

func TestAutoCheckpointOnBrokeEvent(t *testing.T) {
	st := newTestStack(t, func(cfg *config.Config) { cfg.Checkpoint.Interval = 100 })
	ctx := context.Background()
	jobEvents := subscribe(t, st.bus, events.CheckpointJobs)

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	broke := modifiedEvent("agent-a", "f1")
	broke.Type = session.EventBroke
	broke.ChangeInfo.Operation = "failed"
	_, err = st.manager.EmitEvent(ctx, sess.ID, broke)
	require.NoError(t, err)

	var done *checkpoint.Job
	for done == nil {
		ev := recv(t, jobEvents)
		if ev.Type == events.JobCompleted {
			done = ev.Data.(*checkpoint.Job)
		}
	}
	assert.Equal(t, "auto:broke", done.Payload.Reason)
}

func TestEmitRejectsNonMember(t *testing.T) {
	st := newTestStack(t, func(cfg *config.Config) { cfg.Checkpoint.Interval = 100 })
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	seq, err := st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f2"))
	require.NoError(t, err)

	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-b", "f3"))
	assert.True(t, coorderr.Is(err, coorderr.CodeActorNotJoined))

	// The rejected emit neither counts nor occupies a sequence slot.
	stats := st.manager.GetStats(ctx)
	assert.Equal(t, uint64(2), stats.Events)
	evs, err := st.manager.RangeEvents(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestExplicitCheckpointWaitsForCompletion(t *testing.T) {
	st := newTestStack(t, func(cfg *config.Config) { cfg.Checkpoint.Interval = 100 })
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f2", "f1"))
	require.NoError(t, err)

	res, err := st.manager.Checkpoint(ctx, sess.ID, CheckpointOptions{Actor: "agent-a"})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.JobID)
	assert.NotEmpty(t, res.CheckpointID)

	stats := st.manager.GetStats(ctx)
	assert.Equal(t, uint64(1), stats.CheckpointsEnqueued)
}

func TestCheckpointSkippedWithoutSeeds(t *testing.T) {
	st := newTestStack(t, nil)
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	res, err := st.manager.Checkpoint(ctx, sess.ID, CheckpointOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.JobID)

	stats := st.manager.GetStats(ctx)
	assert.Equal(t, uint64(1), stats.CheckpointsSkipped)
	assert.Equal(t, uint64(0), stats.CheckpointsEnqueued)
}

func TestCheckpointValidatesHopCount(t *testing.T) {
	st := newTestStack(t, nil)
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	_, err = st.manager.Checkpoint(ctx, sess.ID, CheckpointOptions{
		SeedEntityIDs: []string{"f1"},
		HopCount:      9,
	})
	assert.True(t, coorderr.Is(err, coorderr.CodeValidation))
}

// blockingExec holds every job until released.
type blockingExec struct {
	release chan struct{}
}

func (e *blockingExec) Execute(ctx context.Context, job *checkpoint.Job) error {
	select {
	case <-e.release:
		job.Payload.CheckpointID = "cp-late"
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *blockingExec) HandleTerminalFailure(ctx context.Context, job *checkpoint.Job) {}

func TestCheckpointPendingOnCallerDeadline(t *testing.T) {
	cfg := &config.Config{
		Session:    config.SessionConfig{DefaultTTLSeconds: 3600, GraceTTLSeconds: 1, MaxEventsPerSession: 1000},
		Checkpoint: config.CheckpointConfig{Interval: 100, Concurrency: 1, MaxAttempts: 3, RetryDelayMs: 10, DefaultHopCount: 2, Window: 10},
	}
	backend := store.NewMemoryBackend(store.RedisOptions{DefaultTTLSeconds: 3600, MaxEventsPerSession: 1000})
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()
	exec := &blockingExec{release: make(chan struct{})}
	q := queue.New(cfg.Checkpoint, queue.NewMemoryPersistence(), exec, eventBus, logger.Default())
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()
	m := New(cfg, backend, q, eventBus, logger.Default())

	ctx := context.Background()
	sess, err := m.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	res, err := m.Checkpoint(waitCtx, sess.ID, CheckpointOptions{SeedEntityIDs: []string{"f1"}})
	assert.True(t, coorderr.Is(err, coorderr.CodeCheckpointPending))
	require.NotNil(t, res)
	assert.NotEmpty(t, res.JobID)

	// The job keeps running in the background and still completes.
	close(exec.release)
	job, err := q.Wait(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, job.Status)
}

func TestEmitDeliversOnSessionChannel(t *testing.T) {
	st := newTestStack(t, func(cfg *config.Config) { cfg.Checkpoint.Interval = 100 })
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	stream := subscribe(t, st.bus, events.BuildSessionSubject(sess.ID))
	wildcard := subscribe(t, st.bus, events.BuildSessionWildcardSubject())

	seq, err := st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f1"))
	require.NoError(t, err)

	ev := recv(t, stream)
	msg, ok := ev.Data.(*session.StreamMessage)
	require.True(t, ok)
	assert.Equal(t, sess.ID, msg.SessionID)
	assert.Equal(t, seq, msg.Seq)
	assert.Equal(t, "agent-a", msg.Actor)
	assert.Equal(t, session.EventModified, msg.Type)
	assert.Equal(t, []string{"f1"}, msg.ChangeInfo.EntityIDs)

	wev := recv(t, wildcard)
	assert.Equal(t, string(session.EventModified), wev.Type)
}

func TestJoinEmitsHandoff(t *testing.T) {
	st := newTestStack(t, func(cfg *config.Config) { cfg.Checkpoint.Interval = 100 })
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	stream := subscribe(t, st.bus, events.BuildSessionSubject(sess.ID))
	global := subscribe(t, st.bus, events.GlobalSessions)

	require.NoError(t, st.manager.JoinSession(ctx, sess.ID, "agent-b"))

	ev := recv(t, stream)
	msg := ev.Data.(*session.StreamMessage)
	assert.Equal(t, session.EventHandoff, msg.Type)
	assert.Equal(t, "agent-b", msg.Actor)
	assert.Equal(t, uint64(1), msg.Seq)

	gev := recv(t, global)
	assert.Equal(t, events.SessionHandoff, gev.Type)

	got, err := st.manager.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a", "agent-b"}, got.AgentIDs)
}

func TestLastLeaveClosesSessionAfterGrace(t *testing.T) {
	st := newTestStack(t, nil) // grace 1s
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.manager.LeaveSession(ctx, sess.ID, "agent-a"))

	require.Eventually(t, func() bool {
		got, err := st.manager.GetSession(ctx, sess.ID)
		return err == nil && got.State == session.StateClosed
	}, 5*time.Second, 50*time.Millisecond)

	got, err := st.manager.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "abandoned", got.ClosedReason)
}

func TestRejoinCancelsPendingClose(t *testing.T) {
	st := newTestStack(t, nil)
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.manager.LeaveSession(ctx, sess.ID, "agent-a"))
	require.NoError(t, st.manager.JoinSession(ctx, sess.ID, "agent-b"))

	time.Sleep(1500 * time.Millisecond)
	got, err := st.manager.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, got.State)
}

func TestCloseSessionPublishesTerminalMessage(t *testing.T) {
	st := newTestStack(t, func(cfg *config.Config) { cfg.Checkpoint.Interval = 100 })
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f1"))
	require.NoError(t, err)
	stream := subscribe(t, st.bus, events.BuildSessionSubject(sess.ID))
	global := subscribe(t, st.bus, events.GlobalSessions)

	require.NoError(t, st.manager.CloseSession(ctx, sess.ID, "done"))

	ev := recv(t, stream)
	msg := ev.Data.(*session.StreamMessage)
	assert.Equal(t, session.EventCheckpoint, msg.Type)
	assert.Equal(t, true, msg.Payload.(map[string]interface{})["closed"])
	// The marker claims no sequence slot; appended events start at 1.
	assert.Equal(t, uint64(0), msg.Seq)

	var closed *bus.Event
	for closed == nil {
		gev := recv(t, global)
		if gev.Type == events.SessionClosed {
			closed = gev
		}
	}

	// Terminal: further emits fail, a second close is a no-op.
	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f1"))
	assert.True(t, coorderr.Is(err, coorderr.CodeSessionExpired))
	require.NoError(t, st.manager.CloseSession(ctx, sess.ID, "again"))

	stats := st.manager.GetStats(ctx)
	assert.Equal(t, uint64(1), stats.SessionsClosed)
}

func TestBeginShutdownGatesNewWork(t *testing.T) {
	st := newTestStack(t, nil)
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	st.manager.BeginShutdown()

	_, err = st.manager.CreateSession(ctx, "agent-b", session.CreateOptions{})
	assert.True(t, coorderr.Is(err, coorderr.CodeShuttingDown))

	_, err = st.manager.EmitEvent(ctx, sess.ID, modifiedEvent("agent-a", "f1"))
	assert.True(t, coorderr.Is(err, coorderr.CodeShuttingDown))
}

func TestEmitExpiredDeadlineReturnsTimeout(t *testing.T) {
	st := newTestStack(t, func(cfg *config.Config) { cfg.Checkpoint.Interval = 100 })
	ctx := context.Background()

	sess, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	seq, err := st.manager.EmitEvent(expired, sess.ID, modifiedEvent("agent-a", "f1"))
	assert.True(t, coorderr.Is(err, coorderr.CodeTimeout))
	// The append committed before the deadline was noticed.
	assert.Equal(t, uint64(1), seq)
}

func TestSessionsByAgent(t *testing.T) {
	st := newTestStack(t, nil)
	ctx := context.Background()

	s1, err := st.manager.CreateSession(ctx, "agent-a", session.CreateOptions{})
	require.NoError(t, err)
	_, err = st.manager.CreateSession(ctx, "agent-b", session.CreateOptions{})
	require.NoError(t, err)

	byA, err := st.manager.GetSessionsByAgent(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, byA, 1)
	assert.Equal(t, s1.ID, byA[0].ID)

	active, err := st.manager.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}
