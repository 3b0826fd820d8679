// Package manager is the public facade of the coordination core: it ties
// session storage, the event log, the bus, and the checkpoint pipeline
// together behind one API.
package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

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

// CheckpointOptions control a synchronous checkpoint request.
type CheckpointOptions struct {
	SeedEntityIDs []string
	Reason        string
	HopCount      int // default from config, range 1-5
	Actor         string
	Trigger       string // auto, explicit, close
}

// CheckpointResult is what a synchronous checkpoint request resolves to.
type CheckpointResult struct {
	JobID        string `json:"jobId,omitempty"`
	CheckpointID string `json:"checkpointId,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"` // empty seed set
}

// Stats is a point-in-time view of manager activity.
type Stats struct {
	SessionsCreated     uint64 `json:"sessionsCreated"`
	SessionsClosed      uint64 `json:"sessionsClosed"`
	Events              uint64 `json:"events"`
	CheckpointsEnqueued uint64 `json:"checkpointsEnqueued"`
	CheckpointsSkipped  uint64 `json:"checkpointsSkipped"`
	ActiveSessions      int    `json:"activeSessions"`
	QueueDepth          int    `json:"queueDepth"`
}

// Manager is the public facade over session storage, the event log, the
// bus, and the checkpoint pipeline.
type Manager struct {
	backend store.Backend
	jobs    *queue.Queue
	bus     bus.EventBus
	log     *logger.Logger

	sessionCfg    config.SessionConfig
	checkpointCfg config.CheckpointConfig

	draining atomic.Bool

	sessionsCreated     atomic.Uint64
	sessionsClosed      atomic.Uint64
	eventsEmitted       atomic.Uint64
	checkpointsEnqueued atomic.Uint64
	checkpointsSkipped  atomic.Uint64

	mu          sync.Mutex
	closeTimers map[string]*time.Timer // abandoned sessions pending close
}

// New creates the session manager facade.
func New(cfg *config.Config, backend store.Backend, jobs *queue.Queue, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		backend:       backend,
		jobs:          jobs,
		bus:           eventBus,
		log:           log,
		sessionCfg:    cfg.Session,
		checkpointCfg: cfg.Checkpoint,
		closeTimers:   make(map[string]*time.Timer),
	}
}

// BeginShutdown makes the facade refuse new sessions and emits with
// SHUTTING_DOWN. In-flight operations finish normally.
func (m *Manager) BeginShutdown() {
	m.draining.Store(true)
}

// CreateSession starts a new session with the creating agent as its first
// member and announces it on the global channel.
func (m *Manager) CreateSession(ctx context.Context, agentID string, opts session.CreateOptions) (*session.Session, error) {
	if m.draining.Load() {
		return nil, coorderr.ShuttingDown()
	}

	sess, err := m.backend.Create(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}
	m.sessionsCreated.Add(1)

	m.publishGlobal(ctx, events.SessionCreated, map[string]interface{}{
		"sessionId": sess.ID,
		"agentId":   agentID,
	})
	m.log.WithSessionID(sess.ID).WithAgentID(agentID).Info("session created",
		zap.Int("ttl_seconds", sess.TTLSeconds))
	return sess, nil
}

// JoinSession adds an agent to the session and emits an implicit handoff
// event so subscribers can correlate cross-agent work.
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string) error {
	if err := m.backend.Join(ctx, sessionID, agentID); err != nil {
		return err
	}
	m.cancelPendingClose(sessionID)

	_, err := m.EmitEvent(ctx, sessionID, &session.Event{
		Actor: agentID,
		Type:  session.EventHandoff,
		Payload: map[string]interface{}{
			"action":  "join",
			"agentId": agentID,
		},
	})
	if err != nil {
		m.log.WithSessionID(sessionID).WithAgentID(agentID).WithError(err).Warn("handoff event not emitted")
	}

	m.publishGlobal(ctx, events.SessionHandoff, map[string]interface{}{
		"sessionId": sessionID,
		"agentId":   agentID,
		"action":    "join",
	})
	return nil
}

// LeaveSession removes an agent. When the last member leaves, the session
// is closed after the grace window unless someone rejoins.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, agentID string) error {
	remaining, err := m.backend.Leave(ctx, sessionID, agentID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		m.schedulePendingClose(sessionID)
	}
	m.publishGlobal(ctx, events.SessionHandoff, map[string]interface{}{
		"sessionId": sessionID,
		"agentId":   agentID,
		"action":    "leave",
	})
	return nil
}

func (m *Manager) schedulePendingClose(sessionID string) {
	grace := m.sessionCfg.GraceTTL()
	if grace <= 0 {
		grace = time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, pending := m.closeTimers[sessionID]; pending {
		return
	}
	m.closeTimers[sessionID] = time.AfterFunc(grace, func() {
		m.mu.Lock()
		delete(m.closeTimers, sessionID)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sess, err := m.backend.Get(ctx, sessionID)
		if err != nil || sess.State == session.StateClosed || len(sess.AgentIDs) > 0 {
			return
		}
		if err := m.CloseSession(ctx, sessionID, "abandoned"); err != nil {
			m.log.WithSessionID(sessionID).WithError(err).Warn("failed to close abandoned session")
		}
	})
}

func (m *Manager) cancelPendingClose(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.closeTimers[sessionID]; ok {
		t.Stop()
		delete(m.closeTimers, sessionID)
	}
}

// EmitEvent validates the event, appends it durably, then publishes it on
// the per-session channel. The publish happens strictly after the append
// commits. Returns the assigned sequence number.
//
// A caller deadline is honoured: once it expires the publish is abandoned
// and TIMEOUT is returned, though the append may already have committed.
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, ev *session.Event) (uint64, error) {
	if m.draining.Load() {
		return 0, coorderr.ShuttingDown()
	}
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	res, err := m.backend.Append(ctx, sessionID, ev)
	if err != nil {
		return 0, err
	}
	m.eventsEmitted.Add(1)

	if ctx.Err() != nil {
		return res.Seq, coorderr.Wrap(coorderr.CodeTimeout, "deadline expired after append, publish abandoned", ctx.Err())
	}

	msg := session.NewStreamMessage(sessionID, ev)
	if err := m.bus.Publish(ctx, events.BuildSessionSubject(sessionID), bus.NewEvent(string(ev.Type), "session-manager", msg)); err != nil {
		m.log.WithSessionID(sessionID).WithError(err).Warn("event publish failed after durable append",
			zap.Uint64("seq", res.Seq))
	}

	m.maybeAutoCheckpoint(sessionID, ev, res.EventsSinceCheckpoint)
	return res.Seq, nil
}

// maybeAutoCheckpoint enqueues a checkpoint in the background when the
// interval is reached or a broke/fixed event lands. Fire and forget; job
// failures surface through the job events, never through the emit.
func (m *Manager) maybeAutoCheckpoint(sessionID string, ev *session.Event, eventsSinceCheckpoint int) {
	interval := m.checkpointCfg.Interval
	triggered := (interval > 0 && eventsSinceCheckpoint >= interval) ||
		ev.Type == session.EventBroke || ev.Type == session.EventFixed
	if !triggered {
		return
	}

	reason := "auto"
	if ev.Type == session.EventBroke || ev.Type == session.EventFixed {
		reason = "auto:" + string(ev.Type)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.enqueueCheckpoint(ctx, sessionID, CheckpointOptions{Reason: reason, Actor: ev.Actor, Trigger: "auto"}); err != nil {
			m.log.WithSessionID(sessionID).WithError(err).Warn("auto-checkpoint enqueue failed")
		}
	}()
}

// Checkpoint synchronously requests a checkpoint and waits for the job to
// reach a terminal state. On a caller deadline the job keeps running in the
// background and CHECKPOINT_PENDING is returned with the job id.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string, opts CheckpointOptions) (*CheckpointResult, error) {
	if opts.Trigger == "" {
		opts.Trigger = "explicit"
	}
	result, err := m.enqueueCheckpoint(ctx, sessionID, opts)
	if err != nil || result.Skipped {
		return result, err
	}

	job, err := m.jobs.Wait(ctx, result.JobID)
	if err != nil {
		if coorderr.Is(err, coorderr.CodeTimeout) {
			return result, coorderr.New(coorderr.CodeCheckpointPending,
				"checkpoint job "+result.JobID+" still running past the caller deadline")
		}
		return result, err
	}

	if job.Status == checkpoint.StatusCompleted {
		result.CheckpointID = job.Payload.CheckpointID
		return result, nil
	}
	return result, coorderr.New(coorderr.CodeGraphFailure,
		"checkpoint job "+job.ID+" ended in "+string(job.Status)+": "+job.LastError)
}

// enqueueCheckpoint derives seeds, validates options, and hands the job to
// the queue. An empty seed set skips the checkpoint.
func (m *Manager) enqueueCheckpoint(ctx context.Context, sessionID string, opts CheckpointOptions) (*CheckpointResult, error) {
	sess, err := m.backend.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	hopCount := opts.HopCount
	if hopCount == 0 {
		hopCount = m.checkpointCfg.DefaultHopCount
	}
	if hopCount < 1 || hopCount > 5 {
		return nil, coorderr.Validation("hopCount must be between 1 and 5")
	}

	window := m.checkpointCfg.Window
	seeds := opts.SeedEntityIDs
	if len(seeds) == 0 {
		seeds, err = m.deriveSeeds(ctx, sessionID, window)
		if err != nil {
			return nil, err
		}
	}
	if len(seeds) == 0 {
		m.checkpointsSkipped.Add(1)
		m.log.WithSessionID(sessionID).Info("checkpoint skipped, no seed entities in window",
			zap.Int("window", window))
		return &CheckpointResult{Skipped: true}, nil
	}

	reason := opts.Reason
	if reason == "" {
		reason = "manual"
	}

	seqNum := sess.NextSeq
	job, err := m.jobs.Enqueue(ctx, checkpoint.JobPayload{
		SessionID:      sessionID,
		SeedEntityIDs:  seeds,
		Reason:         reason,
		HopCount:       hopCount,
		SequenceNumber: &seqNum,
		Window:         window,
		Actor:          opts.Actor,
		TriggeredBy:    opts.Trigger,
	})
	if err != nil {
		return nil, err
	}
	m.checkpointsEnqueued.Add(1)

	if err := m.backend.ResetCheckpointCounter(ctx, sessionID); err != nil {
		m.log.WithSessionID(sessionID).WithError(err).Warn("failed to reset checkpoint counter")
	}
	return &CheckpointResult{JobID: job.ID}, nil
}

// deriveSeeds unions changeInfo entity ids across the newest window of
// events. State transitions are deliberately not mined for seeds.
func (m *Manager) deriveSeeds(ctx context.Context, sessionID string, window int) ([]string, error) {
	evs, err := m.backend.Range(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	if window > 0 && len(evs) > window {
		evs = evs[len(evs)-window:]
	}

	set := make(map[string]struct{})
	for _, ev := range evs {
		for _, id := range ev.ChangeInfo.EntityIDs {
			if id != "" {
				set[id] = struct{}{}
			}
		}
	}
	seeds := make([]string, 0, len(set))
	for id := range set {
		seeds = append(seeds, id)
	}
	sort.Strings(seeds)
	return seeds, nil
}

// CloseSession requests a final checkpoint, marks the session closed, and
// publishes the terminal checkpoint-typed message plus the global close
// notice.
func (m *Manager) CloseSession(ctx context.Context, sessionID, reason string) error {
	sess, err := m.backend.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == session.StateClosed {
		return nil
	}

	if _, err := m.enqueueCheckpoint(ctx, sessionID, CheckpointOptions{Reason: "session-close", Trigger: "close"}); err != nil {
		m.log.WithSessionID(sessionID).WithError(err).Warn("final checkpoint enqueue failed")
	}

	if err := m.backend.Close(ctx, sessionID, reason); err != nil {
		return err
	}
	m.sessionsClosed.Add(1)
	m.cancelPendingClose(sessionID)

	// Seq stays zero: appended events are numbered from 1, so the terminal
	// marker can never collide with an event racing the close.
	terminal := &session.StreamMessage{
		SessionID: sessionID,
		Actor:     "coordinator",
		Type:      session.EventCheckpoint,
		Payload:   map[string]interface{}{"closed": true, "reason": reason},
		EmittedAt: time.Now().UTC(),
	}
	if err := m.bus.Publish(ctx, events.BuildSessionSubject(sessionID), bus.NewEvent(string(session.EventCheckpoint), "session-manager", terminal)); err != nil {
		m.log.WithSessionID(sessionID).WithError(err).Warn("terminal event publish failed")
	}
	m.publishGlobal(ctx, events.SessionClosed, map[string]interface{}{
		"sessionId": sessionID,
		"reason":    reason,
	})

	m.log.WithSessionID(sessionID).Info("session closed", zap.String("reason", reason))
	return nil
}

// GetSession returns the session document.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	return m.backend.Get(ctx, sessionID)
}

// RangeEvents returns events from the session log in sequence order.
func (m *Manager) RangeEvents(ctx context.Context, sessionID string, fromSeq, toSeq uint64) ([]*session.Event, error) {
	return m.backend.Range(ctx, sessionID, fromSeq, toSeq)
}

// ListActiveSessions returns all active sessions.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	return m.backend.ListActive(ctx)
}

// GetSessionsByAgent returns the active sessions an agent participates in.
func (m *Manager) GetSessionsByAgent(ctx context.Context, agentID string) ([]*session.Session, error) {
	return m.backend.ByAgent(ctx, agentID)
}

// GetStats returns a point-in-time activity snapshot.
func (m *Manager) GetStats(ctx context.Context) *Stats {
	stats := &Stats{
		SessionsCreated:     m.sessionsCreated.Load(),
		SessionsClosed:      m.sessionsClosed.Load(),
		Events:              m.eventsEmitted.Load(),
		CheckpointsEnqueued: m.checkpointsEnqueued.Load(),
		CheckpointsSkipped:  m.checkpointsSkipped.Load(),
	}
	if active, err := m.backend.ListActive(ctx); err == nil {
		stats.ActiveSessions = len(active)
	}
	if m.jobs != nil {
		stats.QueueDepth = m.jobs.Depth()
	}
	return stats
}

// HealthCheck pings the backing store and reports bus connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.backend.Ping(ctx); err != nil {
		return err
	}
	if m.bus != nil && !m.bus.IsConnected() {
		return coorderr.New(coorderr.CodeBackendUnavail, "event bus is not connected")
	}
	return nil
}

func (m *Manager) publishGlobal(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, events.GlobalSessions, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.log.WithError(err).Warn("global session event publish failed", zap.String("type", eventType))
	}
}
