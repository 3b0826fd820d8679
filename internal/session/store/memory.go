package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/session"
)

// appendRetries bounds the conditional-write loop before the append gives
// up with CONTENTION.
const appendRetries = 5

// memSession is the in-memory session record. nextSeq is advanced with a
// compare-and-swap so concurrent appenders serialize the same way they
// would against a shared counter in an external store.
type memSession struct {
	mu      sync.RWMutex
	sess    session.Session
	nextSeq uint64 // accessed atomically
	events  []*session.Event
}

// MemoryBackend implements Backend entirely in process. It backs tests and
// the local-first mode where no Redis is configured.
type MemoryBackend struct {
	mu              sync.RWMutex
	sessions        map[string]*memSession
	defaultTTL      int
	defaultGraceTTL int
	maxEvents       int
	now             func() time.Time
}

// NewMemoryBackend creates an in-memory session backend.
func NewMemoryBackend(opts RedisOptions) *MemoryBackend {
	if opts.MaxEventsPerSession <= 0 {
		opts.MaxEventsPerSession = 1000
	}
	return &MemoryBackend{
		sessions:        make(map[string]*memSession),
		defaultTTL:      opts.DefaultTTLSeconds,
		defaultGraceTTL: opts.GraceTTLSeconds,
		maxEvents:       opts.MaxEventsPerSession,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

var _ Backend = (*MemoryBackend)(nil)

// SetClock overrides the time source. Test hook.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) clock() func() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.now
}

// lookup returns the live record, treating sessions past ttl+grace as gone.
func (b *MemoryBackend) lookup(sessionID string) (*memSession, error) {
	b.mu.RLock()
	ms, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil, coorderr.SessionNotFound(sessionID)
	}

	ms.mu.RLock()
	expired := ms.sess.Expired(b.clock()()) && !ms.sess.InGrace(b.clock()())
	ms.mu.RUnlock()
	if expired {
		b.mu.Lock()
		delete(b.sessions, sessionID)
		b.mu.Unlock()
		return nil, coorderr.SessionNotFound(sessionID)
	}
	return ms, nil
}

// Create initialises an active session.
func (b *MemoryBackend) Create(ctx context.Context, agentID string, opts session.CreateOptions) (*session.Session, error) {
	if agentID == "" {
		return nil, coorderr.Validation("creating agent id is required")
	}

	ttl := opts.TTLSeconds
	if ttl == 0 {
		ttl = b.defaultTTL
	}
	grace := opts.GraceTTLSeconds
	if grace == 0 {
		grace = b.defaultGraceTTL
	}

	now := b.clock()()
	ms := &memSession{
		sess: session.Session{
			ID:              uuid.New().String(),
			State:           session.StateActive,
			AgentIDs:        []string{agentID},
			CreatedAt:       now,
			LastActivityAt:  now,
			TTLSeconds:      ttl,
			GraceTTLSeconds: grace,
			Metadata:        opts.Metadata,
		},
	}

	b.mu.Lock()
	b.sessions[ms.sess.ID] = ms
	b.mu.Unlock()

	out := ms.sess
	return &out, nil
}

// Get returns a copy of the session document.
func (b *MemoryBackend) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	ms, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := ms.sess
	out.AgentIDs = append([]string(nil), ms.sess.AgentIDs...)
	out.NextSeq = atomic.LoadUint64(&ms.nextSeq)
	return &out, nil
}

func (b *MemoryBackend) checkWritable(sessionID string) (*memSession, error) {
	ms, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.sess.State == session.StateClosed || ms.sess.Expired(b.clock()()) {
		return nil, coorderr.SessionExpired(sessionID)
	}
	return ms, nil
}

// Join adds an agent to the membership.
func (b *MemoryBackend) Join(ctx context.Context, sessionID, agentID string) error {
	if agentID == "" {
		return coorderr.Validation("agent id is required")
	}
	ms, err := b.checkWritable(sessionID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.sess.HasAgent(agentID) {
		ms.sess.AgentIDs = append(ms.sess.AgentIDs, agentID)
	}
	return nil
}

// Leave removes an agent and returns the remaining member count.
func (b *MemoryBackend) Leave(ctx context.Context, sessionID, agentID string) (int, error) {
	ms, err := b.lookup(sessionID)
	if err != nil {
		return 0, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, id := range ms.sess.AgentIDs {
		if id == agentID {
			ms.sess.AgentIDs = append(ms.sess.AgentIDs[:i], ms.sess.AgentIDs[i+1:]...)
			return len(ms.sess.AgentIDs), nil
		}
	}
	return len(ms.sess.AgentIDs), coorderr.ActorNotJoined(sessionID, agentID)
}

// Touch refreshes the TTL without appending an event.
func (b *MemoryBackend) Touch(ctx context.Context, sessionID string, at time.Time) error {
	ms, err := b.checkWritable(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sess.LastActivityAt = at
	return nil
}

// SetState transitions between active and paused.
func (b *MemoryBackend) SetState(ctx context.Context, sessionID string, state session.State) error {
	if state != session.StateActive && state != session.StatePaused {
		return coorderr.Validation("state must be active or paused")
	}
	ms, err := b.checkWritable(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sess.State = state
	return nil
}

// Close marks the session closed. Terminal.
func (b *MemoryBackend) Close(ctx context.Context, sessionID, reason string) error {
	ms, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sess.State = session.StateClosed
	ms.sess.ClosedReason = reason
	return nil
}

// ListActive returns all active sessions.
func (b *MemoryBackend) ListActive(ctx context.Context) ([]*session.Session, error) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := b.Get(ctx, id)
		if err != nil {
			continue
		}
		if sess.State == session.StateActive {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ByAgent returns the sessions an agent is a member of.
func (b *MemoryBackend) ByAgent(ctx context.Context, agentID string) ([]*session.Session, error) {
	all, err := b.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*session.Session, 0, len(all))
	for _, sess := range all {
		if sess.HasAgent(agentID) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ResetCheckpointCounter zeroes the auto-checkpoint counter.
func (b *MemoryBackend) ResetCheckpointCounter(ctx context.Context, sessionID string) error {
	ms, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sess.EventsSinceCheckpoint = 0
	return nil
}

// Ping reports backend health. Always healthy in process.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Append assigns the next sequence number via a conditional write against
// the session counter. Two concurrent appenders serialize through the CAS;
// a loser retries a bounded number of times before CONTENTION.
func (b *MemoryBackend) Append(ctx context.Context, sessionID string, ev *session.Event) (AppendResult, error) {
	if err := ev.Validate(); err != nil {
		return AppendResult{}, err
	}

	ms, err := b.lookup(sessionID)
	if err != nil {
		return AppendResult{}, err
	}

	now := b.clock()()
	ms.mu.RLock()
	writable := ms.sess.State != session.StateClosed && !ms.sess.Expired(now)
	joined := ms.sess.HasAgent(ev.Actor)
	ms.mu.RUnlock()
	if !writable {
		return AppendResult{}, coorderr.SessionExpired(sessionID)
	}
	if !joined {
		return AppendResult{}, coorderr.ActorNotJoined(sessionID, ev.Actor)
	}

	var seq uint64
	won := false
	for attempt := 0; attempt < appendRetries; attempt++ {
		current := atomic.LoadUint64(&ms.nextSeq)
		if atomic.CompareAndSwapUint64(&ms.nextSeq, current, current+1) {
			seq = current + 1
			won = true
			break
		}
	}
	if !won {
		return AppendResult{}, coorderr.New(coorderr.CodeContention, "append counter contention for session "+sessionID)
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Seq = seq

	ms.mu.Lock()
	stored := *ev
	ms.events = append(ms.events, &stored)
	sort.Slice(ms.events, func(i, j int) bool { return ms.events[i].Seq < ms.events[j].Seq })
	if len(ms.events) > b.maxEvents {
		ms.events = ms.events[len(ms.events)-b.maxEvents:]
	}
	ms.sess.LastActivityAt = now
	ms.sess.EventsSinceCheckpoint++
	esc := ms.sess.EventsSinceCheckpoint
	ms.mu.Unlock()

	return AppendResult{Seq: seq, EventsSinceCheckpoint: esc}, nil
}

// Range returns events in sequence order.
func (b *MemoryBackend) Range(ctx context.Context, sessionID string, fromSeq, toSeq uint64) ([]*session.Event, error) {
	ms, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if fromSeq == 0 && toSeq == 0 {
		start := 0
		if len(ms.events) > b.maxEvents {
			start = len(ms.events) - b.maxEvents
		}
		out := make([]*session.Event, 0, len(ms.events)-start)
		for _, ev := range ms.events[start:] {
			copied := *ev
			out = append(out, &copied)
		}
		return out, nil
	}

	out := make([]*session.Event, 0)
	for _, ev := range ms.events {
		if ev.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && ev.Seq > toSeq {
			break
		}
		if len(out) >= b.maxEvents {
			break
		}
		copied := *ev
		out = append(out, &copied)
	}
	return out, nil
}

// Trim retains only the newest keepTail events.
func (b *MemoryBackend) Trim(ctx context.Context, sessionID string, keepTail int) error {
	if keepTail < 0 {
		return coorderr.Validation("keepTail must not be negative")
	}
	ms, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.events) > keepTail {
		ms.events = append([]*session.Event(nil), ms.events[len(ms.events)-keepTail:]...)
	}
	return nil
}
