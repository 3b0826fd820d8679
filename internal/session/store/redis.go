package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/session"
)

// Keyspace layout:
//
//	session:{id}        hash   document fields + next_seq counter
//	agents:{id}         set    member agent ids
//	events:{id}         zset   "<seq>|<json>" scored by seq
//	sessions:active     set    index of active session ids
//	agent_sessions:{a}  set    index of session ids per agent
func sessionKey(id string) string { return "session:" + id }

func agentsKey(id string) string { return "agents:" + id }

func eventsKey(id string) string { return "events:" + id }

func agentIndexKey(agent string) string { return "agent_sessions:" + agent }

const activeIndexKey = "sessions:active"

// readRetryBase is the initial backoff for transient read failures.
const readRetryBase = 50 * time.Millisecond

// RedisBackend implements Backend against a Redis-shaped key-value store.
type RedisBackend struct {
	client          redis.UniversalClient
	logger          *logger.Logger
	defaultTTL      int // seconds, 0 disables expiry
	defaultGraceTTL int // seconds
	maxEvents       int // event log tail size
}

// RedisOptions configure a RedisBackend.
type RedisOptions struct {
	DefaultTTLSeconds   int
	GraceTTLSeconds     int
	MaxEventsPerSession int
}

// NewRedisBackend creates a session backend on top of an existing client.
func NewRedisBackend(client redis.UniversalClient, opts RedisOptions, log *logger.Logger) *RedisBackend {
	if opts.MaxEventsPerSession <= 0 {
		opts.MaxEventsPerSession = 1000
	}
	return &RedisBackend{
		client:          client,
		logger:          log.WithFields(zap.String("component", "session-store")),
		defaultTTL:      opts.DefaultTTLSeconds,
		defaultGraceTTL: opts.GraceTTLSeconds,
		maxEvents:       opts.MaxEventsPerSession,
	}
}

var _ Backend = (*RedisBackend)(nil)

// backendErr wraps transport-level failures as BACKEND_UNAVAILABLE.
func backendErr(op string, err error) error {
	return coorderr.Wrap(coorderr.CodeBackendUnavail, op+" failed", err)
}

// Create initialises an active session with the creating agent as member.
func (b *RedisBackend) Create(ctx context.Context, agentID string, opts session.CreateOptions) (*session.Session, error) {
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

	now := time.Now().UTC()
	sess := &session.Session{
		ID:              uuid.New().String(),
		State:           session.StateActive,
		AgentIDs:        []string{agentID},
		CreatedAt:       now,
		LastActivityAt:  now,
		TTLSeconds:      ttl,
		GraceTTLSeconds: grace,
		Metadata:        opts.Metadata,
	}

	metadata := "{}"
	if len(opts.Metadata) > 0 {
		raw, err := json.Marshal(opts.Metadata)
		if err != nil {
			return nil, coorderr.Validation("session metadata is not serialisable")
		}
		metadata = string(raw)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sess.ID), map[string]interface{}{
		"id":                      sess.ID,
		"state":                   string(sess.State),
		"created_ms":              now.UnixMilli(),
		"last_activity_ms":        now.UnixMilli(),
		"ttl_seconds":             ttl,
		"grace_ttl_seconds":       grace,
		"metadata":                metadata,
		"next_seq":                0,
		"events_since_checkpoint": 0,
	})
	pipe.SAdd(ctx, agentsKey(sess.ID), agentID)
	pipe.SAdd(ctx, activeIndexKey, sess.ID)
	pipe.SAdd(ctx, agentIndexKey(agentID), sess.ID)
	if ttl > 0 {
		expiry := time.Duration(ttl+grace) * time.Second
		pipe.Expire(ctx, sessionKey(sess.ID), expiry)
		pipe.Expire(ctx, agentsKey(sess.ID), expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, backendErr("session create", err)
	}

	b.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agentID),
		zap.Int("ttl_seconds", ttl))
	return sess, nil
}

// Get returns the session document, retrying transient backend failures.
func (b *RedisBackend) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	var sess *session.Session
	err := coorderr.Retry(ctx, readRetryBase, func() error {
		var err error
		sess, err = b.get(ctx, sessionID)
		return err
	})
	return sess, err
}

func (b *RedisBackend) get(ctx context.Context, sessionID string) (*session.Session, error) {
	fields, err := b.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, backendErr("session read", err)
	}
	if len(fields) == 0 {
		return nil, coorderr.SessionNotFound(sessionID)
	}

	members, err := b.client.SMembers(ctx, agentsKey(sessionID)).Result()
	if err != nil {
		return nil, backendErr("membership read", err)
	}

	return sessionFromHash(sessionID, fields, members)
}

func sessionFromHash(sessionID string, fields map[string]string, members []string) (*session.Session, error) {
	createdMs, _ := strconv.ParseInt(fields["created_ms"], 10, 64)
	activityMs, _ := strconv.ParseInt(fields["last_activity_ms"], 10, 64)
	ttl, _ := strconv.Atoi(fields["ttl_seconds"])
	grace, _ := strconv.Atoi(fields["grace_ttl_seconds"])
	nextSeq, _ := strconv.ParseUint(fields["next_seq"], 10, 64)
	esc, _ := strconv.Atoi(fields["events_since_checkpoint"])

	sess := &session.Session{
		ID:                    sessionID,
		State:                 session.State(fields["state"]),
		AgentIDs:              members,
		CreatedAt:             time.UnixMilli(createdMs).UTC(),
		LastActivityAt:        time.UnixMilli(activityMs).UTC(),
		TTLSeconds:            ttl,
		GraceTTLSeconds:       grace,
		NextSeq:               nextSeq,
		EventsSinceCheckpoint: esc,
		ClosedReason:          fields["closed_reason"],
	}
	if raw := fields["metadata"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt session metadata for %s: %w", sessionID, err)
		}
	}
	return sess, nil
}

// checkWritable refuses writes to missing, closed, or expired sessions.
func (b *RedisBackend) checkWritable(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := b.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == session.StateClosed {
		return nil, coorderr.SessionExpired(sessionID)
	}
	if sess.Expired(time.Now().UTC()) {
		return nil, coorderr.SessionExpired(sessionID)
	}
	return sess, nil
}

// Join adds an agent to the session membership.
func (b *RedisBackend) Join(ctx context.Context, sessionID, agentID string) error {
	if agentID == "" {
		return coorderr.Validation("agent id is required")
	}
	if _, err := b.checkWritable(ctx, sessionID); err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, agentsKey(sessionID), agentID)
	pipe.SAdd(ctx, agentIndexKey(agentID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("session join", err)
	}
	return nil
}

// Leave removes an agent and returns the remaining member count.
func (b *RedisBackend) Leave(ctx context.Context, sessionID, agentID string) (int, error) {
	sess, err := b.get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !sess.HasAgent(agentID) {
		return len(sess.AgentIDs), coorderr.ActorNotJoined(sessionID, agentID)
	}

	pipe := b.client.TxPipeline()
	pipe.SRem(ctx, agentsKey(sessionID), agentID)
	pipe.SRem(ctx, agentIndexKey(agentID), sessionID)
	card := pipe.SCard(ctx, agentsKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, backendErr("session leave", err)
	}
	return int(card.Val()), nil
}

// Touch refreshes the TTL without appending an event.
func (b *RedisBackend) Touch(ctx context.Context, sessionID string, at time.Time) error {
	sess, err := b.checkWritable(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), "last_activity_ms", at.UnixMilli())
	if sess.TTLSeconds > 0 {
		expiry := time.Duration(sess.TTLSeconds+sess.GraceTTLSeconds) * time.Second
		pipe.Expire(ctx, sessionKey(sessionID), expiry)
		pipe.Expire(ctx, agentsKey(sessionID), expiry)
		pipe.Expire(ctx, eventsKey(sessionID), expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("session touch", err)
	}
	return nil
}

// SetState transitions between active and paused.
func (b *RedisBackend) SetState(ctx context.Context, sessionID string, state session.State) error {
	if state != session.StateActive && state != session.StatePaused {
		return coorderr.Validation("state must be active or paused")
	}
	if _, err := b.checkWritable(ctx, sessionID); err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), "state", string(state))
	if state == session.StateActive {
		pipe.SAdd(ctx, activeIndexKey, sessionID)
	} else {
		pipe.SRem(ctx, activeIndexKey, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("session state change", err)
	}
	return nil
}

// Close marks the session closed. Terminal; the keys remain readable until
// the TTL plus grace window runs out.
func (b *RedisBackend) Close(ctx context.Context, sessionID, reason string) error {
	if _, err := b.get(ctx, sessionID); err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), map[string]interface{}{
		"state":         string(session.StateClosed),
		"closed_reason": reason,
	})
	pipe.SRem(ctx, activeIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("session close", err)
	}

	b.logger.Info("session closed",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return nil
}

// ListActive returns all sessions currently in the active state.
func (b *RedisBackend) ListActive(ctx context.Context) ([]*session.Session, error) {
	var ids []string
	err := coorderr.Retry(ctx, readRetryBase, func() error {
		var err error
		ids, err = b.client.SMembers(ctx, activeIndexKey).Result()
		if err != nil {
			return backendErr("active index read", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := b.get(ctx, id)
		if coorderr.Is(err, coorderr.CodeSessionNotFound) {
			// Expired out from under the index; drop the stale entry.
			b.client.SRem(ctx, activeIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.State == session.StateActive {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// ByAgent returns the sessions an agent is a member of.
func (b *RedisBackend) ByAgent(ctx context.Context, agentID string) ([]*session.Session, error) {
	ids, err := b.client.SMembers(ctx, agentIndexKey(agentID)).Result()
	if err != nil {
		return nil, backendErr("agent index read", err)
	}

	sessions := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := b.get(ctx, id)
		if coorderr.Is(err, coorderr.CodeSessionNotFound) {
			b.client.SRem(ctx, agentIndexKey(agentID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ResetCheckpointCounter zeroes the auto-checkpoint counter.
func (b *RedisBackend) ResetCheckpointCounter(ctx context.Context, sessionID string) error {
	if err := b.client.HSet(ctx, sessionKey(sessionID), "events_since_checkpoint", 0).Err(); err != nil {
		return backendErr("checkpoint counter reset", err)
	}
	return nil
}

// Ping reports backend health.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return backendErr("ping", err)
	}
	return nil
}

// Append atomically assigns the next sequence number and persists the
// event. Serialisation happens inside the Lua script, so concurrent
// appenders never observe CONTENTION on this backend.
func (b *RedisBackend) Append(ctx context.Context, sessionID string, ev *session.Event) (AppendResult, error) {
	if err := ev.Validate(); err != nil {
		return AppendResult{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return AppendResult{}, coorderr.Validation("event payload is not serialisable")
	}

	res, err := luaAppendEvent.Run(ctx, b.client,
		[]string{sessionKey(sessionID), agentsKey(sessionID), eventsKey(sessionID)},
		ev.Actor, string(raw), time.Now().UnixMilli(), b.maxEvents,
	).Slice()
	if err != nil {
		return AppendResult{}, backendErr("event append", err)
	}

	seq, _ := res[0].(int64)
	esc := int64(0)
	if len(res) > 1 {
		esc, _ = res[1].(int64)
	}

	switch {
	case seq == 0:
		return AppendResult{}, coorderr.SessionNotFound(sessionID)
	case seq == -1:
		return AppendResult{}, coorderr.SessionExpired(sessionID)
	case seq == -2:
		return AppendResult{}, coorderr.ActorNotJoined(sessionID, ev.Actor)
	}

	ev.Seq = uint64(seq)
	return AppendResult{Seq: uint64(seq), EventsSinceCheckpoint: int(esc)}, nil
}

// Range returns events in sequence order. A (0, 0) range returns the
// newest events up to the configured tail size.
func (b *RedisBackend) Range(ctx context.Context, sessionID string, fromSeq, toSeq uint64) ([]*session.Event, error) {
	if _, err := b.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	var members []string
	err := coorderr.Retry(ctx, readRetryBase, func() error {
		var err error
		if fromSeq == 0 && toSeq == 0 {
			// Newest tail, restored to ascending order below.
			members, err = b.client.ZRevRange(ctx, eventsKey(sessionID), 0, int64(b.maxEvents-1)).Result()
			if err == nil {
				for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
					members[i], members[j] = members[j], members[i]
				}
			}
		} else {
			max := "+inf"
			if toSeq > 0 {
				max = strconv.FormatUint(toSeq, 10)
			}
			members, err = b.client.ZRangeByScore(ctx, eventsKey(sessionID), &redis.ZRangeBy{
				Min:   strconv.FormatUint(fromSeq, 10),
				Max:   max,
				Count: int64(b.maxEvents),
			}).Result()
		}
		if err != nil {
			return backendErr("event range read", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]*session.Event, 0, len(members))
	for _, member := range members {
		ev, err := decodeEventMember(member)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.CodeSequenceGap,
				fmt.Sprintf("corrupt event record in session %s", sessionID), err)
		}
		events = append(events, ev)
	}
	if err := checkContiguous(sessionID, events); err != nil {
		return nil, err
	}
	return events, nil
}

// checkContiguous verifies the returned run has no holes. The head may be
// trimmed away, so only internal continuity is enforced.
func checkContiguous(sessionID string, events []*session.Event) error {
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			return coorderr.New(coorderr.CodeSequenceGap,
				fmt.Sprintf("event log for session %s has a gap between seq %d and seq %d",
					sessionID, events[i-1].Seq, events[i].Seq))
		}
	}
	return nil
}

// Trim retains only the newest keepTail events.
func (b *RedisBackend) Trim(ctx context.Context, sessionID string, keepTail int) error {
	if keepTail < 0 {
		return coorderr.Validation("keepTail must not be negative")
	}
	if err := b.client.ZRemRangeByRank(ctx, eventsKey(sessionID), 0, int64(-(keepTail + 1))).Err(); err != nil {
		return backendErr("event trim", err)
	}
	return nil
}

// decodeEventMember parses the "<seq>|<json>" sorted-set member format.
func decodeEventMember(member string) (*session.Event, error) {
	sep := strings.IndexByte(member, '|')
	if sep < 1 {
		return nil, fmt.Errorf("malformed event member")
	}
	seq, err := strconv.ParseUint(member[:sep], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed event seq: %w", err)
	}
	var ev session.Event
	if err := json.Unmarshal([]byte(member[sep+1:]), &ev); err != nil {
		return nil, fmt.Errorf("malformed event json: %w", err)
	}
	ev.Seq = seq
	return &ev, nil
}
