package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/session"
)

// RedisStore keeps replay records under replay:{id}: a hash for the
// metadata and a list for the event stream.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed replay store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

func replayKey(replayID string) string {
	return "replay:" + replayID
}

func replayEventsKey(replayID string) string {
	return "replay:" + replayID + ":events"
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	meta := *rec
	meta.Events = nil
	metaJSON, err := json.Marshal(&meta)
	if err != nil {
		return coorderr.Wrap(coorderr.CodeValidation, "failed to serialize replay record", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, replayKey(rec.ReplayID),
		"session_id", rec.SessionID,
		"checksum", fmt.Sprintf("%d", rec.Checksum),
		"meta", string(metaJSON),
	)
	pipe.Del(ctx, replayEventsKey(rec.ReplayID))
	for _, ev := range rec.Events {
		evJSON, err := json.Marshal(ev)
		if err != nil {
			return coorderr.Wrap(coorderr.CodeValidation, "failed to serialize replay event", err)
		}
		pipe.RPush(ctx, replayEventsKey(rec.ReplayID), string(evJSON))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return coorderr.Wrap(coorderr.CodeBackendUnavail, "failed to save replay record", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, replayID string) (*Record, error) {
	metaJSON, err := s.client.HGet(ctx, replayKey(replayID), "meta").Result()
	if err == redis.Nil {
		return nil, coorderr.Validation(fmt.Sprintf("no replay record %q", replayID))
	}
	if err != nil {
		return nil, coorderr.Wrap(coorderr.CodeBackendUnavail, "failed to load replay record", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(metaJSON), &rec); err != nil {
		return nil, coorderr.Wrap(coorderr.CodeValidation, "corrupt replay metadata", err)
	}

	raw, err := s.client.LRange(ctx, replayEventsKey(replayID), 0, -1).Result()
	if err != nil {
		return nil, coorderr.Wrap(coorderr.CodeBackendUnavail, "failed to load replay events", err)
	}
	rec.Events = make([]*session.Event, 0, len(raw))
	for _, item := range raw {
		var ev session.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, coorderr.Wrap(coorderr.CodeValidation, "corrupt replay event", err)
		}
		rec.Events = append(rec.Events, &ev)
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, replayID string) error {
	if err := s.client.Del(ctx, replayKey(replayID), replayEventsKey(replayID)).Err(); err != nil {
		return coorderr.Wrap(coorderr.CodeBackendUnavail, "failed to delete replay record", err)
	}
	return nil
}

// MemoryStore keeps replay records in process. Used when no Redis is
// configured, and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory replay store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	copied.Events = append([]*session.Event(nil), rec.Events...)
	s.records[rec.ReplayID] = &copied
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, replayID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[replayID]
	if !ok {
		return nil, coorderr.Validation(fmt.Sprintf("no replay record %q", replayID))
	}
	copied := *rec
	copied.Events = append([]*session.Event(nil), rec.Events...)
	return &copied, nil
}

func (s *MemoryStore) Delete(ctx context.Context, replayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, replayID)
	return nil
}
