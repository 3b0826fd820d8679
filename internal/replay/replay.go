// Package replay records finished sessions and plays them back for
// debugging: filtered, transformed, and optionally paced by the original
// event timing.
package replay

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/session"
)

// Snapshot marks replay progress at a sequence boundary.
type Snapshot struct {
	AtSeq     uint64    `json:"atSeq"`
	EntityIDs []string  `json:"entityIds"` // entities touched up to this point
	TakenAt   time.Time `json:"takenAt"`
}

// Record is a captured session: initial state, the ordered event stream,
// and periodic snapshots. Integrity is guarded by a rolling checksum over
// (seq, actor, type).
type Record struct {
	ReplayID     string           `json:"replayId"`
	SessionID    string           `json:"sessionId"`
	InitialState *session.Session `json:"initialState"`
	Events       []*session.Event `json:"events"`
	Snapshots    []Snapshot       `json:"snapshots,omitempty"`
	Checksum     uint64           `json:"checksum"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Transform rewrites an event during playback. Returning nil drops it.
type Transform func(ev *session.Event) *session.Event

// PlaybackOptions filter and pace a replay.
type PlaybackOptions struct {
	Types     []session.EventType // empty means all
	Actors    []string            // empty means all
	Speed     float64             // >0 paces by original gaps / Speed; 0 plays instantly
	Transform Transform
}

// Store persists replay records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, replayID string) (*Record, error)
	Delete(ctx context.Context, replayID string) error
}

// snapshotEvery is the default snapshot cadence during recording.
const snapshotEvery = 25

// Service records and replays session event streams.
type Service struct {
	store Store
	log   *logger.Logger
}

// NewService creates a replay service over the given store.
func NewService(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{store: store, log: log}
}

// Record captures a session's event stream under a fresh replay id.
func (s *Service) Record(ctx context.Context, sess *session.Session, events []*session.Event) (*Record, error) {
	if sess == nil {
		return nil, coorderr.Validation("replay requires a session")
	}

	rec := &Record{
		ReplayID:     uuid.New().String(),
		SessionID:    sess.ID,
		InitialState: sess,
		Events:       events,
		Checksum:     checksum(events),
		CreatedAt:    time.Now().UTC(),
	}

	seen := make(map[string]struct{})
	var touched []string
	for i, ev := range events {
		for _, id := range ev.ChangeInfo.EntityIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				touched = append(touched, id)
			}
		}
		if (i+1)%snapshotEvery == 0 {
			rec.Snapshots = append(rec.Snapshots, Snapshot{
				AtSeq:     ev.Seq,
				EntityIDs: append([]string(nil), touched...),
				TakenAt:   time.Now().UTC(),
			})
		}
	}

	if err := s.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	s.log.WithSessionID(sess.ID).Info("session recorded for replay")
	return rec, nil
}

// Play loads a record, verifies its checksum, and yields the filtered,
// transformed events to the handler in sequence order. With Speed > 0 the
// original inter-event gaps are reproduced divided by Speed.
func (s *Service) Play(ctx context.Context, replayID string, opts PlaybackOptions, handler func(ev *session.Event) error) error {
	rec, err := s.store.Load(ctx, replayID)
	if err != nil {
		return err
	}
	if got := checksum(rec.Events); got != rec.Checksum {
		return coorderr.New(coorderr.CodeValidation,
			fmt.Sprintf("replay %s is corrupted: checksum %d, expected %d", replayID, got, rec.Checksum))
	}

	typeFilter := toSet(opts.Types)
	actorFilter := toStringSet(opts.Actors)

	var prev time.Time
	for _, ev := range rec.Events {
		if ctx.Err() != nil {
			return coorderr.Wrap(coorderr.CodeTimeout, "replay interrupted", ctx.Err())
		}
		if len(typeFilter) > 0 {
			if _, ok := typeFilter[ev.Type]; !ok {
				continue
			}
		}
		if len(actorFilter) > 0 {
			if _, ok := actorFilter[ev.Actor]; !ok {
				continue
			}
		}

		if opts.Speed > 0 && !prev.IsZero() {
			gap := ev.Timestamp.Sub(prev)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return coorderr.Wrap(coorderr.CodeTimeout, "replay interrupted", ctx.Err())
				case <-time.After(time.Duration(float64(gap) / opts.Speed)):
				}
			}
		}
		prev = ev.Timestamp

		out := ev
		if opts.Transform != nil {
			copied := *ev
			out = opts.Transform(&copied)
			if out == nil {
				continue
			}
		}
		if err := handler(out); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the verified raw event stream of a record.
func (s *Service) Events(ctx context.Context, replayID string) ([]*session.Event, error) {
	var out []*session.Event
	err := s.Play(ctx, replayID, PlaybackOptions{}, func(ev *session.Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

// Delete removes a replay record.
func (s *Service) Delete(ctx context.Context, replayID string) error {
	return s.store.Delete(ctx, replayID)
}

// checksum rolls FNV-1a over (seq, actor, type) of every event.
func checksum(events []*session.Event) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, ev := range events {
		binary.BigEndian.PutUint64(buf[:], ev.Seq)
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(ev.Actor))
		_, _ = h.Write([]byte(ev.Type))
	}
	return h.Sum64()
}

func toSet(types []session.EventType) map[session.EventType]struct{} {
	out := make(map[session.EventType]struct{}, len(types))
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}

func toStringSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
