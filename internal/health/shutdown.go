package health

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memento-ai/memento/internal/checkpoint/queue"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/session/manager"
)

// Phase is a stage of the graceful shutdown sequence.
type Phase string

const (
	PhaseInitiated     Phase = "initiated"
	PhaseDraining      Phase = "draining"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCleanup       Phase = "cleanup"
	PhaseComplete      Phase = "complete"
	PhaseForced        Phase = "forced"
)

// RecoveryData is persisted at shutdown so the next run knows what was in
// flight.
type RecoveryData struct {
	ActiveSessionIDs []string  `json:"activeSessionIds"`
	UnfinishedJobIDs []string  `json:"unfinishedJobIds"`
	Phase            Phase     `json:"phase"`
	ShutdownAt       time.Time `json:"shutdownAt"`
}

// RecoveryStore persists recovery data across restarts.
type RecoveryStore interface {
	Save(data *RecoveryData) error
}

// FileRecoveryStore writes recovery data as JSON to a fixed path.
type FileRecoveryStore struct {
	Path string
}

func (f *FileRecoveryStore) Save(data *RecoveryData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, raw, 0644)
}

// Shutdowner walks the coordinator through the shutdown phases:
// initiated, draining, checkpointing, cleanup, complete. If the grace
// period elapses mid-sequence the phase becomes forced and cleanup runs
// anyway.
type Shutdowner struct {
	sessions *manager.Manager
	jobs     *queue.Queue
	recovery RecoveryStore
	grace    time.Duration
	log      *logger.Logger

	// closers run during cleanup, in order: subscriptions first, then
	// worker pools, then persistence.
	closers []func() error

	phase atomic.Value // Phase
}

// NewShutdowner creates the shutdown coordinator.
func NewShutdowner(sessions *manager.Manager, jobs *queue.Queue, recovery RecoveryStore, grace time.Duration, log *logger.Logger) *Shutdowner {
	if log == nil {
		log = logger.Default()
	}
	s := &Shutdowner{
		sessions: sessions,
		jobs:     jobs,
		recovery: recovery,
		grace:    grace,
		log:      log,
	}
	s.phase.Store(Phase(""))
	return s
}

// AddCloser registers a cleanup step. Closers run in registration order.
func (s *Shutdowner) AddCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Phase returns the current shutdown phase, empty before shutdown starts.
func (s *Shutdowner) Phase() Phase {
	return s.phase.Load().(Phase)
}

func (s *Shutdowner) setPhase(p Phase) {
	s.phase.Store(p)
	s.log.Info("shutdown phase", zap.String("phase", string(p)))
}

// Run executes the shutdown sequence and returns the final phase.
func (s *Shutdowner) Run(ctx context.Context) Phase {
	deadline, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()

	s.setPhase(PhaseInitiated)

	// Draining: refuse new work, let in-flight emits land.
	s.setPhase(PhaseDraining)
	s.sessions.BeginShutdown()

	// Checkpointing: one final checkpoint per active session, then wait
	// for the queue to empty.
	s.setPhase(PhaseCheckpointing)
	activeIDs := s.finalCheckpoints(deadline)

	forced := false
	if s.jobs != nil {
		if err := s.jobs.Drain(deadline); err != nil {
			forced = true
			s.log.WithError(err).Warn("grace period elapsed before queue drained")
		}
	}

	// Cleanup: persist recovery data, then run closers.
	s.setPhase(PhaseCleanup)
	s.saveRecovery(deadline, activeIDs)
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			s.log.WithError(err).Warn("cleanup step failed")
		}
	}

	if forced {
		s.setPhase(PhaseForced)
	} else {
		s.setPhase(PhaseComplete)
	}
	return s.Phase()
}

// finalCheckpoints requests a shutdown checkpoint for every active session
// and returns the active session ids. Sessions are checkpointed in
// parallel, bounded so the queue is not flooded.
func (s *Shutdowner) finalCheckpoints(ctx context.Context) []string {
	sessions, err := s.sessions.ListActiveSessions(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to list active sessions for final checkpoints")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
		sessionID := sess.ID
		g.Go(func() error {
			_, err := s.sessions.Checkpoint(gctx, sessionID, manager.CheckpointOptions{
				Reason:  "shutdown",
				Trigger: "close",
			})
			if err != nil {
				s.log.WithSessionID(sessionID).WithError(err).Warn("final checkpoint failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return ids
}

func (s *Shutdowner) saveRecovery(ctx context.Context, activeIDs []string) {
	if s.recovery == nil {
		return
	}

	var unfinished []string
	if s.jobs != nil {
		unfinished = s.jobs.PendingJobIDs()
	}

	data := &RecoveryData{
		ActiveSessionIDs: activeIDs,
		UnfinishedJobIDs: unfinished,
		Phase:            s.Phase(),
		ShutdownAt:       time.Now().UTC(),
	}
	if err := s.recovery.Save(data); err != nil {
		s.log.WithError(err).Warn("failed to persist recovery data")
	}
}
