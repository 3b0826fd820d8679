package checkpoint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
)

// graphCallTimeout bounds each graph collaborator round-trip.
const graphCallTimeout = 30 * time.Second

// Worker materialises checkpoint jobs against the graph collaborator. A
// single worker instance is shared by the queue's worker pool; it holds no
// per-job state, everything lives on the job itself.
type Worker struct {
	graph Graph
	links LinkRegistry
	log   *logger.Logger
}

// NewWorker creates a checkpoint worker. links may be nil.
func NewWorker(graph Graph, links LinkRegistry, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Default()
	}
	return &Worker{graph: graph, links: links, log: log}
}

// Execute performs one attempt: create the checkpoint, annotate the
// session's relationships, and link the session to the checkpoint. Progress
// is recorded on the payload so a retry resumes after the last completed
// step instead of creating a second checkpoint.
func (w *Worker) Execute(ctx context.Context, job *Job) error {
	log := w.log.WithJobID(job.ID).WithSessionID(job.Payload.SessionID)

	if job.Payload.CheckpointID == "" {
		cctx, cancel := context.WithTimeout(ctx, graphCallTimeout)
		checkpointID, err := w.graph.CreateCheckpoint(cctx, job.Payload.SeedEntityIDs, job.Payload.Reason, job.Payload.HopCount, job.Payload.Window)
		cancel()
		if err != nil {
			return coorderr.Wrap(coorderr.CodeGraphFailure, "checkpoint creation failed", err)
		}
		if checkpointID == "" {
			return coorderr.New(coorderr.CodeGraphFailure, "graph collaborator returned an empty checkpoint id")
		}
		job.Payload.CheckpointID = checkpointID
		log.Debug("checkpoint created", zap.String("checkpoint_id", checkpointID))
	} else {
		log.Debug("reusing checkpoint from earlier attempt", zap.String("checkpoint_id", job.Payload.CheckpointID))
	}

	annotation := Annotation{
		Status:       OutcomeCompleted,
		CheckpointID: job.Payload.CheckpointID,
		JobID:        job.ID,
		Reason:       job.Payload.Reason,
	}
	actx, cancel := context.WithTimeout(ctx, graphCallTimeout)
	err := w.graph.AnnotateSessionRelationshipsWithCheckpoint(actx, job.Payload.SessionID, job.Payload.SeedEntityIDs, annotation)
	cancel()
	if err != nil {
		return coorderr.Wrap(coorderr.CodeGraphFailure, "relationship annotation failed", err)
	}

	if !job.Payload.Linked {
		props := LinkProps{
			Status:   OutcomeCompleted,
			JobID:    job.ID,
			Attempts: job.Attempts,
		}
		lctx, cancel := context.WithTimeout(ctx, graphCallTimeout)
		err := w.graph.CreateSessionCheckpointLink(lctx, job.Payload.SessionID, job.Payload.CheckpointID, props)
		cancel()
		if err != nil {
			return coorderr.Wrap(coorderr.CodeGraphFailure, "session-checkpoint link failed", err)
		}
		job.Payload.Linked = true
	}

	if w.links != nil {
		w.links.RegisterCheckpointLink(job.Payload.SessionID, Anchor{
			CheckpointID:  job.Payload.CheckpointID,
			SessionID:     job.Payload.SessionID,
			SeedEntityIDs: job.Payload.SeedEntityIDs,
			Reason:        job.Payload.Reason,
			HopCount:      job.Payload.HopCount,
			Outcome:       OutcomeCompleted,
			CreatedAt:     time.Now().UTC(),
		})
	}
	return nil
}

// HandleTerminalFailure runs after the final failed attempt. It marks the
// session's relationships for manual intervention and cleans up whatever
// the partial attempts left behind: an unlinked checkpoint is deleted, a
// linked one has its link downgraded. All steps are best-effort.
func (w *Worker) HandleTerminalFailure(ctx context.Context, job *Job) {
	log := w.log.WithJobID(job.ID).WithSessionID(job.Payload.SessionID)

	annotation := Annotation{
		Status:       OutcomeManualIntervention,
		CheckpointID: job.Payload.CheckpointID,
		JobID:        job.ID,
		Reason:       job.LastError,
	}
	actx, cancel := context.WithTimeout(ctx, graphCallTimeout)
	if err := w.graph.AnnotateSessionRelationshipsWithCheckpoint(actx, job.Payload.SessionID, job.Payload.SeedEntityIDs, annotation); err != nil {
		log.WithError(err).Warn("failed to annotate relationships for manual intervention")
	}
	cancel()

	if job.Payload.CheckpointID == "" {
		return
	}

	if job.Payload.Linked {
		props := LinkProps{
			Status:   OutcomeManualIntervention,
			JobID:    job.ID,
			Attempts: job.Attempts,
			Reason:   job.LastError,
		}
		lctx, cancel := context.WithTimeout(ctx, graphCallTimeout)
		if err := w.graph.CreateSessionCheckpointLink(lctx, job.Payload.SessionID, job.Payload.CheckpointID, props); err != nil {
			log.WithError(err).Warn("failed to downgrade session-checkpoint link")
		}
		cancel()
		return
	}

	dctx, cancel := context.WithTimeout(ctx, graphCallTimeout)
	if err := w.graph.DeleteCheckpoint(dctx, job.Payload.CheckpointID); err != nil {
		log.WithError(err).Warn("failed to delete orphan checkpoint",
			zap.String("checkpoint_id", job.Payload.CheckpointID))
	} else {
		log.Info("orphan checkpoint deleted", zap.String("checkpoint_id", job.Payload.CheckpointID))
	}
	cancel()
}
