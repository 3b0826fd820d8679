package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/checkpoint"
	"github.com/memento-ai/memento/internal/common/config"
	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/events"
	"github.com/memento-ai/memento/internal/events/bus"
)

// defaultCapacity bounds jobs admitted but not yet terminal.
const defaultCapacity = 1024

// Executor runs one checkpoint attempt. The queue owns the lifecycle; the
// executor owns the graph interaction. Both methods receive a private copy
// of the job, never the queue's shared record.
type Executor interface {
	// Execute performs a single attempt. It may record progress on
	// job.Payload so a retry resumes instead of repeating work; the queue
	// merges that progress back into the tracked job.
	Execute(ctx context.Context, job *checkpoint.Job) error

	// HandleTerminalFailure runs best-effort cleanup after the final
	// failed attempt, before the job is dead-lettered.
	HandleTerminalFailure(ctx context.Context, job *checkpoint.Job)
}

// sessionQueue keeps per-session FIFO order. A session is dispatched to at
// most one worker at a time, so jobs for the same session never interleave.
type sessionQueue struct {
	pending []string
	active  bool
}

// Queue is the durable checkpoint job queue: persist-first admission, a
// worker pool bounded by config, retry with delay, and a dead-letter set
// once attempts are exhausted.
type Queue struct {
	cfg     config.CheckpointConfig
	persist Persistence
	exec    Executor
	bus     bus.EventBus
	log     *logger.Logger

	mu       sync.Mutex
	jobs     map[string]*checkpoint.Job
	sessions map[string]*sessionQueue
	waiters  map[string][]chan *checkpoint.Job
	timers   map[string]*time.Timer
	inflight int
	draining bool
	stopped  bool

	capacity int
	ready    chan string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity overrides the admission bound.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// New creates a checkpoint job queue. Call Start before enqueueing.
func New(cfg config.CheckpointConfig, persist Persistence, exec Executor, eventBus bus.EventBus, log *logger.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logger.Default()
	}
	q := &Queue{
		cfg:      cfg,
		persist:  persist,
		exec:     exec,
		bus:      eventBus,
		log:      log,
		jobs:     make(map[string]*checkpoint.Job),
		sessions: make(map[string]*sessionQueue),
		waiters:  make(map[string][]chan *checkpoint.Job),
		timers:   make(map[string]*time.Timer),
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ready = make(chan string, q.capacity)
	return q
}

// Start hydrates pending jobs from persistence and launches the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	if err := q.hydrate(ctx); err != nil {
		cancel()
		return err
	}

	workers := q.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(runCtx)
	}

	q.log.Info("checkpoint queue started",
		zap.Int("workers", workers),
		zap.Int("max_attempts", q.cfg.MaxAttempts),
		zap.Int("hydrated", q.Depth()))
	return nil
}

// hydrate reloads non-terminal jobs after a restart. Jobs interrupted
// mid-attempt are requeued; hydration is idempotent keyed by job id.
func (q *Queue) hydrate(ctx context.Context) error {
	pending, err := q.persist.LoadPending(ctx)
	if err != nil {
		return coorderr.Wrap(coorderr.CodeBackendUnavail, "failed to load pending checkpoint jobs", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range pending {
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		job.Status = checkpoint.StatusQueued
		q.jobs[job.ID] = job
		q.inflight++
		q.admitLocked(job)
	}
	return nil
}

// Enqueue persists a new job and admits it for execution. The persistence
// write happens before admission; if it fails the job is rejected.
func (q *Queue) Enqueue(ctx context.Context, payload checkpoint.JobPayload) (*checkpoint.Job, error) {
	if payload.SessionID == "" {
		return nil, coorderr.Validation("checkpoint job requires a session id")
	}
	if len(payload.SeedEntityIDs) == 0 {
		return nil, coorderr.Validation("checkpoint job requires seed entity ids")
	}

	now := time.Now().UTC()
	job := &checkpoint.Job{
		ID:        uuid.New().String(),
		Payload:   payload,
		Status:    checkpoint.StatusQueued,
		QueuedAt:  now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	if q.draining || q.stopped {
		q.mu.Unlock()
		return nil, coorderr.ShuttingDown()
	}
	if q.inflight >= q.capacity {
		q.mu.Unlock()
		return nil, coorderr.New(coorderr.CodeQueueFull, fmt.Sprintf("checkpoint queue is full (%d jobs)", q.capacity))
	}
	q.inflight++
	q.mu.Unlock()

	if err := q.persist.SaveJob(ctx, job); err != nil {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
		return nil, coorderr.Wrap(coorderr.CodeBackendUnavail, "failed to persist checkpoint job", err)
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.admitLocked(job)
	q.mu.Unlock()

	q.log.WithJobID(job.ID).WithSessionID(payload.SessionID).Info("checkpoint job enqueued",
		zap.String("reason", payload.Reason),
		zap.Int("seeds", len(payload.SeedEntityIDs)))
	return q.snapshot(job.ID), nil
}

// admitLocked appends the job to its session's FIFO and signals a worker if
// the session is not already being drained. Caller holds q.mu.
func (q *Queue) admitLocked(job *checkpoint.Job) {
	sq := q.sessions[job.Payload.SessionID]
	if sq == nil {
		sq = &sessionQueue{}
		q.sessions[job.Payload.SessionID] = sq
	}
	sq.pending = append(sq.pending, job.ID)
	if !sq.active {
		sq.active = true
		q.ready <- job.Payload.SessionID
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sessionID := <-q.ready:
			q.drainSessionHead(ctx, sessionID)
		}
	}
}

// drainSessionHead runs the oldest pending job for a session, then hands
// the session back to the pool if more work arrived meanwhile.
func (q *Queue) drainSessionHead(ctx context.Context, sessionID string) {
	q.mu.Lock()
	sq := q.sessions[sessionID]
	if sq == nil || len(sq.pending) == 0 {
		if sq != nil {
			sq.active = false
		}
		q.mu.Unlock()
		return
	}
	jobID := sq.pending[0]
	sq.pending = sq.pending[1:]
	job := q.jobs[jobID]
	q.mu.Unlock()

	if job != nil {
		q.runAttempt(ctx, job)
	}

	q.mu.Lock()
	if len(sq.pending) > 0 {
		q.ready <- sessionID
	} else {
		sq.active = false
	}
	q.mu.Unlock()
}

// runAttempt executes one attempt. Attempts increment when the attempt
// starts, so a crash mid-attempt still counts against the budget. The
// executor works on a private copy; the shared record is only touched
// under q.mu, and persistence always receives clones.
func (q *Queue) runAttempt(ctx context.Context, job *checkpoint.Job) {
	q.mu.Lock()
	job.Attempts++
	job.Status = checkpoint.StatusRunning
	job.UpdatedAt = time.Now().UTC()
	attempt := job.Attempts
	view := cloneJob(job)
	q.mu.Unlock()

	if err := q.persist.UpdateJob(ctx, view); err != nil {
		q.log.WithJobID(view.ID).WithError(err).Warn("failed to persist job status")
	}

	log := q.log.WithJobID(view.ID).WithSessionID(view.Payload.SessionID)
	log.Debug("checkpoint attempt starting", zap.Int("attempt", attempt))

	err := q.execute(ctx, view)

	q.mu.Lock()
	job.Payload = view.Payload
	q.mu.Unlock()

	if err == nil {
		q.complete(ctx, job)
		return
	}

	q.mu.Lock()
	job.LastError = err.Error()
	job.UpdatedAt = time.Now().UTC()
	exhausted := job.Attempts >= q.cfg.MaxAttempts
	q.mu.Unlock()

	if exhausted {
		q.deadLetter(ctx, job, err)
		return
	}

	q.mu.Lock()
	job.Status = checkpoint.StatusPendingRetry
	view = cloneJob(job)
	q.mu.Unlock()
	if perr := q.persist.UpdateJob(ctx, view); perr != nil {
		log.WithError(perr).Warn("failed to persist job status")
	}

	delay := q.retryDelay(attempt)
	log.WithError(err).Warn("checkpoint attempt failed, scheduling retry",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", q.cfg.MaxAttempts),
		zap.Duration("retry_in", delay))
	q.publish(ctx, events.JobAttemptFailed, job)
	q.scheduleRetry(job.ID, delay)
}

// execute wraps the executor with a panic boundary so one poisoned job
// cannot take down a worker.
func (q *Queue) execute(ctx context.Context, job *checkpoint.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("checkpoint executor panicked: %v", r)
			q.log.WithJobID(job.ID).Error("checkpoint executor panic", zap.Any("panic", r))
		}
	}()
	return q.exec.Execute(ctx, job)
}

func (q *Queue) complete(ctx context.Context, job *checkpoint.Job) {
	q.mu.Lock()
	job.Status = checkpoint.StatusCompleted
	job.LastError = ""
	job.UpdatedAt = time.Now().UTC()
	q.inflight--
	view := cloneJob(job)
	q.mu.Unlock()

	if err := q.persist.DeleteJob(ctx, view.ID); err != nil {
		q.log.WithJobID(view.ID).WithError(err).Warn("failed to delete completed job record")
	}

	q.log.WithJobID(view.ID).WithSessionID(view.Payload.SessionID).Info("checkpoint job completed",
		zap.String("checkpoint_id", view.Payload.CheckpointID),
		zap.Int("attempts", view.Attempts))
	q.publish(ctx, events.JobCompleted, job)
	q.notify(job.ID)
}

// deadLetter runs terminal cleanup, records the job in the dead-letter set,
// and removes it from the active mirror.
func (q *Queue) deadLetter(ctx context.Context, job *checkpoint.Job, cause error) {
	q.mu.Lock()
	job.Status = checkpoint.StatusManualIntervention
	job.UpdatedAt = time.Now().UTC()
	q.inflight--
	view := cloneJob(job)
	q.mu.Unlock()

	q.exec.HandleTerminalFailure(ctx, view)

	if err := q.persist.SaveDeadLetter(ctx, view); err != nil {
		q.log.WithJobID(view.ID).WithError(err).Error("failed to record dead letter")
	}
	if err := q.persist.DeleteJob(ctx, view.ID); err != nil {
		q.log.WithJobID(view.ID).WithError(err).Warn("failed to delete dead-lettered job record")
	}

	q.log.WithJobID(view.ID).WithSessionID(view.Payload.SessionID).WithError(cause).Error(
		"checkpoint job requires manual intervention",
		zap.Int("attempts", view.Attempts))
	q.publish(ctx, events.JobFailed, job)
	q.publish(ctx, events.JobDeadLettered, job)
	q.notify(job.ID)
}

func (q *Queue) retryDelay(attempt int) time.Duration {
	delay := q.cfg.RetryDelay()
	if !q.cfg.ExponentialBackoff {
		return delay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (q *Queue) scheduleRetry(jobID string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.timers[jobID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, jobID)
		job, ok := q.jobs[jobID]
		if !ok || q.stopped {
			q.mu.Unlock()
			return
		}
		job.Status = checkpoint.StatusQueued
		job.UpdatedAt = time.Now().UTC()
		view := cloneJob(job)
		q.admitLocked(job)
		q.mu.Unlock()

		if err := q.persist.UpdateJob(context.Background(), view); err != nil {
			q.log.WithJobID(jobID).WithError(err).Warn("failed to persist job status")
		}
	})
}

func (q *Queue) publish(ctx context.Context, eventType string, job *checkpoint.Job) {
	if q.bus == nil {
		return
	}
	view := q.snapshot(job.ID)
	if view == nil {
		return
	}
	if err := q.bus.Publish(ctx, events.CheckpointJobs, bus.NewEvent(eventType, "checkpoint-queue", view)); err != nil {
		q.log.WithJobID(job.ID).WithError(err).Warn("failed to publish job event")
	}
}

// notify wakes Wait callers once the job is terminal.
func (q *Queue) notify(jobID string) {
	q.mu.Lock()
	waiters := q.waiters[jobID]
	delete(q.waiters, jobID)
	view := q.snapshotLocked(jobID)
	q.mu.Unlock()
	for _, ch := range waiters {
		ch <- view
		close(ch)
	}
}

func (q *Queue) snapshot(jobID string) *checkpoint.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked(jobID)
}

func (q *Queue) snapshotLocked(jobID string) *checkpoint.Job {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	return cloneJob(job)
}

// Job returns the tracked job, or nil if the id is unknown.
func (q *Queue) Job(jobID string) *checkpoint.Job {
	return q.snapshot(jobID)
}

// Wait blocks until the job reaches a terminal state or the context ends.
func (q *Queue) Wait(ctx context.Context, jobID string) (*checkpoint.Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, coorderr.Validation(fmt.Sprintf("unknown checkpoint job %q", jobID))
	}
	if job.Status.Terminal() {
		view := cloneJob(job)
		q.mu.Unlock()
		return view, nil
	}
	ch := make(chan *checkpoint.Job, 1)
	q.waiters[jobID] = append(q.waiters[jobID], ch)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, coorderr.Wrap(coorderr.CodeTimeout, fmt.Sprintf("timed out waiting for checkpoint job %q", jobID), ctx.Err())
	case view := <-ch:
		return view, nil
	}
}

// PendingJobIDs returns the ids of all non-terminal jobs.
func (q *Queue) PendingJobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, q.inflight)
	for id, job := range q.jobs {
		if !job.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Depth returns the number of non-terminal jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// DeadLetters returns the dead-letter set in queue order.
func (q *Queue) DeadLetters(ctx context.Context) ([]*checkpoint.Job, error) {
	jobs, err := q.persist.LoadDeadLetters(ctx)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.CodeBackendUnavail, "failed to load dead letters", err)
	}
	return jobs, nil
}

// RequeueDeadLetter resubmits a dead-lettered job as a fresh job with the
// same checkpoint request. The dead-letter record stays as an audit trail.
func (q *Queue) RequeueDeadLetter(ctx context.Context, jobID string) (*checkpoint.Job, error) {
	letters, err := q.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	for _, dead := range letters {
		if dead.ID != jobID {
			continue
		}
		payload := dead.Payload
		payload.CheckpointID = ""
		payload.Linked = false
		return q.Enqueue(ctx, payload)
	}
	return nil, coorderr.Validation(fmt.Sprintf("no dead letter with job id %q", jobID))
}

// Drain stops accepting new jobs and waits for in-flight jobs to reach a
// terminal state, or for the context to end.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Depth() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return coorderr.Wrap(coorderr.CodeTimeout, "checkpoint queue drain interrupted", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop halts the worker pool. Non-terminal jobs stay in persistence and are
// rehydrated on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.log.Info("checkpoint queue stopped")
}
