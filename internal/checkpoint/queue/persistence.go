// Package queue provides the durable FIFO of checkpoint jobs: an in-memory
// queue drawn by a worker pool, mirrored into a relational store so a
// restart can hydrate the jobs that never reached a terminal state.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/memento-ai/memento/internal/checkpoint"
)

// Persistence mirrors job records. Implementations must keep hydration
// idempotent: a job id is returned by LoadPending at most once per call.
type Persistence interface {
	// SaveJob inserts a new queued record. Errors are fatal to the
	// enqueue that triggered the save.
	SaveJob(ctx context.Context, job *checkpoint.Job) error

	// UpdateJob rewrites status, attempts, error, and payload progress.
	UpdateJob(ctx context.Context, job *checkpoint.Job) error

	// DeleteJob removes a completed record.
	DeleteJob(ctx context.Context, jobID string) error

	// SaveDeadLetter copies a job into the dead-letter set.
	SaveDeadLetter(ctx context.Context, job *checkpoint.Job) error

	// LoadPending returns all non-terminal records ordered by queue time.
	LoadPending(ctx context.Context) ([]*checkpoint.Job, error)

	// LoadDeadLetters returns the dead-letter set.
	LoadDeadLetters(ctx context.Context) ([]*checkpoint.Job, error)

	Close() error
}

// SQLPersistence stores jobs in checkpoint_jobs / checkpoint_job_dead_letters.
// Works against Postgres (pgx) and SQLite with the same statements.
type SQLPersistence struct {
	db *sqlx.DB
}

// NewSQLPersistence creates the mirror and its schema.
func NewSQLPersistence(db *sqlx.DB) (*SQLPersistence, error) {
	p := &SQLPersistence{db: db}
	if err := p.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize job schema: %w", err)
	}
	return p, nil
}

var _ Persistence = (*SQLPersistence)(nil)

func (p *SQLPersistence) initSchema() error {
	payloadType := "TEXT"
	timeType := "TIMESTAMP"
	if p.db.DriverName() == "pgx" {
		payloadType = "JSONB"
		timeType = "TIMESTAMPTZ"
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS checkpoint_jobs (
	id TEXT PRIMARY KEY,
	payload %[1]s NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	last_error TEXT,
	queued_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint_job_dead_letters (
	id TEXT PRIMARY KEY,
	payload %[1]s NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	last_error TEXT,
	queued_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_jobs_status ON checkpoint_jobs(status);
CREATE INDEX IF NOT EXISTS idx_checkpoint_jobs_queued_at ON checkpoint_jobs(queued_at);
`, payloadType, timeType)

	_, err := p.db.Exec(schema)
	return err
}

type jobRow struct {
	ID        string         `db:"id"`
	Payload   string         `db:"payload"`
	Attempts  int            `db:"attempts"`
	Status    string         `db:"status"`
	LastError sql.NullString `db:"last_error"`
	QueuedAt  time.Time      `db:"queued_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r *jobRow) toJob() (*checkpoint.Job, error) {
	job := &checkpoint.Job{
		ID:        r.ID,
		Attempts:  r.Attempts,
		Status:    checkpoint.JobStatus(r.Status),
		LastError: r.LastError.String,
		QueuedAt:  r.QueuedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for job %s: %w", r.ID, err)
	}
	return job, nil
}

func (p *SQLPersistence) SaveJob(ctx context.Context, job *checkpoint.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize job payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, p.db.Rebind(`
		INSERT INTO checkpoint_jobs (id, payload, attempts, status, last_error, queued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.ID, string(payload), job.Attempts, string(job.Status), job.LastError,
		job.QueuedAt.UTC(), job.UpdatedAt.UTC())
	return err
}

func (p *SQLPersistence) UpdateJob(ctx context.Context, job *checkpoint.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize job payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, p.db.Rebind(`
		UPDATE checkpoint_jobs
		SET payload = ?, attempts = ?, status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`),
		string(payload), job.Attempts, string(job.Status), job.LastError,
		job.UpdatedAt.UTC(), job.ID)
	return err
}

func (p *SQLPersistence) DeleteJob(ctx context.Context, jobID string) error {
	_, err := p.db.ExecContext(ctx, p.db.Rebind(`DELETE FROM checkpoint_jobs WHERE id = ?`), jobID)
	return err
}

func (p *SQLPersistence) SaveDeadLetter(ctx context.Context, job *checkpoint.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize job payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, p.db.Rebind(`
		INSERT INTO checkpoint_job_dead_letters (id, payload, attempts, status, last_error, queued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.ID, string(payload), job.Attempts, string(job.Status), job.LastError,
		job.QueuedAt.UTC(), job.UpdatedAt.UTC())
	return err
}

func (p *SQLPersistence) LoadPending(ctx context.Context) ([]*checkpoint.Job, error) {
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, p.db.Rebind(`
		SELECT id, payload, attempts, status, last_error, queued_at, updated_at
		FROM checkpoint_jobs
		WHERE status NOT IN (?, ?)
		ORDER BY queued_at ASC`),
		string(checkpoint.StatusCompleted), string(checkpoint.StatusManualIntervention))
	if err != nil {
		return nil, err
	}

	jobs := make([]*checkpoint.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *SQLPersistence) LoadDeadLetters(ctx context.Context) ([]*checkpoint.Job, error) {
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, payload, attempts, status, last_error, queued_at, updated_at
		FROM checkpoint_job_dead_letters
		ORDER BY queued_at ASC`)
	if err != nil {
		return nil, err
	}

	jobs := make([]*checkpoint.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *SQLPersistence) Close() error {
	return p.db.Close()
}

// MemoryPersistence keeps the mirror in process. Used by tests, including
// crash-restart simulations that hand the same instance to a new queue.
type MemoryPersistence struct {
	mu          sync.Mutex
	jobs        map[string]*checkpoint.Job
	deadLetters map[string]*checkpoint.Job

	// FailSaves makes SaveJob fail, for exercising fatal enqueue errors.
	FailSaves bool
}

// NewMemoryPersistence creates an empty in-memory mirror.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		jobs:        make(map[string]*checkpoint.Job),
		deadLetters: make(map[string]*checkpoint.Job),
	}
}

var _ Persistence = (*MemoryPersistence)(nil)

func cloneJob(job *checkpoint.Job) *checkpoint.Job {
	copied := *job
	copied.Payload.SeedEntityIDs = append([]string(nil), job.Payload.SeedEntityIDs...)
	return &copied
}

func (p *MemoryPersistence) SaveJob(ctx context.Context, job *checkpoint.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSaves {
		return fmt.Errorf("persistence unavailable")
	}
	p.jobs[job.ID] = cloneJob(job)
	return nil
}

func (p *MemoryPersistence) UpdateJob(ctx context.Context, job *checkpoint.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[job.ID] = cloneJob(job)
	return nil
}

func (p *MemoryPersistence) DeleteJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, jobID)
	return nil
}

func (p *MemoryPersistence) SaveDeadLetter(ctx context.Context, job *checkpoint.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters[job.ID] = cloneJob(job)
	return nil
}

func (p *MemoryPersistence) LoadPending(ctx context.Context) ([]*checkpoint.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := make([]*checkpoint.Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		if !job.Status.Terminal() {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].QueuedAt.Before(jobs[j].QueuedAt) })
	return jobs, nil
}

func (p *MemoryPersistence) LoadDeadLetters(ctx context.Context) ([]*checkpoint.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := make([]*checkpoint.Job, 0, len(p.deadLetters))
	for _, job := range p.deadLetters {
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].QueuedAt.Before(jobs[j].QueuedAt) })
	return jobs, nil
}

func (p *MemoryPersistence) Close() error {
	return nil
}
