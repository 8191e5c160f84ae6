// Package store provides sqlite-backed persistence for training job records.
// Only the fields owned by the supervisor subsystem live here; dataset refs,
// hyperparameters and other metadata belong to external collaborators.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Status is the lifecycle state of a training job. Transitions are
// one-directional and terminal states are immutable.
type Status string

// job lifecycle states
const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusError
}

// Active reports whether the job is expected to have a live process behind it.
func (s Status) Active() bool { return s == StatusStarting || s == StatusRunning }

// allowed transitions, keyed by the current status
var transitions = map[Status][]Status{
	StatusPending:    {StatusStarting, StatusCancelled, StatusError},
	StatusStarting:   {StatusRunning, StatusCancelling, StatusCancelled, StatusCompleted, StatusError},
	StatusRunning:    {StatusCancelling, StatusCancelled, StatusCompleted, StatusError},
	StatusCancelling: {StatusCancelled, StatusError},
}

// CanTransition reports whether moving from s to next is a legal lifecycle move.
// Setting the same status again is always allowed as a no-op.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Job is the persisted record for a single training job. PID is zero when no
// process identifier is known. BestScore is NULL until the first valid
// checkpoint is scored; lower is better.
type Job struct {
	ID                 string          `db:"id"`
	Command            string          `db:"command"`
	Status             Status          `db:"status"`
	PID                int             `db:"pid"`
	TokenHash          string          `db:"token_hash"`
	BestScore          sql.NullFloat64 `db:"best_score"`
	BestStep           int             `db:"best_step"`
	BestEpoch          int             `db:"best_epoch"`
	BestCheckpointPath string          `db:"best_checkpoint_path"`
	ErrorMessage       string          `db:"error_message"`
	CreatedAt          int64           `db:"created_at"` // unix seconds
	UpdatedAt          int64           `db:"updated_at"` // unix seconds
}

// sentinel errors for callers to check with errors.Is
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store keeps job records in sqlite
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the sqlite database at path and initializes the schema
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close db after init error: %v", closeErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		pid INTEGER DEFAULT 0,
		token_hash TEXT DEFAULT '',
		best_score REAL,
		best_step INTEGER DEFAULT 0,
		best_epoch INTEGER DEFAULT 0,
		best_checkpoint_path TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		created_at INTEGER,
		updated_at INTEGER
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`); err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}
	return nil
}

// Create inserts a new job record. Empty status defaults to pending.
func (s *Store) Create(ctx context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	now := time.Now().Unix()
	job.CreatedAt, job.UpdatedAt = now, now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, command, status, pid, token_hash, best_score, best_step, best_epoch,
			best_checkpoint_path, error_message, created_at, updated_at)
		VALUES (:id, :command, :status, :pid, :token_hash, :best_score, :best_step, :best_epoch,
			:best_checkpoint_path, :error_message, :created_at, :updated_at)`, job)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a single job by id
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// List returns all jobs, newest first
func (s *Store) List(ctx context.Context) ([]Job, error) {
	jobs := []Job{}
	if err := s.db.SelectContext(ctx, &jobs, `SELECT * FROM jobs ORDER BY created_at DESC, id`); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListActive returns jobs in starting or running state, i.e. jobs expected to
// have a live process. Used by the reconnect scan and the liveness sweep.
func (s *Store) ListActive(ctx context.Context) ([]Job, error) {
	jobs := []Job{}
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM jobs WHERE status IN (?, ?) ORDER BY created_at, id`, StatusStarting, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return jobs, nil
}

// SetPID persists the process identifier for a job. Losing this value is the
// root cause this subsystem exists to prevent, so callers retry this write.
func (s *Store) SetPID(ctx context.Context, id string, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET pid = ?, updated_at = ? WHERE id = ?`,
		pid, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set pid for job %s: %w", id, err)
	}
	return s.checkAffected(res, id)
}

// SetTokenHash stores the bcrypt hash of the per-job metrics token. The token
// itself is never persisted.
func (s *Store) SetTokenHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET token_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set token hash for job %s: %w", id, err)
	}
	return s.checkAffected(res, id)
}

// SetStatus moves a job to the given status, enforcing one-directional
// lifecycle transitions. Setting the current status again is a no-op.
// The error message replaces the stored one when non-empty.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("[WARN] rollback failed for job %s: %v", id, err)
		}
	}()

	var current Status
	err = tx.GetContext(ctx, &current, `SELECT status FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read status for job %s: %w", id, err)
	}

	if current == status && errMsg == "" {
		return nil // idempotent repeat
	}
	if !current.CanTransition(status) {
		return fmt.Errorf("job %s %s -> %s: %w", id, current, status, ErrInvalidTransition)
	}

	if errMsg != "" {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			status, errMsg, time.Now().Unix(), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().Unix(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to set status for job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status change for job %s: %w", id, err)
	}
	log.Printf("[DEBUG] job %s status %s -> %s", id, current, status)
	return nil
}

// UpdateBest records a new best checkpoint. The write is guarded so the score
// can only improve (decrease); a stale or equal score leaves the row untouched,
// which also makes the earlier checkpoint win ties.
func (s *Store) UpdateBest(ctx context.Context, id string, score float64, step, epoch int, path string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET best_score = ?, best_step = ?, best_epoch = ?, best_checkpoint_path = ?, updated_at = ?
		WHERE id = ? AND (best_score IS NULL OR best_score > ?)`,
		score, step, epoch, path, time.Now().Unix(), id, score)
	if err != nil {
		return fmt.Errorf("failed to update best checkpoint for job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for job %s: %w", id, err)
	}
	if affected == 0 {
		log.Printf("[DEBUG] best checkpoint for job %s not updated, score %v is not an improvement", id, score)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) checkAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for job %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}
