// Package service wires the store, supervisor, canceller and per-job trackers
// into the job-management backend behind the http server.
package service

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/supervisor"
	"github.com/umputun/trainn/app/sysproc"
	"github.com/umputun/trainn/app/tracker"
)

// JobStore defines the job-record operations the service needs
type JobStore interface {
	Create(ctx context.Context, job store.Job) error
	Get(ctx context.Context, id string) (store.Job, error)
	List(ctx context.Context) ([]store.Job, error)
	ListActive(ctx context.Context) ([]store.Job, error)
	SetStatus(ctx context.Context, id string, status store.Status, errMsg string) error
	UpdateBest(ctx context.Context, id string, score float64, step, epoch int, path string) error
}

// Spawner starts the training subprocess for a job
type Spawner interface {
	Spawn(ctx context.Context, job store.Job) (supervisor.Handle, string, error)
}

// Canceller terminates a job's subprocess
type Canceller interface {
	Cancel(ctx context.Context, jobID string) (supervisor.Outcome, error)
}

// Resolver reconnects active jobs to live processes after a restart
type Resolver interface {
	Resolve(ctx context.Context) error
}

// Service is the top-level job manager. Run must complete before requests are
// served so that pre-restart jobs are reconnected first.
type Service struct {
	Store          JobStore
	Spawner        Spawner
	Canceller      Canceller
	Resolver       Resolver
	Registry       *supervisor.Registry
	Proc           sysproc.Controller
	SweepInterval  time.Duration
	LossBufferSize int
	CleanupCommand string // optional shell command with {{.JobID}}, run after cancellation

	trackers sync.Map // job id -> *tracker.Tracker
	cron     *cron.Cron
}

// Run reconnects pre-existing jobs and starts the periodic liveness sweep.
// It returns after reconnection finished; the sweep runs until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Resolver.Resolve(ctx); err != nil {
		return fmt.Errorf("failed to reconnect active jobs: %w", err)
	}

	interval := s.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.sweep(ctx) }))
	s.cron.Start()
	log.Printf("[INFO] liveness sweep every %v", interval)

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		log.Printf("[DEBUG] liveness sweep stopped")
	}()
	return nil
}

// StartJob creates a job record for the command and spawns its subprocess
func (s *Service) StartJob(ctx context.Context, command string) (store.Job, error) {
	job := store.Job{ID: uuid.NewString(), Command: command}
	if err := s.Store.Create(ctx, job); err != nil {
		return store.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	created, err := s.Store.Get(ctx, job.ID)
	if err != nil {
		return store.Job{}, fmt.Errorf("failed to load created job %s: %w", job.ID, err)
	}
	if _, _, err := s.Spawner.Spawn(ctx, created); err != nil {
		return store.Job{}, err
	}
	return s.Store.Get(ctx, job.ID)
}

// CancelJob terminates the job's subprocess
func (s *Service) CancelJob(ctx context.Context, jobID string) (supervisor.Outcome, error) {
	return s.Canceller.Cancel(ctx, jobID)
}

// JobStatus returns the job record
func (s *Service) JobStatus(ctx context.Context, jobID string) (store.Job, error) {
	return s.Store.Get(ctx, jobID)
}

// ListJobs returns all job records
func (s *Service) ListJobs(ctx context.Context) ([]store.Job, error) {
	return s.Store.List(ctx)
}

// OnStep records a training-step loss sample for the job
func (s *Service) OnStep(jobID string, step, epoch int, trainLoss float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t, err := s.trackerFor(ctx, jobID)
	if err != nil {
		log.Printf("[WARN] step report for job %s dropped: %v", jobID, err)
		return
	}
	log.Printf("[DEBUG] job %s step %d epoch %d train loss %.4f", jobID, step, epoch, trainLoss)
	t.OnStep(trainLoss)
}

// OnEvaluation scores an evaluation event for the job
func (s *Service) OnEvaluation(ctx context.Context, jobID string, c tracker.Checkpoint) error {
	t, err := s.trackerFor(ctx, jobID)
	if err != nil {
		return err
	}
	return t.OnEvaluation(ctx, c)
}

// OnJobExit drops the in-memory tracker once a job's process exited. Wire it
// as the supervisor's exit hook; the persisted best fields stay in the store.
func (s *Service) OnJobExit(jobID string, _ error) {
	s.trackers.Delete(jobID)
}

// Cleanup runs the configured cleanup command for the job. Wire it as the
// canceller's cleanup hook. Failures are logged, never escalated.
func (s *Service) Cleanup(ctx context.Context, jobID string) {
	if s.CleanupCommand == "" {
		return
	}
	command, err := renderCleanup(s.CleanupCommand, jobID)
	if err != nil {
		log.Printf("[WARN] failed to render cleanup command for job %s: %v", jobID, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	log.Printf("[INFO] running cleanup for job %s: %q", jobID, command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // command comes from operator config
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("[WARN] cleanup for job %s failed: %v, output: %s", jobID, err, strings.TrimSpace(string(out)))
	}
}

// trackerFor returns the job's tracker, creating and seeding it from the
// persisted record on first access. A restart loses in-memory trackers, the
// seed keeps best-checkpoint selection monotonic across it.
func (s *Service) trackerFor(ctx context.Context, jobID string) (*tracker.Tracker, error) {
	if v, ok := s.trackers.Load(jobID); ok {
		return v.(*tracker.Tracker), nil
	}

	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	t := tracker.NewTracker(jobID, s.Store, s.LossBufferSize)
	if job.BestScore.Valid {
		t.Seed(tracker.Best{Score: job.BestScore.Float64, Step: job.BestStep,
			Epoch: job.BestEpoch, Path: job.BestCheckpointPath})
	}
	actual, _ := s.trackers.LoadOrStore(jobID, t)
	return actual.(*tracker.Tracker), nil
}

// sweep marks running jobs whose reattached process died without a recorded
// exit. Jobs with a live handle are covered by the supervisor's own waiter.
func (s *Service) sweep(ctx context.Context) {
	jobs, err := s.Store.ListActive(ctx)
	if err != nil {
		log.Printf("[WARN] liveness sweep failed to list jobs: %v", err)
		return
	}

	for _, job := range jobs {
		if job.Status != store.StatusRunning {
			continue // cancellation owns the other active states
		}
		if _, ok := s.Registry.Get(job.ID); ok {
			continue
		}
		if job.PID == 0 || s.Proc.Alive(job.PID) {
			continue
		}
		log.Printf("[WARN] job %s pid %d exited while unsupervised, marking as error", job.ID, job.PID)
		if e := s.Store.SetStatus(ctx, job.ID, store.StatusError, "process exited while unsupervised"); e != nil {
			log.Printf("[WARN] failed to mark job %s as error: %v", job.ID, e)
		}
	}
}

// renderCleanup expands {{.JobID}} in the cleanup command, no implicit append
func renderCleanup(command, jobID string) (string, error) {
	tmpl, err := template.New("cleanup").Parse(command)
	if err != nil {
		return "", fmt.Errorf("can't parse cleanup template %q: %w", command, err)
	}
	res := &strings.Builder{}
	if err := tmpl.Execute(res, struct{ JobID string }{JobID: jobID}); err != nil {
		return "", fmt.Errorf("can't render cleanup template %q: %w", command, err)
	}
	return res.String(), nil
}
