package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/sysproc"
)

// Outcome is the result of a cancellation request
type Outcome string

// cancellation outcomes
const (
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeAlreadyStopped Outcome = "already-stopped"
)

// ErrUnresolvedTermination indicates a process survived the forceful-kill
// stage. The job stays in "cancelling" with the error attached so operators
// know GPU resources may still be held; it is never silently swallowed.
var ErrUnresolvedTermination = errors.New("process survived forceful kill")

// Canceller terminates a job's subprocess through an ordered list of
// strategies: live handle, persisted process identifier (and its group),
// process-table pattern search. Each tier is tried only when the previous
// one had nothing to act on, and every tier treats an already-dead process
// as a successful no-op.
type Canceller struct {
	Store    Store
	Registry *Registry
	Proc     sysproc.Controller
	Grace    time.Duration                           // wait between graceful terminate and forceful kill
	KillWait time.Duration                           // wait for the process to die after forceful kill
	Cleanup  func(ctx context.Context, jobID string) // optional resource cleanup hook, invoked exactly once

	cleaned sync.Map // job id -> struct{}, guards exactly-once cleanup
}

// tierResult tells the coordinator what a strategy did
type tierResult int

const (
	tierSkipped tierResult = iota // nothing to act on, try the next tier
	tierStopped                  // target was already dead, no-op success
	tierKilled                   // target was terminated
)

// strategy is a single termination tier
type strategy interface {
	name() string
	terminate(ctx context.Context, job store.Job) (tierResult, error)
}

// Cancel terminates the job's subprocess and moves the job to "cancelled".
// Idempotent: cancelling an already-terminal job returns OutcomeAlreadyStopped
// without error. Finding nothing to kill anywhere is success, not failure.
func (c *Canceller) Cancel(ctx context.Context, jobID string) (Outcome, error) {
	job, err := c.Store.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	if job.Status.Terminal() {
		log.Printf("[DEBUG] cancel requested for job %s already in %s", jobID, job.Status)
		return OutcomeAlreadyStopped, nil
	}

	if job.Status == store.StatusPending {
		// never spawned, nothing to kill
		if err := c.Store.SetStatus(ctx, jobID, store.StatusCancelled, ""); err != nil {
			return "", fmt.Errorf("failed to cancel pending job %s: %w", jobID, err)
		}
		c.runCleanup(ctx, jobID)
		return OutcomeAlreadyStopped, nil
	}

	if job.Status != store.StatusCancelling {
		if err := c.Store.SetStatus(ctx, jobID, store.StatusCancelling, ""); err != nil {
			return "", fmt.Errorf("failed to mark job %s cancelling: %w", jobID, err)
		}
	}

	strategies := []strategy{
		&liveHandleStrategy{registry: c.Registry, grace: c.grace(), killWait: c.killWait()},
		&persistedPIDStrategy{proc: c.Proc, grace: c.grace(), killWait: c.killWait()},
		&patternSearchStrategy{proc: c.Proc, grace: c.grace(), killWait: c.killWait()},
	}

	result := tierSkipped
	for _, st := range strategies {
		res, err := st.terminate(ctx, job)
		if err != nil {
			log.Printf("[ERROR] job %s not terminated by %s tier: %v", jobID, st.name(), err)
			if e := c.Store.SetStatus(ctx, jobID, store.StatusCancelling, err.Error()); e != nil {
				log.Printf("[WARN] failed to attach termination error to job %s: %v", jobID, e)
			}
			return "", fmt.Errorf("job %s: %w", jobID, err)
		}
		if res != tierSkipped {
			log.Printf("[INFO] job %s handled by %s tier", jobID, st.name())
			result = res
			break
		}
		log.Printf("[DEBUG] %s tier has nothing to act on for job %s", st.name(), jobID)
	}

	if err := c.Store.SetStatus(ctx, jobID, store.StatusCancelled, ""); err != nil {
		// the exit handler may have recorded the death first, that still counts
		if errors.Is(err, store.ErrInvalidTransition) {
			if job, e := c.Store.Get(ctx, jobID); e == nil && job.Status.Terminal() {
				c.runCleanup(ctx, jobID)
				return OutcomeAlreadyStopped, nil
			}
		}
		return "", fmt.Errorf("failed to mark job %s cancelled: %w", jobID, err)
	}
	c.runCleanup(ctx, jobID)

	if result == tierKilled {
		return OutcomeCancelled, nil
	}
	return OutcomeAlreadyStopped, nil
}

func (c *Canceller) runCleanup(ctx context.Context, jobID string) {
	if c.Cleanup == nil {
		return
	}
	if _, loaded := c.cleaned.LoadOrStore(jobID, struct{}{}); loaded {
		return
	}
	c.Cleanup(ctx, jobID)
}

func (c *Canceller) grace() time.Duration {
	if c.Grace <= 0 {
		return 10 * time.Second
	}
	return c.Grace
}

func (c *Canceller) killWait() time.Duration {
	if c.KillWait <= 0 {
		return 5 * time.Second
	}
	return c.KillWait
}

// liveHandleStrategy signals through the in-memory handle from the registry
type liveHandleStrategy struct {
	registry *Registry
	grace    time.Duration
	killWait time.Duration
}

func (s *liveHandleStrategy) name() string { return "live handle" }

func (s *liveHandleStrategy) terminate(ctx context.Context, job store.Job) (tierResult, error) {
	h, ok := s.registry.Get(job.ID)
	if !ok {
		return tierSkipped, nil
	}
	defer s.registry.Delete(job.ID)

	if err := h.Terminate(); err != nil {
		if errors.Is(err, sysproc.ErrNoProcess) {
			log.Printf("[DEBUG] job %s pid %d already dead on terminate", job.ID, h.PID())
			return tierStopped, nil
		}
		log.Printf("[WARN] graceful terminate failed for job %s: %v", job.ID, err)
	}

	select {
	case <-h.Done():
		return tierKilled, nil
	case <-ctx.Done():
		return tierSkipped, ctx.Err()
	case <-time.After(s.grace):
	}

	log.Printf("[WARN] job %s pid %d survived grace period, killing", job.ID, h.PID())
	if err := h.Kill(); err != nil && !errors.Is(err, sysproc.ErrNoProcess) {
		log.Printf("[WARN] forceful kill failed for job %s: %v", job.ID, err)
	}

	select {
	case <-h.Done():
		return tierKilled, nil
	case <-ctx.Done():
		return tierSkipped, ctx.Err()
	case <-time.After(s.killWait):
		return tierSkipped, fmt.Errorf("pid %d: %w", h.PID(), ErrUnresolvedTermination)
	}
}

// persistedPIDStrategy signals the stored process identifier and its group
type persistedPIDStrategy struct {
	proc     sysproc.Controller
	grace    time.Duration
	killWait time.Duration
}

func (s *persistedPIDStrategy) name() string { return "persisted pid" }

func (s *persistedPIDStrategy) terminate(ctx context.Context, job store.Job) (tierResult, error) {
	if job.PID == 0 {
		return tierSkipped, nil
	}
	if !s.proc.Alive(job.PID) {
		log.Printf("[DEBUG] job %s persisted pid %d already dead", job.ID, job.PID)
		return tierStopped, nil
	}
	return killWithGrace(ctx, s.proc, job.ID, []int{job.PID}, true, s.grace, s.killWait)
}

// patternSearchStrategy finds processes by the job id in their command line
type patternSearchStrategy struct {
	proc     sysproc.Controller
	grace    time.Duration
	killWait time.Duration
}

func (s *patternSearchStrategy) name() string { return "pattern search" }

func (s *patternSearchStrategy) terminate(ctx context.Context, job store.Job) (tierResult, error) {
	pids, err := s.proc.FindByPattern(job.ID)
	if err != nil {
		// a failed scan is treated as "no match found", not escalated
		log.Printf("[WARN] process table search failed for job %s: %v", job.ID, err)
		return tierSkipped, nil
	}
	if len(pids) == 0 {
		return tierSkipped, nil
	}
	log.Printf("[INFO] pattern search found %d process(es) for job %s: %v", len(pids), job.ID, pids)
	return killWithGrace(ctx, s.proc, job.ID, pids, false, s.grace, s.killWait)
}

// killWithGrace runs the graceful-then-forceful sequence against the given
// pids, polling liveness. Signaling an already-dead pid is a logged no-op.
// The waits are bounded and cancellable so a cancellation request can't hang.
func killWithGrace(ctx context.Context, proc sysproc.Controller, jobID string, pids []int,
	group bool, grace, killWait time.Duration) (tierResult, error) {

	terminate, kill := proc.Terminate, proc.Kill
	if group {
		terminate, kill = proc.TerminateGroup, proc.KillGroup
	}

	for _, pid := range pids {
		if err := terminate(pid); err != nil {
			if errors.Is(err, sysproc.ErrNoProcess) {
				log.Printf("[DEBUG] job %s pid %d already dead on terminate", jobID, pid)
				continue
			}
			log.Printf("[WARN] graceful terminate of pid %d failed for job %s: %v", pid, jobID, err)
		}
	}

	if allDead(ctx, proc, pids, grace) {
		return tierKilled, nil
	}

	for _, pid := range pids {
		if !proc.Alive(pid) {
			continue
		}
		log.Printf("[WARN] job %s pid %d survived grace period, killing", jobID, pid)
		if err := kill(pid); err != nil && !errors.Is(err, sysproc.ErrNoProcess) {
			log.Printf("[WARN] forceful kill of pid %d failed for job %s: %v", pid, jobID, err)
		}
	}

	if allDead(ctx, proc, pids, killWait) {
		return tierKilled, nil
	}
	if err := ctx.Err(); err != nil {
		return tierSkipped, err
	}
	return tierSkipped, fmt.Errorf("pids %v: %w", pids, ErrUnresolvedTermination)
}

// allDead polls until every pid is gone or the timeout expires
func allDead(ctx context.Context, proc sysproc.Controller, pids []int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	check := func() bool {
		for _, pid := range pids {
			if proc.Alive(pid) {
				return false
			}
		}
		return true
	}

	if check() {
		return true
	}
	for {
		select {
		case <-ticker.C:
			if check() {
				return true
			}
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
