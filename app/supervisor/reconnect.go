package supervisor

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/sysproc"
)

// Resolver re-associates jobs the store believes are active with live OS
// processes after a supervisor restart. It runs once at startup, before any
// cancellation requests for pre-existing jobs are accepted.
type Resolver struct {
	Store       Store
	Registry    *Registry
	Proc        sysproc.Controller
	Concurrency int
}

// Resolve scans active jobs and repairs their process identifiers from the
// process table, using the job id embedded in each subprocess command line.
// A job whose process is gone without a recorded exit is marked "error"
// rather than being left in a stale running state. Blocking.
func (r *Resolver) Resolve(ctx context.Context) error {
	jobs, err := r.Store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}
	if len(jobs) == 0 {
		log.Printf("[DEBUG] no active jobs to reconnect")
		return nil
	}
	log.Printf("[INFO] reconnecting %d active job(s)", len(jobs))

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	gr := syncs.NewSizedGroup(concurrency, syncs.Context(ctx))
	for _, job := range jobs {
		gr.Go(func(ctx context.Context) { r.resolveJob(ctx, job) })
	}
	gr.Wait()
	return nil
}

func (r *Resolver) resolveJob(ctx context.Context, job store.Job) {
	if _, ok := r.Registry.Get(job.ID); ok {
		return // live handle survived, nothing to repair
	}

	pids, err := r.Proc.FindByPattern(job.ID)
	if err != nil {
		// a failed scan proves nothing about the process, leave the job alone
		log.Printf("[WARN] process table search failed for job %s: %v", job.ID, err)
		return
	}

	if len(pids) == 0 {
		log.Printf("[WARN] job %s has no live process, marking as error", job.ID)
		if e := r.Store.SetStatus(ctx, job.ID, store.StatusError, "process missing after restart"); e != nil {
			log.Printf("[WARN] failed to mark job %s as error: %v", job.ID, e)
		}
		return
	}

	pid := pids[0]
	if len(pids) > 1 {
		log.Printf("[WARN] found %d processes for job %s, using pid %d", len(pids), job.ID, pid)
	}

	if pid != job.PID {
		// normally stable across restarts; differs only if the job itself was respawned
		log.Printf("[INFO] job %s pid changed %d -> %d, repairing record", job.ID, job.PID, pid)
		if e := r.Store.SetPID(ctx, job.ID, pid); e != nil {
			log.Printf("[WARN] failed to repair pid for job %s: %v", job.ID, e)
			return
		}
	}
	log.Printf("[INFO] reconnected job %s to pid %d", job.ID, pid)
}
