package tracker

import (
	"context"
	"fmt"
	"math"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// BestStore persists best-checkpoint fields on the job record
type BestStore interface {
	UpdateBest(ctx context.Context, id string, score float64, step, epoch int, path string) error
}

// Best is the currently selected checkpoint of a job
type Best struct {
	Score float64
	Step  int
	Epoch int
	Path  string
}

// Tracker keeps the best checkpoint of a single job. Metric events arrive as
// a sequential stream from the training subprocess, so there is one writer;
// Best may be read concurrently from request threads.
type Tracker struct {
	jobID  string
	store  BestStore
	losses *LossBuffer

	mu   sync.RWMutex
	best Best
}

// NewTracker makes a tracker for the job, best score starts at +Inf
func NewTracker(jobID string, store BestStore, bufferSize int) *Tracker {
	return &Tracker{
		jobID:  jobID,
		store:  store,
		losses: NewLossBuffer(bufferSize),
		best:   Best{Score: math.Inf(1)},
	}
}

// Seed restores a previously persisted best checkpoint, used after a
// supervisor restart so the monotonic-improvement invariant survives it.
func (t *Tracker) Seed(best Best) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.best = best
}

// OnStep records a training-step event's loss sample
func (t *Tracker) OnStep(trainLoss float64) {
	t.losses.Add(trainLoss)
}

// OnEvaluation scores an evaluation event and updates the best checkpoint if
// the score strictly improves. A missing training loss is substituted with
// the most recent buffered sample; an empty buffer leaves it absent. Equal
// scores keep the existing best, so the earlier step wins ties.
func (t *Tracker) OnEvaluation(ctx context.Context, c Checkpoint) error {
	if c.TrainLoss == nil {
		if last, ok := t.losses.Last(); ok {
			c.TrainLoss = &last
		}
	}

	score := Score(c)

	t.mu.Lock()
	if score >= t.best.Score {
		t.mu.Unlock()
		log.Printf("[DEBUG] job %s checkpoint at step %d scored %.4f, best remains %.4f at step %d",
			t.jobID, c.Step, score, t.best.Score, t.best.Step)
		return nil
	}
	t.best = Best{Score: score, Step: c.Step, Epoch: c.Epoch, Path: c.Path}
	t.mu.Unlock()

	log.Printf("[INFO] job %s new best checkpoint: score %.4f, step %d, epoch %d, path %q",
		t.jobID, score, c.Step, c.Epoch, c.Path)

	if err := t.store.UpdateBest(ctx, t.jobID, score, c.Step, c.Epoch, c.Path); err != nil {
		return fmt.Errorf("failed to persist best checkpoint for job %s: %w", t.jobID, err)
	}
	return nil
}

// Best returns the current best checkpoint, ok is false until the first valid
// evaluation was scored
func (t *Tracker) Best() (best Best, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if math.IsInf(t.best.Score, 1) {
		return Best{}, false
	}
	return t.best, true
}
