// Package tracker selects the best intermediate checkpoint of a training job.
// A pure scoring function combines several signals from evaluation events, a
// bounded buffer of recent training losses covers evaluation events that
// arrive without one, and a per-job tracker keeps the best result.
package tracker

import "math"

// scoring weights. Lower composite score is better.
const (
	evalWeight       = 0.5  // raw evaluation loss
	gapWeight        = 0.3  // relative train/eval divergence, the overfitting signal
	perplexityWeight = 0.1  // capped confidence signal
	improvementBonus = 0.1  // subtracted while the job is still improving
	perplexityCap    = 20.0 // exp(evalLoss) is scaled by this before capping at 1
	lossFloor        = 1e-3 // keeps the gap term sane for near-zero eval losses
)

// Checkpoint is a single evaluation event to be scored. EvalLoss is required
// for a valid checkpoint; TrainLoss may be absent at evaluation-time events.
// EpochsNoImprove only distinguishes 0 (still improving) from non-zero.
type Checkpoint struct {
	Step            int
	Epoch           int
	EvalLoss        *float64
	TrainLoss       *float64
	Path            string
	EpochsNoImprove int
}

// Score computes the composite checkpoint score, lower is better. A missing
// evaluation loss makes the checkpoint invalid and scores +Inf so it never
// wins. A missing training loss zeroes the gap term - there is nothing to
// compare against, which is intentional degradation rather than a penalty.
func Score(c Checkpoint) float64 {
	if c.EvalLoss == nil {
		return math.Inf(1)
	}
	evalLoss := *c.EvalLoss

	score := evalLoss * evalWeight

	if c.TrainLoss != nil {
		gap := math.Abs(*c.TrainLoss-evalLoss) / math.Max(evalLoss, lossFloor)
		score += gap * gapWeight
	}

	score += math.Min(math.Exp(evalLoss)/perplexityCap, 1.0) * perplexityWeight

	if c.EpochsNoImprove == 0 {
		score -= improvementBonus
	}
	return score
}
