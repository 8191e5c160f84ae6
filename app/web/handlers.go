package web

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/supervisor"
	"github.com/umputun/trainn/app/tracker"
)

// JobInfo is the external view of a job record, token hash excluded
type JobInfo struct {
	ID                 string       `json:"id"`
	Command            string       `json:"command"`
	Status             store.Status `json:"status"`
	PID                int          `json:"pid,omitempty"`
	BestScore          *float64     `json:"best_score,omitempty"`
	BestStep           int          `json:"best_step,omitempty"`
	BestEpoch          int          `json:"best_epoch,omitempty"`
	BestCheckpointPath string       `json:"best_checkpoint_path,omitempty"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	CreatedAt          int64        `json:"created_at"`
	UpdatedAt          int64        `json:"updated_at"`
}

func jobInfo(job store.Job) JobInfo {
	res := JobInfo{
		ID:                 job.ID,
		Command:            job.Command,
		Status:             job.Status,
		PID:                job.PID,
		BestStep:           job.BestStep,
		BestEpoch:          job.BestEpoch,
		BestCheckpointPath: job.BestCheckpointPath,
		ErrorMessage:       job.ErrorMessage,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
	}
	if job.BestScore.Valid {
		res.BestScore = &job.BestScore.Float64
	}
	return res
}

// stepRequest is a training-step metric report
type stepRequest struct {
	Step      int     `json:"step"`
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
}

// evalRequest is an evaluation-event metric report. EvalLoss is required for
// a valid checkpoint; TrainLoss is typically absent at evaluation time.
type evalRequest struct {
	Step                     int      `json:"step"`
	Epoch                    int      `json:"epoch"`
	EvalLoss                 *float64 `json:"eval_loss"`
	TrainLoss                *float64 `json:"train_loss"`
	CheckpointPath           string   `json:"checkpoint_path"`
	EpochsWithoutImprovement int      `json:"epochs_without_improvement"`
}

// POST /api/v1/jobs
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Command string `json:"command"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "failed to decode request")
		return
	}
	if req.Command == "" {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, errors.New("empty command"), "command is required")
		return
	}

	job, err := s.service.StartJob(r.Context(), req.Command)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to start job")
		return
	}
	w.WriteHeader(http.StatusCreated)
	rest.RenderJSON(w, jobInfo(job))
}

// GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.Context())
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to list jobs")
		return
	}
	res := make([]JobInfo, 0, len(jobs))
	for _, job := range jobs {
		res = append(res, jobInfo(job))
	}
	rest.RenderJSON(w, res)
}

// GET /api/v1/jobs/{id}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.JobStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, err, "job not found")
			return
		}
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to get job")
		return
	}
	rest.RenderJSON(w, jobInfo(job))
}

// DELETE /api/v1/jobs/{id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := s.service.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, err, "job not found")
			return
		}
		if errors.Is(err, supervisor.ErrUnresolvedTermination) {
			// the process may still hold GPU resources, make that loud
			w.WriteHeader(http.StatusInternalServerError)
			rest.RenderJSON(w, rest.JSON{"result": "unresolved-termination-error", "error": err.Error()})
			return
		}
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to cancel job")
		return
	}
	rest.RenderJSON(w, rest.JSON{"result": string(outcome)})
}

// POST /api/v1/jobs/{id}/metrics/steps
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "failed to decode step report")
		return
	}
	s.service.OnStep(r.PathValue("id"), req.Step, req.Epoch, req.TrainLoss)
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// POST /api/v1/jobs/{id}/metrics/evaluations
func (s *Server) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "failed to decode evaluation report")
		return
	}

	checkpoint := tracker.Checkpoint{
		Step:            req.Step,
		Epoch:           req.Epoch,
		EvalLoss:        req.EvalLoss,
		TrainLoss:       req.TrainLoss,
		Path:            req.CheckpointPath,
		EpochsNoImprove: req.EpochsWithoutImprovement,
	}
	if err := s.service.OnEvaluation(r.Context(), r.PathValue("id"), checkpoint); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to process evaluation")
		return
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}
