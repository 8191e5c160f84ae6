package web

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/supervisor"
	"github.com/umputun/trainn/app/tracker"
)

// serviceFake is a canned Service implementation recording calls
type serviceFake struct {
	mu sync.Mutex

	jobs          map[string]store.Job
	startErr      error
	cancelOutcome supervisor.Outcome
	cancelErr     error

	steps       []stepRequest
	evals       []tracker.Checkpoint
	statusCalls int
}

func newServiceFake() *serviceFake {
	return &serviceFake{jobs: map[string]store.Job{}, cancelOutcome: supervisor.OutcomeCancelled}
}

func (f *serviceFake) StartJob(_ context.Context, command string) (store.Job, error) {
	if f.startErr != nil {
		return store.Job{}, f.startErr
	}
	job := store.Job{ID: "new-job", Command: command, Status: store.StatusRunning, PID: 42}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *serviceFake) CancelJob(_ context.Context, jobID string) (supervisor.Outcome, error) {
	if _, ok := f.jobs[jobID]; !ok {
		return "", fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return f.cancelOutcome, f.cancelErr
}

func (f *serviceFake) JobStatus(_ context.Context, jobID string) (store.Job, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return store.Job{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return job, nil
}

func (f *serviceFake) ListJobs(_ context.Context) ([]store.Job, error) {
	res := []store.Job{}
	for _, j := range f.jobs {
		res = append(res, j)
	}
	return res, nil
}

func (f *serviceFake) OnStep(jobID string, step, epoch int, trainLoss float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = jobID
	f.steps = append(f.steps, stepRequest{Step: step, Epoch: epoch, TrainLoss: trainLoss})
}

func (f *serviceFake) OnEvaluation(_ context.Context, _ string, c tracker.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, c)
	return nil
}

func prepServer(t *testing.T, cfg Config) (*httptest.Server, *serviceFake) {
	t.Helper()
	svc := newServiceFake()
	if cfg.Service == nil {
		cfg.Service = svc
	}
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, svc
}

func TestServer_StartJob(t *testing.T) {
	ts, _ := prepServer(t, Config{Version: "test"})

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json",
		bytes.NewBufferString(`{"command":"python train.py"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var job JobInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, "new-job", job.ID)
	assert.Equal(t, "python train.py", job.Command)
	assert.Equal(t, store.StatusRunning, job.Status)
}

func TestServer_StartJobRejectsEmptyCommand(t *testing.T) {
	ts, _ := prepServer(t, Config{})

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_JobStatus(t *testing.T) {
	ts, svc := prepServer(t, Config{})
	svc.jobs["j1"] = store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning,
		BestScore: sql.NullFloat64{Float64: 0.188, Valid: true}, BestStep: 100, TokenHash: "secret-hash"}

	resp, err := http.Get(ts.URL + "/api/v1/jobs/j1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, "j1", job["id"])
	assert.InDelta(t, 0.188, job["best_score"].(float64), 1e-9)
	_, leaked := job["token_hash"]
	assert.False(t, leaked, "token hash must not be exposed")

	resp, err = http.Get(ts.URL + "/api/v1/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CancelJobOutcomes(t *testing.T) {
	tbl := []struct {
		name       string
		outcome    supervisor.Outcome
		err        error
		wantCode   int
		wantResult string
	}{
		{"cancelled", supervisor.OutcomeCancelled, nil, http.StatusOK, "cancelled"},
		{"already stopped", supervisor.OutcomeAlreadyStopped, nil, http.StatusOK, "already-stopped"},
		{"unresolved", "", fmt.Errorf("job j1: %w", supervisor.ErrUnresolvedTermination),
			http.StatusInternalServerError, "unresolved-termination-error"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			ts, svc := prepServer(t, Config{})
			svc.jobs["j1"] = store.Job{ID: "j1", Status: store.StatusRunning}
			svc.cancelOutcome, svc.cancelErr = tt.outcome, tt.err

			req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/j1", http.NoBody)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantResult, body["result"])
		})
	}
}

func TestServer_MetricsAuth(t *testing.T) {
	ts, svc := prepServer(t, Config{})

	token := "per-job-token"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	svc.jobs["j1"] = store.Job{ID: "j1", Status: store.StatusRunning, TokenHash: string(hash)}

	post := func(tok string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/jobs/j1/metrics/steps",
			bytes.NewBufferString(`{"step":1,"epoch":0,"train_loss":2.5}`))
		require.NoError(t, err)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(""), "missing token rejected")
	assert.Equal(t, http.StatusUnauthorized, post("wrong-token"))
	assert.Equal(t, http.StatusOK, post(token))
	require.Len(t, svc.steps, 1, "only the authenticated report went through")
	assert.Equal(t, 2.5, svc.steps[0].TrainLoss)
}

func TestServer_MetricsAuthCachesVerification(t *testing.T) {
	ts, svc := prepServer(t, Config{})

	token := "per-job-token"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	svc.jobs["j1"] = store.Job{ID: "j1", Status: store.StatusRunning, TokenHash: string(hash)}

	post := func(tok string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/jobs/j1/metrics/steps",
			bytes.NewBufferString(`{"step":1,"epoch":0,"train_loss":2.5}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	for range 3 {
		assert.Equal(t, http.StatusOK, post(token))
	}
	assert.Equal(t, 1, svc.statusCalls, "hash compared once, repeats served from the auth cache")

	// a wrong token must still be rejected after a verification is cached
	assert.Equal(t, http.StatusUnauthorized, post("wrong-token"))
	require.Len(t, svc.steps, 3)
}

func TestServer_EvaluationReport(t *testing.T) {
	ts, svc := prepServer(t, Config{})

	token := "per-job-token"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	svc.jobs["j1"] = store.Job{ID: "j1", Status: store.StatusRunning, TokenHash: string(hash)}

	body := `{"step":500,"epoch":2,"eval_loss":2.0,"checkpoint_path":"ckpt-500","epochs_without_improvement":0}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/jobs/j1/metrics/evaluations",
		bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, svc.evals, 1)
	c := svc.evals[0]
	assert.Equal(t, 500, c.Step)
	require.NotNil(t, c.EvalLoss)
	assert.Equal(t, 2.0, *c.EvalLoss)
	assert.Nil(t, c.TrainLoss, "train loss absent at evaluation time")
	assert.Equal(t, "ckpt-500", c.Path)
}

func TestServer_OperatorAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("op-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	ts, svc := prepServer(t, Config{PasswordHash: string(hash)})
	svc.jobs["j1"] = store.Job{ID: "j1", Status: store.StatusRunning}

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("trainn", "op-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Ping(t *testing.T) {
	ts, _ := prepServer(t, Config{})
	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RequiresService(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
