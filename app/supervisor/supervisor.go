package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/sysproc"
)

// Store is the subset of job-record operations the supervisor needs
type Store interface {
	Get(ctx context.Context, id string) (store.Job, error)
	ListActive(ctx context.Context) ([]store.Job, error)
	SetPID(ctx context.Context, id string, pid int) error
	SetTokenHash(ctx context.Context, id, hash string) error
	SetStatus(ctx context.Context, id string, status store.Status, errMsg string) error
}

// Repeater retries failed funcs, matches go-pkgz/repeater
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Supervisor spawns training subprocesses and tracks their lifecycle. The
// subprocess runs in its own session so supervisor restarts don't kill it,
// and its command line always carries the job id so it can be rediscovered.
type Supervisor struct {
	Store    Store
	Registry *Registry
	Proc     sysproc.Controller
	Repeater Repeater
	Stdout   io.Writer
	OnExit   func(jobID string, exitErr error) // optional, called after exit is recorded
}

// token environment variables passed to the subprocess. The metrics token is
// delivered out-of-band here, never on the command line or metrics channel.
const (
	envJobID = "TRAINN_JOB_ID"
	envToken = "TRAINN_METRICS_TOKEN"
)

// Spawn starts the training subprocess for a job and returns its live handle
// plus the per-job metrics token. The process identifier is persisted (with
// retries) before Spawn returns; failing that write kills the fresh process
// rather than leaving one behind that cancellation could lose track of.
func (s *Supervisor) Spawn(ctx context.Context, job store.Job) (Handle, string, error) {
	command, err := RenderCommand(job.Command, job.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to render command for job %s: %w", job.ID, err)
	}

	if err := s.Store.SetStatus(ctx, job.ID, store.StatusStarting, ""); err != nil {
		return nil, "", fmt.Errorf("failed to mark job %s starting: %w", job.ID, err)
	}

	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash metrics token for job %s: %w", job.ID, err)
	}
	if err := s.Store.SetTokenHash(ctx, job.ID, string(hash)); err != nil {
		return nil, "", fmt.Errorf("failed to store metrics token hash for job %s: %w", job.ID, err)
	}

	cmd := exec.Command("sh", "-c", command) //nolint:gosec // commands come from operators
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true} // own session, no controlling terminal
	cmd.Env = append(os.Environ(), envJobID+"="+job.ID, envToken+"="+token)
	out := s.Stdout
	if out == nil {
		out = os.Stdout
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		if e := s.Store.SetStatus(ctx, job.ID, store.StatusError, fmt.Sprintf("failed to start: %v", err)); e != nil {
			log.Printf("[WARN] failed to mark job %s as error: %v", job.ID, e)
		}
		return nil, "", fmt.Errorf("failed to start job %s: %w", job.ID, err)
	}
	pid := cmd.Process.Pid
	log.Printf("[INFO] started job %s, pid %d, command %q", job.ID, pid, command)

	// losing the pid is the root cause this subsystem exists to prevent,
	// so the write is retried and the process is killed if it can't be saved
	if err := s.Repeater.Do(ctx, func() error { return s.Store.SetPID(ctx, job.ID, pid) }); err != nil {
		log.Printf("[ERROR] failed to persist pid %d for job %s, killing process: %v", pid, job.ID, err)
		if e := s.Proc.KillGroup(pid); e != nil && !errors.Is(e, sysproc.ErrNoProcess) {
			log.Printf("[WARN] failed to kill unpersisted job %s: %v", job.ID, e)
		}
		if e := s.Store.SetStatus(ctx, job.ID, store.StatusError, "failed to persist process identifier"); e != nil {
			log.Printf("[WARN] failed to mark job %s as error: %v", job.ID, e)
		}
		return nil, "", fmt.Errorf("failed to persist pid for job %s: %w", job.ID, err)
	}

	h := newProcHandle(cmd, s.Proc)
	s.Registry.Set(job.ID, h)

	if err := s.Store.SetStatus(ctx, job.ID, store.StatusRunning, ""); err != nil {
		log.Printf("[WARN] failed to mark job %s running: %v", job.ID, err)
	}

	go s.wait(job.ID, h)
	return h, token, nil
}

// wait blocks until the subprocess exits, records the outcome and clears the
// registry entry. Runs in its own goroutine per job.
func (s *Supervisor) wait(jobID string, h *procHandle) {
	exitErr := h.cmd.Wait()
	close(h.done)
	s.Registry.Delete(jobID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		log.Printf("[WARN] failed to load job %s after exit: %v", jobID, err)
	}

	switch {
	case err == nil && (job.Status == store.StatusCancelling || job.Status.Terminal()):
		// cancellation owns the final state, don't fight it
		log.Printf("[DEBUG] job %s exited in status %s, leaving state alone", jobID, job.Status)
	case exitErr == nil:
		log.Printf("[INFO] job %s completed", jobID)
		if e := s.Store.SetStatus(ctx, jobID, store.StatusCompleted, ""); e != nil {
			log.Printf("[WARN] failed to mark job %s completed: %v", jobID, e)
		}
	default:
		msg := exitDiagnostic(exitErr)
		log.Printf("[WARN] job %s failed: %s", jobID, msg)
		if e := s.Store.SetStatus(ctx, jobID, store.StatusError, msg); e != nil {
			log.Printf("[WARN] failed to mark job %s as error: %v", jobID, e)
		}
	}

	if s.OnExit != nil {
		s.OnExit(jobID, exitErr)
	}
}

// exitDiagnostic formats a non-zero exit for the job's error message
func exitDiagnostic(err error) string {
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		if ws, ok := exitError.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Sprintf("process terminated by signal %s", ws.Signal())
		}
		return fmt.Sprintf("process exited with code %d", exitError.ExitCode())
	}
	return fmt.Sprintf("process wait failed: %v", err)
}

// RenderCommand expands the {{.JobID}} template in a job command. The final
// command line must contain the job id - that contract is what makes the
// reconnect scan and the pattern-search cancellation tier possible - so the
// id is appended as a --job-id argument when the template didn't place it.
func RenderCommand(command, jobID string) (string, error) {
	tmpl, err := template.New("command").Parse(command)
	if err != nil {
		return "", fmt.Errorf("can't parse command template %q: %w", command, err)
	}
	res := &strings.Builder{}
	if err := tmpl.Execute(res, struct{ JobID string }{JobID: jobID}); err != nil {
		return "", fmt.Errorf("can't render command template %q: %w", command, err)
	}
	rendered := res.String()
	if !strings.Contains(rendered, jobID) {
		rendered += " --job-id=" + jobID
	}
	return rendered, nil
}
