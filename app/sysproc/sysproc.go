// Package sysproc isolates OS-level process control behind a small capability
// interface: liveness check, graceful and forceful signaling (single process
// or whole group) and process-table search by command-line pattern. This is
// the only genuinely platform-specific code in the supervisor.
package sysproc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrNoProcess indicates the target process is already gone. Callers treat
// signaling a dead process as a successful no-op.
var ErrNoProcess = errors.New("no such process")

// Controller abstracts process signaling and discovery. One implementation
// per target OS; tests use fakes.
type Controller interface {
	Alive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
	TerminateGroup(pid int) error
	KillGroup(pid int) error
	FindByPattern(pattern string) ([]int, error)
}

// UnixController signals processes with SIGTERM/SIGKILL and searches the
// process table via gopsutil.
type UnixController struct{}

// NewUnixController makes a controller for the local host
func NewUnixController() *UnixController { return &UnixController{} }

// Alive reports whether a process with the given pid exists
func (c *UnixController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		log.Printf("[WARN] failed to check pid %d: %v", pid, err)
		return false
	}
	return ok
}

// Terminate sends SIGTERM to a single process
func (c *UnixController) Terminate(pid int) error { return c.signal(pid, syscall.SIGTERM) }

// Kill sends SIGKILL to a single process
func (c *UnixController) Kill(pid int) error { return c.signal(pid, syscall.SIGKILL) }

// TerminateGroup sends SIGTERM to the process group led by pid, catching
// children the training process may have spawned.
func (c *UnixController) TerminateGroup(pid int) error { return c.signal(-pid, syscall.SIGTERM) }

// KillGroup sends SIGKILL to the process group led by pid
func (c *UnixController) KillGroup(pid int) error { return c.signal(-pid, syscall.SIGKILL) }

// FindByPattern scans the process table and returns pids of processes whose
// command line contains the pattern. Scan failures for individual entries are
// skipped; they are usually processes that exited mid-scan.
func (c *UnixController) FindByPattern(pattern string) ([]int, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty search pattern")
	}
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var res []int
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			continue // gone or inaccessible, not interesting
		}
		if strings.Contains(cmdline, pattern) {
			res = append(res, int(p.Pid))
		}
	}
	return res, nil
}

func (c *UnixController) signal(pid int, sig syscall.Signal) error {
	target := pid
	if target < 0 {
		target = -target
	}
	if target <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("pid %d: %w", target, ErrNoProcess)
	}
	if err != nil {
		return fmt.Errorf("failed to signal pid %d with %v: %w", target, sig, err)
	}
	return nil
}
