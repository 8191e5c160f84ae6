package supervisor

import (
	"os/exec"

	"github.com/umputun/trainn/app/sysproc"
)

// procHandle wraps a started exec.Cmd. Signaling goes through the sysproc
// controller and targets the process group; the spawned process leads its own
// group (Setsid), so group signals catch children the training script forks.
type procHandle struct {
	pid  int
	cmd  *exec.Cmd
	proc sysproc.Controller
	done chan struct{}
}

func newProcHandle(cmd *exec.Cmd, proc sysproc.Controller) *procHandle {
	return &procHandle{pid: cmd.Process.Pid, cmd: cmd, proc: proc, done: make(chan struct{})}
}

// PID returns the OS process identifier
func (h *procHandle) PID() int { return h.pid }

// Done returns a channel closed when the process has exited and was reaped
func (h *procHandle) Done() <-chan struct{} { return h.done }

// Terminate sends a graceful terminate to the process group
func (h *procHandle) Terminate() error { return h.proc.TerminateGroup(h.pid) }

// Kill sends a forceful kill to the process group
func (h *procHandle) Kill() error { return h.proc.KillGroup(h.pid) }
