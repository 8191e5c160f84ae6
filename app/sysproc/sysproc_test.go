package sysproc

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnixController_Alive(t *testing.T) {
	c := NewUnixController()
	assert.True(t, c.Alive(os.Getpid()), "own process is alive")
	assert.False(t, c.Alive(0))
	assert.False(t, c.Alive(-1))
}

func TestUnixController_TerminateAndKill(t *testing.T) {
	c := NewUnixController()

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	require.True(t, c.Alive(pid))
	require.NoError(t, c.Terminate(pid))
	_ = cmd.Wait() // reap

	waitGone(t, c, pid)

	// signaling a dead pid is reported as ErrNoProcess, not an arbitrary error
	assert.ErrorIs(t, c.Terminate(pid), ErrNoProcess)
	assert.ErrorIs(t, c.Kill(pid), ErrNoProcess)
}

func TestUnixController_FindByPattern(t *testing.T) {
	c := NewUnixController()

	marker := fmt.Sprintf("trainn-test-%d", os.Getpid())
	cmd := exec.Command("sh", "-c", fmt.Sprintf("sleep 30 # %s", marker))
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	// give the process table a moment to settle
	var pids []int
	var err error
	for i := 0; i < 20; i++ {
		pids, err = c.FindByPattern(marker)
		require.NoError(t, err)
		if len(pids) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Contains(t, pids, cmd.Process.Pid)

	pids, err = c.FindByPattern("trainn-no-such-marker-ever")
	require.NoError(t, err)
	assert.Empty(t, pids)

	_, err = c.FindByPattern("")
	require.Error(t, err)
}

func waitGone(t *testing.T, c *UnixController, pid int) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if !c.Alive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}
