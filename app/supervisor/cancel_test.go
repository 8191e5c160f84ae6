package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/supervisor/mocks"
	"github.com/umputun/trainn/app/sysproc"
)

// fakeHandle is an in-memory process handle for registry/canceller tests
type fakeHandle struct {
	pid        int
	done       chan struct{}
	mu         sync.Mutex
	terminated bool
	killed     bool
	termErr    error
	exitOnTerm bool
	exitOnKill bool
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	if h.termErr != nil {
		return h.termErr
	}
	if h.exitOnTerm {
		close(h.done)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	if h.exitOnKill {
		close(h.done)
	}
	return nil
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func prepCancelStore(t *testing.T, job store.Job) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "trainn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })
	require.NoError(t, st.Create(context.Background(), job))
	return st
}

func TestCanceller_LiveHandleGraceful(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 100})
	reg := NewRegistry()
	h := newFakeHandle(100)
	h.exitOnTerm = true
	reg.Set("j1", h)

	var cleanups []string
	c := &Canceller{
		Store: st, Registry: reg, Proc: &mocks.Controller{},
		Grace: 50 * time.Millisecond, KillWait: 50 * time.Millisecond,
		Cleanup: func(_ context.Context, id string) { cleanups = append(cleanups, id) },
	}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.False(t, h.wasKilled(), "graceful terminate was enough")

	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, job.Status)
	assert.Equal(t, []string{"j1"}, cleanups, "cleanup hook invoked exactly once")

	_, ok := reg.Get("j1")
	assert.False(t, ok, "registry entry cleared")
}

func TestCanceller_LiveHandleForceful(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 100})
	reg := NewRegistry()
	h := newFakeHandle(100)
	h.exitOnKill = true // ignores the graceful terminate
	reg.Set("j1", h)

	c := &Canceller{Store: st, Registry: reg, Proc: &mocks.Controller{},
		Grace: 20 * time.Millisecond, KillWait: time.Second}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.True(t, h.wasKilled())
}

func TestCanceller_LiveHandleUnresolved(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 100})
	reg := NewRegistry()
	h := newFakeHandle(100) // never exits
	reg.Set("j1", h)

	cleanupCalled := false
	c := &Canceller{Store: st, Registry: reg, Proc: &mocks.Controller{},
		Grace: 20 * time.Millisecond, KillWait: 20 * time.Millisecond,
		Cleanup: func(_ context.Context, _ string) { cleanupCalled = true }}

	_, err := c.Cancel(context.Background(), "j1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedTermination)

	// the job must stay in cancelling with the error attached, never
	// force-marked cancelled - GPU memory may still be held
	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelling, job.Status)
	assert.Contains(t, job.ErrorMessage, "survived forceful kill")
	assert.False(t, cleanupCalled, "no cleanup while the process may hold resources")
}

func TestCanceller_PersistedPID(t *testing.T) {
	// no live handle, simulating a supervisor restart
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 1234})

	proc := &mocks.Controller{}
	proc.On("Alive", 1234).Return(true).Once() // liveness pre-check
	proc.On("TerminateGroup", 1234).Return(nil).Once()
	proc.On("Alive", 1234).Return(false) // dead after graceful terminate

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc,
		Grace: time.Second, KillWait: time.Second}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, job.Status)

	proc.AssertExpectations(t)
	proc.AssertNotCalled(t, "FindByPattern", "j1")
	proc.AssertNotCalled(t, "KillGroup", 1234)
}

func TestCanceller_PersistedPIDAlreadyDead(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 1234})

	proc := &mocks.Controller{}
	proc.On("Alive", 1234).Return(false).Once()

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyStopped, outcome)

	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, job.Status, "dead pid is a no-op success, job still cancelled")

	proc.AssertExpectations(t)
	proc.AssertNotCalled(t, "TerminateGroup", 1234)
}

// fakeController is a stateful sysproc.Controller: the process ignores the
// graceful terminate and dies only on the forceful kill
type fakeController struct {
	mu         sync.Mutex
	alive      bool
	terminates int
	kills      int
}

func (f *fakeController) Alive(int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeController) Terminate(int) error { return f.TerminateGroup(0) }

func (f *fakeController) TerminateGroup(int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	return nil
}

func (f *fakeController) Kill(int) error { return f.KillGroup(0) }

func (f *fakeController) KillGroup(int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	f.alive = false
	return nil
}

func (f *fakeController) FindByPattern(string) ([]int, error) { return nil, nil }

func TestCanceller_PersistedPIDForceful(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 1234})

	proc := &fakeController{alive: true}
	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc,
		Grace: 50 * time.Millisecond, KillWait: time.Second}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, 1, proc.terminates, "graceful stage attempted first")
	assert.Equal(t, 1, proc.kills, "forceful kill after grace period")
}

func TestCanceller_PatternSearch(t *testing.T) {
	// neither live handle nor persisted pid
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 0})

	proc := &mocks.Controller{}
	proc.On("FindByPattern", "j1").Return([]int{111, 222}, nil).Once()
	proc.On("Terminate", 111).Return(nil).Once()
	proc.On("Terminate", 222).Return(nil).Once()
	proc.On("Alive", 111).Return(false)
	proc.On("Alive", 222).Return(false)

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc,
		Grace: time.Second, KillWait: time.Second}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	proc.AssertExpectations(t)
}

func TestCanceller_PatternSearchDeadPIDsAreNoOps(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 0})

	proc := &mocks.Controller{}
	proc.On("FindByPattern", "j1").Return([]int{111}, nil).Once()
	proc.On("Terminate", 111).Return(sysproc.ErrNoProcess).Once()
	proc.On("Alive", 111).Return(false)

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc,
		Grace: time.Second, KillWait: time.Second}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err, "signaling a dead process must not prevent cancellation")
	assert.Equal(t, OutcomeCancelled, outcome)
}

func TestCanceller_NothingToKillAnywhere(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 0})

	proc := &mocks.Controller{}
	proc.On("FindByPattern", "j1").Return([]int{}, nil).Once()

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyStopped, outcome)

	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, job.Status)
}

func TestCanceller_SearchFailureTreatedAsNoMatch(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 0})

	proc := &mocks.Controller{}
	proc.On("FindByPattern", "j1").Return(nil, assert.AnError).Once()

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err, "os search errors are logged, not escalated")
	assert.Equal(t, OutcomeAlreadyStopped, outcome)
}

func TestCanceller_Idempotent(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusRunning, PID: 0})

	proc := &mocks.Controller{}
	proc.On("FindByPattern", "j1").Return([]int{}, nil).Once()

	var cleanups int
	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: proc,
		Cleanup: func(_ context.Context, _ string) { cleanups++ }}

	_, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)

	// second cancel: no error, job stays cancelled, cleanup not repeated
	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyStopped, outcome)
	assert.Equal(t, 1, cleanups)

	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, job.Status)
}

func TestCanceller_PendingJob(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd"}) // pending, never spawned

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: &mocks.Controller{}}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyStopped, outcome)

	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, job.Status)
}

func TestCanceller_CompletedJob(t *testing.T) {
	st := prepCancelStore(t, store.Job{ID: "j1", Command: "cmd", Status: store.StatusCompleted})

	c := &Canceller{Store: st, Registry: NewRegistry(), Proc: &mocks.Controller{}}

	outcome, err := c.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyStopped, outcome)
}
