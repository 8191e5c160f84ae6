// Package supervisor manages the OS processes behind training jobs: it spawns
// them detached, keeps live handles in a registry, re-associates jobs with
// their processes after a supervisor restart, and terminates them through a
// three-tier fallback when a job is cancelled.
package supervisor

import "sync"

// Handle is a live, in-memory view of a spawned training process. It exists
// only while the supervising process is alive and is never persisted.
// Terminate and Kill signal the whole process group.
type Handle interface {
	PID() int
	Done() <-chan struct{} // closed once the process exited
	Terminate() error
	Kill() error
}

// Registry maps job ids to live process handles. Entries are added at spawn
// time and removed when the process exits. Backed by sync.Map so operations
// on one job never block status checks of another.
type Registry struct {
	m sync.Map // job id -> Handle
}

// NewRegistry makes an empty registry
func NewRegistry() *Registry { return &Registry{} }

// Set registers the handle for a job, replacing any previous one
func (r *Registry) Set(jobID string, h Handle) { r.m.Store(jobID, h) }

// Get returns the live handle for a job if one is registered
func (r *Registry) Get(jobID string) (Handle, bool) {
	v, ok := r.m.Load(jobID)
	if !ok {
		return nil, false
	}
	return v.(Handle), true
}

// Delete removes the handle for a job, safe to call when absent
func (r *Registry) Delete(jobID string) { r.m.Delete(jobID) }

// Len returns the number of registered handles
func (r *Registry) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool { n++; return true })
	return n
}
