package store

import "sync"

// ProjectLocks provides advisory exclusive locks keyed by project ID.
// Checkpoint create/restore hold one for the duration of their bulk rewrite
// so no scheduler mutation interleaves. Single-process authority means an
// in-process mutex registry is sufficient; the lock never outlives the
// process.
type ProjectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProjectLocks creates an empty lock registry.
func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the exclusive lock for a project, blocking until available.
func (p *ProjectLocks) Lock(projectID string) {
	p.get(projectID).Lock()
}

// Unlock releases a project's lock.
func (p *ProjectLocks) Unlock(projectID string) {
	p.get(projectID).Unlock()
}

func (p *ProjectLocks) get(projectID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[projectID]
	if !ok {
		m = &sync.Mutex{}
		p.locks[projectID] = m
	}
	return m
}
