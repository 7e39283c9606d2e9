package job

import (
	"sync"
	"sync/atomic"

	"dockingserver/internal/apperrors"
)

// Registry maps IDs to live jobs. sync.RWMutex is writer-preferring: a pending
// Lock blocks new readers, so polls cannot starve submissions.
type Registry struct {
	next atomic.Int64

	mu   sync.RWMutex
	jobs map[ID]*Job
}

// NewRegistry returns an empty registry whose first ID is 1.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[ID]*Job)}
}

// NextID allocates a fresh, strictly increasing ID.
func (r *Registry) NextID() ID {
	return ID(r.next.Add(1))
}

// Store makes j visible. It fails if the ID is already registered.
func (r *Registry) Store(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID.String(), "id already registered")
	}
	r.jobs[j.ID] = j
	return nil
}

// Get returns the job for id.
func (r *Registry) Get(id ID) (*Job, error) {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("job", id.String())
	}
	return j, nil
}

// Retire removes id. Retiring an unknown id is a no-op.
func (r *Registry) Retire(id ID) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// snapshot returns the live jobs. Job locks are taken after the registry lock
// is released; lock order elsewhere is job before registry.
func (r *Registry) snapshot() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}
