package docker

import (
	"sort"
	"sync"
)

// remoteState holds the runtime state for one submitted package.
type remoteState struct {
	containerID string
	volumeName  string
	jobs        []string
	held        bool // created without starting, released externally
}

// stateRepo maps remote ids to containers with thread-safe access.
type stateRepo struct {
	mu     sync.RWMutex
	nextID int
	remote map[int]*remoteState
	byJob  map[string]int // latest remote id of each job
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		remote: make(map[int]*remoteState),
		byJob:  make(map[string]int),
	}
}

// reserve allocates the next remote id. The slot holds nil until commit.
func (r *stateRepo) reserve() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.remote[r.nextID] = nil
	return r.nextID
}

// commit fills in a reserved slot. Ids found by reconciliation are
// committed directly and move the id counter past them.
func (r *stateRepo) commit(id int, rs *remoteState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[id] = rs
	if id > r.nextID {
		r.nextID = id
	}
	for _, name := range rs.jobs {
		if id >= r.byJob[name] {
			r.byJob[name] = id
		}
	}
}

// release removes a remote id. Returns the state if it existed.
func (r *stateRepo) release(id int) (*remoteState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, exists := r.remote[id]
	if !exists {
		return nil, false
	}
	delete(r.remote, id)
	if rs != nil {
		for _, name := range rs.jobs {
			if r.byJob[name] == id {
				delete(r.byJob, name)
			}
		}
	}
	return rs, true
}

// get retrieves a remote state. Returns (nil, true) if reserved but not
// yet committed.
func (r *stateRepo) get(id int) (*remoteState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, exists := r.remote[id]
	return rs, exists
}

// forJob returns the latest submission that ran jobName.
func (r *stateRepo) forJob(jobName string) (*remoteState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byJob[jobName]
	if !ok {
		return nil, false
	}
	rs := r.remote[id]
	return rs, rs != nil
}

// ids returns all committed remote ids in ascending order.
func (r *stateRepo) ids() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.remote))
	for id, rs := range r.remote {
		if rs != nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
