package profile

import "sync"

// Pool is the live queue of profiles offered to new participants during a
// run. Assignment pops the head; returned profiles go back to the head so
// they are offered again first. All operations are atomic.
type Pool struct {
	mu     sync.Mutex
	queue  []Profile
	loaded map[string]struct{}
}

// NewPool creates a pool holding profiles in the given order.
func NewPool(profiles []Profile) *Pool {
	p := &Pool{
		queue:  append([]Profile(nil), profiles...),
		loaded: make(map[string]struct{}, len(profiles)),
	}
	for _, pr := range profiles {
		p.loaded[pr.FQName()] = struct{}{}
	}
	return p
}

// Assign removes and returns the head of the queue.
func (p *Pool) Assign() (Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Profile{}, false
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	return head, true
}

// Return inserts pr at the head of the queue. It reports false, and leaves
// the pool unchanged, when pr was not loaded into this pool or is already
// queued, so the pool never grows beyond its loaded set.
func (p *Pool) Return(pr Profile) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fq := pr.FQName()
	if _, ok := p.loaded[fq]; !ok {
		return false
	}
	if p.indexLocked(fq) >= 0 {
		return false
	}
	p.queue = append([]Profile{pr}, p.queue...)
	return true
}

// Claim removes the named profile from the queue wherever it is.
// Used when a resumed session takes back the profile it held.
func (p *Pool) Claim(fqName string) (Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(fqName)
	if i < 0 {
		return Profile{}, false
	}
	pr := p.queue[i]
	p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
	return pr, true
}

// Len returns the number of queued profiles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Loaded returns the number of profiles the pool was created with.
func (p *Pool) Loaded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loaded)
}

// Snapshot returns a copy of the queue in offer order.
func (p *Pool) Snapshot() []Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Profile(nil), p.queue...)
}

func (p *Pool) indexLocked(fqName string) int {
	for i, pr := range p.queue {
		if pr.FQName() == fqName {
			return i
		}
	}
	return -1
}
