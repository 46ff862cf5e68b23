package mutation

import "sync"

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Runner serializes mutations per entity key. Different keys run
// concurrently. The zero value is ready to use.
type Runner struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func NewRunner() *Runner {
	return &Runner{locks: map[string]*keyLock{}}
}

// lock acquires the key's mutex, creating it if needed, and returns the
// unlock func. Idle locks are dropped so the map does not grow with every
// entity ever touched.
func (r *Runner) lock(key string) func() {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = map[string]*keyLock{}
	}
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// Held reports how many keys currently have a lock entry.
func (r *Runner) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
