package relay

import "sync"

// workerSet tracks at most one delivery worker per tenant. A tenant stays
// registered from spawn until the dispatch loop reaps it, so a tenant whose
// worker has finished but not been reaped cannot get a second worker.
type workerSet struct {
	mu       sync.Mutex
	active   map[string]struct{}
	finished []string

	// wake has room for one pending notification; finishing workers never
	// block on it.
	wake chan struct{}
	wg   sync.WaitGroup
}

func newWorkerSet() *workerSet {
	return &workerSet{
		active: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// spawnIfAbsent starts fn for tenantID unless a worker for it is registered.
func (w *workerSet) spawnIfAbsent(tenantID string, fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.active[tenantID]; ok {
		return false
	}
	w.active[tenantID] = struct{}{}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.finish(tenantID)
		fn()
	}()
	return true
}

func (w *workerSet) finish(tenantID string) {
	w.mu.Lock()
	w.finished = append(w.finished, tenantID)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// reap unregisters every finished worker and returns how many there were.
func (w *workerSet) reap() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.finished)
	for _, tenantID := range w.finished {
		delete(w.active, tenantID)
	}
	w.finished = w.finished[:0]
	return n
}

// running returns the number of registered workers, reaped or not.
func (w *workerSet) running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// wait blocks until every spawned worker has returned.
func (w *workerSet) wait() {
	w.wg.Wait()
}
