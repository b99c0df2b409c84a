package scheduler

import (
	"sync"
)

// Queue is a thread-safe FIFO of domains with deduplication
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	seen    map[string]bool
	stopped bool
}

// NewQueue creates a new domain queue
func NewQueue() *Queue {
	q := &Queue{
		items: make([]string, 0),
		seen:  make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a domain if it was never queued before.
// Returns true if added, false if duplicate or stopped.
func (q *Queue) Push(domain string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.seen[domain] {
		return false
	}

	q.seen[domain] = true
	q.items = append(q.items, domain)

	// Signal waiting workers
	q.cond.Signal()

	return true
}

// Pop removes and returns the first domain.
// Blocks while the queue is empty and not stopped; returns ("", false) once stopped and drained.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			domain := q.items[0]
			q.items = q.items[1:]
			return domain, true
		}

		if q.stopped {
			return "", false
		}

		q.cond.Wait()
	}
}

// Size returns the current number of queued domains
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop closes the queue to new domains. Workers blocked on Pop drain the remaining
// domains, then receive false.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}

// Drain stops the queue and discards what is left, returning the discarded domains
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.items
	q.items = nil
	q.stopped = true
	q.cond.Broadcast()
	return remaining
}
