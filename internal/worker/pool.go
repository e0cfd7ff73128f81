package worker

import (
	"sync"

	"github.com/ruralpay/payments-core/internal/metrics"
)

type task func()

// Pool runs best-effort background work on a fixed number of goroutines.
type Pool struct {
	wg     sync.WaitGroup
	jobs   chan task
	mu     sync.RWMutex
	closed bool
}

func NewPool(n, queue int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	p := &Pool{jobs: make(chan task, queue)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				metrics.WorkerQueueDepth.Dec()
				job()
			}
		}()
	}
	return p
}

// TrySubmit queues f without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *Pool) TrySubmit(f task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- f:
		metrics.WorkerQueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Stop drains queued jobs and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
