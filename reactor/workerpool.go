package reactor

import (
	"sync"

	"github.com/eapache/queue"
)

// WorkerPool runs user-callback dispatch off the selector thread, per
// spec.md §4.1. Grounded directly on the teacher's
// internal/concurrency/executor.go: an eapache/queue-backed task queue
// drained by a fixed set of worker goroutines.
type WorkerPool struct {
	mu    sync.Mutex
	q     *queue.Queue
	notify chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewWorkerPool starts n worker goroutines.
func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	p := &WorkerPool{
		q:      queue.New(),
		notify: make(chan struct{}, n),
		stop:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit enqueues task; it is silently dropped if the pool is shutting
// down, per spec.md §4.1.
func (p *WorkerPool) Submit(task Task) {
	select {
	case <-p.stop:
		return
	default:
	}
	p.mu.Lock()
	p.q.Add(task)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		task, ok := p.dequeue()
		if !ok {
			select {
			case <-p.notify:
			case <-p.stop:
				return
			}
			continue
		}
		func() {
			defer func() { _ = recover() }()
			task()
		}()
	}
}

func (p *WorkerPool) dequeue() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Length() == 0 {
		return nil, false
	}
	return p.q.Remove().(Task), true
}

// Shutdown stops accepting new work and waits for in-flight tasks to drain.
func (p *WorkerPool) Shutdown() {
	select {
	case <-p.stop:
		return
	default:
		close(p.stop)
	}
	p.wg.Wait()
}
