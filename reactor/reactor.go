// Package reactor implements the single-selector-thread I/O multiplexer of
// spec.md §4.1: one dedicated thread blocks on readiness selection and
// dispatches ready connections to their handler; registration crosses
// threads through a task queue; a timer serves ping/pong deadlines and
// other delayed work; a bounded worker pool runs user-callback dispatch so
// the selector thread itself never blocks.
//
// Grounded on the teacher's api/reactor.go (Register/Wait/Close contract)
// and internal/concurrency/eventloop.go's single dedicated goroutine
// pattern, generalized from the teacher's raw-fd epoll-only design to a
// net.Conn-based poller interface so the reactor can drive any transport
// that implements net.Conn (a plain TCPConn today, a TLS-wrapped or fake
// connection in tests tomorrow -- spec.md §1 calls out TLS and test
// transports as pluggable, external collaborators).
//
// Author: momentics <momentics@gmail.com>
package reactor

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/wsclient/api"
)

// Handler receives the socket-level events spec.md §4.2 describes: bytes
// read off the wire, a chance to drain pending writes once the socket is
// writable, and a single terminal close notification. It must stay
// non-blocking and never perform user-visible work directly -- that goes
// through Reactor.Submit instead, per spec.md §4.1's handler contract.
type Handler interface {
	OnData(chunk []byte)
	OnWritable()
	OnClosed(err error)
}

// Task is a unit of work run on the worker pool or the timer.
type Task func()

// pollTimeout bounds how stale a registration or a shutdown request can
// be before the selector thread notices it: the poller backend is given
// at most this long to block before the loop re-checks its queues. This
// trades a small, constant latency for avoiding a self-pipe/eventfd wake
// mechanism, which would otherwise need a second platform-specific path.
const pollTimeout = 50 * time.Millisecond

// Registration is returned by Reactor.Register. RequestWrite asks the
// backend to invoke Handler.OnWritable the next time the socket can
// accept more bytes; Close unregisters the connection without sending a
// close notification (the caller already knows it is closing).
type Registration interface {
	RequestWrite()
	Close()
}

// poller is the low-level, platform-specific multiplexing backend. Linux
// uses real epoll readiness (poller_linux.go); other platforms fall back
// to a portable per-connection goroutine emulation (poller_fallback.go)
// that preserves the exact same external contract.
type poller interface {
	register(conn net.Conn, h Handler) (Registration, error)
	wait(timeout time.Duration) error
	close()
}

// Reactor is the concrete implementation of spec.md §4.1.
type Reactor struct {
	logger api.Logger

	poller poller
	pool   *WorkerPool
	timer  *Timer

	regMu   sync.Mutex
	regTask *queue.Queue // queue of func() run on the selector thread

	alive   atomic.Bool
	done    chan struct{}
	stopped chan struct{}
	started sync.Once
}

// Option configures a Reactor at construction.
type Option func(*Reactor)

// WithLogger injects the logger sink (spec.md §6 injected services).
func WithLogger(l api.Logger) Option {
	return func(r *Reactor) { r.logger = l }
}

// WithWorkerCount sets the worker pool size (default 4).
func WithWorkerCount(n int) Option {
	return func(r *Reactor) { r.pool = NewWorkerPool(n) }
}

// New constructs a Reactor and starts its selector thread, timer thread
// and worker pool.
func New(opts ...Option) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, &api.Error{Code: api.ErrCodeResource, Message: "failed to initialize poller", Err: err}
	}

	r := &Reactor{
		logger:  api.NopLogger{},
		poller:  p,
		regTask: queue.New(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool == nil {
		r.pool = NewWorkerPool(4)
	}
	r.timer = NewTimer()
	r.alive.Store(true)

	r.started.Do(func() {
		go r.selectorLoop()
	})
	return r, nil
}

// Alive reports whether the reactor is still accepting registrations.
func (r *Reactor) Alive() bool { return r.alive.Load() }

// Register enqueues a registration task for the selector thread and
// blocks until that thread has run it. The actual epoll_ctl/goroutine-spawn
// happens on the selector thread the next time it drains the queue (within
// about one pollTimeout); the resulting Registration or error comes back
// through resultCh and is returned to the caller. Register does not return
// before the connection is registered with the poller.
func (r *Reactor) Register(conn net.Conn, h Handler) (Registration, error) {
	if !r.alive.Load() {
		return nil, &api.Error{Code: api.ErrCodeResource, Message: "reactor is not alive"}
	}
	resultCh := make(chan registerResult, 1)
	r.regMu.Lock()
	r.regTask.Add(func() {
		reg, err := r.poller.register(conn, h)
		resultCh <- registerResult{reg: reg, err: err}
	})
	r.regMu.Unlock()

	res := <-resultCh
	if res.err != nil {
		r.logger.Errorf("registration failed: %v", res.err)
	}
	return res.reg, res.err
}

type registerResult struct {
	reg Registration
	err error
}

// Schedule runs task once after delay, on the timer thread.
func (r *Reactor) Schedule(task Task, delay time.Duration) *TimerHandle {
	return r.timer.Schedule(task, delay)
}

// CancelSchedule cancels a previously scheduled task; idempotent.
func (r *Reactor) CancelSchedule(h *TimerHandle) {
	r.timer.Cancel(h)
}

// Submit runs task on the worker pool; silently drops it if the pool is
// shutting down, per spec.md §4.1.
func (r *Reactor) Submit(task Task) {
	r.pool.Submit(task)
}

// Destroy idempotently tears the reactor down: marks not-alive, shuts the
// pool down, purges the timer, interrupts the selector thread, and closes
// the poller (which cancels every still-registered handle), per spec.md
// §4.1.
func (r *Reactor) Destroy() {
	if !r.alive.CompareAndSwap(true, false) {
		return
	}
	close(r.done)
	<-r.stopped
	r.pool.Shutdown()
	r.timer.Stop()
}

// selectorLoop is the reactor's single dedicated thread: block on
// readiness, drain the registration queue, repeat, until Destroy closes
// r.done. Per spec.md §4.1 every exception here is caught and logged so
// the loop never dies from a single bad event.
func (r *Reactor) selectorLoop() {
	defer func() {
		r.poller.close()
		close(r.stopped)
	}()

	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.drainRegistrations()

		if err := r.safeWait(); err != nil {
			r.logger.Errorf("selector wait error: %v", err)
		}
	}
}

func (r *Reactor) drainRegistrations() {
	r.regMu.Lock()
	var tasks []func()
	for r.regTask.Length() > 0 {
		tasks = append(tasks, r.regTask.Remove().(func()))
	}
	r.regMu.Unlock()
	for _, t := range tasks {
		t()
	}
}

func (r *Reactor) safeWait() (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Stacktracef("recovered panic in selector loop: %v", p)
		}
	}()
	return r.poller.wait(pollTimeout)
}
