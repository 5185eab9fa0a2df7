package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

// DefaultCancelGrace bounds how long Shutdown waits for executions to unwind
// after their context has been cancelled.
const DefaultCancelGrace = 15 * time.Second

// Queue runs at most max requests at once and holds the rest in a FIFO backlog.
type Queue struct {
	run         RunFunc
	max         int
	logger      *slog.Logger
	observe     Observer
	cancelGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  int
	backlog []*protocol.Request
	closed  bool
	seq     uint64
	wg      sync.WaitGroup

	// notifyMu serialises observer calls; snapshots older than notified are
	// dropped so the observer never moves backwards.
	notifyMu sync.Mutex
	notified uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithObserver registers a hook that receives status snapshots.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observe = o }
}

// WithCancelGrace sets how long Shutdown keeps waiting once it has cancelled
// running executions. Zero means do not wait.
func WithCancelGrace(d time.Duration) Option {
	return func(q *Queue) { q.cancelGrace = d }
}

// New creates a queue. max below 1 is treated as 1.
func New(max int, run RunFunc, opts ...Option) *Queue {
	if max < 1 {
		max = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		run:         run,
		max:         max,
		logger:      slog.Default(),
		cancelGrace: DefaultCancelGrace,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit starts req immediately when a slot is free, otherwise appends it to
// the backlog. It never blocks on execution.
func (q *Queue) Submit(req *protocol.Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.active < q.max {
		q.active++
		q.start(req)
	} else {
		q.backlog = append(q.backlog, req)
		q.logger.Info("execution queued", "execution_id", req.ID, "position", len(q.backlog))
	}
	st, seq := q.snapshotLocked()
	q.mu.Unlock()

	q.notify(st, seq)
	return nil
}

// Status returns {active, queued, max}.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

// Shutdown stops admission and drops the backlog, then waits for active
// executions. If ctx ends first, the executions' context is cancelled and
// Shutdown waits up to the cancel grace for them to unwind (terminal
// callbacks and workspace cleanup run in that window) before returning
// ctx.Err().
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	dropped := q.backlog
	q.backlog = nil
	st, seq := q.snapshotLocked()
	q.mu.Unlock()

	for _, req := range dropped {
		q.logger.Warn("dropping queued execution on shutdown", "execution_id", req.ID)
	}
	q.notify(st, seq)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
	}

	q.cancel()
	if q.cancelGrace > 0 {
		grace := time.NewTimer(q.cancelGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			q.logger.Warn("executions still running after cancellation", "active", q.Status().Active, "grace", q.cancelGrace)
		}
	}
	return fmt.Errorf("waiting for active executions: %w", ctx.Err())
}

// start must be called with q.mu held and active already incremented.
func (q *Queue) start(req *protocol.Request) {
	q.wg.Add(1)
	go q.execute(req)
}

func (q *Queue) execute(req *protocol.Request) {
	defer q.wg.Done()
	defer q.finish()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("execution panicked",
				"execution_id", req.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	q.run(q.ctx, req)
}

// finish releases a slot and promotes the head of the backlog.
func (q *Queue) finish() {
	q.mu.Lock()
	q.active--
	if len(q.backlog) > 0 && !q.closed {
		next := q.backlog[0]
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		q.active++
		q.start(next)
	}
	st, seq := q.snapshotLocked()
	q.mu.Unlock()

	q.notify(st, seq)
}

func (q *Queue) statusLocked() Status {
	return Status{Active: q.active, Queued: len(q.backlog), Max: q.max}
}

// snapshotLocked stamps the current status with a sequence number so
// concurrent notifications can be put back in order.
func (q *Queue) snapshotLocked() (Status, uint64) {
	q.seq++
	return q.statusLocked(), q.seq
}

func (q *Queue) notify(st Status, seq uint64) {
	if q.observe == nil {
		return
	}
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	if seq <= q.notified {
		return
	}
	q.notified = seq
	q.observe(st)
}
