package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Pool manages a fixed set of workers draining a bounded queue. Unlike a
// fire-and-forget pool, Stop finishes every task accepted before the stop
// began; producers that must not block use TrySubmit and treat ErrQueueFull
// as backpressure.
type Pool struct {
	config Config
	tasks  chan *Task
	quit   chan struct{}  // closed by Stop; workers drain then exit
	wg     sync.WaitGroup // worker goroutines
	taskWG sync.WaitGroup // in-flight and queued tasks
	once   sync.Once
	closed atomic.Bool

	stats *statsCollector
}

// New creates a pool with the given configuration and starts its workers.
//
// Example:
//
//	pool, err := workerpool.New(workerpool.Config{
//	    Workers: 4,
//	    QueueSize: 100,
//	    ShutdownTimeout: 5 * time.Second,
//	})
func New(config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	pool := &Pool{
		config: config,
		tasks:  make(chan *Task, config.QueueSize),
		quit:   make(chan struct{}),
		stats:  newStatsCollector(),
	}

	pool.startWorkers()

	return pool, nil
}

// NewDefault creates a pool with DefaultConfig.
func NewDefault() *Pool {
	pool, _ := New(DefaultConfig())
	return pool
}

func (p *Pool) startWorkers() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		p.stats.incActiveWorkers()

		go p.worker()
	}
}

// worker consumes tasks until the pool quits, then drains what is left in the
// queue before exiting. Accepted work is never dropped on a graceful stop.
func (p *Pool) worker() {
	defer func() {
		p.wg.Done()
		p.stats.decActiveWorkers()
	}()

	for {
		select {
		case task := <-p.tasks:
			p.executeTask(task)
		case <-p.quit:
			for {
				select {
				case task := <-p.tasks:
					p.executeTask(task)
				default:
					return
				}
			}
		}
	}
}

// executeTask executes a single task with panic recovery
func (p *Pool) executeTask(task *Task) {
	defer p.taskWG.Done()

	start := time.Now()
	failed := false

	defer func() {
		if r := recover(); r != nil {
			failed = true
			err := &TaskError{
				TaskID: task.ID,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  string(debug.Stack()),
			}
			if p.config.ErrorHandler != nil {
				p.config.ErrorHandler(err)
			}
		}
		p.stats.recordCompletion(time.Since(start), failed)
	}()

	select {
	case <-task.Ctx.Done():
		failed = true
		if p.config.ErrorHandler != nil {
			p.config.ErrorHandler(&TaskError{TaskID: task.ID, Err: task.Ctx.Err()})
		}
		return
	default:
	}

	if err := task.Fn(); err != nil {
		failed = true
		if p.config.ErrorHandler != nil {
			p.config.ErrorHandler(&TaskError{TaskID: task.ID, Err: err})
		}
	}
}

// Submit queues a task, blocking while the queue is full.
// Returns ErrPoolClosed once the pool has stopped.
func (p *Pool) Submit(fn func() error) error {
	return p.SubmitWithContext(context.Background(), fn)
}

// SubmitWithContext queues a task, blocking while the queue is full. The
// submission aborts when ctx is cancelled; the task itself is skipped if ctx
// is already cancelled when a worker picks it up.
func (p *Pool) SubmitWithContext(ctx context.Context, fn func() error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	task := newTask(fn, ctx)
	p.taskWG.Add(1)
	p.stats.recordSubmission()

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		p.taskWG.Done()
		return ErrPoolClosed
	case <-ctx.Done():
		p.taskWG.Done()
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking.
// Returns ErrQueueFull when the queue has no room.
//
// Example:
//
//	err := pool.TrySubmit(work)
//	if errors.Is(err, workerpool.ErrQueueFull) {
//	    // Reject upstream with an out-of-resources status
//	}
func (p *Pool) TrySubmit(fn func() error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	task := newTask(fn, context.Background())

	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}

	// Add before the send: a worker may pick the task up and call Done
	// before this function returns.
	p.taskWG.Add(1)

	select {
	case p.tasks <- task:
		p.stats.recordSubmission()
		return nil
	default:
		p.taskWG.Done()
		p.stats.recordRejection()
		return ErrQueueFull
	}
}

// Stop shuts the pool down: no new tasks are accepted, queued and in-flight
// tasks finish, workers exit. Returns ErrForcedShutdown when workers are
// still running after ShutdownTimeout.
func (p *Pool) Stop() error {
	var shutdownErr error

	p.once.Do(func() {
		p.closed.Store(true)
		close(p.quit)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.config.ShutdownTimeout):
			shutdownErr = ErrForcedShutdown
		}
	})

	return shutdownErr
}

// IsClosed returns true once Stop has been called.
func (p *Pool) IsClosed() bool {
	return p.closed.Load()
}

// QueueLen returns the number of tasks waiting for a worker. Drain waiters
// poll this together with Stats().ActiveWorkers to detect an idle pipeline.
func (p *Pool) QueueLen() int {
	return len(p.tasks)
}

// Stats returns current pool statistics.
// Safe for concurrent access.
func (p *Pool) Stats() Stats {
	return p.stats.snapshot(len(p.tasks))
}

// Wait blocks until every submitted task has completed.
// Does not prevent new task submission; use Stop for shutdown.
func (p *Pool) Wait() {
	p.taskWG.Wait()
}
