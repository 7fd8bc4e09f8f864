// ABOUTME: Bounded worker pool for fire-and-forget background work
// ABOUTME: Each task runs under the pool context with its own error and panic boundary

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of background work. It should return when ctx is cancelled.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Options configures a Pool
type Options struct {
	Workers   int
	QueueSize int
}

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
	timers  map[uint64]*time.Timer
	nextID  uint64

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New starts a pool. Pass nil logger for default.
func New(opts Options, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan job, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[uint64]*time.Timer),
		logger: logger.With("component", "worker"),
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}

	p.logger.Debug("worker pool started", "workers", opts.Workers, "queue_size", opts.QueueSize)
	return p
}

// Submit queues fn without blocking. It returns false when the queue is full
// or the pool has stopped; the task is then dropped.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.logger.Warn("task rejected, pool stopped", "task", name)
		return false
	}

	select {
	case p.queue <- job{name: name, fn: fn}:
		return true
	default:
		p.logger.Warn("task rejected, queue full", "task", name, "queue_len", len(p.queue))
		return false
	}
}

// SubmitAfter queues fn once delay has passed. No worker is held while the
// delay runs. It returns false if the pool has stopped. The task is dropped
// if the pool stops first or the queue is full when the delay ends.
func (p *Pool) SubmitAfter(name string, delay time.Duration, fn Task) bool {
	if delay <= 0 {
		return p.Submit(name, fn)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.logger.Warn("task rejected, pool stopped", "task", name)
		return false
	}

	id := p.nextID
	p.nextID++
	// The callback takes p.mu, so it cannot run before the timer is recorded
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		_, pending := p.timers[id]
		delete(p.timers, id)
		p.mu.Unlock()
		if pending {
			p.Submit(name, fn)
		}
	})
	return true
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			p.run(id, j)
		}
	}
}

func (p *Pool) run(workerID int, j job) {
	p.running.Add(1)
	defer p.running.Add(-1)

	start := time.Now()
	err := p.safeCall(j)
	duration := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("task failed",
			"task", j.name,
			"worker", workerID,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return
	}
	p.completed.Add(1)
	p.logger.Debug("task finished", "task", j.name, "worker", workerID, "duration_ms", duration.Milliseconds())
}

// safeCall converts a panic into an error so one task cannot take down the process
func (p *Pool) safeCall(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("task panicked", "task", j.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return j.fn(p.ctx)
}

// Stats is a point-in-time view of pool activity
type Stats struct {
	Scheduled int   `json:"scheduled"`
	Queued    int   `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats reports queue depth and task counters
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	scheduled := len(p.timers)
	p.mu.RUnlock()
	return Stats{
		Scheduled: scheduled,
		Queued:    len(p.queue),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stop rejects new tasks, cancels the pool context and waits for running
// tasks to return or ctx to expire. Queued tasks that never started are
// dropped, as are delayed tasks still waiting on their timer.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if dropped := len(p.queue); dropped > 0 {
			p.logger.Warn("dropped queued tasks on stop", "count", dropped)
		}
		p.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}
