// Package workerpool runs engine background work, memtable flushes and
// deferred segment removal, on a fixed set of goroutines shared by every
// engine of a node.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/metrics"
)

var (
	// ErrStopped is returned for work submitted after Stop.
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type job struct {
	id   string
	ctx  context.Context
	fn   func(context.Context) error
	done chan<- error
}

// WorkerPool executes queued jobs. Jobs accepted before Stop always run.
type WorkerPool struct {
	name    string
	workers int
	jobs    chan job
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	active    atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewWorkerPool starts cfg.MaxWorkers workers.
func NewWorkerPool(cfg *Config) *WorkerPool {
	p := &WorkerPool{
		name:    cfg.Name,
		workers: cfg.MaxWorkers,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		stopped: make(chan struct{}),
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 64
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.jobs = make(chan job, queue)

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run(i)
	}
	p.logger.Info("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", queue))
	return p
}

func (p *WorkerPool) run(worker int) {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.execute(worker, j)
		case <-p.stopped:
			for {
				select {
				case j := <-p.jobs:
					p.execute(worker, j)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) execute(worker int, j job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	p.metrics.SetBackgroundQueueDepth(p.name, len(p.jobs))

	start := time.Now()
	err := p.call(j)
	elapsed := time.Since(start)
	p.metrics.RecordBackgroundTask(p.name, elapsed, err)
	if j.done != nil {
		j.done <- err
	}

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Background task failed",
			zap.String("pool", p.name),
			zap.Int("worker", worker),
			zap.String("task", j.id),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
	p.logger.Debug("Background task completed",
		zap.String("pool", p.name),
		zap.String("task", j.id),
		zap.Duration("duration", elapsed))
}

func (p *WorkerPool) call(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.id, r)
		}
	}()
	return j.fn(j.ctx)
}

// enqueue hands j to the workers. With block unset a full queue fails
// immediately; otherwise it waits for a slot, Stop or ctx.
func (p *WorkerPool) enqueue(ctx context.Context, j job, block bool) error {
	var err error
	select {
	case <-p.stopped:
		err = ErrStopped
	default:
		if block {
			select {
			case p.jobs <- j:
			case <-p.stopped:
				err = ErrStopped
			case <-ctx.Done():
				err = ctx.Err()
			}
		} else {
			select {
			case p.jobs <- j:
			default:
				err = ErrQueueFull
			}
		}
	}
	if err != nil {
		p.rejected.Add(1)
		p.metrics.RecordBackgroundTask(p.name, 0, err)
		return fmt.Errorf("%s: %w", p.name, err)
	}
	p.metrics.SetBackgroundQueueDepth(p.name, len(p.jobs))
	return nil
}

// Submit queues fn without waiting. Its result is only logged.
func (p *WorkerPool) Submit(id string, fn func(context.Context) error) error {
	return p.enqueue(context.Background(), job{id: id, ctx: context.Background(), fn: fn}, false)
}

// Go queues fn, waiting while the queue is full, and returns a channel that
// receives its result exactly once. fn runs with ctx's values but is not
// cancelled with it.
func (p *WorkerPool) Go(ctx context.Context, id string, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	j := job{id: id, ctx: context.WithoutCancel(ctx), fn: fn, done: done}
	if err := p.enqueue(ctx, j, true); err != nil {
		done <- err
	}
	return done
}

// Scheduler adapts the pool for fire-and-forget work such as removing
// segment files once their last reader is gone. Work that cannot be queued
// runs on its own goroutine.
func (p *WorkerPool) Scheduler() func(func()) {
	return func(fn func()) {
		err := p.Submit("deferred", func(context.Context) error {
			fn()
			return nil
		})
		if err != nil {
			go fn()
		}
	}
}

// Stop rejects new work and waits up to timeout for queued work to finish.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("pool", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s did not drain within %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timed out",
				zap.String("pool", p.name),
				zap.Int("queued", len(p.jobs)))
		}
	})
	return err
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.jobs),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
