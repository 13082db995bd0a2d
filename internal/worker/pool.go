// Package worker runs fire-and-forget tasks (memory writes, audit entries,
// decision logs) on a bounded pool so they never block a request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/easeaico/family-agent/internal/metrics"
)

// Task is a unit of background work. The context is detached from the
// submitting request and bounded by the pool's task timeout.
type Task func(ctx context.Context) error

// Options configures a Pool.
type Options struct {
	// Name labels the pool in logs and metrics.
	Name string
	// Concurrency is the number of worker goroutines (default 4).
	Concurrency int
	// QueueSize bounds the number of queued tasks (default 256). Submissions
	// beyond that are dropped.
	QueueSize int
	// TaskTimeout bounds each task (default 10s).
	TaskTimeout time.Duration
}

type job struct {
	name string
	task Task
}

// Pool is a bounded background worker pool.
type Pool struct {
	opts   Options
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given options.
func New(opts Options) *Pool {
	if opts.Name == "" {
		opts.Name = "background"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:   opts,
		jobs:   make(chan job, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// Submit enqueues a task without blocking. It reports false when the pool is
// closed or its queue is full; the task is then dropped.
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		metrics.BackgroundTasks.WithLabelValues(p.opts.Name, name, "dropped").Inc()
		return false
	}
	select {
	case p.jobs <- job{name: name, task: task}:
		return true
	default:
		metrics.BackgroundTasks.WithLabelValues(p.opts.Name, name, "dropped").Inc()
		log.Warn().Str("pool", p.opts.Name).Str("task", name).Msg("background queue full, task dropped")
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish. When the
// timeout elapses first, running tasks are cancelled.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		log.Warn().Str("pool", p.opts.Name).Dur("timeout", timeout).Msg("background pool shutdown timeout exceeded")
		return errors.New("background pool shutdown timed out")
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.TaskTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.task(ctx)
	}()

	if err != nil {
		metrics.BackgroundTasks.WithLabelValues(p.opts.Name, j.name, "failed").Inc()
		log.Warn().Err(err).Str("pool", p.opts.Name).Str("task", j.name).Msg("background task failed")
		return
	}
	metrics.BackgroundTasks.WithLabelValues(p.opts.Name, j.name, "ok").Inc()
}
