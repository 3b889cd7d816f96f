// Package worker executes schedule fires: a bounded pool of goroutines
// feeds each fire through retry and circuit-breaker policy and persists
// the outcome as an execution row.
package worker

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/metrics"
)

// Job is one queued unit of work. The pool's context is canceled on
// shutdown, so jobs must honor it.
type Job func(ctx context.Context)

// Pool is a fixed-size worker pool with a bounded queue. Submission
// never blocks: a full queue rejects the job and the caller decides
// what that means.
type Pool struct {
	name   string
	size   int
	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	active    prometheus.Gauge
	queued    prometheus.Gauge
	processed prometheus.Counter
	rejected  prometheus.Counter
}

// NewPool creates a stopped pool. The queue holds twice the worker
// count unless queueDepth says otherwise.
func NewPool(name string, size, queueDepth int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = size * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:      name,
		size:      size,
		jobs:      make(chan Job, queueDepth),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With(zap.String("component", "worker_pool"), zap.String("pool", name)),
		active:    metrics.WorkerPoolGauges.WithLabelValues(name, "active_workers"),
		queued:    metrics.WorkerPoolGauges.WithLabelValues(name, "queued_jobs"),
		processed: metrics.WorkerPoolCounters.WithLabelValues(name, "processed_jobs"),
		rejected:  metrics.WorkerPoolCounters.WithLabelValues(name, "rejected_jobs"),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		p.active.Inc()
		go p.worker()
	}
	p.log.Info("worker pool started",
		zap.Int("workers", p.size), zap.Int("queue_depth", cap(p.jobs)))
}

// TrySubmit queues a job without blocking. Reports false when the pool
// is stopped or the queue is full.
func (p *Pool) TrySubmit(job Job) bool {
	if p.ctx.Err() != nil {
		p.rejected.Inc()
		return false
	}
	select {
	case p.jobs <- job:
		p.queued.Inc()
		return true
	default:
		p.rejected.Inc()
		return false
	}
}

// Stop cancels in-flight jobs and waits for the workers to exit,
// bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTransient, "worker pool drain interrupted", ctx.Err())
	}
}

// QueueLen reports how many jobs are waiting.
func (p *Pool) QueueLen() int {
	return len(p.jobs)
}

func (p *Pool) worker() {
	defer func() {
		p.active.Dec()
		p.wg.Done()
	}()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.queued.Dec()
			job(p.ctx)
			p.processed.Inc()
		}
	}
}
