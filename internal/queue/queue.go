// Package queue runs deferred orders on background workers.
package queue

import (
	"context"
	"sync"
	"time"

	"lv-tradehook/internal/metrics"
	"lv-tradehook/internal/model"
	"lv-tradehook/internal/venue"

	"go.uber.org/zap"
	"k8s.io/client-go/util/workqueue"
)

// Runner executes one job end to end. *orders.Service implements it.
type Runner interface {
	Execute(ctx context.Context, requestID string, job model.Job) (model.OrderResult, error)
}

type Options struct {
	Workers     int
	MaxRequeues int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Queue struct {
	q       workqueue.TypedRateLimitingInterface[model.Job]
	runner  Runner
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func New(runner Runner, opts Options, log *zap.Logger, m *metrics.Metrics) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	rl := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[model.Job](opts.BaseDelay, opts.MaxDelay),
	)
	return &Queue{
		q:       workqueue.NewTypedRateLimitingQueueWithConfig(rl, workqueue.TypedRateLimitingQueueConfig[model.Job]{Name: "orders"}),
		runner:  runner,
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Enqueue schedules job and returns its id immediately.
func (q *Queue) Enqueue(_ context.Context, job model.Job) (string, error) {
	q.q.Add(job)
	q.metrics.QueueDepth(q.q.Len())
	return job.ID, nil
}

func (q *Queue) Len() int {
	return q.q.Len()
}

// Start launches the workers. They exit once Shutdown drains the queue.
// Jobs run detached from ctx cancellation so that accepted work still
// executes during the drain.
func (q *Queue) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for q.processNext(ctx) {
			}
		}()
	}
}

func (q *Queue) processNext(ctx context.Context) bool {
	job, shutdown := q.q.Get()
	if shutdown {
		return false
	}
	defer q.q.Done(job)
	q.metrics.QueueDepth(q.q.Len())

	_, err := q.runner.Execute(ctx, job.ID, job)
	switch {
	case err == nil:
		q.q.Forget(job)
		q.metrics.QueueJob("succeeded")
	case venue.IsTransient(err) && q.q.NumRequeues(job) < q.opts.MaxRequeues:
		q.log.Warn("deferred order failed, requeueing",
			zap.String("job_id", job.ID),
			zap.Int("requeues", q.q.NumRequeues(job)),
			zap.Error(err),
		)
		q.q.AddRateLimited(job)
		q.metrics.QueueJob("requeued")
	default:
		q.q.Forget(job)
		q.log.Error("deferred order failed",
			zap.String("job_id", job.ID),
			zap.String("venue", job.Venue),
			zap.String("symbol", job.Symbol),
			zap.Error(err),
		)
		q.metrics.QueueJob("failed")
	}
	return true
}

// Shutdown stops accepting work, waits for queued jobs to finish and for the
// workers to exit.
func (q *Queue) Shutdown() {
	q.q.ShutDownWithDrain()
	q.wg.Wait()
}
