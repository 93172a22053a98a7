package queues

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidroman0O/retrypool"

	"github.com/davidroman0O/ordersaga/internal/logs"
)

// Pool is a retrypool of activity workers for one queue.
type Pool struct {
	ctx     context.Context
	queue   string
	pool    *retrypool.Pool[*request]
	logger  logs.Logger
	mu      sync.Mutex
	workers []int
	nextID  int
}

func newPool(ctx context.Context, queue string, logger logs.Logger) *Pool {
	p := &Pool{
		ctx:    ctx,
		queue:  queue,
		logger: logger,
	}

	opts := []retrypool.Option[*request]{
		retrypool.WithAttempts[*request](1), // the engine owns retries
		retrypool.WithPanicHandler[*request](p.onPanic),
		retrypool.WithRoundRobinAssignment[*request](),
	}
	p.pool = retrypool.New[*request](ctx, []retrypool.Worker[*request]{}, opts...)
	return p
}

func (p *Pool) Queue() string {
	return p.queue
}

func (p *Pool) AddWorker() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.pool.AddWorker(worker{id: p.nextID, queue: p.queue, logger: p.logger})
	p.workers = append(p.workers, id)
	return id
}

func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown stops the workers. A pool whose context is already done stops cleanly.
func (p *Pool) Shutdown() error {
	return p.pool.Close()
}

func (p *Pool) onPanic(task *request, v interface{}, stackTrace string) {
	p.logger.Error(p.ctx, "activity panicked", "queue", p.queue, "activity", task.Request.Activity, "panic", v, "stack", stackTrace)
	task.Complete(Result{Err: errors.Join(ErrTaskPanicked, fmt.Errorf("%s: %v", task.Request.Activity, v))})
}

func (p *Pool) dispatch(ctx context.Context, task Task) (Result, error) {
	req := retrypool.NewRequestResponse[Task, Result](task)
	if err := p.pool.Submit(req); err != nil {
		return Result{}, fmt.Errorf("submit %s to %s: %w", task.Activity, p.queue, err)
	}

	waitCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	res, err := req.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// the handler may still be running, its late result is dropped
			return Result{Err: errors.Join(ErrAttemptTimeout, fmt.Errorf("%s after %s", task.Activity, task.Timeout))}, nil
		}
		return Result{}, err
	}
	return res, nil
}

type worker struct {
	id     int
	queue  string
	logger logs.Logger
}

func (w worker) Run(ctx context.Context, data *request) error {
	task := data.Request

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	w.logger.Debug(runCtx, "running activity", "queue", w.queue, "worker", w.id, "activity", task.Activity, "instance_id", task.InstanceID, "attempt", task.Attempt)
	output, err := task.Handler(runCtx, task.Input)
	data.Complete(Result{Output: output, Err: err, WorkedBy: w.id})
	// failures travel in the result, the pool must not retry
	return nil
}
