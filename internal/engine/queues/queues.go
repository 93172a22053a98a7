// Package queues binds named task queues to worker pools.
//
// Routing is an exact label match. A task is only ever handed to workers of
// the pool bound to its queue, and a process only sees the queues it binds.
package queues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/ordersaga/internal/logs"
)

var (
	ErrUnknownQueue   = errors.New("queue not bound")
	ErrQueueBound     = errors.New("queue already bound")
	ErrAttemptTimeout = errors.New("attempt timed out")
	ErrTaskPanicked   = errors.New("task panicked")
)

// Handler runs one attempt of an activity.
type Handler func(ctx context.Context, input []byte) ([]byte, error)

type Task struct {
	InstanceID string
	StepID     string
	Activity   string
	Attempt    uint64
	Input      []byte
	// zero means no per-attempt deadline
	Timeout time.Duration
	Handler Handler
}

type Result struct {
	Output   []byte
	Err      error
	WorkedBy int
}

type request = retrypool.RequestResponse[Task, Result]

type Router struct {
	mu     deadlock.RWMutex
	ctx    context.Context
	pools  map[string]*Pool
	logger logs.Logger
}

func NewRouter(ctx context.Context, logger logs.Logger) *Router {
	if logger == nil {
		logger = logs.Discard()
	}
	return &Router{
		ctx:    ctx,
		pools:  map[string]*Pool{},
		logger: logger,
	}
}

// Bind creates the pool for queue with the given number of workers.
func (r *Router) Bind(queue string, workers int) (*Pool, error) {
	if queue == "" {
		return nil, fmt.Errorf("empty queue name")
	}
	if workers <= 0 {
		return nil, fmt.Errorf("queue %s: workers must be positive, got %d", queue, workers)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[queue]; ok {
		return nil, errors.Join(ErrQueueBound, fmt.Errorf("queue %s", queue))
	}

	pool := newPool(r.ctx, queue, r.logger)
	for i := 0; i < workers; i++ {
		pool.AddWorker()
	}
	r.pools[queue] = pool
	r.logger.Debug(r.ctx, "queue bound", "queue", queue, "workers", workers)
	return pool, nil
}

func (r *Router) Hosts(queue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[queue]
	return ok
}

func (r *Router) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for name := range r.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch submits the task to the pool bound to queue and waits for its result.
// A returned error means the task could not be run or awaited; the handler's own
// failure is in Result.Err.
func (r *Router) Dispatch(ctx context.Context, queue string, task Task) (Result, error) {
	r.mu.RLock()
	pool, ok := r.pools[queue]
	r.mu.RUnlock()
	if !ok {
		return Result{}, errors.Join(ErrUnknownQueue, fmt.Errorf("queue %s", queue))
	}
	return pool.dispatch(ctx, task)
}

func (r *Router) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, pool := range r.pools {
		err := pool.Shutdown()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
		}
	}
	r.pools = map[string]*Pool{}
	return errors.Join(errs...)
}
