// Package engine is a small durable execution runtime.
//
// Every instance owns an append-only history. A runner goroutine folds that
// history into a fresh workflow value, asks it for the next command, executes
// the command, and records the outcome as new events. Because workflows are
// pure folds, a restarted process rebuilds exactly the same state and resumes
// at the first step whose outcome is not recorded yet.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidroman0O/ordersaga/internal/clock"
	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/engine/queues"
	"github.com/davidroman0O/ordersaga/internal/logs"
)

const tracerName = "github.com/davidroman0O/ordersaga/internal/engine"

type Engine struct {
	registry *Registry
	store    history.Store
	router   *queues.Router
	logger   logs.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// identifies this process on instance leases
	owner string
	lease time.Duration

	pollInterval    time.Duration
	scanInterval    time.Duration
	retention       time.Duration
	janitorInterval time.Duration

	mu      deadlock.Mutex
	runCtx  context.Context
	runners map[string]*runner
	wg      sync.WaitGroup
}

type engineConfig struct {
	router          *queues.Router
	logger          logs.Logger
	now             func() time.Time
	owner           string
	lease           time.Duration
	pollInterval    time.Duration
	scanInterval    time.Duration
	retention       time.Duration
	janitorInterval time.Duration
}

type Option func(*engineConfig)

// WithRouter lets the engine run instances and activities of the queues bound on router.
// Without it the engine only starts, signals and queries instances other processes run.
func WithRouter(router *queues.Router) Option {
	return func(c *engineConfig) {
		c.router = router
	}
}

func WithLogger(logger logs.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithPollInterval sets how often suspended runners and AwaitResult look at the store.
func WithPollInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		c.pollInterval = d
	}
}

// WithScanInterval sets how often running instances of hosted queues are picked up.
func WithScanInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		c.scanInterval = d
	}
}

// WithRetention keeps terminal instances (and their ids) for d before purging them.
func WithRetention(d time.Duration) Option {
	return func(c *engineConfig) {
		c.retention = d
	}
}

func WithJanitorInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		c.janitorInterval = d
	}
}

// WithOwner names this engine on the instance leases it takes. Defaults to a random id.
func WithOwner(owner string) Option {
	return func(c *engineConfig) {
		c.owner = owner
	}
}

// WithLease sets how long a runner's claim on an instance lasts without renewal.
// A process that dies holding instances leaves them to others after d.
func WithLease(d time.Duration) Option {
	return func(c *engineConfig) {
		c.lease = d
	}
}

func withNow(now func() time.Time) Option {
	return func(c *engineConfig) {
		c.now = now
	}
}

func New(registry *Registry, store history.Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if store == nil {
		return nil, fmt.Errorf("history store required")
	}

	cfg := engineConfig{
		now:             time.Now,
		owner:           uuid.NewString(),
		lease:           15 * time.Second,
		pollInterval:    100 * time.Millisecond,
		scanInterval:    time.Second,
		retention:       24 * time.Hour,
		janitorInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logs.Discard()
	}
	if cfg.lease <= 0 {
		return nil, fmt.Errorf("lease must be positive")
	}
	if cfg.owner == "" {
		return nil, fmt.Errorf("owner required")
	}

	return &Engine{
		registry:        registry,
		store:           store,
		router:          cfg.router,
		logger:          cfg.logger,
		tracer:          otel.Tracer(tracerName),
		now:             cfg.now,
		owner:           cfg.owner,
		lease:           cfg.lease,
		pollInterval:    cfg.pollInterval,
		scanInterval:    cfg.scanInterval,
		retention:       cfg.retention,
		janitorInterval: cfg.janitorInterval,
		runners:         map[string]*runner{},
	}, nil
}

type startConfig struct {
	timeout  time.Duration
	parentID string
}

type StartOption func(*startConfig)

// WithExecutionTimeout terminates the instance if it is still running after d.
func WithExecutionTimeout(d time.Duration) StartOption {
	return func(c *startConfig) {
		c.timeout = d
	}
}

func withParent(id string) StartOption {
	return func(c *startConfig) {
		c.parentID = id
	}
}

// Start creates the instance and hands it to a local runner when its queue is hosted here.
func (e *Engine) Start(ctx context.Context, kind, id string, input any, opts ...StartOption) error {
	cfg := startConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	def, err := e.registry.Workflow(kind)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("instance id required")
	}

	payload, err := codec.Encode(input)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}

	ctx, span := e.tracer.Start(ctx, "start "+kind, trace.WithAttributes(
		attribute.String("instance_id", id),
		attribute.String("queue", def.Queue),
	))
	defer span.End()

	now := e.now()
	inst := history.Instance{
		ID:        id,
		Kind:      kind,
		Queue:     def.Queue,
		ParentID:  cfg.parentID,
		Status:    history.StatusRunning,
		CreatedAt: now.UnixNano(),
	}
	if cfg.timeout > 0 {
		inst.Deadline = now.Add(cfg.timeout).UnixNano()
	}

	started := history.Event{
		Type:    history.EventStarted,
		Name:    kind,
		Peer:    cfg.parentID,
		Payload: payload,
		At:      inst.Deadline,
		Time:    now.UnixNano(),
	}

	if err := e.store.Create(ctx, inst, started); err != nil {
		if errors.Is(err, history.ErrInstanceExists) {
			return errors.Join(ErrAlreadyExists, fmt.Errorf("instance %s", id))
		}
		e.logger.Error(ctx, err.Error(), "instance_id", id)
		return err
	}

	e.logger.Info(ctx, "instance started", "instance_id", id, "kind", kind, "queue", def.Queue, "parent_id", cfg.parentID)
	e.schedule(id, def.Queue)
	return nil
}

// Signal records a signal for the instance; it is folded at the next suspension point.
// Signals to terminal instances are dropped.
func (e *Engine) Signal(ctx context.Context, id, name string, payload any) error {
	return e.signal(ctx, id, name, payload, "")
}

func (e *Engine) signal(ctx context.Context, id, name string, payload any, sender string) error {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrInstanceNotFound) {
			return errors.Join(ErrNotFound, fmt.Errorf("instance %s", id))
		}
		return err
	}
	if inst.Status.Terminal() {
		e.logger.Debug(ctx, "signal to terminal instance dropped", "instance_id", id, "signal", name, "status", inst.Status)
		return nil
	}

	data, err := codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("signal %s: %w", name, err)
	}

	ev, err := e.store.Append(ctx, id, history.Event{
		Type:    history.EventSignalReceived,
		Name:    name,
		Peer:    sender,
		Payload: data,
		Time:    e.now().UnixNano(),
	})
	if err != nil {
		return err
	}

	e.logger.Debug(ctx, "signal recorded", "instance_id", id, "signal", name, "sender", sender, "seq", ev.Seq)
	e.wake(id)
	return nil
}

// Query folds the current history into a fresh workflow and asks it for a projection.
func (e *Engine) Query(ctx context.Context, id, name string) (any, error) {
	inst, events, err := e.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrInstanceNotFound) {
			return nil, errors.Join(ErrNotFound, fmt.Errorf("instance %s", id))
		}
		return nil, err
	}

	def, err := e.registry.Workflow(inst.Kind)
	if err != nil {
		return nil, err
	}

	wf := def.Factory()
	for _, ev := range events {
		if err := wf.Apply(ev); err != nil {
			return nil, errors.Join(ErrHistoryCorrupted, fmt.Errorf("instance %s event %d: %w", id, ev.Seq, err))
		}
	}
	return wf.Query(name)
}

// History returns the raw event log.
func (e *Engine) History(ctx context.Context, id string) ([]history.Event, error) {
	_, events, err := e.store.Load(ctx, id)
	if errors.Is(err, history.ErrInstanceNotFound) {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("instance %s", id))
	}
	return events, err
}

// Describe returns the instance metadata.
func (e *Engine) Describe(ctx context.Context, id string) (history.Instance, error) {
	inst, err := e.store.Get(ctx, id)
	if errors.Is(err, history.ErrInstanceNotFound) {
		return history.Instance{}, errors.Join(ErrNotFound, fmt.Errorf("instance %s", id))
	}
	return inst, err
}

// Outcome is the encoded result of a completed instance.
type Outcome struct {
	InstanceID string
	Payload    []byte
}

func (o Outcome) Decode(target any) error {
	return codec.DecodeInto(o.Payload, target)
}

// AwaitResult polls until the instance is terminal.
func (e *Engine) AwaitResult(ctx context.Context, id string) (Outcome, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		inst, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, history.ErrInstanceNotFound) {
				return Outcome{}, errors.Join(ErrNotFound, fmt.Errorf("instance %s", id))
			}
			return Outcome{}, err
		}
		if inst.Status.Terminal() {
			return e.outcome(ctx, id)
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) outcome(ctx context.Context, id string) (Outcome, error) {
	_, events, err := e.store.Load(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	ev, ok := terminalEvent(events)
	if !ok {
		return Outcome{}, errors.Join(ErrHistoryCorrupted, fmt.Errorf("instance %s closed without a terminal event", id))
	}
	switch ev.Type {
	case history.EventCompleted:
		return Outcome{InstanceID: id, Payload: ev.Payload}, nil
	case history.EventFailed:
		return Outcome{InstanceID: id}, &WorkflowFailure{InstanceID: id, Reason: ev.Message}
	default:
		return Outcome{InstanceID: id}, errors.Join(ErrTerminated, fmt.Errorf("instance %s: %s", id, ev.Message))
	}
}

// Run resumes hosted instances, keeps scanning for new ones, purges expired
// ones, and blocks until ctx is done. It then waits for the runners and shuts
// the queue pools down.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.runCtx = runCtx
	e.mu.Unlock()

	onError := func(err error) {
		e.logger.Error(runCtx, err.Error())
	}

	clk := clock.NewClock(runCtx, e.pollInterval, onError)
	clk.Add("recover", clock.TickerFunc(e.recoverInstances), clock.WithInterval(e.scanInterval))
	clk.Add("retention", clock.TickerFunc(e.purgeExpired), clock.WithInterval(e.janitorInterval))
	clk.Start()

	e.logger.Info(runCtx, "engine running", "queues", e.hostedQueues())
	<-runCtx.Done()

	clk.Stop()
	e.wg.Wait()

	if e.router != nil {
		if err := e.router.Shutdown(); err != nil {
			e.logger.Error(context.Background(), err.Error())
			return err
		}
	}
	e.logger.Info(context.Background(), "engine stopped")
	return nil
}

func (e *Engine) hostedQueues() []string {
	if e.router == nil {
		return nil
	}
	return e.router.Queues()
}

func (e *Engine) hosts(queue string) bool {
	return e.router != nil && e.router.Hosts(queue)
}

func (e *Engine) recoverInstances(ctx context.Context) error {
	if e.router == nil {
		return nil
	}
	running, err := e.store.List(ctx, history.StatusRunning)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, inst := range running {
		e.schedule(inst.ID, inst.Queue)
	}
	return nil
}

func (e *Engine) purgeExpired(ctx context.Context) error {
	cutoff := e.now().Add(-e.retention).UnixNano()
	for _, status := range []history.Status{history.StatusCompleted, history.StatusFailed, history.StatusTerminated} {
		closed, err := e.store.List(ctx, status)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		for _, inst := range closed {
			if inst.ClosedAt == 0 || inst.ClosedAt > cutoff {
				continue
			}
			if err := e.store.Purge(ctx, inst.ID); err != nil && !errors.Is(err, history.ErrInstanceNotFound) {
				return fmt.Errorf("retention purge %s: %w", inst.ID, err)
			}
			e.logger.Debug(ctx, "instance purged", "instance_id", inst.ID, "status", status)
		}
	}
	return nil
}
