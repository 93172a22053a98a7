package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/engine/queues"
)

type harness struct {
	engine *Engine
	store  history.Store
	stop   func()
}

func memoryStore(t *testing.T) history.Store {
	t.Helper()
	store, err := history.NewMemoryStore()
	require.NoError(t, err)
	return store
}

// start runs an engine hosting testQueue until the test ends or stop is called.
func start(t *testing.T, store history.Store, registry *Registry, opts ...Option) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	router := queues.NewRouter(ctx, nil)
	_, err := router.Bind(testQueue, 2)
	require.NoError(t, err)

	opts = append([]Option{
		WithRouter(router),
		WithPollInterval(5 * time.Millisecond),
		WithScanInterval(10 * time.Millisecond),
	}, opts...)
	e, err := New(registry, store, opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var stopped atomic.Bool
	stop := func() {
		if stopped.Swap(true) {
			return
		}
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	}
	t.Cleanup(stop)

	return &harness{engine: e, store: store, stop: stop}
}

func awaitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func callRegistry(t *testing.T, handler func(context.Context, string) (string, error), policy RetryPolicy) *Registry {
	t.Helper()
	reg, err := NewRegistry().
		Workflow(WorkflowDefinition{Kind: "call", Queue: testQueue, Factory: func() Workflow { return &callFlow{activity: "echo"} }}).
		Activity(ActivityDefinition{Name: "echo", Queue: testQueue, Handler: ActivityOf(handler), Policy: policy}).
		Build()
	require.NoError(t, err)
	return reg
}

func eventsOf(events []history.Event, typ history.EventType) []history.Event {
	var out []history.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestActivityRetriesUntilSuccess(t *testing.T) {
	f := &flaky{failures: 2}
	h := start(t, memoryStore(t), callRegistry(t, f.handle, fastPolicy(3)))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "call", "call-1", "hello"))

	out, err := h.engine.AwaitResult(ctx, "call-1")
	require.NoError(t, err)

	var result string
	require.NoError(t, out.Decode(&result))
	assert.Equal(t, "hello!", result)
	assert.Equal(t, int64(3), f.calls.Load())

	events, err := h.engine.History(ctx, "call-1")
	require.NoError(t, err)
	failed := eventsOf(events, history.EventActivityFailed)
	require.Len(t, failed, 2)
	for i, ev := range failed {
		assert.Equal(t, uint64(i+1), ev.Attempt)
		assert.False(t, ev.Final)
		assert.Equal(t, KindTransient, ev.Kind)
	}
	completed := eventsOf(events, history.EventActivityCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, uint64(3), completed[0].Attempt)

	inst, err := h.engine.Describe(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, inst.Status)
	assert.NotZero(t, inst.ClosedAt)
}

func TestActivityGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	handler := func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		return "", errBoom
	}
	h := start(t, memoryStore(t), callRegistry(t, handler, fastPolicy(3)))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "call", "call-2", "x"))

	_, err := h.engine.AwaitResult(ctx, "call-2")
	var failure *WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "activity echo failed after 3 attempt(s): boom", failure.Reason)
	assert.Equal(t, int64(3), calls.Load())

	events, err := h.engine.History(ctx, "call-2")
	require.NoError(t, err)
	failed := eventsOf(events, history.EventActivityFailed)
	require.Len(t, failed, 3)
	assert.True(t, failed[2].Final)
}

func TestNonRetryableKindFailsOnFirstAttempt(t *testing.T) {
	f := &flaky{failures: 10, err: kindError{kind: "Invalid", msg: "bad input"}}
	policy := fastPolicy(5)
	policy.NonRetryable = []string{"Invalid"}
	h := start(t, memoryStore(t), callRegistry(t, f.handle, policy))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "call", "call-3", "x"))

	_, err := h.engine.AwaitResult(ctx, "call-3")
	var failure *WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Reason, "after 1 attempt(s): bad input")
	assert.Equal(t, int64(1), f.calls.Load())

	events, err := h.engine.History(ctx, "call-3")
	require.NoError(t, err)
	failed := eventsOf(events, history.EventActivityFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "Invalid", failed[0].Kind)
	assert.True(t, failed[0].Final)
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int64
	handler := func(ctx context.Context, in string) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return in, nil
	}
	reg, err := NewRegistry().
		Workflow(WorkflowDefinition{Kind: "call", Queue: testQueue, Factory: func() Workflow { return &callFlow{activity: "slow"} }}).
		Activity(ActivityDefinition{Name: "slow", Queue: testQueue, Handler: ActivityOf(handler), Policy: fastPolicy(2), Timeout: 20 * time.Millisecond}).
		Build()
	require.NoError(t, err)

	h := start(t, memoryStore(t), reg)
	ctx := awaitCtx(t)
	require.NoError(t, h.engine.Start(ctx, "call", "slow-1", "late"))

	out, err := h.engine.AwaitResult(ctx, "slow-1")
	require.NoError(t, err)
	var result string
	require.NoError(t, out.Decode(&result))
	assert.Equal(t, "late", result)
	assert.Equal(t, int64(2), calls.Load())
}

func TestStartTwiceIsRejected(t *testing.T) {
	h := start(t, memoryStore(t), callRegistry(t, (&flaky{}).handle, fastPolicy(1)))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "call", "dup", "a"))
	err := h.engine.Start(ctx, "call", "dup", "b")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = h.engine.Start(ctx, "nope", "other", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestSignalUnknownInstance(t *testing.T) {
	h := start(t, memoryStore(t), callRegistry(t, (&flaky{}).handle, fastPolicy(1)))

	err := h.engine.Signal(context.Background(), "ghost", "approve", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.engine.Query(context.Background(), "ghost", "result")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignalToClosedInstanceIsDropped(t *testing.T) {
	h := start(t, memoryStore(t), callRegistry(t, (&flaky{}).handle, fastPolicy(1)))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "call", "closed", "a"))
	_, err := h.engine.AwaitResult(ctx, "closed")
	require.NoError(t, err)

	before, err := h.engine.History(ctx, "closed")
	require.NoError(t, err)

	require.NoError(t, h.engine.Signal(ctx, "closed", "cancel", nil))

	after, err := h.engine.History(ctx, "closed")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestQueryDoesNotAppend(t *testing.T) {
	h := start(t, memoryStore(t), callRegistry(t, (&flaky{}).handle, fastPolicy(1)))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "call", "q", "a"))
	_, err := h.engine.AwaitResult(ctx, "q")
	require.NoError(t, err)

	before, err := h.engine.History(ctx, "q")
	require.NoError(t, err)

	v, err := h.engine.Query(ctx, "q", "result")
	require.NoError(t, err)
	assert.Equal(t, "a!", v)

	_, err = h.engine.Query(ctx, "q", "other")
	assert.ErrorIs(t, err, ErrUnknownQuery)

	after, err := h.engine.History(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func gateRegistry(t *testing.T, timeout time.Duration, first, second func(context.Context, string) (string, error)) *Registry {
	t.Helper()
	reg, err := NewRegistry().
		Workflow(WorkflowDefinition{Kind: "gate", Queue: testQueue, Factory: func() Workflow { return &gateFlow{timeout: timeout} }}).
		Activity(ActivityDefinition{Name: "first", Queue: testQueue, Handler: ActivityOf(first), Policy: fastPolicy(1)}).
		Activity(ActivityDefinition{Name: "second", Queue: testQueue, Handler: ActivityOf(second), Policy: fastPolicy(1)}).
		Build()
	require.NoError(t, err)
	return reg
}

func TestConditionTimesOut(t *testing.T) {
	var first, second flaky
	h := start(t, memoryStore(t), gateRegistry(t, 30*time.Millisecond, first.handle, second.handle))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "gate", "gate-1", nil))

	out, err := h.engine.AwaitResult(ctx, "gate-1")
	require.NoError(t, err)
	var result string
	require.NoError(t, out.Decode(&result))
	assert.Equal(t, "timed out", result)
	assert.Equal(t, int64(0), second.calls.Load())

	events, err := h.engine.History(ctx, "gate-1")
	require.NoError(t, err)
	timers := eventsOf(events, history.EventTimerStarted)
	resolved := eventsOf(events, history.EventConditionResolved)
	require.Len(t, timers, 1)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].TimedOut)
	assert.Equal(t, timers[0].At, resolved[0].At)
}

func TestConditionSatisfiedBySignal(t *testing.T) {
	var first, second flaky
	h := start(t, memoryStore(t), gateRegistry(t, time.Hour, first.handle, second.handle))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "gate", "gate-2", nil))
	waitFor(t, h.store, "gate-2", history.EventTimerStarted)

	require.NoError(t, h.engine.Signal(ctx, "gate-2", "go", nil))

	out, err := h.engine.AwaitResult(ctx, "gate-2")
	require.NoError(t, err)
	var result string
	require.NoError(t, out.Decode(&result))
	assert.Equal(t, "opened", result)

	events, err := h.engine.History(ctx, "gate-2")
	require.NoError(t, err)
	resolved := eventsOf(events, history.EventConditionResolved)
	require.Len(t, resolved, 1)
	assert.False(t, resolved[0].TimedOut)
}

func waitFor(t *testing.T, store history.Store, id string, typ history.EventType) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, events, err := store.Load(context.Background(), id)
		return err == nil && len(eventsOf(events, typ)) > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestReplayResumesWithoutRerunningActivities(t *testing.T) {
	store := memoryStore(t)

	var first1, second1 flaky
	h1 := start(t, store, gateRegistry(t, time.Hour, first1.handle, second1.handle))
	ctx := awaitCtx(t)

	require.NoError(t, h1.engine.Start(ctx, "gate", "gate-3", nil))
	waitFor(t, store, "gate-3", history.EventTimerStarted)
	h1.stop()
	assert.Equal(t, int64(1), first1.calls.Load())

	var first2, second2 flaky
	h2 := start(t, store, gateRegistry(t, time.Hour, first2.handle, second2.handle))

	require.NoError(t, h2.engine.Signal(ctx, "gate-3", "go", nil))
	out, err := h2.engine.AwaitResult(ctx, "gate-3")
	require.NoError(t, err)

	var result string
	require.NoError(t, out.Decode(&result))
	assert.Equal(t, "opened", result)
	assert.Equal(t, int64(0), first2.calls.Load())
	assert.Equal(t, int64(1), second2.calls.Load())

	events, err := h2.engine.History(ctx, "gate-3")
	require.NoError(t, err)
	assert.Len(t, eventsOf(events, history.EventTimerStarted), 1)
}

func childRegistry(t *testing.T, work func(context.Context, string) (string, error)) *Registry {
	t.Helper()
	reg, err := NewRegistry().
		Workflow(WorkflowDefinition{Kind: "parent", Queue: testQueue, Factory: func() Workflow { return &parentFlow{} }}).
		Workflow(WorkflowDefinition{Kind: "child", Queue: testQueue, Factory: func() Workflow { return &childFlow{} }}).
		Activity(ActivityDefinition{Name: "work", Queue: testQueue, Handler: ActivityOf(work), Policy: fastPolicy(2)}).
		Build()
	require.NoError(t, err)
	return reg
}

func TestChildCompletes(t *testing.T) {
	h := start(t, memoryStore(t), childRegistry(t, (&flaky{}).handle))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "parent", "p1", "box"))

	out, err := h.engine.AwaitResult(ctx, "p1")
	require.NoError(t, err)
	var result string
	require.NoError(t, out.Decode(&result))
	assert.Equal(t, "parent:box!", result)

	child, err := h.engine.Describe(ctx, ChildID("child", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "p1", child.ParentID)
	assert.Equal(t, history.StatusCompleted, child.Status)
}

func TestChildFailureReachesParentAfterItsSignal(t *testing.T) {
	h := start(t, memoryStore(t), childRegistry(t, always(errBoom)))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "parent", "p2", "box"))

	_, err := h.engine.AwaitResult(ctx, "p2")
	var failure *WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "child child-p2 failed: boom", failure.Reason)

	heard, err := h.engine.Query(ctx, "p2", "signals")
	require.NoError(t, err)
	assert.Equal(t, []string{"failing:boom"}, heard)

	events, err := h.engine.History(ctx, "p2")
	require.NoError(t, err)
	var signalSeq, failedSeq uint64
	for _, ev := range events {
		switch ev.Type {
		case history.EventSignalReceived:
			signalSeq = ev.Seq
			assert.Equal(t, "child-p2", ev.Peer)
		case history.EventChildFailed:
			failedSeq = ev.Seq
		}
	}
	require.NotZero(t, signalSeq)
	assert.Less(t, signalSeq, failedSeq)

	childEvents, err := h.engine.History(ctx, "child-p2")
	require.NoError(t, err)
	sent := eventsOf(childEvents, history.EventSignalSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "p2", sent[0].Peer)
	assert.Empty(t, sent[0].Message)
}

func TestSignalParentWithoutParent(t *testing.T) {
	h := start(t, memoryStore(t), childRegistry(t, always(errBoom)))
	ctx := awaitCtx(t)

	// a child kind started directly has nobody to tell
	require.NoError(t, h.engine.Start(ctx, "child", "orphan", "box"))

	_, err := h.engine.AwaitResult(ctx, "orphan")
	var failure *WorkflowFailure
	require.ErrorAs(t, err, &failure)

	events, err := h.engine.History(ctx, "orphan")
	require.NoError(t, err)
	sent := eventsOf(events, history.EventSignalSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "no parent", sent[0].Message)
}

func TestExecutionTimeoutTerminates(t *testing.T) {
	var first, second flaky
	h := start(t, memoryStore(t), gateRegistry(t, time.Hour, first.handle, second.handle))
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "gate", "late", nil, WithExecutionTimeout(40*time.Millisecond)))

	_, err := h.engine.AwaitResult(ctx, "late")
	assert.ErrorIs(t, err, ErrTerminated)

	inst, err := h.engine.Describe(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, history.StatusTerminated, inst.Status)

	// terminal instances ignore signals
	require.NoError(t, h.engine.Signal(ctx, "late", "go", nil))
	assert.Equal(t, int64(0), second.calls.Load())
}

func TestUnknownActivityFailsInstance(t *testing.T) {
	reg, err := NewRegistry().
		Workflow(WorkflowDefinition{Kind: "call", Queue: testQueue, Factory: func() Workflow { return &callFlow{activity: "missing"} }}).
		Build()
	require.NoError(t, err)

	h := start(t, memoryStore(t), reg)
	ctx := awaitCtx(t)
	require.NoError(t, h.engine.Start(ctx, "call", "broken", "a"))

	_, err = h.engine.AwaitResult(ctx, "broken")
	var failure *WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Reason, "unknown activity")
}

func TestUnboundActivityQueueFailsInstance(t *testing.T) {
	reg, err := NewRegistry().
		Workflow(WorkflowDefinition{Kind: "call", Queue: testQueue, Factory: func() Workflow { return &callFlow{activity: "far"} }}).
		Activity(ActivityDefinition{Name: "far", Queue: "elsewhere", Handler: ActivityOf((&flaky{}).handle)}).
		Build()
	require.NoError(t, err)

	h := start(t, memoryStore(t), reg)
	ctx := awaitCtx(t)
	require.NoError(t, h.engine.Start(ctx, "call", "far-1", "a"))

	_, err = h.engine.AwaitResult(ctx, "far-1")
	var failure *WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Reason, "queue not bound")
}

func TestRetentionPurgesClosedInstances(t *testing.T) {
	h := start(t, memoryStore(t), callRegistry(t, (&flaky{}).handle, fastPolicy(1)),
		WithRetention(10*time.Millisecond),
		WithJanitorInterval(10*time.Millisecond),
	)
	ctx := awaitCtx(t)

	require.NoError(t, h.engine.Start(ctx, "call", "old", "a"))
	_, err := h.engine.AwaitResult(ctx, "old")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := h.engine.Describe(ctx, "old")
		return errors.Is(err, ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	// the id is free again
	require.NoError(t, h.engine.Start(ctx, "call", "old", "b"))
}

func TestWithoutRouterNothingRuns(t *testing.T) {
	store := memoryStore(t)
	reg := callRegistry(t, (&flaky{}).handle, fastPolicy(1))

	client, err := New(reg, store)
	require.NoError(t, err)

	ctx := awaitCtx(t)
	require.NoError(t, client.Start(ctx, "call", "remote", "a"))

	inst, err := client.Describe(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, history.StatusRunning, inst.Status)

	// a worker sharing the store picks it up
	h := start(t, store, reg)
	out, err := h.engine.AwaitResult(ctx, "remote")
	require.NoError(t, err)
	var result string
	require.NoError(t, out.Decode(&result))
	assert.Equal(t, "a!", result)
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry().Workflow(WorkflowDefinition{Kind: "x"}).Build()
	assert.Error(t, err)

	_, err = NewRegistry().Activity(ActivityDefinition{Name: "a", Queue: "q"}).Build()
	assert.Error(t, err)

	reg, err := NewRegistry().
		Activity(ActivityDefinition{Name: "a", Queue: "q", Handler: ActivityOf((&flaky{}).handle)}).
		Build()
	require.NoError(t, err)
	def, err := reg.Activity("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), def.Policy.MaxAttempts)

	_, err = reg.Workflow("x")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestFailureKind(t *testing.T) {
	assert.Equal(t, KindTransient, FailureKind(errBoom))
	assert.Equal(t, "Invalid", FailureKind(kindError{kind: "Invalid"}))
	assert.Equal(t, "Invalid", FailureKind(errors.Join(errBoom, kindError{kind: "Invalid"})))
}
