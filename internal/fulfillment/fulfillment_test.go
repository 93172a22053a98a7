package fulfillment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/ordersaga/internal/activities"
	"github.com/davidroman0O/ordersaga/internal/activities/activitytest"
	"github.com/davidroman0O/ordersaga/internal/engine"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/engine/queues"
	"github.com/davidroman0O/ordersaga/internal/persistence/repository"
	"github.com/davidroman0O/ordersaga/internal/persistence/repository/memory"
	"github.com/davidroman0O/ordersaga/internal/saga/order"
	"github.com/davidroman0O/ordersaga/internal/saga/shipping"
)

func testSettings() Settings {
	return Settings{
		ApprovalTimeout:     2 * time.Second,
		ActivityTimeout:     2 * time.Second,
		CancellationTimeout: 2 * time.Second,
		MaxAttempts:         3,
		RetryInitial:        time.Millisecond,
		RetryMax:            5 * time.Millisecond,
	}
}

type stack struct {
	engine *engine.Engine
	store  history.Store
	repo   *memory.Repository
	stop   func()
}

type fixture struct {
	settings Settings
	faults   activities.FaultInjector
	store    history.Store
	repo     *memory.Repository
	wrap     func(*activities.Executors) Activities
}

// run starts a worker hosting both queues on in-memory backends.
func run(t *testing.T, f fixture) *stack {
	t.Helper()

	if f.settings == (Settings{}) {
		f.settings = testSettings()
	}
	if f.faults == nil {
		f.faults = activities.NoFaults{}
	}
	if f.store == nil {
		store, err := history.NewMemoryStore()
		require.NoError(t, err)
		f.store = store
	}
	if f.repo == nil {
		repo, err := memory.New()
		require.NoError(t, err)
		f.repo = repo
	}

	exec := activities.New(f.repo, activities.WithFaults(f.faults))
	var acts Activities = exec
	if f.wrap != nil {
		acts = f.wrap(exec)
	}
	reg, err := Registry(acts, f.settings)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	router := queues.NewRouter(ctx, nil)
	require.NoError(t, BindQueues(router, []string{QueueOrders, QueueShipping}, map[string]int{
		QueueOrders:   4,
		QueueShipping: 2,
	}))

	e, err := engine.New(reg, f.store,
		engine.WithRouter(router),
		engine.WithPollInterval(5*time.Millisecond),
		engine.WithScanInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	}
	t.Cleanup(stop)

	return &stack{engine: e, store: f.store, repo: f.repo, stop: stop}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (s *stack) start(t *testing.T, ctx context.Context, orderID, paymentID string) {
	t.Helper()
	require.NoError(t, s.engine.Start(ctx, order.Kind, orderID, order.Input{OrderID: orderID, PaymentID: paymentID}))
}

func (s *stack) result(t *testing.T, ctx context.Context, id string) string {
	t.Helper()
	out, err := s.engine.AwaitResult(ctx, id)
	require.NoError(t, err)
	var result string
	require.NoError(t, out.Decode(&result))
	return result
}

func (s *stack) snapshot(t *testing.T, ctx context.Context, id string) order.Snapshot {
	t.Helper()
	v, err := s.engine.Query(ctx, id, order.QueryStatus)
	require.NoError(t, err)
	return v.(order.Snapshot)
}

// awaitApproval blocks until the approval timer is recorded.
func (s *stack) awaitApproval(t *testing.T, ctx context.Context, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		events, err := s.engine.History(ctx, id)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Type == history.EventTimerStarted && ev.StepID == order.StepApproval {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func (s *stack) orderState(t *testing.T, ctx context.Context, id string) string {
	t.Helper()
	o, err := s.repo.GetOrder(ctx, id)
	require.NoError(t, err)
	return o.State
}

func countEvents(events []history.Event, typ history.EventType, step string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ && ev.StepID == step {
			n++
		}
	}
	return n
}

func TestCancelBeforeValidation(t *testing.T) {
	release := make(chan struct{})
	faults := activitytest.NewScripted().HoldUntil(activities.ReceiveOrder, release)
	s := run(t, fixture{faults: faults})
	ctx := testCtx(t)

	s.start(t, ctx, "order-1", "payment-1")
	require.NoError(t, s.engine.Signal(ctx, "order-1", order.SignalCancel, nil))
	close(release)

	assert.Equal(t, "Order cancelled: Cancelled before validation", s.result(t, ctx, "order-1"))

	snap := s.snapshot(t, ctx, "order-1")
	assert.Contains(t, snap.Status, "Cancelled before validation")
	assert.True(t, snap.Cancelled)
	assert.False(t, snap.Approved)

	assert.Equal(t, "CANCELLED: Cancelled before validation", s.orderState(t, ctx, "order-1"))
	assert.Zero(t, faults.Calls(activities.ValidateOrder))
}

func TestApproveThenComplete(t *testing.T) {
	s := run(t, fixture{})
	ctx := testCtx(t)

	s.start(t, ctx, "order-2", "payment-2")
	s.awaitApproval(t, ctx, "order-2")
	assert.Equal(t, order.PhaseAwaitingApproval, s.snapshot(t, ctx, "order-2").Status)

	require.NoError(t, s.engine.Signal(ctx, "order-2", order.SignalApprove, nil))

	assert.Equal(t, "Order order-2 completed.", s.result(t, ctx, "order-2"))
	assert.Equal(t, order.Snapshot{Status: order.PhaseCompleted, Approved: true, Result: "Order order-2 completed."}, s.snapshot(t, ctx, "order-2"))

	assert.Equal(t, repository.StateDispatched, s.orderState(t, ctx, "order-2"))
	payment, err := s.repo.GetPayment(ctx, "payment-2")
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentCharged, payment.Status)
	assert.Equal(t, int64(1), payment.Amount)

	child, err := s.engine.Describe(ctx, "shipping-order-2")
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, child.Status)
	assert.Equal(t, "order-2", child.ParentID)
	assert.Equal(t, QueueShipping, child.Queue)

	phase, err := s.engine.Query(ctx, "shipping-order-2", "status")
	require.NoError(t, err)
	assert.Equal(t, shipping.PhaseDelivered, phase)
}

func TestDispatchFailureCancelsWithChildReason(t *testing.T) {
	faults := activitytest.NewScripted().FailAlways(activities.DispatchCarrier, activitytest.ErrInjected)
	s := run(t, fixture{faults: faults})
	ctx := testCtx(t)

	s.start(t, ctx, "order-3", "payment-3")
	s.awaitApproval(t, ctx, "order-3")
	require.NoError(t, s.engine.Signal(ctx, "order-3", order.SignalApprove, nil))

	result := s.result(t, ctx, "order-3")
	assert.True(t, strings.HasPrefix(result, "Order cancelled: Shipping Failed: activity dispatch_carrier failed after 3 attempt(s): "), result)
	assert.Contains(t, result, activitytest.ErrInjected.Error())
	assert.Equal(t, 3, faults.Calls(activities.DispatchCarrier))

	state := s.orderState(t, ctx, "order-3")
	assert.True(t, strings.HasPrefix(state, "CANCELLED: Shipping Failed: "), state)

	_, err := s.engine.AwaitResult(ctx, "shipping-order-3")
	var failure *engine.WorkflowFailure
	require.ErrorAs(t, err, &failure)

	childEvents, err := s.engine.History(ctx, "shipping-order-3")
	require.NoError(t, err)
	assert.Equal(t, 3, countEvents(childEvents, history.EventActivityFailed, shipping.StepDispatch))
	assert.Equal(t, 1, countEvents(childEvents, history.EventSignalSent, shipping.StepNotify))
}

func TestApprovalTimesOut(t *testing.T) {
	settings := testSettings()
	settings.ApprovalTimeout = 50 * time.Millisecond
	s := run(t, fixture{settings: settings})
	ctx := testCtx(t)

	s.start(t, ctx, "order-4", "payment-4")

	assert.Equal(t, "Order cancelled: Approval timed out", s.result(t, ctx, "order-4"))
	assert.Equal(t, "CANCELLED: Approval timed out", s.orderState(t, ctx, "order-4"))

	_, err := s.repo.GetPayment(ctx, "payment-4")
	assert.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestApproveOutsideItsPhaseHasNoEffect(t *testing.T) {
	release := make(chan struct{})
	faults := activitytest.NewScripted().HoldUntil(activities.ValidateOrder, release)
	settings := testSettings()
	settings.ApprovalTimeout = 100 * time.Millisecond
	s := run(t, fixture{settings: settings, faults: faults})
	ctx := testCtx(t)

	s.start(t, ctx, "order-5", "payment-5")
	require.Eventually(t, func() bool { return faults.Calls(activities.ValidateOrder) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.engine.Signal(ctx, "order-5", order.SignalApprove, nil))
	assert.False(t, s.snapshot(t, ctx, "order-5").Approved)
	close(release)

	assert.Equal(t, "Order cancelled: Approval timed out", s.result(t, ctx, "order-5"))
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	s := run(t, fixture{})
	ctx := testCtx(t)

	s.start(t, ctx, "order-6", "payment-6")
	s.awaitApproval(t, ctx, "order-6")
	require.NoError(t, s.engine.Signal(ctx, "order-6", order.SignalCancel, nil))

	assert.Equal(t, "Order cancelled: Cancelled while awaiting approval", s.result(t, ctx, "order-6"))
}

func TestCancelAfterPayment(t *testing.T) {
	release := make(chan struct{})
	faults := activitytest.NewScripted().HoldUntil(activities.ChargePayment, release)
	s := run(t, fixture{faults: faults})
	ctx := testCtx(t)

	s.start(t, ctx, "order-7", "payment-7")
	s.awaitApproval(t, ctx, "order-7")
	require.NoError(t, s.engine.Signal(ctx, "order-7", order.SignalApprove, nil))
	require.Eventually(t, func() bool { return faults.Calls(activities.ChargePayment) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.engine.Signal(ctx, "order-7", order.SignalCancel, nil))
	close(release)

	assert.Equal(t, "Order cancelled: Cancelled after payment", s.result(t, ctx, "order-7"))

	_, err := s.engine.Describe(ctx, "shipping-order-7")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

type emptyItems struct {
	*activities.Executors
}

func (e emptyItems) ReceiveOrder(ctx context.Context, in activities.ReceiveInput) (activities.OrderDetails, error) {
	details, err := e.Executors.ReceiveOrder(ctx, in)
	details.Items = nil
	return details, err
}

func TestEmptyItemsFailAfterOneAttempt(t *testing.T) {
	s := run(t, fixture{wrap: func(exec *activities.Executors) Activities { return emptyItems{exec} }})
	ctx := testCtx(t)

	s.start(t, ctx, "order-8", "payment-8")

	result := s.result(t, ctx, "order-8")
	assert.Equal(t, "Order cancelled: Activity Failed: activity validate_order failed after 1 attempt(s): order order-8: no items to validate", result)

	events, err := s.engine.History(ctx, "order-8")
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(events, history.EventActivityFailed, order.StepValidate))
	for _, ev := range events {
		if ev.Type == history.EventActivityFailed {
			assert.True(t, ev.Final)
			assert.Equal(t, activities.KindValidation, ev.Kind)
		}
	}
}

func TestSharedPaymentIDIsChargedOnce(t *testing.T) {
	s := run(t, fixture{})
	ctx := testCtx(t)

	for _, id := range []string{"order-9a", "order-9b"} {
		s.start(t, ctx, id, "payment-9")
		s.awaitApproval(t, ctx, id)
		require.NoError(t, s.engine.Signal(ctx, id, order.SignalApprove, nil))
		assert.Equal(t, "Order "+id+" completed.", s.result(t, ctx, id))
	}

	payment, err := s.repo.GetPayment(ctx, "payment-9")
	require.NoError(t, err)
	assert.Equal(t, "order-9a", payment.OrderID)
	assert.Equal(t, repository.PaymentCharged, payment.Status)
	assert.Equal(t, int64(1), payment.Amount)

	second, err := s.repo.PaymentsForOrder(ctx, "order-9b")
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestDuplicateStart(t *testing.T) {
	s := run(t, fixture{})
	ctx := testCtx(t)

	s.start(t, ctx, "order-10", "payment-10")
	err := s.engine.Start(ctx, order.Kind, "order-10", order.Input{OrderID: "order-10", PaymentID: "payment-x"})
	assert.ErrorIs(t, err, engine.ErrAlreadyExists)

	err = s.engine.Signal(ctx, "order-unknown", order.SignalApprove, nil)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestResumesAfterRestart(t *testing.T) {
	store, err := history.NewMemoryStore()
	require.NoError(t, err)
	repo, err := memory.New()
	require.NoError(t, err)
	ctx := testCtx(t)

	before := activitytest.NewScripted()
	first := run(t, fixture{faults: before, store: store, repo: repo})
	first.start(t, ctx, "order-11", "payment-11")
	first.awaitApproval(t, ctx, "order-11")
	first.stop()

	after := activitytest.NewScripted()
	second := run(t, fixture{faults: after, store: store, repo: repo})
	require.NoError(t, second.engine.Signal(ctx, "order-11", order.SignalApprove, nil))

	assert.Equal(t, "Order order-11 completed.", second.result(t, ctx, "order-11"))
	assert.Equal(t, 1, before.Calls(activities.ReceiveOrder))
	assert.Equal(t, 1, before.Calls(activities.ValidateOrder))
	assert.Zero(t, after.Calls(activities.ReceiveOrder))
	assert.Zero(t, after.Calls(activities.ValidateOrder))
	assert.Equal(t, 1, after.Calls(activities.ChargePayment))
}

func TestTwoWorkersShareOneStore(t *testing.T) {
	store, err := history.NewMemoryStore()
	require.NoError(t, err)
	repo, err := memory.New()
	require.NoError(t, err)
	ctx := testCtx(t)

	left, right := activitytest.NewScripted(), activitytest.NewScripted()
	a := run(t, fixture{faults: left, store: store, repo: repo})
	b := run(t, fixture{faults: right, store: store, repo: repo})

	ids := []string{"order-21", "order-22", "order-23"}
	for i, id := range ids {
		s := a
		if i%2 == 1 {
			s = b
		}
		s.start(t, ctx, id, "payment-"+id)
	}
	for _, id := range ids {
		a.awaitApproval(t, ctx, id)
		require.NoError(t, b.engine.Signal(ctx, id, order.SignalApprove, nil))
	}

	for _, id := range ids {
		assert.Equal(t, "Order "+id+" completed.", a.result(t, ctx, id))

		events, err := a.engine.History(ctx, id)
		require.NoError(t, err)
		for _, step := range []string{order.StepReceive, order.StepValidate, order.StepCharge} {
			assert.Equal(t, 1, countEvents(events, history.EventActivityCompleted, step), "%s %s", id, step)
		}
		assert.Equal(t, 1, countEvents(events, history.EventTimerStarted, order.StepApproval), id)
		assert.Equal(t, 1, countEvents(events, history.EventChildStarted, order.StepShipping), id)

		childEvents, err := a.engine.History(ctx, "shipping-"+id)
		require.NoError(t, err)
		assert.Equal(t, 1, countEvents(childEvents, history.EventActivityCompleted, shipping.StepPrepare), id)
		assert.Equal(t, 1, countEvents(childEvents, history.EventActivityCompleted, shipping.StepDispatch), id)
	}

	for _, name := range []string{activities.ReceiveOrder, activities.ValidateOrder, activities.ChargePayment, activities.PreparePackage, activities.DispatchCarrier} {
		assert.Equal(t, len(ids), left.Calls(name)+right.Calls(name), name)
	}
}

func TestFlakyActivitiesStillEndCleanly(t *testing.T) {
	settings := testSettings()
	settings.ActivityTimeout = 20 * time.Millisecond
	settings.CancellationTimeout = 20 * time.Millisecond
	settings.ApprovalTimeout = 30 * time.Millisecond
	settings.MaxAttempts = 20
	s := run(t, fixture{settings: settings, faults: activitytest.NewFlaky(42)})
	ctx := testCtx(t)

	s.start(t, ctx, "order-12", "payment-12")

	out, err := s.engine.AwaitResult(ctx, "order-12")
	require.NoError(t, err)
	var result string
	require.NoError(t, out.Decode(&result))
	assert.True(t, strings.HasPrefix(result, "Order cancelled: "), result)

	state := s.orderState(t, ctx, "order-12")
	assert.True(t, strings.HasPrefix(state, "CANCELLED: "), state)
}

func TestRegistryRoutesByQueue(t *testing.T) {
	repo, err := memory.New()
	require.NoError(t, err)
	reg, err := Registry(activities.New(repo), DefaultSettings())
	require.NoError(t, err)

	for name, queue := range map[string]string{
		activities.ReceiveOrder:        QueueOrders,
		activities.ValidateOrder:       QueueOrders,
		activities.ChargePayment:       QueueOrders,
		activities.ProcessCancellation: QueueOrders,
		activities.PreparePackage:      QueueShipping,
		activities.DispatchCarrier:     QueueShipping,
	} {
		def, err := reg.Activity(name)
		require.NoError(t, err)
		assert.Equal(t, queue, def.Queue, name)
		assert.Equal(t, uint64(3), def.Policy.MaxAttempts)
		assert.False(t, def.Policy.Retryable(activities.KindValidation))
	}

	cancel, err := reg.Activity(activities.ProcessCancellation)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cancel.Timeout)

	wf, err := reg.Workflow(shipping.Kind)
	require.NoError(t, err)
	assert.Equal(t, QueueShipping, wf.Queue)

	router := queues.NewRouter(context.Background(), nil)
	defer router.Shutdown()
	err = BindQueues(router, []string{"billing"}, map[string]int{QueueOrders: 1})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, queues.ErrQueueBound))
}
