// Package fulfillment wires the sagas and activities onto the engine.
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/davidroman0O/ordersaga/internal/activities"
	"github.com/davidroman0O/ordersaga/internal/config"
	"github.com/davidroman0O/ordersaga/internal/engine"
	"github.com/davidroman0O/ordersaga/internal/engine/queues"
	"github.com/davidroman0O/ordersaga/internal/saga/order"
	"github.com/davidroman0O/ordersaga/internal/saga/shipping"
)

const (
	QueueOrders   = "orders"
	QueueShipping = "shipping"
)

type Settings struct {
	ApprovalTimeout     time.Duration
	ActivityTimeout     time.Duration
	CancellationTimeout time.Duration
	MaxAttempts         uint64
	RetryInitial        time.Duration
	RetryMax            time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ApprovalTimeout:     order.DefaultApprovalTimeout,
		ActivityTimeout:     5 * time.Second,
		CancellationTimeout: 10 * time.Second,
		MaxAttempts:         3,
		RetryInitial:        time.Second,
		RetryMax:            10 * time.Second,
	}
}

func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		ApprovalTimeout:     cfg.ApprovalTimeout,
		ActivityTimeout:     cfg.ActivityTimeout,
		CancellationTimeout: cfg.CancellationTimeout,
		MaxAttempts:         cfg.MaxAttempts,
		RetryInitial:        cfg.RetryInitial,
		RetryMax:            cfg.RetryMax,
	}
}

func (s Settings) policy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts:     s.MaxAttempts,
		InitialInterval: s.RetryInitial,
		MaxInterval:     s.RetryMax,
		NonRetryable:    []string{activities.KindValidation},
	}
}

// Activities is implemented by *activities.Executors.
type Activities interface {
	ReceiveOrder(ctx context.Context, in activities.ReceiveInput) (activities.OrderDetails, error)
	ValidateOrder(ctx context.Context, order activities.OrderDetails) (activities.StepResult, error)
	ChargePayment(ctx context.Context, in activities.ChargeInput) (activities.ChargeResult, error)
	PreparePackage(ctx context.Context, order activities.OrderDetails) (activities.StepResult, error)
	DispatchCarrier(ctx context.Context, order activities.OrderDetails) (activities.StepResult, error)
	ProcessCancellation(ctx context.Context, in activities.CancellationInput) (activities.StepResult, error)
}

// Registry registers both sagas and every activity on its queue.
func Registry(exec Activities, s Settings) (*engine.Registry, error) {
	primary := s.policy()

	activity := func(name, queue string, handler queues.Handler, timeout time.Duration) engine.ActivityDefinition {
		return engine.ActivityDefinition{
			Name:    name,
			Queue:   queue,
			Handler: handler,
			Policy:  primary,
			Timeout: timeout,
		}
	}

	return engine.NewRegistry().
		Workflow(engine.WorkflowDefinition{
			Kind:    order.Kind,
			Queue:   QueueOrders,
			Factory: order.Factory(order.Options{ApprovalTimeout: s.ApprovalTimeout}),
		}).
		Workflow(engine.WorkflowDefinition{
			Kind:    shipping.Kind,
			Queue:   QueueShipping,
			Factory: shipping.New,
		}).
		Activity(activity(activities.ReceiveOrder, QueueOrders, engine.ActivityOf(exec.ReceiveOrder), s.ActivityTimeout)).
		Activity(activity(activities.ValidateOrder, QueueOrders, engine.ActivityOf(exec.ValidateOrder), s.ActivityTimeout)).
		Activity(activity(activities.ChargePayment, QueueOrders, engine.ActivityOf(exec.ChargePayment), s.ActivityTimeout)).
		Activity(activity(activities.ProcessCancellation, QueueOrders, engine.ActivityOf(exec.ProcessCancellation), s.CancellationTimeout)).
		Activity(activity(activities.PreparePackage, QueueShipping, engine.ActivityOf(exec.PreparePackage), s.ActivityTimeout)).
		Activity(activity(activities.DispatchCarrier, QueueShipping, engine.ActivityOf(exec.DispatchCarrier), s.ActivityTimeout)).
		Build()
}

// BindQueues binds the named queues with their worker counts.
func BindQueues(router *queues.Router, names []string, workers map[string]int) error {
	for _, name := range names {
		n, ok := workers[name]
		if !ok {
			return fmt.Errorf("no worker count for queue %q", name)
		}
		if _, err := router.Bind(name, n); err != nil {
			return err
		}
	}
	return nil
}

// Workers maps each known queue to its configured pool size.
func Workers(cfg config.Config) map[string]int {
	return map[string]int{
		QueueOrders:   cfg.OrderWorkers,
		QueueShipping: cfg.ShippingWorkers,
	}
}
