// Package activities holds the side-effecting steps of the order and shipping sagas.
//
// Each executor may run more than once for the same step: order state writes
// are plain overwrites and charging is guarded by the payment id.
package activities

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidroman0O/ordersaga/internal/logs"
	"github.com/davidroman0O/ordersaga/internal/persistence/repository"
)

const (
	ReceiveOrder        = "receive_order"
	ValidateOrder       = "validate_order"
	ChargePayment       = "charge_payment"
	PreparePackage      = "prepare_package"
	DispatchCarrier     = "dispatch_carrier"
	ProcessCancellation = "process_cancellation"
)

const (
	DemoAddress = "123 Temporal Lane"

	ChargeStatusCharged        = "charged"
	ChargeStatusAlreadyCharged = "already_charged"
)

// DemoItems is what every received order contains.
func DemoItems() []repository.Item {
	return []repository.Item{{SKU: "ABC", Qty: 1}}
}

type ReceiveInput struct {
	OrderID string
	Address string
}

// OrderDetails travels from step to step.
type OrderDetails struct {
	OrderID string
	Items   []repository.Item
	Address string
}

func (o OrderDetails) Amount() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Qty
	}
	return total
}

type StepResult struct {
	OrderID string
	State   string
}

type ChargeInput struct {
	Order     OrderDetails
	PaymentID string
}

type ChargeResult struct {
	Status string
	Amount int64
}

type CancellationInput struct {
	OrderID string
	Reason  string
}

// KindValidation is not worth retrying.
const KindValidation = "ValidationError"

type ValidationError struct {
	OrderID string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Reason)
}

func (e *ValidationError) Kind() string {
	return KindValidation
}

// FaultInjector runs before every executor and may fail or stall it.
type FaultInjector interface {
	Before(ctx context.Context, activity string) error
}

type NoFaults struct{}

func (NoFaults) Before(context.Context, string) error { return nil }

type Executors struct {
	repo   repository.Repository
	faults FaultInjector
	logger logs.Logger
}

type Option func(*Executors)

func WithFaults(faults FaultInjector) Option {
	return func(e *Executors) {
		e.faults = faults
	}
}

func WithLogger(logger logs.Logger) Option {
	return func(e *Executors) {
		e.logger = logger
	}
}

func New(repo repository.Repository, opts ...Option) *Executors {
	e := &Executors{
		repo:   repo,
		faults: NoFaults{},
		logger: logs.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executors) ReceiveOrder(ctx context.Context, in ReceiveInput) (OrderDetails, error) {
	if err := e.faults.Before(ctx, ReceiveOrder); err != nil {
		return OrderDetails{}, err
	}

	details := OrderDetails{OrderID: in.OrderID, Items: DemoItems(), Address: in.Address}
	created, err := e.repo.CreateOrder(ctx, repository.Order{
		ID:              in.OrderID,
		State:           repository.StateCreated,
		ShippingAddress: in.Address,
		Items:           details.Items,
	})
	if err != nil {
		return OrderDetails{}, err
	}

	e.logger.Info(ctx, "order received", "order_id", in.OrderID, "created", created)
	return details, nil
}

func (e *Executors) ValidateOrder(ctx context.Context, order OrderDetails) (StepResult, error) {
	if err := e.faults.Before(ctx, ValidateOrder); err != nil {
		return StepResult{}, err
	}
	if len(order.Items) == 0 {
		return StepResult{}, &ValidationError{OrderID: order.OrderID, Reason: "no items to validate"}
	}
	return e.advance(ctx, order.OrderID, repository.StateValidated)
}

func (e *Executors) ChargePayment(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	if err := e.faults.Before(ctx, ChargePayment); err != nil {
		return ChargeResult{}, err
	}

	amount := in.Order.Amount()
	inserted, err := e.repo.InsertPayment(ctx, repository.Payment{
		PaymentID: in.PaymentID,
		OrderID:   in.Order.OrderID,
		Status:    repository.PaymentPending,
		Amount:    amount,
	})
	if err != nil {
		return ChargeResult{}, err
	}
	if !inserted {
		e.logger.Info(ctx, "payment already recorded", "order_id", in.Order.OrderID, "payment_id", in.PaymentID)
		return ChargeResult{Status: ChargeStatusAlreadyCharged}, nil
	}

	if err := e.repo.UpdatePaymentStatus(ctx, in.PaymentID, repository.PaymentCharged); err != nil {
		return ChargeResult{}, err
	}
	if err := e.repo.UpdateOrderState(ctx, in.Order.OrderID, repository.StatePaid); err != nil {
		return ChargeResult{}, err
	}

	e.logger.Info(ctx, "order charged", "order_id", in.Order.OrderID, "payment_id", in.PaymentID, "amount", amount)
	return ChargeResult{Status: ChargeStatusCharged, Amount: amount}, nil
}

func (e *Executors) PreparePackage(ctx context.Context, order OrderDetails) (StepResult, error) {
	if err := e.faults.Before(ctx, PreparePackage); err != nil {
		return StepResult{}, err
	}
	return e.advance(ctx, order.OrderID, repository.StatePackagePrepared)
}

func (e *Executors) DispatchCarrier(ctx context.Context, order OrderDetails) (StepResult, error) {
	if err := e.faults.Before(ctx, DispatchCarrier); err != nil {
		return StepResult{}, err
	}
	return e.advance(ctx, order.OrderID, repository.StateDispatched)
}

func (e *Executors) ProcessCancellation(ctx context.Context, in CancellationInput) (StepResult, error) {
	if err := e.faults.Before(ctx, ProcessCancellation); err != nil {
		return StepResult{}, err
	}
	state := repository.CancelledState(in.Reason)
	res, err := e.advance(ctx, in.OrderID, state)
	if errors.Is(err, repository.ErrOrderNotFound) {
		// never received, nothing to compensate
		e.logger.Warn(ctx, "cancelling unknown order", "order_id", in.OrderID, "reason", in.Reason)
		return StepResult{OrderID: in.OrderID, State: state}, nil
	}
	return res, err
}

func (e *Executors) advance(ctx context.Context, orderID, state string) (StepResult, error) {
	if err := e.repo.UpdateOrderState(ctx, orderID, state); err != nil {
		return StepResult{}, err
	}
	e.logger.Info(ctx, "order state updated", "order_id", orderID, "state", state)
	return StepResult{OrderID: orderID, State: state}, nil
}
