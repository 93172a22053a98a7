// Package order is the order fulfillment saga.
//
// The saga is a fold over the instance history. Its phase lives in a
// stateless machine; every primary-path failure and every cancellation
// checkpoint funnels into the single CANCELLING phase, which records the
// cancellation once and completes with a readable result.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/davidroman0O/ordersaga/internal/activities"
	"github.com/davidroman0O/ordersaga/internal/engine"
	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/saga/shipping"
)

const Kind = "order"

const (
	SignalApprove = "approve"
	SignalCancel  = "cancel"
)

const QueryStatus = "status"

const DefaultApprovalTimeout = 10 * time.Second

const (
	StepReceive  = "receive-order"
	StepValidate = "validate-order"
	StepApproval = "manual-approval"
	StepCharge   = "charge-payment"
	StepShipping = "shipping"
	StepCancel   = "process-cancellation"
)

const (
	phaseActive = "ACTIVE"

	PhaseReceiving          = "RECEIVING_ORDER"
	PhaseValidating         = "VALIDATING_ORDER"
	PhaseAwaitingApproval   = "PENDING_MANUAL_APPROVAL"
	PhaseCharging           = "CHARGING_PAYMENT"
	PhaseShipping           = "SHIPPING_STARTED"
	PhaseCompleted          = "COMPLETED"
	PhaseCancelling         = "CANCELLING"
	PhaseCancelled          = "CANCELLED"
	PhaseCancellationFailed = "CANCELLATION_FAILED"
)

// Cancellation reasons, one per checkpoint.
const (
	ReasonBeforeValidation  = "Cancelled before validation"
	ReasonApprovalTimedOut  = "Approval timed out"
	ReasonAwaitingApproval  = "Cancelled while awaiting approval"
	ReasonAfterApproval     = "Cancelled after approval"
	ReasonAfterPayment      = "Cancelled after payment"
	ReasonAfterShipping     = "Cancelled after shipping"
	ReasonShippingUnhandled = "Shipping failed unexpectedly."
)

const (
	triggerReceived           = "received"
	triggerValidated          = "validated"
	triggerApproved           = "approved"
	triggerCharged            = "charged"
	triggerShipped            = "shipped"
	triggerCancel             = "cancel"
	triggerCompensated        = "compensated"
	triggerCompensationFailed = "compensation_failed"
)

type Input struct {
	OrderID   string
	PaymentID string
}

// Snapshot is the answer to the status query.
type Snapshot struct {
	Status    string
	Cancelled bool
	Approved  bool
	Reason    string
	Result    string
}

type Options struct {
	ApprovalTimeout time.Duration
}

// Factory builds a fresh saga per replay.
func Factory(opts Options) engine.Factory {
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultApprovalTimeout
	}
	return func() engine.Workflow {
		return newSaga(opts)
	}
}

type Saga struct {
	opts Options
	fsm  *stateless.StateMachine

	input   Input
	order   activities.OrderDetails
	childID string

	cancelled       bool
	approved        bool
	dispatchFailed  bool
	dispatchFailure string

	reason  string
	result  string
	failure string
}

var _ engine.Workflow = (*Saga)(nil)

func newSaga(opts Options) *Saga {
	s := &Saga{opts: opts}
	s.fsm = stateless.NewStateMachine(PhaseReceiving)

	s.fsm.Configure(phaseActive).
		Permit(triggerCancel, PhaseCancelling)

	s.fsm.Configure(PhaseReceiving).
		SubstateOf(phaseActive).
		Permit(triggerReceived, PhaseValidating)

	s.fsm.Configure(PhaseValidating).
		SubstateOf(phaseActive).
		Permit(triggerValidated, PhaseAwaitingApproval)

	s.fsm.Configure(PhaseAwaitingApproval).
		SubstateOf(phaseActive).
		Permit(triggerApproved, PhaseCharging)

	s.fsm.Configure(PhaseCharging).
		SubstateOf(phaseActive).
		Permit(triggerCharged, PhaseShipping)

	s.fsm.Configure(PhaseShipping).
		SubstateOf(phaseActive).
		Permit(triggerShipped, PhaseCompleted)

	s.fsm.Configure(PhaseCompleted).
		OnEntry(func(context.Context, ...any) error {
			s.result = fmt.Sprintf("Order %s completed.", s.input.OrderID)
			return nil
		}).
		Ignore(triggerCancel)

	// the first reason wins
	s.fsm.Configure(PhaseCancelling).
		OnEntryFrom(triggerCancel, func(_ context.Context, args ...any) error {
			s.reason = args[0].(string)
			return nil
		}).
		Ignore(triggerCancel).
		Permit(triggerCompensated, PhaseCancelled).
		Permit(triggerCompensationFailed, PhaseCancellationFailed)

	s.fsm.Configure(PhaseCancelled).
		OnEntry(func(context.Context, ...any) error {
			s.result = "Order cancelled: " + s.reason
			return nil
		}).
		Ignore(triggerCancel)

	s.fsm.Configure(PhaseCancellationFailed).
		Ignore(triggerCancel)

	return s
}

func (s *Saga) phase() string {
	return s.fsm.MustState().(string)
}

func (s *Saga) cancel(reason string) error {
	return s.fsm.Fire(triggerCancel, reason)
}

func (s *Saga) Apply(ev history.Event) error {
	switch ev.Type {
	case history.EventStarted:
		if err := codec.DecodeInto(ev.Payload, &s.input); err != nil {
			return err
		}
		s.childID = engine.ChildID(shipping.Kind, ev.InstanceID)
		return nil

	case history.EventSignalReceived:
		return s.applySignal(ev)

	case history.EventActivityCompleted:
		return s.applyCompleted(ev)

	case history.EventActivityFailed:
		if !ev.Final {
			return nil
		}
		failure := engine.ActivityFailureFrom(ev)
		if ev.StepID == StepCancel {
			s.failure = "Cancellation failed: " + failure.Error()
			return s.fsm.Fire(triggerCompensationFailed)
		}
		return s.cancel("Activity Failed: " + failure.Error())

	case history.EventConditionResolved:
		switch {
		case ev.TimedOut:
			return s.cancel(ReasonApprovalTimedOut)
		case s.cancelled && s.approved:
			return s.cancel(ReasonAfterApproval)
		case s.cancelled:
			return s.cancel(ReasonAwaitingApproval)
		default:
			return s.fsm.Fire(triggerApproved)
		}

	case history.EventChildCompleted:
		if s.cancelled {
			return s.cancel(ReasonAfterShipping)
		}
		return s.fsm.Fire(triggerShipped)

	case history.EventChildFailed:
		if s.dispatchFailed {
			return s.cancel("Shipping Failed: " + s.dispatchFailure)
		}
		return s.cancel(ReasonShippingUnhandled)
	}
	return nil
}

func (s *Saga) applySignal(ev history.Event) error {
	switch ev.Name {
	case SignalApprove:
		if s.phase() == PhaseAwaitingApproval {
			s.approved = true
		}
	case SignalCancel:
		if s.terminal() {
			return nil
		}
		s.cancelled = true
	case shipping.SignalDispatchFailed:
		// only our own shipping child may report
		if ev.Peer != s.childID {
			return nil
		}
		reason, err := codec.Decode[string](ev.Payload)
		if err != nil {
			return err
		}
		s.dispatchFailed = true
		s.dispatchFailure = reason
	}
	return nil
}

func (s *Saga) applyCompleted(ev history.Event) error {
	switch ev.StepID {
	case StepReceive:
		if err := codec.DecodeInto(ev.Payload, &s.order); err != nil {
			return err
		}
		if err := s.fsm.Fire(triggerReceived); err != nil {
			return err
		}
		if s.cancelled {
			return s.cancel(ReasonBeforeValidation)
		}
	case StepValidate:
		return s.fsm.Fire(triggerValidated)
	case StepCharge:
		if err := s.fsm.Fire(triggerCharged); err != nil {
			return err
		}
		if s.cancelled {
			return s.cancel(ReasonAfterPayment)
		}
	case StepCancel:
		return s.fsm.Fire(triggerCompensated)
	}
	return nil
}

func (s *Saga) terminal() bool {
	switch s.phase() {
	case PhaseCompleted, PhaseCancelled, PhaseCancellationFailed:
		return true
	}
	return false
}

func (s *Saga) Next() engine.Command {
	switch s.phase() {
	case PhaseReceiving:
		return engine.ScheduleActivity{
			StepID:   StepReceive,
			Activity: activities.ReceiveOrder,
			Input:    activities.ReceiveInput{OrderID: s.input.OrderID, Address: activities.DemoAddress},
		}
	case PhaseValidating:
		return engine.ScheduleActivity{StepID: StepValidate, Activity: activities.ValidateOrder, Input: s.order}
	case PhaseAwaitingApproval:
		return engine.AwaitCondition{
			StepID:    StepApproval,
			Timeout:   s.opts.ApprovalTimeout,
			Satisfied: s.approved || s.cancelled,
		}
	case PhaseCharging:
		return engine.ScheduleActivity{
			StepID:   StepCharge,
			Activity: activities.ChargePayment,
			Input:    activities.ChargeInput{Order: s.order, PaymentID: s.input.PaymentID},
		}
	case PhaseShipping:
		return engine.StartChild{StepID: StepShipping, Kind: shipping.Kind, Input: s.order}
	case PhaseCancelling:
		return engine.ScheduleActivity{
			StepID:   StepCancel,
			Activity: activities.ProcessCancellation,
			Input:    activities.CancellationInput{OrderID: s.input.OrderID, Reason: s.reason},
		}
	case PhaseCancellationFailed:
		return engine.Fail{Reason: s.failure}
	default:
		return engine.Complete{Result: s.result}
	}
}

// Status is the label operators see.
func (s *Saga) Status() string {
	switch phase := s.phase(); phase {
	case PhaseCancelling, PhaseCancelled:
		return phase + ": " + s.reason
	default:
		return phase
	}
}

func (s *Saga) Query(name string) (any, error) {
	if name != QueryStatus {
		return nil, engine.ErrUnknownQuery
	}
	return Snapshot{
		Status:    s.Status(),
		Cancelled: s.cancelled,
		Approved:  s.approved,
		Reason:    s.reason,
		Result:    s.result,
	}, nil
}
