// Package shipping is the sub-saga that prepares and dispatches an order's package.
package shipping

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/davidroman0O/ordersaga/internal/activities"
	"github.com/davidroman0O/ordersaga/internal/engine"
	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
)

const Kind = "shipping"

// SignalDispatchFailed tells the parent why shipping gave up, before the child fails.
const SignalDispatchFailed = "dispatch_failed"

const (
	StepPrepare  = "prepare-package"
	StepDispatch = "dispatch-carrier"
	StepNotify   = "notify-parent"
)

const (
	phaseActive = "ACTIVE"

	PhasePreparing   = "PREPARING_PACKAGE"
	PhaseDispatching = "DISPATCHING"
	PhaseDelivered   = "DISPATCHED"
	PhaseFailing     = "FAILING"
	PhaseFailed      = "FAILED"
)

const (
	triggerPrepared   = "prepared"
	triggerDispatched = "dispatched"
	triggerFail       = "fail"
	triggerNotified   = "notified"
)

type Saga struct {
	fsm     *stateless.StateMachine
	order   activities.OrderDetails
	failure string
	result  string
}

var _ engine.Workflow = (*Saga)(nil)

func New() engine.Workflow {
	s := &Saga{}
	s.fsm = stateless.NewStateMachine(PhasePreparing)

	s.fsm.Configure(phaseActive).
		Permit(triggerFail, PhaseFailing)

	s.fsm.Configure(PhasePreparing).
		SubstateOf(phaseActive).
		Permit(triggerPrepared, PhaseDispatching)

	s.fsm.Configure(PhaseDispatching).
		SubstateOf(phaseActive).
		Permit(triggerDispatched, PhaseDelivered)

	s.fsm.Configure(PhaseFailing).
		OnEntryFrom(triggerFail, func(_ context.Context, args ...any) error {
			s.failure = args[0].(string)
			return nil
		}).
		Permit(triggerNotified, PhaseFailed)

	return s
}

func (s *Saga) phase() string {
	return s.fsm.MustState().(string)
}

func (s *Saga) Apply(ev history.Event) error {
	switch ev.Type {
	case history.EventStarted:
		return codec.DecodeInto(ev.Payload, &s.order)

	case history.EventActivityCompleted:
		switch ev.StepID {
		case StepPrepare:
			return s.fsm.Fire(triggerPrepared)
		case StepDispatch:
			s.result = fmt.Sprintf("Package for order %s dispatched.", s.order.OrderID)
			return s.fsm.Fire(triggerDispatched)
		}

	case history.EventActivityFailed:
		if ev.Final {
			return s.fsm.Fire(triggerFail, engine.ActivityFailureFrom(ev).Error())
		}

	case history.EventSignalSent:
		if ev.StepID == StepNotify {
			return s.fsm.Fire(triggerNotified)
		}
	}
	return nil
}

func (s *Saga) Next() engine.Command {
	switch s.phase() {
	case PhasePreparing:
		return engine.ScheduleActivity{StepID: StepPrepare, Activity: activities.PreparePackage, Input: s.order}
	case PhaseDispatching:
		return engine.ScheduleActivity{StepID: StepDispatch, Activity: activities.DispatchCarrier, Input: s.order}
	case PhaseFailing:
		return engine.SignalParent{StepID: StepNotify, Signal: SignalDispatchFailed, Payload: s.failure}
	case PhaseFailed:
		return engine.Fail{Reason: s.failure}
	default:
		return engine.Complete{Result: s.result}
	}
}

func (s *Saga) Query(name string) (any, error) {
	if name != "status" {
		return nil, engine.ErrUnknownQuery
	}
	return s.phase(), nil
}
