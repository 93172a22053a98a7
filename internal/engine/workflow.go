package engine

import (
	"time"

	"github.com/davidroman0O/ordersaga/internal/engine/history"
)

// Workflow is the replayable logic of one instance.
//
// Apply folds events in history order and must be deterministic: no clock,
// randomness or I/O. Next looks at the folded state and says what the engine
// should do; it is called again after every event the engine appends.
type Workflow interface {
	Apply(ev history.Event) error
	Next() Command
	Query(name string) (any, error)
}

// Factory returns a fresh, empty workflow value for each replay.
type Factory func() Workflow

type Command interface {
	command()
}

// ScheduleActivity runs the named activity at StepID unless its outcome is already recorded.
type ScheduleActivity struct {
	StepID   string
	Activity string
	Input    any
}

// AwaitCondition races Satisfied against a durable timer started on first use.
// The outcome is recorded once as a condition_resolved event for StepID.
type AwaitCondition struct {
	StepID    string
	Timeout   time.Duration
	Satisfied bool
}

// StartChild starts the child of Kind, or adopts it after a restart, and waits for it.
type StartChild struct {
	StepID string
	Kind   string
	Input  any
}

// SignalParent delivers a signal to the parent instance, best effort.
type SignalParent struct {
	StepID  string
	Signal  string
	Payload any
}

// AwaitSignal suspends until anything new is appended.
type AwaitSignal struct{}

type Complete struct {
	Result any
}

type Fail struct {
	Reason string
}

func (ScheduleActivity) command() {}
func (AwaitCondition) command()   {}
func (StartChild) command()       {}
func (SignalParent) command()     {}
func (AwaitSignal) command()      {}
func (Complete) command()         {}
func (Fail) command()             {}

// ChildID derives the id of a child instance from its kind and parent.
func ChildID(kind, parentID string) string {
	return kind + "-" + parentID
}

// ActivityFailureFrom rebuilds the typed failure from a final activity_failed event.
func ActivityFailureFrom(ev history.Event) *ActivityFailure {
	return &ActivityFailure{
		StepID:   ev.StepID,
		Activity: ev.Name,
		Kind:     ev.Kind,
		Message:  ev.Message,
		Attempts: ev.Attempt,
	}
}

// ChildFailureFrom rebuilds the typed failure from a child_failed event.
func ChildFailureFrom(ev history.Event) *ChildFailure {
	return &ChildFailure{
		ChildID: ev.Peer,
		Kind:    ev.Name,
		Message: ev.Message,
	}
}
