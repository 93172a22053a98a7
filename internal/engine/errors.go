package engine

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists    = errors.New("instance already exists")
	ErrNotFound         = errors.New("instance not found")
	ErrTerminated       = errors.New("instance terminated")
	ErrUnknownWorkflow  = errors.New("unknown workflow kind")
	ErrUnknownActivity  = errors.New("unknown activity")
	ErrUnknownQuery     = errors.New("unknown query")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrHistoryCorrupted = errors.New("history cannot be replayed")
)

// KindTransient is the failure kind of errors that carry none.
const KindTransient = "transient"

// Kinded errors choose their failure kind for retry policies.
type Kinded interface {
	Kind() string
}

// FailureKind is the kind a retry policy matches against.
func FailureKind(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindTransient
}

// ActivityFailure is what a workflow sees once an activity call gave up.
type ActivityFailure struct {
	StepID   string
	Activity string
	Kind     string
	Message  string
	Attempts uint64
}

func (e *ActivityFailure) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %s", e.Activity, e.Attempts, e.Message)
}

// ChildFailure is what a parent sees when its child instance failed.
type ChildFailure struct {
	ChildID string
	Kind    string
	Message string
}

func (e *ChildFailure) Error() string {
	return fmt.Sprintf("child %s failed: %s", e.ChildID, e.Message)
}

// WorkflowFailure is returned by AwaitResult for failed instances.
type WorkflowFailure struct {
	InstanceID string
	Reason     string
}

func (e *WorkflowFailure) Error() string {
	return fmt.Sprintf("instance %s failed: %s", e.InstanceID, e.Reason)
}
