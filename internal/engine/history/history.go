// Package history defines the append-only event log of saga instances
// and the stores that persist it.
package history

import (
	"context"
	"errors"
)

var (
	ErrInstanceExists   = errors.New("instance already exists")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrLeaseHeld        = errors.New("instance leased by another owner")
	ErrLeaseLost        = errors.New("instance lease lost")
)

type EventType string

const (
	EventStarted           EventType = "started"
	EventActivityCompleted EventType = "activity_completed"
	EventActivityFailed    EventType = "activity_failed"
	EventTimerStarted      EventType = "timer_started"
	EventConditionResolved EventType = "condition_resolved"
	EventSignalReceived    EventType = "signal_received"
	EventSignalSent        EventType = "signal_sent"
	EventChildStarted      EventType = "child_started"
	EventChildCompleted    EventType = "child_completed"
	EventChildFailed       EventType = "child_failed"
	EventCompleted         EventType = "completed"
	EventFailed            EventType = "failed"
	EventTerminated        EventType = "terminated"
)

// Event is one entry of an instance history. Seq is assigned by the store.
//
// Field usage by type:
//   - StepID: call site of activities, timers, children and outgoing signals
//   - Name: activity name, signal name or child kind
//   - Peer: signal sender, child id or parent id
//   - Attempt, Kind, Final: activity failures
//   - Message: failure text, or delivery error of an outgoing signal
//   - Payload: codec-encoded input, result or signal payload
//   - At: fire time of a timer; Time is the append time
//   - TimedOut: resolution of a condition wait
type Event struct {
	InstanceID string
	Seq        uint64
	Type       EventType
	StepID     string
	Name       string
	Peer       string
	Payload    []byte
	Attempt    uint64
	Kind       string
	Message    string
	Final      bool
	TimedOut   bool
	At         int64
	Time       int64
}

type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

type Instance struct {
	ID       string
	Kind     string
	Queue    string
	ParentID string
	Status   Status
	// unix nanoseconds, zero when unset
	Deadline  int64
	CreatedAt int64
	ClosedAt  int64
	LastSeq   uint64
	// runner lease, empty when nobody drives the instance
	Owner      string
	LeaseUntil int64
}

// Leased reports whether someone other than owner holds an unexpired lease at now.
func (i Instance) Leased(owner string, now int64) bool {
	return i.Owner != "" && i.Owner != owner && i.LeaseUntil > now
}

// Store persists instances and their histories.
//
// Implementations must assign Seq atomically on Append so that concurrent
// writers (a runner and a signal sender) never interleave inside one event.
//
// Only one runner, across every process sharing the store, drives an
// instance: it holds the lease taken with Claim and appends through
// AppendOwned, which is refused once another owner took the lease over.
type Store interface {
	// Create persists the instance together with its first event.
	Create(ctx context.Context, inst Instance, started Event) error
	// Append returns the event with its assigned Seq.
	Append(ctx context.Context, id string, ev Event) (Event, error)
	// AppendOwned appends like Append while owner holds the lease, ErrLeaseLost otherwise.
	AppendOwned(ctx context.Context, id, owner string, ev Event) (Event, error)
	// Claim takes or extends the lease for owner until the given time.
	// It returns ErrLeaseHeld while another owner's lease is still valid at now.
	Claim(ctx context.Context, id, owner string, now, until int64) error
	// Release drops the lease if owner still holds it. Unknown instances are ignored.
	Release(ctx context.Context, id, owner string) error
	Load(ctx context.Context, id string) (Instance, []Event, error)
	Get(ctx context.Context, id string) (Instance, error)
	SetStatus(ctx context.Context, id string, status Status, closedAt int64) error
	List(ctx context.Context, status Status) ([]Instance, error)
	Purge(ctx context.Context, id string) error
	Close() error
}
