package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
)

const testQueue = "test"

// callFlow runs one activity and completes with its output.
type callFlow struct {
	activity string
	input    string
	started  bool
	result   string
	failure  string
	done     bool
}

func (f *callFlow) Apply(ev history.Event) error {
	switch ev.Type {
	case history.EventStarted:
		in, err := codec.Decode[string](ev.Payload)
		if err != nil {
			return err
		}
		f.input = in
		f.started = true
	case history.EventActivityCompleted:
		out, err := codec.Decode[string](ev.Payload)
		if err != nil {
			return err
		}
		f.result = out
		f.done = true
	case history.EventActivityFailed:
		if ev.Final {
			f.failure = ActivityFailureFrom(ev).Error()
			f.done = true
		}
	}
	return nil
}

func (f *callFlow) Next() Command {
	switch {
	case !f.done:
		return ScheduleActivity{StepID: "call", Activity: f.activity, Input: f.input}
	case f.failure != "":
		return Fail{Reason: f.failure}
	default:
		return Complete{Result: f.result}
	}
}

func (f *callFlow) Query(name string) (any, error) {
	if name != "result" {
		return nil, ErrUnknownQuery
	}
	return f.result, nil
}

// gateFlow runs "first", waits for the "go" signal, then runs "second".
type gateFlow struct {
	timeout  time.Duration
	first    bool
	open     bool
	resolved bool
	timedOut bool
	second   bool
}

func (f *gateFlow) Apply(ev history.Event) error {
	switch ev.Type {
	case history.EventActivityCompleted:
		switch ev.StepID {
		case "first":
			f.first = true
		case "second":
			f.second = true
		}
	case history.EventSignalReceived:
		if ev.Name == "go" {
			f.open = true
		}
	case history.EventConditionResolved:
		f.resolved = true
		f.timedOut = ev.TimedOut
	}
	return nil
}

func (f *gateFlow) Next() Command {
	switch {
	case !f.first:
		return ScheduleActivity{StepID: "first", Activity: "first", Input: "a"}
	case !f.resolved:
		return AwaitCondition{StepID: "gate", Timeout: f.timeout, Satisfied: f.open}
	case f.timedOut:
		return Complete{Result: "timed out"}
	case !f.second:
		return ScheduleActivity{StepID: "second", Activity: "second", Input: "b"}
	default:
		return Complete{Result: "opened"}
	}
}

func (f *gateFlow) Query(string) (any, error) {
	return f.open, nil
}

// parentFlow starts a child and remembers what the child signalled.
type parentFlow struct {
	input   string
	childID string
	heard   []string
	result  string
	failure string
	done    bool
}

func (f *parentFlow) Apply(ev history.Event) error {
	switch ev.Type {
	case history.EventStarted:
		in, err := codec.Decode[string](ev.Payload)
		if err != nil {
			return err
		}
		f.input = in
	case history.EventChildStarted:
		f.childID = ev.Peer
	case history.EventSignalReceived:
		if ev.Peer == f.childID {
			msg, err := codec.Decode[string](ev.Payload)
			if err != nil {
				return err
			}
			f.heard = append(f.heard, ev.Name+":"+msg)
		}
	case history.EventChildCompleted:
		out, err := codec.Decode[string](ev.Payload)
		if err != nil {
			return err
		}
		f.result = out
		f.done = true
	case history.EventChildFailed:
		f.failure = ChildFailureFrom(ev).Error()
		f.done = true
	}
	return nil
}

func (f *parentFlow) Next() Command {
	switch {
	case !f.done:
		return StartChild{StepID: "child", Kind: "child", Input: f.input}
	case f.failure != "":
		return Fail{Reason: f.failure}
	default:
		return Complete{Result: "parent:" + f.result}
	}
}

func (f *parentFlow) Query(string) (any, error) {
	return f.heard, nil
}

// childFlow calls "work", and tells its parent before failing.
type childFlow struct {
	input    string
	done     bool
	result   string
	failure  string
	notified bool
}

func (f *childFlow) Apply(ev history.Event) error {
	switch ev.Type {
	case history.EventStarted:
		in, err := codec.Decode[string](ev.Payload)
		if err != nil {
			return err
		}
		f.input = in
	case history.EventActivityCompleted:
		out, err := codec.Decode[string](ev.Payload)
		if err != nil {
			return err
		}
		f.result = out
		f.done = true
	case history.EventActivityFailed:
		if ev.Final {
			f.failure = ev.Message
			f.done = true
		}
	case history.EventSignalSent:
		f.notified = true
	}
	return nil
}

func (f *childFlow) Next() Command {
	switch {
	case !f.done:
		return ScheduleActivity{StepID: "work", Activity: "work", Input: f.input}
	case f.failure != "" && !f.notified:
		return SignalParent{StepID: "notify", Signal: "failing", Payload: f.failure}
	case f.failure != "":
		return Fail{Reason: f.failure}
	default:
		return Complete{Result: f.result}
	}
}

func (f *childFlow) Query(string) (any, error) {
	return f.result, nil
}

// kindError carries a failure kind.
type kindError struct {
	kind string
	msg  string
}

func (e kindError) Error() string { return e.msg }
func (e kindError) Kind() string  { return e.kind }

// flaky fails its first n calls.
type flaky struct {
	failures int64
	err      error
	calls    atomic.Int64
}

func (f *flaky) handle(_ context.Context, in string) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		if f.err != nil {
			return "", f.err
		}
		return "", fmt.Errorf("call %d failed", n)
	}
	return in + "!", nil
}

func always(err error) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) {
		return "", err
	}
}

var errBoom = errors.New("boom")

func fastPolicy(attempts uint64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}
