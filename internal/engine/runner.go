package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/logs"
)

type runner struct {
	id   string
	wake chan struct{}
}

// fatalError stops the instance for good, it is closed as failed.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func fatal(err error) error {
	return &fatalError{err: err}
}

// instanceRun is the runner's view of one instance between two store loads.
type instanceRun struct {
	inst   history.Instance
	events []history.Event
	logger logs.Logger
}

func (r *instanceRun) find(typ history.EventType, stepID string) (history.Event, bool) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ && r.events[i].StepID == stepID {
			return r.events[i], true
		}
	}
	return history.Event{}, false
}

func terminalEvent(events []history.Event) (history.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case history.EventCompleted, history.EventFailed, history.EventTerminated:
			return events[i], true
		}
	}
	return history.Event{}, false
}

func terminalStatus(ev history.Event) history.Status {
	switch ev.Type {
	case history.EventCompleted:
		return history.StatusCompleted
	case history.EventFailed:
		return history.StatusFailed
	default:
		return history.StatusTerminated
	}
}

func (e *Engine) schedule(id, queue string) {
	if !e.hosts(queue) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runCtx == nil || e.runCtx.Err() != nil {
		return
	}
	if _, ok := e.runners[id]; ok {
		return
	}

	r := &runner{id: id, wake: make(chan struct{}, 1)}
	e.runners[id] = r

	e.wg.Add(1)
	go func(ctx context.Context) {
		defer e.wg.Done()
		defer e.forget(id)
		e.drive(ctx, r)
	}(e.runCtx)
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runners, id)
}

func (e *Engine) wake(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runners[id]; ok {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// drive executes one instance while holding its lease, until the instance is
// terminal, suspended by shutdown, taken over, or broken.
func (e *Engine) drive(ctx context.Context, r *runner) {
	logger := e.logger.WithFields(map[string]interface{}{"instance_id": r.id})

	now := e.now()
	if err := e.store.Claim(ctx, r.id, e.owner, now.UnixNano(), now.Add(e.lease).UnixNano()); err != nil {
		switch {
		case errors.Is(err, history.ErrLeaseHeld):
			logger.Debug(ctx, "instance driven by another owner")
		case ctx.Err() == nil:
			logger.Error(ctx, err.Error())
		}
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	held := make(chan struct{})
	go func() {
		defer close(held)
		e.hold(ctx, cancel, r.id, logger)
	}()
	defer func() {
		cancel()
		<-held
		releaseCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := e.store.Release(releaseCtx, r.id, e.owner); err != nil {
			logger.Warn(releaseCtx, "lease not released", "error", err)
		}
	}()

	inst, events, err := e.store.Load(ctx, r.id)
	if err != nil {
		logger.Error(ctx, err.Error())
		return
	}

	def, err := e.registry.Workflow(inst.Kind)
	if err != nil {
		logger.Error(ctx, err.Error())
		return
	}

	wf := def.Factory()
	applied := 0
	logger.Debug(ctx, "runner started", "kind", inst.Kind, "events", len(events))

	for {
		if ctx.Err() != nil {
			return
		}

		for ; applied < len(events); applied++ {
			if err := wf.Apply(events[applied]); err != nil {
				err = errors.Join(ErrHistoryCorrupted, fmt.Errorf("event %d: %w", events[applied].Seq, err))
				logger.Error(ctx, err.Error())
				e.abandon(ctx, &instanceRun{inst: inst, events: events, logger: logger}, err)
				return
			}
		}

		run := &instanceRun{inst: inst, events: events, logger: logger}

		if ev, ok := terminalEvent(events); ok {
			// closed in the history, maybe not yet in the metadata
			if !inst.Status.Terminal() {
				if err := e.close(ctx, run, terminalStatus(ev)); err != nil {
					logger.Error(ctx, err.Error())
				}
			}
			return
		}

		if inst.Deadline > 0 && e.now().UnixNano() >= inst.Deadline {
			if err := e.terminate(ctx, run); err != nil {
				logger.Error(ctx, err.Error())
			}
			return
		}

		cmd := wf.Next()
		until, suspend, err := e.execute(ctx, run, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var f *fatalError
			if errors.As(err, &f) {
				logger.Error(ctx, err.Error(), "command", fmt.Sprintf("%T", cmd))
				if err := e.finish(ctx, run, history.Event{Type: history.EventFailed, Message: err.Error()}); err != nil {
					logger.Error(ctx, err.Error())
				}
				return
			}
			if errors.Is(err, history.ErrLeaseLost) {
				logger.Warn(ctx, "instance taken over, runner stops", "command", fmt.Sprintf("%T", cmd))
				return
			}
			// persistence trouble: leave the instance running, the recovery scan retries it
			logger.Error(ctx, err.Error(), "command", fmt.Sprintf("%T", cmd))
			return
		}

		if suspend {
			e.wait(ctx, r, until, inst.Deadline)
		}

		if inst, events, err = e.store.Load(ctx, r.id); err != nil {
			if ctx.Err() == nil {
				logger.Error(ctx, err.Error())
			}
			return
		}
	}
}

// hold renews the lease until ctx is done. Losing it cancels the runner.
func (e *Engine) hold(ctx context.Context, cancel context.CancelFunc, id string, logger logs.Logger) {
	ticker := time.NewTicker(e.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := e.now()
		err := e.store.Claim(ctx, id, e.owner, now.UnixNano(), now.Add(e.lease).UnixNano())
		switch {
		case err == nil:
		case errors.Is(err, history.ErrLeaseHeld), errors.Is(err, history.ErrInstanceNotFound):
			logger.Warn(ctx, "instance lease lost", "error", err)
			cancel()
			return
		case ctx.Err() != nil:
			return
		default:
			// keep going, the lease may still be ours on the next tick
			logger.Warn(ctx, "lease renewal failed", "error", err)
		}
	}
}

// abandon closes an instance whose history no longer folds. An instance that
// already recorded its end keeps that outcome.
func (e *Engine) abandon(ctx context.Context, run *instanceRun, cause error) {
	if ev, ok := terminalEvent(run.events); ok {
		if !run.inst.Status.Terminal() {
			if err := e.close(ctx, run, terminalStatus(ev)); err != nil {
				run.logger.Error(ctx, err.Error())
			}
		}
		return
	}
	if err := e.finish(ctx, run, history.Event{Type: history.EventFailed, Message: cause.Error()}); err != nil {
		run.logger.Error(ctx, err.Error())
	}
}

// wait blocks until woken, the timer or deadline fires, or the poll interval elapses.
func (e *Engine) wait(ctx context.Context, r *runner, until time.Time, deadline int64) {
	poll := time.NewTimer(e.pollInterval)
	defer poll.Stop()

	var fire <-chan time.Time
	next := until
	if deadline > 0 {
		if d := time.Unix(0, deadline); next.IsZero() || d.Before(next) {
			next = d
		}
	}
	if !next.IsZero() {
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()
		fire = timer.C
	}

	select {
	case <-ctx.Done():
	case <-r.wake:
	case <-fire:
	case <-poll.C:
	}
}

// execute performs one command. It either appends events (and the runner
// loops) or asks to suspend, optionally until a point in time.
func (e *Engine) execute(ctx context.Context, run *instanceRun, cmd Command) (until time.Time, suspend bool, err error) {
	switch c := cmd.(type) {
	case ScheduleActivity:
		if _, ok := run.find(history.EventActivityCompleted, c.StepID); ok {
			return time.Time{}, false, fatal(fmt.Errorf("step %s scheduled again after completion", c.StepID))
		}
		return time.Time{}, false, e.runActivity(ctx, run, c)

	case AwaitCondition:
		return e.awaitCondition(ctx, run, c)

	case StartChild:
		return e.awaitChild(ctx, run, c)

	case SignalParent:
		if _, ok := run.find(history.EventSignalSent, c.StepID); ok {
			return time.Time{}, false, fatal(fmt.Errorf("step %s signalled twice", c.StepID))
		}
		return time.Time{}, false, e.signalParent(ctx, run, c)

	case AwaitSignal:
		return time.Time{}, true, nil

	case Complete:
		payload, err := codec.Encode(c.Result)
		if err != nil {
			return time.Time{}, false, fatal(err)
		}
		return time.Time{}, false, e.finish(ctx, run, history.Event{Type: history.EventCompleted, Payload: payload})

	case Fail:
		return time.Time{}, false, e.finish(ctx, run, history.Event{Type: history.EventFailed, Message: c.Reason})

	default:
		return time.Time{}, false, fatal(errors.Join(ErrUnknownCommand, fmt.Errorf("%T", cmd)))
	}
}

func (e *Engine) append(ctx context.Context, run *instanceRun, ev history.Event) error {
	ev.Time = e.now().UnixNano()
	if _, err := e.store.AppendOwned(ctx, run.inst.ID, e.owner, ev); err != nil {
		return fmt.Errorf("append %s to %s: %w", ev.Type, run.inst.ID, err)
	}
	return nil
}

func (e *Engine) awaitCondition(ctx context.Context, run *instanceRun, c AwaitCondition) (time.Time, bool, error) {
	if _, ok := run.find(history.EventConditionResolved, c.StepID); ok {
		return time.Time{}, false, fatal(fmt.Errorf("condition %s awaited after resolution", c.StepID))
	}

	if c.Satisfied {
		return time.Time{}, false, e.append(ctx, run, history.Event{Type: history.EventConditionResolved, StepID: c.StepID})
	}

	timer, ok := run.find(history.EventTimerStarted, c.StepID)
	if !ok {
		fireAt := e.now().Add(c.Timeout).UnixNano()
		run.logger.Debug(ctx, "timer started", "step_id", c.StepID, "timeout", c.Timeout)
		return time.Time{}, false, e.append(ctx, run, history.Event{Type: history.EventTimerStarted, StepID: c.StepID, At: fireAt})
	}

	fireAt := time.Unix(0, timer.At)
	if !e.now().Before(fireAt) {
		run.logger.Info(ctx, "condition timed out", "step_id", c.StepID)
		return time.Time{}, false, e.append(ctx, run, history.Event{Type: history.EventConditionResolved, StepID: c.StepID, TimedOut: true, At: timer.At})
	}
	return fireAt, true, nil
}

func (e *Engine) awaitChild(ctx context.Context, run *instanceRun, c StartChild) (time.Time, bool, error) {
	if _, ok := run.find(history.EventChildCompleted, c.StepID); ok {
		return time.Time{}, false, fatal(fmt.Errorf("child step %s awaited after completion", c.StepID))
	}
	if _, ok := run.find(history.EventChildFailed, c.StepID); ok {
		return time.Time{}, false, fatal(fmt.Errorf("child step %s awaited after failure", c.StepID))
	}

	childID := ChildID(c.Kind, run.inst.ID)

	if _, ok := run.find(history.EventChildStarted, c.StepID); !ok {
		err := e.Start(ctx, c.Kind, childID, c.Input, withParent(run.inst.ID))
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyExists):
			// started before a restart, adopt it if it is ours
			child, getErr := e.store.Get(ctx, childID)
			if getErr != nil {
				return time.Time{}, false, getErr
			}
			if child.ParentID != run.inst.ID {
				return time.Time{}, false, fatal(fmt.Errorf("child id %s taken by another instance", childID))
			}
		case errors.Is(err, ErrUnknownWorkflow):
			return time.Time{}, false, fatal(err)
		default:
			return time.Time{}, false, err
		}
		return time.Time{}, false, e.append(ctx, run, history.Event{Type: history.EventChildStarted, StepID: c.StepID, Name: c.Kind, Peer: childID})
	}

	child, childEvents, err := e.store.Load(ctx, childID)
	if errors.Is(err, history.ErrInstanceNotFound) {
		return time.Time{}, false, e.append(ctx, run, history.Event{Type: history.EventChildFailed, StepID: c.StepID, Name: c.Kind, Peer: childID, Message: "child instance disappeared"})
	}
	if err != nil {
		return time.Time{}, false, err
	}

	ev, closed := terminalEvent(childEvents)
	if !closed || !child.Status.Terminal() {
		return time.Time{}, true, nil
	}

	switch ev.Type {
	case history.EventCompleted:
		return time.Time{}, false, e.append(ctx, run, history.Event{Type: history.EventChildCompleted, StepID: c.StepID, Name: c.Kind, Peer: childID, Payload: ev.Payload})
	default:
		msg := ev.Message
		if msg == "" {
			msg = string(ev.Type)
		}
		return time.Time{}, false, e.append(ctx, run, history.Event{Type: history.EventChildFailed, StepID: c.StepID, Name: c.Kind, Peer: childID, Message: msg})
	}
}

// signalParent attempts delivery and records the attempt whatever its outcome.
// The child's own failure is recorded afterwards, so a delivered signal always
// lands in the parent history before the parent can observe the failure.
func (e *Engine) signalParent(ctx context.Context, run *instanceRun, c SignalParent) error {
	parentID := run.inst.ParentID

	var msg string
	if parentID == "" {
		msg = "no parent"
	} else if err := e.signal(ctx, parentID, c.Signal, c.Payload, run.inst.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg = err.Error()
		run.logger.Warn(ctx, "signal to parent not delivered", "parent_id", parentID, "signal", c.Signal, "error", err)
	}

	return e.append(ctx, run, history.Event{Type: history.EventSignalSent, StepID: c.StepID, Name: c.Signal, Peer: parentID, Message: msg})
}

func (e *Engine) finish(ctx context.Context, run *instanceRun, ev history.Event) error {
	if err := e.append(ctx, run, ev); err != nil {
		return err
	}
	return e.close(ctx, run, terminalStatus(ev))
}

func (e *Engine) terminate(ctx context.Context, run *instanceRun) error {
	run.logger.Warn(ctx, "execution timeout exceeded")
	return e.finish(ctx, run, history.Event{Type: history.EventTerminated, Message: "execution timeout exceeded"})
}

func (e *Engine) close(ctx context.Context, run *instanceRun, status history.Status) error {
	if err := e.store.SetStatus(ctx, run.inst.ID, status, e.now().UnixNano()); err != nil {
		return err
	}
	run.logger.Info(ctx, "instance closed", "status", status)
	if run.inst.ParentID != "" {
		e.wake(run.inst.ParentID)
	}
	return nil
}
