package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/engine/queues"
)

// priorAttempts counts the recorded non-final failures of a step.
func priorAttempts(events []history.Event, stepID string) uint64 {
	var n uint64
	for _, ev := range events {
		if ev.Type == history.EventActivityFailed && ev.StepID == stepID && !ev.Final {
			n++
		}
	}
	return n
}

func backoff(policy RetryPolicy, retries uint64) retry.Backoff {
	initial := policy.InitialInterval
	if initial <= 0 {
		initial = time.Millisecond
	}
	b := retry.NewExponential(initial)
	if policy.MaxInterval > 0 {
		b = retry.WithCappedDuration(policy.MaxInterval, b)
	}
	return retry.WithMaxRetries(retries, b)
}

// runActivity executes the remaining attempts of a step and records each outcome.
// Every failed attempt is appended before the next one starts, so a restart
// resumes the attempt count where it stopped.
func (e *Engine) runActivity(ctx context.Context, run *instanceRun, c ScheduleActivity) error {
	if ev, ok := run.find(history.EventActivityFailed, c.StepID); ok && ev.Final {
		return fatal(fmt.Errorf("step %s scheduled again after its final failure", c.StepID))
	}

	def, err := e.registry.Activity(c.Activity)
	if err != nil {
		return fatal(err)
	}
	if !e.hosts(def.Queue) {
		return fatal(errors.Join(queues.ErrUnknownQueue, fmt.Errorf("activity %s on queue %s", def.Name, def.Queue)))
	}

	input, err := codec.Encode(c.Input)
	if err != nil {
		return fatal(fmt.Errorf("activity %s input: %w", def.Name, err))
	}

	attempt := priorAttempts(run.events, c.StepID)
	if attempt >= def.Policy.MaxAttempts {
		return fatal(fmt.Errorf("step %s exhausted %d attempts without a final failure", c.StepID, attempt))
	}
	remaining := def.Policy.MaxAttempts - attempt

	return retry.Do(ctx, backoff(def.Policy, remaining-1), func(ctx context.Context) error {
		attempt++

		out, runErr, err := e.attempt(ctx, run, def, c.StepID, attempt, input)
		if err != nil {
			// not an activity failure, nothing is recorded
			return err
		}

		if runErr == nil {
			run.logger.Debug(ctx, "activity completed", "step_id", c.StepID, "activity", def.Name, "attempt", attempt)
			return e.append(ctx, run, history.Event{
				Type:    history.EventActivityCompleted,
				StepID:  c.StepID,
				Name:    def.Name,
				Attempt: attempt,
				Payload: out,
			})
		}

		kind := FailureKind(runErr)
		final := attempt >= def.Policy.MaxAttempts || !def.Policy.Retryable(kind)
		run.logger.Warn(ctx, "activity attempt failed", "step_id", c.StepID, "activity", def.Name, "attempt", attempt, "kind", kind, "final", final, "error", runErr)

		if err := e.append(ctx, run, history.Event{
			Type:    history.EventActivityFailed,
			StepID:  c.StepID,
			Name:    def.Name,
			Attempt: attempt,
			Kind:    kind,
			Message: runErr.Error(),
			Final:   final,
		}); err != nil {
			return err
		}
		if final {
			return nil
		}
		return retry.RetryableError(runErr)
	})
}

// attempt dispatches one try. runErr is the activity's failure, err a dispatch problem.
func (e *Engine) attempt(ctx context.Context, run *instanceRun, def ActivityDefinition, stepID string, attempt uint64, input []byte) (out []byte, runErr error, err error) {
	ctx, span := e.tracer.Start(ctx, "activity "+def.Name, trace.WithAttributes(
		attribute.String("instance_id", run.inst.ID),
		attribute.String("step_id", stepID),
		attribute.String("queue", def.Queue),
		attribute.Int64("attempt", int64(attempt)),
	))
	defer span.End()

	res, err := e.router.Dispatch(ctx, def.Queue, queues.Task{
		InstanceID: run.inst.ID,
		StepID:     stepID,
		Activity:   def.Name,
		Attempt:    attempt,
		Input:      input,
		Timeout:    def.Timeout,
		Handler:    def.Handler,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, queues.ErrUnknownQueue) {
			return nil, nil, fatal(err)
		}
		return nil, nil, err
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, res.Err, nil
	}
	return res.Output, nil, nil
}
