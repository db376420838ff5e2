package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threadloom/pkg/bus"
	"threadloom/pkg/retry"
)

// activityErrorType marks journaled failures whose retries ran out.
const activityErrorType = "durable.ActivityError"

// ActivityOptions bounds one activity. Each attempt runs under Timeout; failed attempts are
// retried according to Retry.
type ActivityOptions struct {
	Timeout time.Duration
	Retry   retry.Policy
}

// ExecuteActivity runs fn at most once to success and journals the outcome. On replay the
// journaled result (or error) is returned without calling fn.
//
// Errors built with NonRetryable stop retrying and come back as *ApplicationError.
// Exhausted retries come back as *ActivityError.
func ExecuteActivity[T any](wf *Context, name string, opts ActivityOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	rt := wf.rt
	e := rt.engine

	if step, ok := rt.next(name, StepActivity); ok {
		if step.ErrorType != "" {
			return zero, journaledError(step)
		}
		var out T
		if err := Decode(step.Payload, &out); err != nil {
			return zero, fmt.Errorf("decode journaled result of %s: %w", name, err)
		}
		return out, nil
	}

	var out T
	rt.state.Unlock()
	result := retry.Do(rt.ctx, e.clock, opts.Retry, func(ctx context.Context, attempt int) error {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		value, err := fn(ctx)
		if err != nil {
			var appErr *ApplicationError
			if errors.As(err, &appErr) {
				return retry.Permanent(err)
			}
			return err
		}
		out = value
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		rt.log.Warn("activity attempt failed", "activity", name, "attempt", attempt, "retry_in", delay, "error", err)
		e.publish(rt.id, rt.workflow, bus.EventActivityRetried, map[string]string{
			"activity": name,
			"attempt":  fmt.Sprint(attempt),
		}, err)
	})
	rt.state.Lock()

	if !result.Success && rt.ctx.Err() != nil {
		panic(unwind{reason: rt.stopReason()})
	}

	if result.Success {
		payload, err := Encode(out)
		if err != nil {
			return zero, fmt.Errorf("encode result of %s: %w", name, err)
		}
		rt.record(Step{Kind: StepActivity, Name: name, Payload: payload, Attempts: result.Attempts})
		return out, nil
	}

	step := Step{Kind: StepActivity, Name: name, Attempts: result.Attempts}
	var appErr *ApplicationError
	if errors.As(result.LastError, &appErr) {
		step.ErrorType = appErr.Type
		step.Error = appErr.Message
	} else {
		step.ErrorType = activityErrorType
		step.Error = errorText(result.LastError)
	}
	step = rt.record(step)

	err := journaledError(step)
	rt.log.Warn("activity failed", "activity", name, "attempts", result.Attempts, "error", err)
	e.publish(rt.id, rt.workflow, bus.EventActivityFailed, map[string]string{
		"activity": name,
		"attempts": fmt.Sprint(result.Attempts),
	}, err)
	return zero, err
}

func journaledError(step Step) error {
	if step.ErrorType == activityErrorType {
		return &ActivityError{Activity: step.Name, Attempts: step.Attempts, Message: step.Error}
	}
	return &ApplicationError{Type: step.ErrorType, Message: step.Error}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
