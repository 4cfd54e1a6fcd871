package peopleflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

/// Executor runs named side effects outside the deterministic core. Every
/// invocation is keyed by (instance, step): the outcome is checkpointed into
/// the activity log before the state machine proceeds, and a replayed
/// invocation returns the recorded outcome instead of re-running the side
/// effect. Transient failures are retried with exponential backoff per the
/// retry policy; exhausting the policy records a terminal failure, which the
/// owning phase resolves against its fatal/non-fatal policy.

var (
	ErrExecutor                = errors.New("executor failure")
	ErrActivityTerminalFailure = errors.New("activity failed terminally")
	ErrActivityPanicked        = errors.New("activity panicked")
)

type Executor struct {
	ctx      context.Context
	db       Database
	registry *Registry
	now      func() time.Time
	log      Logger
}

func NewExecutor(ctx context.Context, db Database, registry *Registry, now func() time.Time) *Executor {
	return &Executor{ctx: ctx, db: db, registry: registry, now: now, log: logger}
}

// backoffFor builds the go-retry backoff chain for a policy. go-retry's
// exponential doubles per attempt; a policy with a different coefficient gets
// a custom multiplier.
func backoffFor(policy RetryPolicy) retry.Backoff {
	var b retry.Backoff
	if policy.BackoffCoefficient == 2.0 {
		b = retry.NewExponential(policy.InitialInterval)
	} else {
		next := policy.InitialInterval
		coefficient := policy.BackoffCoefficient
		b = retry.BackoffFunc(func() (time.Duration, bool) {
			current := next
			next = time.Duration(float64(next) * coefficient)
			return current, false
		})
	}
	b = retry.WithCappedDuration(policy.MaximumInterval, b)
	// MaximumAttempts counts invocations; go-retry counts retries after the
	// first attempt.
	return retry.WithMaxRetries(policy.MaximumAttempts-1, b)
}

// Invoke executes the named activity with at-most-once effect per step key.
// The returned record always reflects what is in the activity log.
func (e *Executor) Invoke(instanceID, step, activity string, args Payload, policy *RetryPolicy) (*ActivityLogRecord, error) {
	// Replay guard: a committed outcome is never re-run.
	if rec, err := e.db.GetActivityLog(instanceID, step); err == nil {
		e.log.Debug(e.ctx, "activity outcome replayed from log", "activity.instance_id", instanceID, "activity.step", step, "activity.outcome", rec.Outcome)
		if rec.Outcome == OutcomeFailed {
			return rec, errors.Join(ErrActivityTerminalFailure, errors.New(rec.Error))
		}
		return rec, nil
	} else if !errors.Is(err, ErrActivityLogNotFound) {
		return nil, errors.Join(ErrExecutor, err)
	}

	handler, err := e.registry.activity(activity)
	if err != nil {
		// An unregistered activity is a terminal failure, not a crash: the
		// phase policy decides what it means for the instance.
		return e.record(instanceID, step, activity, args, nil, 0, errors.Join(ErrActivityTerminalFailure, err))
	}

	effective := getRetryPolicyOrDefault(policy)

	var attempts uint64
	var result Payload
	invokeErr := retry.Do(e.ctx, backoffFor(effective), func(ctx context.Context) error {
		attempts++
		e.log.Debug(ctx, "invoking activity", "activity.instance_id", instanceID, "activity.step", step, "activity.name", activity, "activity.attempt", attempts)

		out, err := e.runHandler(ctx, handler, instanceID, step, attempts)(args)
		if err != nil {
			e.log.Warn(ctx, "activity attempt failed", "activity.instance_id", instanceID, "activity.step", step, "activity.name", activity, "activity.attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		result = out
		return nil
	})

	return e.record(instanceID, step, activity, args, result, attempts, invokeErr)
}

// runHandler wraps the application handler with panic recovery so a panicking
// activity surfaces as a failed attempt instead of tearing the worker down.
func (e *Executor) runHandler(ctx context.Context, handler ActivityHandler, instanceID, step string, attempt uint64) func(Payload) (Payload, error) {
	return func(args Payload) (out Payload, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Join(ErrActivityPanicked, fmt.Errorf("%v", r))
			}
		}()
		return handler(ActivityContext{
			InstanceID:     instanceID,
			Step:           step,
			Attempt:        attempt,
			IdempotencyKey: instanceID + "/" + step,
			done:           ctx.Done(),
			err:            ctx.Err,
		}, args)
	}
}

// record checkpoints the outcome before anything else happens. A terminal
// failure comes back as ErrActivityTerminalFailure with the record attached.
func (e *Executor) record(instanceID, step, activity string, args, result Payload, attempts uint64, invokeErr error) (*ActivityLogRecord, error) {
	rec := &ActivityLogRecord{
		InstanceID:  instanceID,
		Step:        step,
		Activity:    activity,
		Attempts:    attempts,
		Args:        args,
		CompletedAt: e.now(),
	}
	if invokeErr != nil {
		rec.Outcome = OutcomeFailed
		rec.Error = invokeErr.Error()
	} else {
		rec.Outcome = OutcomeCompleted
		rec.Result = result
	}

	if err := e.db.AddActivityLog(rec); err != nil {
		err := errors.Join(ErrExecutor, fmt.Errorf("failed to checkpoint activity outcome: %w", err))
		e.log.Error(e.ctx, err.Error(), "activity.instance_id", instanceID, "activity.step", step)
		return nil, err
	}

	if invokeErr != nil {
		e.log.Warn(e.ctx, "activity failed terminally", "activity.instance_id", instanceID, "activity.step", step, "activity.name", activity, "activity.attempts", attempts, "error", invokeErr)
		return rec, errors.Join(ErrActivityTerminalFailure, invokeErr)
	}
	e.log.Debug(e.ctx, "activity completed", "activity.instance_id", instanceID, "activity.step", step, "activity.name", activity, "activity.attempts", attempts)
	return rec, nil
}
