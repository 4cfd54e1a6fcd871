package peopleflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/qmuntal/stateless"
)

/// Orchestrator owns the deterministic advance loop. Advance is the only code
/// path that mutates an InstanceRecord: it loads the last checkpoint, applies
/// every transition the committed signals, timers and activity outcomes allow,
/// writes the record back after each transition, and stops when the instance
/// blocks on a wait or reaches a terminal status. Calling Advance twice on an
/// unchanged checkpoint performs no new side effects: entry actions consult
/// the activity log, signal consumption compares sequences, timers consume
/// their fired flag.

var ErrOrchestrator = errors.New("orchestrator failure")

type stepOutcome int

const (
	stepBlocked stepOutcome = iota
	stepAdvanced
	stepFatal
)

type Orchestrator struct {
	ctx      context.Context
	db       Database
	registry *Registry
	executor *Executor
	timers   *TimerService
	now      func() time.Time
	log      Logger
}

func NewOrchestrator(ctx context.Context, db Database, registry *Registry, executor *Executor, timers *TimerService, now func() time.Time) *Orchestrator {
	return &Orchestrator{
		ctx:      ctx,
		db:       db,
		registry: registry,
		executor: executor,
		timers:   timers,
		now:      now,
		log:      logger,
	}
}

// lifecycle builds the per-advance state machine over the record. The machine
// is rebuilt on every Advance from the checkpointed status; only its entry
// hooks mutate the record, so the machine itself carries no durable state.
func (o *Orchestrator) lifecycle(rec *InstanceRecord) *stateless.StateMachine {
	initial := StateIdle
	switch rec.Status {
	case StatusRunning:
		if rec.CurrentPhase != "" {
			initial = StateExecuting
		}
	case StatusCompleted:
		initial = StateCompleted
	case StatusFailed:
		initial = StateFailed
	case StatusCancelled:
		initial = StateCancelled
	}

	fsm := stateless.NewStateMachine(initial)

	fsm.Configure(StateIdle).
		Permit(TriggerStart, StateExecuting)

	fsm.Configure(StateExecuting).
		PermitReentry(TriggerStart).
		Permit(TriggerSuspend, StateSuspended).
		Permit(TriggerComplete, StateCompleted).
		Permit(TriggerFail, StateFailed).
		Permit(TriggerCancel, StateCancelled)

	fsm.Configure(StateSuspended).
		Permit(TriggerStart, StateExecuting).
		Permit(TriggerCancel, StateCancelled)

	fsm.Configure(StateCompleted).
		OnEntry(func(ctx context.Context, args ...interface{}) error {
			now := o.now()
			rec.Status = StatusCompleted
			rec.CurrentPhase = ""
			rec.CompletedAt = &now
			return nil
		})

	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, args ...interface{}) error {
			now := o.now()
			rec.Status = StatusFailed
			rec.CompletedAt = &now
			rec.audit(now, AuditInstanceFailed, rec.FailedPhase, rec.FailureReason)
			return nil
		})

	fsm.Configure(StateCancelled).
		OnEntry(func(ctx context.Context, args ...interface{}) error {
			now := o.now()
			rec.Status = StatusCancelled
			rec.CompletedAt = &now
			rec.audit(now, AuditCancelled, rec.CurrentPhase, "cancellation requested")
			return nil
		})

	return fsm
}

func (o *Orchestrator) checkpoint(rec *InstanceRecord) error {
	if err := o.db.UpdateInstance(rec); err != nil {
		err := errors.Join(ErrOrchestrator, fmt.Errorf("failed to checkpoint instance: %w", err))
		o.log.Error(o.ctx, err.Error(), "orchestrator.instance_id", rec.ID)
		return err
	}
	return nil
}

// Advance drives one instance as far as its committed inputs allow. Safe to
// call at any time, from any wake reason, any number of times.
func (o *Orchestrator) Advance(instanceID string) error {
	rec, err := o.db.GetInstance(instanceID)
	if err != nil {
		return errors.Join(ErrOrchestrator, err)
	}
	if rec.Status.Terminal() {
		return nil
	}

	program, err := o.registry.program(rec.Program)
	if err != nil {
		return errors.Join(ErrOrchestrator, err)
	}

	fsm := o.lifecycle(rec)
	if err := fsm.Fire(TriggerStart); err != nil {
		return errors.Join(ErrOrchestrator, err)
	}

	for {
		if rec.CancelRequested {
			return o.cancel(fsm, rec, program)
		}
		if rec.Paused {
			o.log.Debug(o.ctx, "instance paused, not advancing", "orchestrator.instance_id", rec.ID)
			return o.checkpoint(rec)
		}

		if err := o.consumeOverride(rec); err != nil {
			return err
		}

		if rec.CurrentPhase == "" {
			rec.CurrentPhase = program.Phases[0].Name
			if err := o.checkpoint(rec); err != nil {
				return err
			}
		}

		phase := program.phase(rec.CurrentPhase)
		if phase == nil {
			return errors.Join(ErrOrchestrator, ErrPhaseNotFound, fmt.Errorf("phase %s of program %s", rec.CurrentPhase, rec.Program))
		}

		outcome, err := o.stepPhase(rec, program, phase)
		if err != nil {
			return err
		}

		switch outcome {
		case stepBlocked:
			if err := fsm.Fire(TriggerSuspend); err != nil {
				return errors.Join(ErrOrchestrator, err)
			}
			return o.checkpoint(rec)

		case stepFatal:
			if program.OnFailure != nil {
				step := "failure/" + program.OnFailure.Step
				if _, err := o.executor.Invoke(rec.ID, step, program.OnFailure.Activity, program.OnFailure.args(rec), o.callPolicy(rec, program, program.OnFailure)); err != nil {
					o.log.Warn(o.ctx, "failure hook failed", "orchestrator.instance_id", rec.ID, "error", err)
				}
			}
			if err := fsm.Fire(TriggerFail); err != nil {
				return errors.Join(ErrOrchestrator, err)
			}
			return o.checkpoint(rec)

		case stepAdvanced:
			done, err := o.moveNext(rec, program)
			if err != nil {
				return err
			}
			if done {
				if err := fsm.Fire(TriggerComplete); err != nil {
					return errors.Join(ErrOrchestrator, err)
				}
				o.log.Info(o.ctx, "instance completed", "orchestrator.instance_id", rec.ID, "orchestrator.program", rec.Program)
				return o.checkpoint(rec)
			}
		}
	}
}

func (o *Orchestrator) cancel(fsm *stateless.StateMachine, rec *InstanceRecord, program *Program) error {
	o.log.Info(o.ctx, "cancelling instance", "orchestrator.instance_id", rec.ID, "orchestrator.phase", rec.CurrentPhase)

	if program.OnCancel != nil {
		step := "cancel/" + program.OnCancel.Step
		if _, err := o.executor.Invoke(rec.ID, step, program.OnCancel.Activity, program.OnCancel.args(rec), o.callPolicy(rec, program, program.OnCancel)); err != nil {
			o.log.Warn(o.ctx, "cancel hook failed", "orchestrator.instance_id", rec.ID, "error", err)
		}
	}
	if err := o.dropTimers(rec.ID); err != nil {
		return err
	}
	if err := fsm.Fire(TriggerCancel); err != nil {
		return errors.Join(ErrOrchestrator, err)
	}
	return o.checkpoint(rec)
}

// dropTimers cancels every outstanding timer of the instance; used on
// cancellation so nothing wakes a terminal instance.
func (o *Orchestrator) dropTimers(instanceID string) error {
	records, err := o.db.ListTimers()
	if err != nil {
		return errors.Join(ErrOrchestrator, err)
	}
	for _, tr := range records {
		if tr.InstanceID != instanceID {
			continue
		}
		if err := o.timers.Cancel(tr.InstanceID, tr.Key); err != nil {
			return errors.Join(ErrOrchestrator, err)
		}
	}
	return nil
}

// consumeOverride folds any unconsumed manual override delivery into the
// record. The override is appended to the permanent list; it takes effect when
// the named phase is reached (or immediately when it is the current one).
func (o *Orchestrator) consumeOverride(rec *InstanceRecord) error {
	sig, err := o.db.GetSignal(rec.ID, SignalManualOverride)
	if errors.Is(err, ErrSignalNotFound) {
		return nil
	}
	if err != nil {
		return errors.Join(ErrOrchestrator, err)
	}
	if rec.Consumed == nil {
		rec.Consumed = map[string]uint64{}
	}
	if sig.Seq <= rec.Consumed[SignalManualOverride] {
		return nil
	}
	rec.Consumed[SignalManualOverride] = sig.Seq

	phaseName := payloadString(sig.Payload, "phase")
	entry := OverrideEntry{
		Phase:       phaseName,
		RequestedBy: payloadString(sig.Payload, "requested_by"),
		Reason:      payloadString(sig.Payload, "reason"),
		RequestedAt: o.now(),
	}
	rec.Overrides = append(rec.Overrides, entry)
	rec.audit(entry.RequestedAt, AuditManualOverride, phaseName, entry.Reason)

	o.log.Info(o.ctx, "manual override recorded", "orchestrator.instance_id", rec.ID, "orchestrator.phase", phaseName, "orchestrator.requested_by", entry.RequestedBy)
	return o.checkpoint(rec)
}

// pendingOverride finds an unapplied override for the phase.
func pendingOverride(rec *InstanceRecord, phaseName string) *OverrideEntry {
	for i := range rec.Overrides {
		if rec.Overrides[i].Phase == phaseName && !rec.Overrides[i].Applied {
			return &rec.Overrides[i]
		}
	}
	return nil
}

func (o *Orchestrator) moveNext(rec *InstanceRecord, program *Program) (bool, error) {
	idx := program.phaseIndex(rec.CurrentPhase)
	if idx < 0 {
		return false, errors.Join(ErrOrchestrator, ErrPhaseNotFound, fmt.Errorf("phase %s", rec.CurrentPhase))
	}
	rec.CompletedPhases = append(rec.CompletedPhases, rec.CurrentPhase)
	if idx+1 >= len(program.Phases) {
		return true, nil
	}
	rec.CurrentPhase = program.Phases[idx+1].Name
	return false, o.checkpoint(rec)
}

// callPolicy resolves the retry policy for one activity call: the call's own
// policy wins, then the per-start override, then the program default.
func (o *Orchestrator) callPolicy(rec *InstanceRecord, program *Program, call *ActivityCall) *RetryPolicy {
	if call.Retry != nil {
		return call.Retry
	}
	if rec.RetryPolicy != nil {
		return rec.RetryPolicy
	}
	return program.RetryPolicy
}

func mergeState(rec *InstanceRecord, p Payload) {
	if len(p) == 0 {
		return
	}
	if rec.State == nil {
		rec.State = Payload{}
	}
	for k, v := range p {
		rec.State[k] = v
	}
}

// signalReady reports whether the named signal has an unconsumed delivery and,
// if so, consumes it and folds its payload into the instance state.
func (o *Orchestrator) signalReady(rec *InstanceRecord, name string) (bool, error) {
	sig, err := o.db.GetSignal(rec.ID, name)
	if errors.Is(err, ErrSignalNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(ErrOrchestrator, err)
	}
	if rec.Consumed == nil {
		rec.Consumed = map[string]uint64{}
	}
	if sig.Seq <= rec.Consumed[name] {
		return false, nil
	}
	rec.Consumed[name] = sig.Seq
	mergeState(rec, sig.Payload)
	o.log.Debug(o.ctx, "signal consumed", "orchestrator.instance_id", rec.ID, "signal.name", name, "signal.seq", sig.Seq)
	return true, nil
}

// timerFired reports whether the keyed timer fired and, if so, consumes it.
// Returns armed=false when no timer exists for the key yet.
func (o *Orchestrator) timerFired(instanceID, key string) (fired, armed bool, err error) {
	tr, err := o.db.GetTimer(instanceID, key)
	if errors.Is(err, ErrTimerNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Join(ErrOrchestrator, err)
	}
	if !tr.Fired {
		return false, true, nil
	}
	if err := o.db.DeleteTimer(instanceID, key); err != nil {
		return false, false, errors.Join(ErrOrchestrator, err)
	}
	return true, true, nil
}

// stepPhase advances the current phase one transition at a time until it is
// terminal or blocked.
func (o *Orchestrator) stepPhase(rec *InstanceRecord, program *Program, phase *Phase) (stepOutcome, error) {
	pr := rec.phaseRecord(phase.Name)
	if pr.Status.Terminal() {
		return stepAdvanced, nil
	}

	if ov := pendingOverride(rec, phase.Name); ov != nil {
		return o.skipPhase(rec, phase.Name, pr, "manual override by "+ov.RequestedBy, ov)
	}

	if pr.Status == PhasePending {
		if phase.SkipWhen != nil && phase.SkipWhen(rec) {
			return o.skipPhase(rec, phase.Name, pr, "skip condition matched", nil)
		}
		now := o.now()
		pr.Status = PhaseInProgress
		pr.StartedAt = &now
		o.log.Info(o.ctx, "phase started", "orchestrator.instance_id", rec.ID, "orchestrator.phase", phase.Name)
		if err := o.checkpoint(rec); err != nil {
			return stepBlocked, err
		}
	}

	if phase.parallel() {
		return o.stepParallel(rec, program, phase, pr)
	}

	failed, reason, err := o.runEntry(rec, program, phase.Name, phase.Entry, pr)
	if err != nil {
		return stepBlocked, err
	}
	if failed {
		return o.failPhase(rec, phase, pr, reason)
	}

	return o.stepExit(rec, program, phase, pr, phase.Name, phase.Exit, "wait/"+phase.Name)
}

// runEntry executes the phase's entry actions that have not committed yet.
// All actions are attempted even when one fails terminally; the phase outcome
// reflects the union of failures.
func (o *Orchestrator) runEntry(rec *InstanceRecord, program *Program, stepPrefix string, entry []*ActivityCall, pr *PhaseRecord) (failed bool, reason string, err error) {
	failures := []string{}
	for _, call := range entry {
		if pr.EntrySteps[call.Step] {
			continue
		}
		logRec, invokeErr := o.executor.Invoke(rec.ID, stepPrefix+"/"+call.Step, call.Activity, call.args(rec), o.callPolicy(rec, program, call))
		if invokeErr != nil {
			if logRec == nil {
				return false, "", invokeErr
			}
			// The step stays unmarked: the failure is already durable in the
			// activity log, and a replay before the phase failure commits must
			// re-enter Invoke so the replay guard re-surfaces it.
			rec.audit(o.now(), AuditActivityFailure, stepPrefix, fmt.Sprintf("%s: %s", call.Activity, logRec.Error))
			failures = append(failures, call.Activity)
			continue
		}
		mergeState(rec, logRec.Result)
		pr.EntrySteps[call.Step] = true
		if err := o.checkpoint(rec); err != nil {
			return false, "", err
		}
	}
	if len(failures) > 0 {
		return true, "activity failures: " + strings.Join(failures, ", "), nil
	}
	return false, "", nil
}

// stepExit resolves the phase's exit condition. stepPrefix keys activity log
// entries and timerKey keys the wait timer, both unique per phase or child.
func (o *Orchestrator) stepExit(rec *InstanceRecord, program *Program, phase *Phase, pr *PhaseRecord, stepPrefix string, exit ExitCondition, timerKey string) (stepOutcome, error) {
	switch cond := exit.(type) {
	case nil:
		return o.completePhase(rec, phase, pr)

	case SignalWait:
		ready, err := o.signalReady(rec, cond.Signal)
		if err != nil {
			return stepBlocked, err
		}
		if !ready {
			pr.Reason = "waiting for signal " + cond.Signal
			return stepBlocked, nil
		}
		return o.completePhase(rec, phase, pr)

	case BoundedWait:
		return o.stepBoundedWait(rec, program, phase, pr, stepPrefix, cond, timerKey)

	case DateWait:
		return o.stepDateWait(rec, phase, pr, cond, timerKey)

	default:
		return stepBlocked, errors.Join(ErrOrchestrator, fmt.Errorf("phase %s has an unknown exit condition %T", pr.Name, exit))
	}
}

func (o *Orchestrator) stepDateWait(rec *InstanceRecord, phase *Phase, pr *PhaseRecord, cond DateWait, timerKey string) (stepOutcome, error) {
	until, err := cond.Until(rec)
	if err != nil {
		return o.failPhase(rec, phase, pr, "unresolvable wake date: "+err.Error())
	}

	fired, armed, err := o.timerFired(rec.ID, timerKey)
	if err != nil {
		return stepBlocked, err
	}
	if fired {
		return o.completePhase(rec, phase, pr)
	}
	if !armed {
		if err := o.timers.Arm(rec.ID, timerKey, until); err != nil {
			return stepBlocked, errors.Join(ErrOrchestrator, err)
		}
	}
	pr.Reason = "waiting until " + until.Format(time.RFC3339)
	return stepBlocked, nil
}

func (o *Orchestrator) stepBoundedWait(rec *InstanceRecord, program *Program, phase *Phase, pr *PhaseRecord, stepPrefix string, cond BoundedWait, timerKey string) (stepOutcome, error) {
	ready, err := o.signalReady(rec, cond.Signal)
	if err != nil {
		return stepBlocked, err
	}
	if ready {
		if err := o.timers.Cancel(rec.ID, timerKey); err != nil {
			return stepBlocked, errors.Join(ErrOrchestrator, err)
		}
		return o.completePhase(rec, phase, pr)
	}

	fired, armed, err := o.timerFired(rec.ID, timerKey)
	if err != nil {
		return stepBlocked, err
	}
	if !armed {
		if err := o.timers.Arm(rec.ID, timerKey, o.now().Add(cond.Interval)); err != nil {
			return stepBlocked, errors.Join(ErrOrchestrator, err)
		}
		pr.Reason = "waiting for signal " + cond.Signal
		return stepBlocked, nil
	}
	if !fired {
		pr.Reason = "waiting for signal " + cond.Signal
		return stepBlocked, nil
	}

	// Interval elapsed without the signal.
	if pr.RemindersSent < cond.MaxReminders {
		if cond.Reminder != nil {
			step := stepPrefix + "/reminder/" + strconv.Itoa(pr.RemindersSent+1)
			if _, err := o.executor.Invoke(rec.ID, step, cond.Reminder.Activity, cond.Reminder.args(rec), o.callPolicy(rec, program, cond.Reminder)); err != nil {
				o.log.Warn(o.ctx, "reminder activity failed", "orchestrator.instance_id", rec.ID, "orchestrator.phase", pr.Name, "error", err)
			}
		}
		pr.RemindersSent++
		rec.audit(o.now(), AuditReminderSent, pr.Name, fmt.Sprintf("reminder %d of %d", pr.RemindersSent, cond.MaxReminders))
		if err := o.checkpoint(rec); err != nil {
			return stepBlocked, err
		}
		if err := o.timers.Arm(rec.ID, timerKey, o.now().Add(cond.Interval)); err != nil {
			return stepBlocked, errors.Join(ErrOrchestrator, err)
		}
		pr.Reason = "waiting for signal " + cond.Signal
		return stepBlocked, nil
	}

	// Reminder budget exhausted.
	if cond.Escalation != nil {
		step := stepPrefix + "/escalation"
		if _, err := o.executor.Invoke(rec.ID, step, cond.Escalation.Activity, cond.Escalation.args(rec), o.callPolicy(rec, program, cond.Escalation)); err != nil {
			o.log.Warn(o.ctx, "escalation activity failed", "orchestrator.instance_id", rec.ID, "orchestrator.phase", pr.Name, "error", err)
		}
	}
	pr.Escalated = true
	rec.audit(o.now(), AuditEscalation, pr.Name, fmt.Sprintf("escalated after %d reminders without signal %s", pr.RemindersSent, cond.Signal))
	return o.failPhase(rec, phase, pr, fmt.Sprintf("signal %s never arrived, escalated", cond.Signal))
}

// stepParallel advances every child branch independently and aggregates. A
// branch failure never interrupts its siblings; the parent resolves once all
// branches are terminal.
func (o *Orchestrator) stepParallel(rec *InstanceRecord, program *Program, phase *Phase, pr *PhaseRecord) (stepOutcome, error) {
	blocked := false
	for _, child := range phase.Children {
		cr := pr.childRecord(child.Name)
		if cr.Status.Terminal() {
			continue
		}
		if cr.Status == PhasePending {
			now := o.now()
			cr.Status = PhaseInProgress
			cr.StartedAt = &now
			if err := o.checkpoint(rec); err != nil {
				return stepBlocked, err
			}
		}

		stepPrefix := phase.Name + "/" + child.Name
		failed, reason, err := o.runEntry(rec, program, stepPrefix, child.Entry, cr)
		if err != nil {
			return stepBlocked, err
		}
		if failed {
			o.finishChild(rec, cr, PhaseFailed, reason)
			if err := o.checkpoint(rec); err != nil {
				return stepBlocked, err
			}
			continue
		}

		outcome, err := o.stepChildExit(rec, program, child, cr, stepPrefix, "wait/"+stepPrefix)
		if err != nil {
			return stepBlocked, err
		}
		if outcome == stepBlocked {
			blocked = true
		}
	}

	if blocked {
		pr.Reason = parallelWaitReason(pr)
		return stepBlocked, nil
	}

	// All branches terminal: mandatory branches decide the parent outcome.
	failedMandatory := []string{}
	failedOptional := []string{}
	for _, child := range phase.Children {
		cr := pr.childRecord(child.Name)
		if cr.Status == PhaseFailed {
			if child.Mandatory {
				failedMandatory = append(failedMandatory, child.Name)
			} else {
				failedOptional = append(failedOptional, child.Name)
			}
		}
	}
	if len(failedMandatory) > 0 {
		return o.failPhase(rec, phase, pr, "mandatory branches failed: "+strings.Join(failedMandatory, ", "))
	}
	if len(failedOptional) > 0 {
		pr.Reason = "completed with failed branches: " + strings.Join(failedOptional, ", ")
	}
	return o.completePhase(rec, phase, pr)
}

// stepChildExit is stepExit for a child branch: the child completes or fails
// on its own record without touching the parent or the instance cursor.
func (o *Orchestrator) stepChildExit(rec *InstanceRecord, program *Program, child *ChildPhase, cr *PhaseRecord, stepPrefix, timerKey string) (stepOutcome, error) {
	switch cond := child.Exit.(type) {
	case nil:
		o.finishChild(rec, cr, PhaseCompleted, "")
		return stepAdvanced, o.checkpoint(rec)

	case SignalWait:
		ready, err := o.signalReady(rec, cond.Signal)
		if err != nil {
			return stepBlocked, err
		}
		if !ready {
			cr.Reason = "waiting for signal " + cond.Signal
			return stepBlocked, nil
		}
		o.finishChild(rec, cr, PhaseCompleted, "")
		return stepAdvanced, o.checkpoint(rec)

	case BoundedWait:
		ready, err := o.signalReady(rec, cond.Signal)
		if err != nil {
			return stepBlocked, err
		}
		if ready {
			if err := o.timers.Cancel(rec.ID, timerKey); err != nil {
				return stepBlocked, errors.Join(ErrOrchestrator, err)
			}
			o.finishChild(rec, cr, PhaseCompleted, "")
			return stepAdvanced, o.checkpoint(rec)
		}

		fired, armed, err := o.timerFired(rec.ID, timerKey)
		if err != nil {
			return stepBlocked, err
		}
		if !armed {
			if err := o.timers.Arm(rec.ID, timerKey, o.now().Add(cond.Interval)); err != nil {
				return stepBlocked, errors.Join(ErrOrchestrator, err)
			}
			cr.Reason = "waiting for signal " + cond.Signal
			return stepBlocked, nil
		}
		if !fired {
			cr.Reason = "waiting for signal " + cond.Signal
			return stepBlocked, nil
		}

		if cr.RemindersSent < cond.MaxReminders {
			if cond.Reminder != nil {
				step := stepPrefix + "/reminder/" + strconv.Itoa(cr.RemindersSent+1)
				if _, err := o.executor.Invoke(rec.ID, step, cond.Reminder.Activity, cond.Reminder.args(rec), o.callPolicy(rec, program, cond.Reminder)); err != nil {
					o.log.Warn(o.ctx, "reminder activity failed", "orchestrator.instance_id", rec.ID, "orchestrator.phase", cr.Name, "error", err)
				}
			}
			cr.RemindersSent++
			rec.audit(o.now(), AuditReminderSent, stepPrefix, fmt.Sprintf("reminder %d of %d", cr.RemindersSent, cond.MaxReminders))
			if err := o.checkpoint(rec); err != nil {
				return stepBlocked, err
			}
			if err := o.timers.Arm(rec.ID, timerKey, o.now().Add(cond.Interval)); err != nil {
				return stepBlocked, errors.Join(ErrOrchestrator, err)
			}
			cr.Reason = "waiting for signal " + cond.Signal
			return stepBlocked, nil
		}

		if cond.Escalation != nil {
			step := stepPrefix + "/escalation"
			if _, err := o.executor.Invoke(rec.ID, step, cond.Escalation.Activity, cond.Escalation.args(rec), o.callPolicy(rec, program, cond.Escalation)); err != nil {
				o.log.Warn(o.ctx, "escalation activity failed", "orchestrator.instance_id", rec.ID, "orchestrator.phase", cr.Name, "error", err)
			}
		}
		cr.Escalated = true
		rec.audit(o.now(), AuditEscalation, stepPrefix, fmt.Sprintf("escalated after %d reminders without signal %s", cr.RemindersSent, cond.Signal))
		o.finishChild(rec, cr, PhaseFailed, fmt.Sprintf("signal %s never arrived, escalated", cond.Signal))
		return stepAdvanced, o.checkpoint(rec)

	case DateWait:
		until, err := cond.Until(rec)
		if err != nil {
			o.finishChild(rec, cr, PhaseFailed, "unresolvable wake date: "+err.Error())
			return stepAdvanced, o.checkpoint(rec)
		}
		fired, armed, err := o.timerFired(rec.ID, timerKey)
		if err != nil {
			return stepBlocked, err
		}
		if fired {
			o.finishChild(rec, cr, PhaseCompleted, "")
			return stepAdvanced, o.checkpoint(rec)
		}
		if !armed {
			if err := o.timers.Arm(rec.ID, timerKey, until); err != nil {
				return stepBlocked, errors.Join(ErrOrchestrator, err)
			}
		}
		cr.Reason = "waiting until " + until.Format(time.RFC3339)
		return stepBlocked, nil

	default:
		return stepBlocked, errors.Join(ErrOrchestrator, fmt.Errorf("child %s has an unknown exit condition %T", cr.Name, child.Exit))
	}
}

func (o *Orchestrator) finishChild(rec *InstanceRecord, cr *PhaseRecord, status PhaseStatus, reason string) {
	now := o.now()
	cr.Status = status
	cr.Reason = reason
	cr.FinishedAt = &now
	kind := AuditPhaseCompleted
	if status == PhaseFailed {
		kind = AuditPhaseFailed
	}
	rec.audit(now, kind, cr.Name, reason)
}

func parallelWaitReason(pr *PhaseRecord) string {
	waiting := []string{}
	for name, cr := range pr.Children {
		if !cr.Status.Terminal() {
			waiting = append(waiting, name)
		}
	}
	return "waiting on branches: " + strings.Join(waiting, ", ")
}

func (o *Orchestrator) completePhase(rec *InstanceRecord, phase *Phase, pr *PhaseRecord) (stepOutcome, error) {
	now := o.now()
	pr.Status = PhaseCompleted
	pr.FinishedAt = &now
	rec.audit(now, AuditPhaseCompleted, pr.Name, pr.Reason)
	o.log.Info(o.ctx, "phase completed", "orchestrator.instance_id", rec.ID, "orchestrator.phase", pr.Name)
	return stepAdvanced, o.checkpoint(rec)
}

// failPhase marks the phase failed and resolves the fatal policy: a fatal
// phase takes the instance down, a non-fatal one records the failure and the
// instance moves on.
func (o *Orchestrator) failPhase(rec *InstanceRecord, phase *Phase, pr *PhaseRecord, reason string) (stepOutcome, error) {
	now := o.now()
	pr.Status = PhaseFailed
	pr.Reason = reason
	pr.FinishedAt = &now
	rec.audit(now, AuditPhaseFailed, pr.Name, reason)
	o.log.Warn(o.ctx, "phase failed", "orchestrator.instance_id", rec.ID, "orchestrator.phase", pr.Name, "orchestrator.fatal", phase.Fatal, "orchestrator.reason", reason)

	if phase.Fatal {
		rec.FailedPhase = pr.Name
		rec.FailureReason = reason
		return stepFatal, o.checkpoint(rec)
	}
	return stepAdvanced, o.checkpoint(rec)
}

func (o *Orchestrator) skipPhase(rec *InstanceRecord, phaseName string, pr *PhaseRecord, reason string, ov *OverrideEntry) (stepOutcome, error) {
	now := o.now()
	pr.Status = PhaseSkipped
	pr.Reason = reason
	pr.FinishedAt = &now
	if ov != nil {
		ov.Applied = true
	}
	rec.audit(now, AuditPhaseSkipped, phaseName, reason)
	o.log.Info(o.ctx, "phase skipped", "orchestrator.instance_id", rec.ID, "orchestrator.phase", phaseName, "orchestrator.reason", reason)
	return stepAdvanced, o.checkpoint(rec)
}
