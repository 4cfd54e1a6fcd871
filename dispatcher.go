package peopleflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

/// Dispatcher routes externally delivered signals into the checkpoint store
/// and answers queries from the last committed snapshot. Signal delivery is
/// at-least-once with last-write-wins payloads per name; the per-name
/// sequence recorded alongside the payload is what makes duplicate deliveries
/// no-ops for the state machine. Queries never touch in-flight execution:
/// they read whatever the store committed last, so they cannot block.

var ErrDispatcher = errors.New("dispatcher failure")

type Dispatcher struct {
	ctx      context.Context
	db       Database
	registry *Registry
	now      func() time.Time
	wake     WakeFunc
	log      Logger
}

func NewDispatcher(ctx context.Context, db Database, registry *Registry, now func() time.Time, wake WakeFunc) *Dispatcher {
	return &Dispatcher{ctx: ctx, db: db, registry: registry, now: now, wake: wake, log: logger}
}

// Signal persists the payload keyed by (instance, name) and wakes the
// instance. Signals delivered before the instance starts waiting are kept, so
// late-arriving waits still observe them.
func (d *Dispatcher) Signal(instanceID, name string, payload Payload) error {
	d.log.Debug(d.ctx, "delivering signal", "signal.instance_id", instanceID, "signal.name", name)

	has, err := d.db.HasInstance(instanceID)
	if err != nil {
		return errors.Join(ErrDispatcher, err)
	}
	if !has {
		return errors.Join(ErrDispatcher, ErrInstanceNotFound, fmt.Errorf("instance %s", instanceID))
	}

	if _, err := d.db.SaveSignal(instanceID, name, payload, d.now()); err != nil {
		err := errors.Join(ErrDispatcher, fmt.Errorf("failed to persist signal: %w", err))
		d.log.Error(d.ctx, err.Error(), "signal.instance_id", instanceID, "signal.name", name)
		return err
	}

	d.wake(instanceID, "signal:"+name)
	return nil
}

// Query answers a read-only question about an instance from its last
// committed checkpoint.
func (d *Dispatcher) Query(instanceID, name string) (interface{}, error) {
	rec, err := d.db.GetInstance(instanceID)
	if err != nil {
		return nil, errors.Join(ErrDispatcher, err)
	}

	switch name {
	case QueryStatus:
		if rec.Status == StatusFailed {
			return map[string]interface{}{
				"status": string(rec.Status),
				"phase":  rec.FailedPhase,
				"reason": rec.FailureReason,
			}, nil
		}
		return map[string]interface{}{"status": string(rec.Status)}, nil
	case QueryCurrentPhase:
		return rec.CurrentPhase, nil
	case QueryProgress:
		program, err := d.registry.program(rec.Program)
		if err != nil {
			return nil, errors.Join(ErrDispatcher, err)
		}
		return progressOf(rec, program), nil
	case QueryPendingTasks:
		return pendingTasksOf(rec), nil
	case QueryOverrides:
		out := append([]OverrideEntry(nil), rec.Overrides...)
		return out, nil
	case QueryAudit:
		out := append([]AuditEntry(nil), rec.Audit...)
		return out, nil
	case QueryState:
		return copyPayload(rec.State), nil
	default:
		return nil, errors.Join(ErrDispatcher, ErrQueryUnknown, fmt.Errorf("query %s", name))
	}
}

// progressOf reports completion as a percentage of the program's declared
// phases. Skipped and non-fatal-failed phases count as progressed: the
// instance moved past them. Phases not reached yet count against the total.
func progressOf(rec *InstanceRecord, program *Program) int {
	if rec.Status == StatusCompleted {
		return 100
	}
	total := len(program.Phases)
	if total == 0 {
		return 0
	}
	done := 0
	for _, pr := range rec.Phases {
		if pr.Status.Terminal() {
			done++
		}
	}
	return done * 100 / total
}

// PendingTask is what a dashboard shows for a suspended instance.
type PendingTask struct {
	Phase   string `json:"phase"`
	Waiting string `json:"waiting"`
}

func pendingTasksOf(rec *InstanceRecord) []PendingTask {
	out := []PendingTask{}
	if rec.Status.Terminal() {
		return out
	}
	names := make([]string, 0, len(rec.Phases))
	for name := range rec.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pr := rec.Phases[name]
		if pr.Status == PhaseInProgress {
			out = append(out, PendingTask{Phase: pr.Name, Waiting: pr.Reason})
		}
		for _, child := range pr.Children {
			if child.Status == PhaseInProgress {
				out = append(out, PendingTask{Phase: pr.Name + "/" + child.Name, Waiting: child.Reason})
			}
		}
	}
	return out
}
