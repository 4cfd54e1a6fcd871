package peopleflow

import (
	"time"
)

/// The Database is the engine's checkpoint store. Every phase transition,
/// activity outcome, signal consumption and timer state change is written here
/// before the state machine takes any further action; on restart the engine
/// reloads the last committed records and advances again. Implementations:
/// MemoryDatabase (tests, ephemeral) and SqliteDatabase (durable).

// PhaseRecord is the durable completion status of one phase (or one child of
// a parallel phase) for a single instance.
type PhaseRecord struct {
	Name          string                  `json:"name"`
	Status        PhaseStatus             `json:"status"`
	EntrySteps    map[string]bool         `json:"entry_steps,omitempty"` // step -> entry action committed
	RemindersSent int                     `json:"reminders_sent"`
	Escalated     bool                    `json:"escalated"`
	Reason        string                  `json:"reason,omitempty"`
	Children      map[string]*PhaseRecord `json:"children,omitempty"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	FinishedAt    *time.Time              `json:"finished_at,omitempty"`
}

// OverrideEntry is an append-only record of a manual override.
type OverrideEntry struct {
	Phase       string    `json:"phase"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	Applied     bool      `json:"applied"`
}

// AuditEntry is an append-only trail entry: escalations, overrides, phase
// outcomes. Never overwritten.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Phase  string    `json:"phase,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// InstanceRecord is the full deterministic state of a workflow instance: the
// engine owns it exclusively and mutates it only through state-transition
// application.
type InstanceRecord struct {
	ID              string                  `json:"id"`
	Program         string                  `json:"program"`
	Input           Payload                 `json:"input"`
	Status          InstanceStatus          `json:"status"`
	CurrentPhase    string                  `json:"current_phase"`
	CompletedPhases []string                `json:"completed_phases"`
	Phases          map[string]*PhaseRecord `json:"phases"`
	State           Payload                 `json:"state"`

	// Consumed tracks, per signal name, the last delivery sequence the state
	// machine has observed. Duplicate deliveries below this mark are no-ops.
	Consumed map[string]uint64 `json:"consumed,omitempty"`

	Overrides []OverrideEntry `json:"overrides,omitempty"`
	Audit     []AuditEntry    `json:"audit,omitempty"`

	CancelRequested bool   `json:"cancel_requested,omitempty"`
	Paused          bool   `json:"paused,omitempty"`
	FailedPhase     string `json:"failed_phase,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`

	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (rec *InstanceRecord) phaseRecord(name string) *PhaseRecord {
	if rec.Phases == nil {
		rec.Phases = map[string]*PhaseRecord{}
	}
	pr, ok := rec.Phases[name]
	if !ok {
		pr = &PhaseRecord{Name: name, Status: PhasePending, EntrySteps: map[string]bool{}}
		rec.Phases[name] = pr
	}
	return pr
}

func (pr *PhaseRecord) childRecord(name string) *PhaseRecord {
	if pr.Children == nil {
		pr.Children = map[string]*PhaseRecord{}
	}
	child, ok := pr.Children[name]
	if !ok {
		child = &PhaseRecord{Name: name, Status: PhasePending, EntrySteps: map[string]bool{}}
		pr.Children[name] = child
	}
	return child
}

func (rec *InstanceRecord) audit(at time.Time, kind, phase, detail string) {
	rec.Audit = append(rec.Audit, AuditEntry{At: at, Kind: kind, Phase: phase, Detail: detail})
}

// SignalRecord stores the latest delivered payload per (instance, name),
// last-write-wins, with a monotonic per-name sequence so late-arriving waits
// still observe signals delivered before the wait started.
type SignalRecord struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Seq        uint64    `json:"seq"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// TimerRecord is one scheduled wake request. At most one outstanding timer per
// (instance, key); re-arming replaces. Fired is set durably by the sweep
// before the wake event is delivered, which is what makes redelivery
// idempotent.
type TimerRecord struct {
	InstanceID string    `json:"instance_id"`
	Key        string    `json:"key"`
	WakeAt     time.Time `json:"wake_at"`
	Fired      bool      `json:"fired"`
}

// ActivityLogRecord is the checkpointed outcome of one activity invocation,
// keyed by (instance, step). Re-executing the same invocation after a crash
// consults this log first so a committed side effect is never re-run.
type ActivityLogRecord struct {
	InstanceID  string          `json:"instance_id"`
	Step        string          `json:"step"`
	Activity    string          `json:"activity"`
	Outcome     ActivityOutcome `json:"outcome"`
	Attempts    uint64          `json:"attempts"`
	Args        Payload         `json:"args,omitempty"`
	Result      Payload         `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	Program *string
	Status  *InstanceStatus
}

func (f *InstanceFilter) match(rec *InstanceRecord) bool {
	if f == nil {
		return true
	}
	if f.Program != nil && rec.Program != *f.Program {
		return false
	}
	if f.Status != nil && rec.Status != *f.Status {
		return false
	}
	return true
}

// Database interface
type Database interface {
	// Instances
	AddInstance(rec *InstanceRecord) error
	GetInstance(id string) (*InstanceRecord, error)
	HasInstance(id string) (bool, error)
	UpdateInstance(rec *InstanceRecord) error
	ListInstances(filter *InstanceFilter) ([]*InstanceRecord, error)

	// Signals
	SaveSignal(instanceID, name string, payload Payload, at time.Time) (*SignalRecord, error)
	GetSignal(instanceID, name string) (*SignalRecord, error)
	GetSignals(instanceID string) ([]*SignalRecord, error)

	// Timers
	SaveTimer(rec *TimerRecord) error
	GetTimer(instanceID, key string) (*TimerRecord, error)
	DeleteTimer(instanceID, key string) error
	ListTimers() ([]*TimerRecord, error)

	// Activity log
	AddActivityLog(rec *ActivityLogRecord) error
	GetActivityLog(instanceID, step string) (*ActivityLogRecord, error)
	GetActivityLogs(instanceID string) ([]*ActivityLogRecord, error)

	Close() error
}
