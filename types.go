package peopleflow

import (
	"errors"
	"time"
)

// Error definitions
var (
	ErrInstanceNotFound    = errors.New("workflow instance not found")
	ErrProgramNotFound     = errors.New("program not found")
	ErrPhaseNotFound       = errors.New("phase not found")
	ErrActivityNotFound    = errors.New("activity not found")
	ErrSignalNotFound      = errors.New("signal not found")
	ErrTimerNotFound       = errors.New("timer not found")
	ErrActivityLogNotFound = errors.New("activity log entry not found")
	ErrQueryUnknown        = errors.New("unknown query")
	ErrInstanceTerminal    = errors.New("workflow instance already reached a terminal status")
	ErrEngineClosed        = errors.New("engine is closed")
)

// State and Trigger definitions for the orchestrator lifecycle FSM
type state string

const (
	StateIdle      state = "Idle"
	StateExecuting state = "Executing"
	StateSuspended state = "Suspended"
	StateCompleted state = "Completed"
	StateFailed    state = "Failed"
	StateCancelled state = "Cancelled"
)

type trigger string

const (
	TriggerStart    trigger = "Start"
	TriggerSuspend  trigger = "Suspend"
	TriggerComplete trigger = "Complete"
	TriggerFail     trigger = "Fail"
	TriggerCancel   trigger = "Cancel"
)

// InstanceStatus defines the status of a workflow instance
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "Running"
	StatusCompleted InstanceStatus = "Completed"
	StatusFailed    InstanceStatus = "Failed"
	StatusCancelled InstanceStatus = "Cancelled"
)

func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PhaseStatus defines the runtime completion status of a phase
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "Pending"
	PhaseInProgress PhaseStatus = "InProgress"
	PhaseCompleted  PhaseStatus = "Completed"
	PhaseFailed     PhaseStatus = "Failed"
	PhaseSkipped    PhaseStatus = "Skipped"
)

func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseSkipped
}

// ActivityOutcome is the recorded result of one activity invocation.
type ActivityOutcome string

const (
	OutcomeCompleted ActivityOutcome = "Completed"
	OutcomeFailed    ActivityOutcome = "Failed"
)

// Payload is the schemaless value crossing the engine boundary: workflow
// inputs, signal payloads, activity arguments and results.
type Payload map[string]interface{}

// RetryPolicy governs activity re-invocation: exponential backoff from
// InitialInterval multiplied by BackoffCoefficient each attempt, capped at
// MaximumInterval, giving up after MaximumAttempts.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximum_interval"`
	MaximumAttempts    uint64        `json:"maximum_attempts"`
}

var defaultRetryPolicy = RetryPolicy{
	InitialInterval:    time.Second,
	BackoffCoefficient: 2.0,
	MaximumInterval:    5 * time.Minute,
	MaximumAttempts:    5,
}

func getRetryPolicyOrDefault(p *RetryPolicy) RetryPolicy {
	if p == nil {
		return defaultRetryPolicy
	}
	out := *p
	if out.InitialInterval <= 0 {
		out.InitialInterval = defaultRetryPolicy.InitialInterval
	}
	if out.BackoffCoefficient < 1 {
		out.BackoffCoefficient = defaultRetryPolicy.BackoffCoefficient
	}
	if out.MaximumInterval <= 0 {
		out.MaximumInterval = defaultRetryPolicy.MaximumInterval
	}
	if out.MaximumAttempts == 0 {
		out.MaximumAttempts = defaultRetryPolicy.MaximumAttempts
	}
	return out
}

// Query names answerable for every instance.
const (
	QueryStatus       = "status"
	QueryCurrentPhase = "current_phase"
	QueryProgress     = "progress"
	QueryPendingTasks = "pending_tasks"
	QueryOverrides    = "overrides"
	QueryAudit        = "audit"
	QueryState        = "state"
)

// SignalManualOverride authorizes skipping the phase named in the payload
// outside normal program order. The skip is recorded permanently.
const SignalManualOverride = "manual_override"

// Audit entry kinds
const (
	AuditPhaseCompleted  = "phase_completed"
	AuditPhaseFailed     = "phase_failed"
	AuditPhaseSkipped    = "phase_skipped"
	AuditReminderSent    = "reminder_sent"
	AuditEscalation      = "escalation"
	AuditManualOverride  = "manual_override"
	AuditActivityFailure = "activity_failure"
	AuditCancelled       = "cancelled"
	AuditInstanceFailed  = "instance_failed"
)
