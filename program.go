package peopleflow

import (
	"errors"
	"fmt"
	"time"
)

/// A Program is a statically declared sequence of phases. At runtime only the
/// completion status of each phase belongs to the instance; the definitions
/// below are shared by every instance of the program and never mutated.
///
/// Each phase runs its entry actions (skipped on replay when the activity log
/// already shows success), then evaluates its exit condition. The exit
/// condition is one of: nothing (the phase completes right after entry), a
/// signal wait, a bounded wait with periodic reminders and a final escalation,
/// an absolute-date wait, or a set of parallel children aggregated by their
/// mandatory flag.

var (
	ErrProgramExists    = errors.New("program already registered")
	ErrActivityExists   = errors.New("activity already registered")
	ErrProgramInvalid   = errors.New("invalid program definition")
	ErrDuplicatePhase   = errors.New("duplicate phase name")
	ErrMissingMandatory = errors.New("parallel phase needs at least one mandatory child")
)

// ActivityCall names a side effect executed through the Activity Executor.
// Step disambiguates multiple calls inside one phase; it becomes part of the
// idempotency key recorded in the activity log.
type ActivityCall struct {
	Step     string
	Activity string
	Args     func(inst *InstanceRecord) Payload
	Retry    *RetryPolicy
}

func (c *ActivityCall) args(inst *InstanceRecord) Payload {
	if c.Args == nil {
		return Payload{}
	}
	return c.Args(inst)
}

// ExitCondition is the tagged union of ways a phase can finish waiting.
type ExitCondition interface {
	exitCondition()
}

// SignalWait completes the phase when the named signal has been delivered.
type SignalWait struct {
	Signal string
}

func (SignalWait) exitCondition() {}

// BoundedWait waits for a signal with a deadline per tick: every Interval a
// reminder activity fires, up to MaxReminders, after which the escalation
// activity fires and the phase is marked failed (fatal or not per the phase).
type BoundedWait struct {
	Signal       string
	Interval     time.Duration
	MaxReminders int
	Reminder     *ActivityCall
	Escalation   *ActivityCall
}

func (BoundedWait) exitCondition() {}

// DateWait suspends until an absolute point in time, firing immediately on the
// next sweep if the date has already passed.
type DateWait struct {
	// Until resolves the wake-at date from the instance (input or state).
	Until func(inst *InstanceRecord) (time.Time, error)
}

func (DateWait) exitCondition() {}

// ChildPhase is one branch of a parallel phase. Branches advance
// independently; a failed branch never aborts its siblings. The parent phase
// completes when every branch is terminal, succeeding when all mandatory
// branches completed.
type ChildPhase struct {
	Name      string
	Mandatory bool
	Entry     []*ActivityCall
	Exit      ExitCondition
}

// Phase is a named stage of a program.
type Phase struct {
	Name     string
	Fatal    bool
	Entry    []*ActivityCall
	Exit     ExitCondition
	Children []*ChildPhase

	// SkipWhen marks the phase skipped for matching instances, recorded in
	// the audit trail. Evaluated over the immutable input only.
	SkipWhen func(inst *InstanceRecord) bool
}

func (p *Phase) parallel() bool { return len(p.Children) > 0 }

// Program is a complete workflow definition.
type Program struct {
	Name        string
	Phases      []*Phase
	OnCancel    *ActivityCall
	OnFailure   *ActivityCall
	RetryPolicy *RetryPolicy
}

func (p *Program) phase(name string) *Phase {
	for _, ph := range p.Phases {
		if ph.Name == name {
			return ph
		}
	}
	return nil
}

func (p *Program) phaseIndex(name string) int {
	for i, ph := range p.Phases {
		if ph.Name == name {
			return i
		}
	}
	return -1
}

func (p *Program) validate() error {
	if p.Name == "" {
		return errors.Join(ErrProgramInvalid, errors.New("program name is empty"))
	}
	if len(p.Phases) == 0 {
		return errors.Join(ErrProgramInvalid, fmt.Errorf("program %s has no phases", p.Name))
	}
	seen := map[string]bool{}
	for _, ph := range p.Phases {
		if ph.Name == "" {
			return errors.Join(ErrProgramInvalid, fmt.Errorf("program %s has a phase without a name", p.Name))
		}
		if seen[ph.Name] {
			return errors.Join(ErrProgramInvalid, ErrDuplicatePhase, fmt.Errorf("phase %s", ph.Name))
		}
		seen[ph.Name] = true
		if ph.parallel() {
			if ph.Exit != nil {
				return errors.Join(ErrProgramInvalid, fmt.Errorf("parallel phase %s cannot also declare an exit condition", ph.Name))
			}
			mandatory := false
			childSeen := map[string]bool{}
			for _, child := range ph.Children {
				if childSeen[child.Name] {
					return errors.Join(ErrProgramInvalid, ErrDuplicatePhase, fmt.Errorf("child %s of phase %s", child.Name, ph.Name))
				}
				childSeen[child.Name] = true
				if child.Mandatory {
					mandatory = true
				}
			}
			if !mandatory {
				return errors.Join(ErrProgramInvalid, ErrMissingMandatory, fmt.Errorf("phase %s", ph.Name))
			}
		}
	}
	return nil
}

// ActivityHandler is the application-provided implementation of a named side
// effect. Handlers run outside the deterministic core: they may call external
// systems and fail transiently. They must be idempotent with respect to the
// idempotency key the engine derives from instance and step.
type ActivityHandler func(ctx ActivityContext, args Payload) (Payload, error)

// ActivityContext is what handlers get to observe cancellation.
type ActivityContext struct {
	InstanceID     string
	Step           string
	Attempt        uint64
	IdempotencyKey string

	done <-chan struct{}
	err  func() error
}

func (ac ActivityContext) Done() <-chan struct{} { return ac.done }
func (ac ActivityContext) Err() error            { return ac.err() }

// Registry holds program definitions and activity handlers, built before the
// engine starts.
type Registry struct {
	programs   map[string]*Program
	activities map[string]ActivityHandler
}

func NewRegistry() *Registry {
	return &Registry{
		programs:   map[string]*Program{},
		activities: map[string]ActivityHandler{},
	}
}

func (r *Registry) RegisterProgram(p *Program) error {
	if err := p.validate(); err != nil {
		return err
	}
	if _, ok := r.programs[p.Name]; ok {
		return errors.Join(ErrProgramExists, fmt.Errorf("program %s", p.Name))
	}
	r.programs[p.Name] = p
	return nil
}

func (r *Registry) RegisterActivity(name string, handler ActivityHandler) error {
	if _, ok := r.activities[name]; ok {
		return errors.Join(ErrActivityExists, fmt.Errorf("activity %s", name))
	}
	r.activities[name] = handler
	return nil
}

func (r *Registry) program(name string) (*Program, error) {
	p, ok := r.programs[name]
	if !ok {
		return nil, errors.Join(ErrProgramNotFound, fmt.Errorf("program %s", name))
	}
	return p, nil
}

func (r *Registry) activity(name string) (ActivityHandler, error) {
	h, ok := r.activities[name]
	if !ok {
		return nil, errors.Join(ErrActivityNotFound, fmt.Errorf("activity %s", name))
	}
	return h, nil
}
