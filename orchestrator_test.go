package peopleflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testHarness wires the orchestrator, timer service and dispatcher over a
// MemoryDatabase with a hand-driven clock. Wakes run Advance synchronously so
// a test can deliver a signal or move time and immediately assert on the
// checkpoint.
type testHarness struct {
	t        *testing.T
	db       Database
	registry *Registry
	orch     *Orchestrator
	timers   *TimerService
	disp     *Dispatcher

	mu    sync.Mutex
	now   time.Time
	calls map[string]int
	args  map[string]Payload
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		t:        t,
		db:       NewMemoryDatabase(),
		registry: NewRegistry(),
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		calls:    map[string]int{},
		args:     map[string]Payload{},
	}
	clock := func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	wake := func(instanceID, reason string) {
		if err := h.orch.Advance(instanceID); err != nil {
			t.Fatalf("advance on wake %s: %v", reason, err)
		}
	}
	ctx := context.Background()
	var err error
	if h.timers, err = NewTimerService(ctx, h.db, clock, wake); err != nil {
		t.Fatal(err)
	}
	executor := NewExecutor(ctx, h.db, h.registry, clock)
	h.orch = NewOrchestrator(ctx, h.db, h.registry, executor, h.timers, clock)
	h.disp = NewDispatcher(ctx, h.db, h.registry, clock, wake)
	return h
}

// ok registers an activity that succeeds and counts invocations.
func (h *testHarness) ok(name string) {
	handler := func(ctx ActivityContext, args Payload) (Payload, error) {
		h.mu.Lock()
		h.calls[name]++
		h.args[name] = args
		h.mu.Unlock()
		return Payload{}, nil
	}
	if err := h.registry.RegisterActivity(name, handler); err != nil {
		h.t.Fatal(err)
	}
}

// fail registers an activity that always fails.
func (h *testHarness) fail(name string) {
	handler := func(ctx ActivityContext, args Payload) (Payload, error) {
		h.mu.Lock()
		h.calls[name]++
		h.mu.Unlock()
		return nil, fmt.Errorf("%s is broken", name)
	}
	if err := h.registry.RegisterActivity(name, handler); err != nil {
		h.t.Fatal(err)
	}
}

func (h *testHarness) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

func (h *testHarness) lastArgs(name string) Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.args[name]
}

// start creates an instance the way the engine does and advances it once.
func (h *testHarness) start(program string, input Payload, policy *RetryPolicy) string {
	h.t.Helper()
	rec := &InstanceRecord{
		ID:          uuid.NewString(),
		Program:     program,
		Input:       input,
		Status:      StatusRunning,
		Phases:      map[string]*PhaseRecord{},
		State:       Payload{},
		Consumed:    map[string]uint64{},
		RetryPolicy: policy,
		CreatedAt:   h.now,
	}
	if err := h.db.AddInstance(rec); err != nil {
		h.t.Fatal(err)
	}
	if err := h.orch.Advance(rec.ID); err != nil {
		h.t.Fatal(err)
	}
	return rec.ID
}

// tick moves the clock forward and sweeps, firing any elapsed timer.
func (h *testHarness) tick(d time.Duration) {
	h.t.Helper()
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
	if err := h.timers.Sweep(); err != nil {
		h.t.Fatal(err)
	}
}

func (h *testHarness) signal(instanceID, name string, payload Payload) {
	h.t.Helper()
	if err := h.disp.Signal(instanceID, name, payload); err != nil {
		h.t.Fatal(err)
	}
}

func (h *testHarness) instance(id string) *InstanceRecord {
	h.t.Helper()
	rec, err := h.db.GetInstance(id)
	if err != nil {
		h.t.Fatal(err)
	}
	return rec
}

// quick policy so failing activities do not sleep through real backoff.
func quickRetry(attempts uint64) *RetryPolicy {
	return &RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Millisecond,
		MaximumAttempts:    attempts,
	}
}

func TestAdvanceRunsPhasesInOrder(t *testing.T) {
	h := newHarness(t)
	h.ok("first")
	h.ok("second")

	program := &Program{
		Name: "linear",
		Phases: []*Phase{
			{Name: "one", Entry: []*ActivityCall{{Step: "a", Activity: "first"}}},
			{Name: "two", Entry: []*ActivityCall{{Step: "b", Activity: "second"}}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("linear", Payload{}, nil)

	rec := h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if len(rec.CompletedPhases) != 2 || rec.CompletedPhases[0] != "one" || rec.CompletedPhases[1] != "two" {
		t.Fatalf("unexpected phase order: %v", rec.CompletedPhases)
	}
	if h.count("first") != 1 || h.count("second") != 1 {
		t.Fatalf("expected one invocation each, got %d and %d", h.count("first"), h.count("second"))
	}
}

func TestAdvanceIsIdempotentOnUnchangedCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.ok("setup")

	program := &Program{
		Name: "waiting",
		Phases: []*Phase{
			{
				Name:  "gate",
				Entry: []*ActivityCall{{Step: "setup", Activity: "setup"}},
				Exit:  SignalWait{Signal: "open"},
			},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("waiting", Payload{}, nil)

	for i := 0; i < 3; i++ {
		if err := h.orch.Advance(id); err != nil {
			t.Fatal(err)
		}
	}
	if h.count("setup") != 1 {
		t.Fatalf("re-advance re-ran entry action: %d invocations", h.count("setup"))
	}

	rec := h.instance(id)
	if rec.Status != StatusRunning || rec.CurrentPhase != "gate" {
		t.Fatalf("expected still waiting in gate, got %s/%s", rec.Status, rec.CurrentPhase)
	}
}

func TestSignalCompletesWaitAndDuplicateIsNoop(t *testing.T) {
	h := newHarness(t)

	program := &Program{
		Name: "waiting",
		Phases: []*Phase{
			{Name: "gate", Exit: SignalWait{Signal: "open"}},
			{Name: "after"},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("waiting", Payload{}, nil)
	h.signal(id, "open", Payload{"by": "alice"})

	rec := h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed after signal, got %s", rec.Status)
	}
	if rec.State["by"] != "alice" {
		t.Fatalf("signal payload not folded into state: %v", rec.State)
	}

	// Redelivery of the same signal against a terminal instance changes
	// nothing.
	h.signal(id, "open", Payload{"by": "alice"})
	rec = h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("duplicate signal changed status to %s", rec.Status)
	}
}

func TestSignalDeliveredBeforeWaitIsPreserved(t *testing.T) {
	h := newHarness(t)
	h.ok("slow")

	program := &Program{
		Name: "early",
		Phases: []*Phase{
			{Name: "work", Entry: []*ActivityCall{{Step: "w", Activity: "slow"}}},
			{Name: "gate", Exit: SignalWait{Signal: "open"}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	// Persist the signal before the instance exists in the gate phase.
	rec := &InstanceRecord{
		ID:        uuid.NewString(),
		Program:   "early",
		Input:     Payload{},
		Status:    StatusRunning,
		Phases:    map[string]*PhaseRecord{},
		State:     Payload{},
		Consumed:  map[string]uint64{},
		CreatedAt: h.now,
	}
	if err := h.db.AddInstance(rec); err != nil {
		t.Fatal(err)
	}
	h.signal(rec.ID, "open", Payload{})

	got := h.instance(rec.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("early signal lost, status %s in phase %s", got.Status, got.CurrentPhase)
	}
}

func TestPastDeadlineTimerFiresOnNextSweep(t *testing.T) {
	h := newHarness(t)

	wakeAt := h.now.Add(-time.Hour)
	program := &Program{
		Name: "dated",
		Phases: []*Phase{
			{
				Name: "wait",
				Exit: DateWait{Until: func(rec *InstanceRecord) (time.Time, error) {
					return wakeAt, nil
				}},
			},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("dated", Payload{}, nil)
	if h.instance(id).Status != StatusRunning {
		t.Fatalf("expected suspended instance before sweep")
	}

	h.tick(0)

	if got := h.instance(id).Status; got != StatusCompleted {
		t.Fatalf("past-deadline timer did not fire on sweep, status %s", got)
	}
}

func TestBoundedWaitRemindersThenEscalation(t *testing.T) {
	h := newHarness(t)
	h.ok("remind")
	h.ok("escalate")
	h.ok("after")

	program := &Program{
		Name: "bounded",
		Phases: []*Phase{
			{
				Name: "chase",
				Exit: BoundedWait{
					Signal:       "done",
					Interval:     time.Hour,
					MaxReminders: 3,
					Reminder:     &ActivityCall{Step: "r", Activity: "remind"},
					Escalation:   &ActivityCall{Step: "e", Activity: "escalate"},
				},
			},
			{Name: "next", Entry: []*ActivityCall{{Step: "a", Activity: "after"}}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("bounded", Payload{}, nil)

	for i := 1; i <= 3; i++ {
		h.tick(time.Hour)
		if h.count("remind") != i {
			t.Fatalf("after tick %d expected %d reminders, got %d", i, i, h.count("remind"))
		}
	}
	if h.count("escalate") != 0 {
		t.Fatalf("escalated before reminder budget exhausted")
	}

	h.tick(time.Hour)

	if h.count("escalate") != 1 {
		t.Fatalf("expected one escalation, got %d", h.count("escalate"))
	}
	rec := h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("non-fatal escalation should let the instance proceed, status %s", rec.Status)
	}
	chase := rec.Phases["chase"]
	if chase.Status != PhaseFailed || !chase.Escalated || chase.RemindersSent != 3 {
		t.Fatalf("unexpected chase record: %+v", chase)
	}
	if h.count("after") != 1 {
		t.Fatalf("next phase did not run after non-fatal failure")
	}
}

func TestBoundedWaitSignalStopsReminders(t *testing.T) {
	h := newHarness(t)
	h.ok("remind")

	program := &Program{
		Name: "bounded",
		Phases: []*Phase{
			{
				Name: "chase",
				Exit: BoundedWait{
					Signal:       "done",
					Interval:     time.Hour,
					MaxReminders: 3,
					Reminder:     &ActivityCall{Step: "r", Activity: "remind"},
				},
			},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("bounded", Payload{}, nil)
	h.tick(time.Hour)
	h.signal(id, "done", Payload{})

	if got := h.instance(id).Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if h.count("remind") != 1 {
		t.Fatalf("expected exactly one reminder before the signal, got %d", h.count("remind"))
	}

	// The wait timer is gone; moving time further fires nothing.
	h.tick(10 * time.Hour)
	if h.count("remind") != 1 {
		t.Fatalf("reminder fired after signal: %d", h.count("remind"))
	}
}

func TestFatalPhaseFailureAbortsInstance(t *testing.T) {
	h := newHarness(t)
	h.fail("broken")
	h.ok("never")
	h.ok("onFailure")

	program := &Program{
		Name: "fragile",
		Phases: []*Phase{
			{Name: "boom", Fatal: true, Entry: []*ActivityCall{{Step: "b", Activity: "broken"}}},
			{Name: "rest", Entry: []*ActivityCall{{Step: "n", Activity: "never"}}},
		},
		OnFailure: &ActivityCall{Step: "f", Activity: "onFailure"},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("fragile", Payload{}, quickRetry(2))

	rec := h.instance(id)
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.FailedPhase != "boom" || rec.FailureReason == "" {
		t.Fatalf("failure not attributed: phase=%q reason=%q", rec.FailedPhase, rec.FailureReason)
	}
	if h.count("broken") != 2 {
		t.Fatalf("expected 2 attempts, got %d", h.count("broken"))
	}
	if h.count("never") != 0 {
		t.Fatalf("phase after fatal failure still ran")
	}
	if h.count("onFailure") != 1 {
		t.Fatalf("failure notification not invoked")
	}
}

func TestReplayedEntryFailureStillFailsFatalPhase(t *testing.T) {
	h := newHarness(t)
	h.ok("broken")
	h.ok("never")

	program := &Program{
		Name: "fragile",
		Phases: []*Phase{
			{Name: "boom", Fatal: true, Entry: []*ActivityCall{{Step: "b", Activity: "broken"}}},
			{Name: "rest", Entry: []*ActivityCall{{Step: "n", Activity: "never"}}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	// Reconstruct the checkpoint a crash leaves behind: the activity log
	// holds the committed terminal failure, but the phase failure was never
	// committed.
	started := h.now
	rec := &InstanceRecord{
		ID:           uuid.NewString(),
		Program:      "fragile",
		Input:        Payload{},
		Status:       StatusRunning,
		CurrentPhase: "boom",
		Phases: map[string]*PhaseRecord{
			"boom": {Name: "boom", Status: PhaseInProgress, EntrySteps: map[string]bool{}, StartedAt: &started},
		},
		State:     Payload{},
		Consumed:  map[string]uint64{},
		CreatedAt: h.now,
	}
	if err := h.db.AddInstance(rec); err != nil {
		t.Fatal(err)
	}
	if err := h.db.AddActivityLog(&ActivityLogRecord{
		InstanceID:  rec.ID,
		Step:        "boom/b",
		Activity:    "broken",
		Outcome:     OutcomeFailed,
		Attempts:    3,
		Error:       "smtp down",
		CompletedAt: h.now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Advance(rec.ID); err != nil {
		t.Fatal(err)
	}

	got := h.instance(rec.ID)
	if got.Status != StatusFailed {
		t.Fatalf("committed terminal failure replayed as %s", got.Status)
	}
	if got.FailedPhase != "boom" {
		t.Fatalf("failure attributed to %q", got.FailedPhase)
	}
	if h.count("broken") != 0 {
		t.Fatalf("committed failure re-ran the side effect %d times", h.count("broken"))
	}
	if h.count("never") != 0 {
		t.Fatalf("phase after the fatal failure still ran")
	}
}

func TestReplayedChildEntryFailureStillFailsMandatoryBranch(t *testing.T) {
	h := newHarness(t)
	h.ok("must")
	h.ok("may")

	program := &Program{
		Name: "forked",
		Phases: []*Phase{
			{
				Name:  "fork",
				Fatal: true,
				Children: []*ChildPhase{
					{Name: "required", Mandatory: true, Entry: []*ActivityCall{{Step: "m", Activity: "must"}}},
					{Name: "optional", Entry: []*ActivityCall{{Step: "o", Activity: "may"}}},
				},
			},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	started := h.now
	rec := &InstanceRecord{
		ID:           uuid.NewString(),
		Program:      "forked",
		Input:        Payload{},
		Status:       StatusRunning,
		CurrentPhase: "fork",
		Phases: map[string]*PhaseRecord{
			"fork": {
				Name: "fork", Status: PhaseInProgress, EntrySteps: map[string]bool{}, StartedAt: &started,
				Children: map[string]*PhaseRecord{
					"required": {Name: "required", Status: PhaseInProgress, EntrySteps: map[string]bool{}, StartedAt: &started},
				},
			},
		},
		State:     Payload{},
		Consumed:  map[string]uint64{},
		CreatedAt: h.now,
	}
	if err := h.db.AddInstance(rec); err != nil {
		t.Fatal(err)
	}
	if err := h.db.AddActivityLog(&ActivityLogRecord{
		InstanceID:  rec.ID,
		Step:        "fork/required/m",
		Activity:    "must",
		Outcome:     OutcomeFailed,
		Attempts:    2,
		Error:       "ldap unreachable",
		CompletedAt: h.now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Advance(rec.ID); err != nil {
		t.Fatal(err)
	}

	got := h.instance(rec.ID)
	if got.Status != StatusFailed {
		t.Fatalf("committed mandatory-branch failure replayed as %s", got.Status)
	}
	if h.count("must") != 0 {
		t.Fatalf("committed failure re-ran the side effect")
	}
	fork := got.Phases["fork"]
	if fork.Children["required"].Status != PhaseFailed {
		t.Fatalf("mandatory branch not failed on replay: %+v", fork.Children["required"])
	}
}

func TestNonFatalPhaseFailureIsRecordedAndSkippedOver(t *testing.T) {
	h := newHarness(t)
	h.fail("flaky")
	h.ok("rest")

	program := &Program{
		Name: "tolerant",
		Phases: []*Phase{
			{Name: "soft", Entry: []*ActivityCall{{Step: "s", Activity: "flaky"}}},
			{Name: "rest", Entry: []*ActivityCall{{Step: "r", Activity: "rest"}}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("tolerant", Payload{}, quickRetry(1))

	rec := h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.Phases["soft"].Status != PhaseFailed {
		t.Fatalf("soft phase not recorded failed: %+v", rec.Phases["soft"])
	}
	if h.count("rest") != 1 {
		t.Fatalf("subsequent phase did not run")
	}
}

func TestParallelMandatorySucceedsDespiteOptionalFailure(t *testing.T) {
	h := newHarness(t)
	h.ok("must")
	h.fail("may")

	program := &Program{
		Name: "forked",
		Phases: []*Phase{
			{
				Name: "fork",
				Children: []*ChildPhase{
					{Name: "required", Mandatory: true, Entry: []*ActivityCall{{Step: "m", Activity: "must"}}},
					{Name: "optional", Entry: []*ActivityCall{{Step: "o", Activity: "may"}}},
				},
			},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("forked", Payload{}, quickRetry(1))

	rec := h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	fork := rec.Phases["fork"]
	if fork.Status != PhaseCompleted {
		t.Fatalf("parent phase not completed: %+v", fork)
	}
	if fork.Children["required"].Status != PhaseCompleted {
		t.Fatalf("mandatory child not completed")
	}
	if fork.Children["optional"].Status != PhaseFailed {
		t.Fatalf("optional child failure not recorded")
	}
	if fork.Reason == "" {
		t.Fatalf("optional failure not surfaced in the parent reason")
	}
}

func TestParallelMandatoryFailureFailsPhase(t *testing.T) {
	h := newHarness(t)
	h.fail("must")
	h.ok("may")

	program := &Program{
		Name: "forked",
		Phases: []*Phase{
			{
				Name:  "fork",
				Fatal: true,
				Children: []*ChildPhase{
					{Name: "required", Mandatory: true, Entry: []*ActivityCall{{Step: "m", Activity: "must"}}},
					{Name: "optional", Entry: []*ActivityCall{{Step: "o", Activity: "may"}}},
				},
			},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("forked", Payload{}, quickRetry(1))

	rec := h.instance(id)
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	// The optional sibling still ran to completion.
	if h.count("may") != 1 {
		t.Fatalf("sibling branch aborted by mandatory failure")
	}
}

func TestManualOverrideSkipsPhase(t *testing.T) {
	h := newHarness(t)
	h.ok("after")

	program := &Program{
		Name: "gated",
		Phases: []*Phase{
			{Name: "gate", Exit: SignalWait{Signal: "open"}},
			{Name: "after", Entry: []*ActivityCall{{Step: "a", Activity: "after"}}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("gated", Payload{}, nil)
	h.signal(id, SignalManualOverride, Payload{
		"phase":        "gate",
		"requested_by": "hr-admin",
		"reason":       "hire withdrew documents requirement",
	})

	rec := h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed after override, got %s", rec.Status)
	}
	if rec.Phases["gate"].Status != PhaseSkipped {
		t.Fatalf("gate phase not skipped: %+v", rec.Phases["gate"])
	}
	if len(rec.Overrides) != 1 || !rec.Overrides[0].Applied || rec.Overrides[0].RequestedBy != "hr-admin" {
		t.Fatalf("override not recorded: %+v", rec.Overrides)
	}

	found := false
	for _, entry := range rec.Audit {
		if entry.Kind == AuditManualOverride {
			found = true
		}
	}
	if !found {
		t.Fatalf("override missing from audit trail")
	}
}

func TestSkipWhenSkipsPhase(t *testing.T) {
	h := newHarness(t)
	h.ok("after")

	program := &Program{
		Name: "conditional",
		Phases: []*Phase{
			{
				Name: "optional",
				SkipWhen: func(rec *InstanceRecord) bool {
					return payloadString(rec.Input, "mode") == "fast"
				},
				Exit: SignalWait{Signal: "never"},
			},
			{Name: "after", Entry: []*ActivityCall{{Step: "a", Activity: "after"}}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("conditional", Payload{"mode": "fast"}, nil)

	rec := h.instance(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.Phases["optional"].Status != PhaseSkipped {
		t.Fatalf("conditional phase not skipped")
	}
}

func TestCancelRunsHookAndStops(t *testing.T) {
	h := newHarness(t)
	h.ok("cleanup")
	h.ok("never")

	program := &Program{
		Name: "cancellable",
		Phases: []*Phase{
			{Name: "gate", Exit: SignalWait{Signal: "open"}},
			{Name: "after", Entry: []*ActivityCall{{Step: "n", Activity: "never"}}},
		},
		OnCancel: &ActivityCall{Step: "c", Activity: "cleanup"},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("cancellable", Payload{}, nil)

	rec := h.instance(id)
	rec.CancelRequested = true
	if err := h.db.UpdateInstance(rec); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Advance(id); err != nil {
		t.Fatal(err)
	}

	rec = h.instance(id)
	if rec.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
	if h.count("cleanup") != 1 {
		t.Fatalf("cancel hook not invoked")
	}
	if h.count("never") != 0 {
		t.Fatalf("phase ran after cancellation")
	}

	// The late signal wakes nothing.
	h.signal(id, "open", Payload{})
	if got := h.instance(id).Status; got != StatusCancelled {
		t.Fatalf("terminal instance advanced, status %s", got)
	}
}

func TestPausedInstanceHoldsSignalsUntilResume(t *testing.T) {
	h := newHarness(t)
	h.ok("after")

	program := &Program{
		Name: "pausable",
		Phases: []*Phase{
			{Name: "gate", Exit: SignalWait{Signal: "open"}},
			{Name: "after", Entry: []*ActivityCall{{Step: "a", Activity: "after"}}},
		},
	}
	if err := h.registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}

	id := h.start("pausable", Payload{}, nil)

	rec := h.instance(id)
	rec.Paused = true
	if err := h.db.UpdateInstance(rec); err != nil {
		t.Fatal(err)
	}

	h.signal(id, "open", Payload{})
	if got := h.instance(id); got.Status != StatusRunning || got.CurrentPhase != "gate" {
		t.Fatalf("paused instance advanced: %s/%s", got.Status, got.CurrentPhase)
	}

	rec = h.instance(id)
	rec.Paused = false
	if err := h.db.UpdateInstance(rec); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Advance(id); err != nil {
		t.Fatal(err)
	}

	if got := h.instance(id).Status; got != StatusCompleted {
		t.Fatalf("signal delivered during pause was lost, status %s", got)
	}
}
