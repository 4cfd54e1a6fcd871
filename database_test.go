package peopleflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/k0kubun/pp/v3"
)

func databasesUnderTest(t *testing.T) map[string]Database {
	t.Helper()
	sqlite, err := NewSqliteDatabase(context.Background(), SqliteWithMemory())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Database{
		"memory": NewMemoryDatabase(),
		"sqlite": sqlite,
	}
}

func TestDatabaseInstanceRoundTrip(t *testing.T) {
	for name, db := range databasesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
			rec := &InstanceRecord{
				ID:           "i1",
				Program:      "onboarding",
				Input:        Payload{"employeeName": "Jordan"},
				Status:       StatusRunning,
				CurrentPhase: "documentation",
				Phases: map[string]*PhaseRecord{
					"documentation": {
						Name:          "documentation",
						Status:        PhaseInProgress,
						EntrySteps:    map[string]bool{"initial_reminder": true},
						RemindersSent: 2,
					},
				},
				State:     Payload{"note": "ok"},
				Consumed:  map[string]uint64{"documentsSubmitted": 0},
				Audit:     []AuditEntry{{At: now, Kind: AuditReminderSent, Phase: "documentation"}},
				CreatedAt: now,
			}
			if err := db.AddInstance(rec); err != nil {
				t.Fatal(err)
			}

			got, err := db.GetInstance("i1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Program != "onboarding" || got.CurrentPhase != "documentation" {
				t.Fatalf("round trip mangled the record:\n%s", pp.Sprint(got))
			}
			if got.Phases["documentation"].RemindersSent != 2 || !got.Phases["documentation"].EntrySteps["initial_reminder"] {
				t.Fatalf("phase table lost:\n%s", pp.Sprint(got.Phases))
			}

			// The returned record is a snapshot; mutating it must not leak
			// into the store.
			got.CurrentPhase = "mutated"
			again, err := db.GetInstance("i1")
			if err != nil {
				t.Fatal(err)
			}
			if again.CurrentPhase != "documentation" {
				t.Fatalf("store handed out a live reference")
			}

			if _, err := db.GetInstance("missing"); !errors.Is(err, ErrInstanceNotFound) {
				t.Fatalf("expected ErrInstanceNotFound, got %v", err)
			}

			got.CurrentPhase = "training"
			if err := db.UpdateInstance(got); err != nil {
				t.Fatal(err)
			}
			updated, err := db.GetInstance("i1")
			if err != nil {
				t.Fatal(err)
			}
			if updated.CurrentPhase != "training" {
				t.Fatalf("update not persisted")
			}
		})
	}
}

func TestDatabaseListInstancesFilters(t *testing.T) {
	for name, db := range databasesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seed := []*InstanceRecord{
				{ID: "a", Program: "onboarding", Status: StatusRunning},
				{ID: "b", Program: "onboarding", Status: StatusCompleted},
				{ID: "c", Program: "offboarding", Status: StatusRunning},
			}
			for _, rec := range seed {
				if err := db.AddInstance(rec); err != nil {
					t.Fatal(err)
				}
			}

			all, err := db.ListInstances(nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 instances, got %d", len(all))
			}

			program := "onboarding"
			status := StatusRunning
			filtered, err := db.ListInstances(&InstanceFilter{Program: &program, Status: &status})
			if err != nil {
				t.Fatal(err)
			}
			if len(filtered) != 1 || filtered[0].ID != "a" {
				t.Fatalf("filter broken: %v", filtered)
			}
		})
	}
}

func TestDatabaseSignalSequenceAndLastWriteWins(t *testing.T) {
	for name, db := range databasesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			first, err := db.SaveSignal("i", "open", Payload{"v": "first"}, now)
			if err != nil {
				t.Fatal(err)
			}
			second, err := db.SaveSignal("i", "open", Payload{"v": "second"}, now)
			if err != nil {
				t.Fatal(err)
			}
			if first.Seq != 1 || second.Seq != 2 {
				t.Fatalf("sequence not monotonic: %d then %d", first.Seq, second.Seq)
			}

			got, err := db.GetSignal("i", "open")
			if err != nil {
				t.Fatal(err)
			}
			if got.Seq != 2 || payloadString(got.Payload, "v") != "second" {
				t.Fatalf("last write did not win: %+v", got)
			}

			if _, err := db.GetSignal("i", "closed"); !errors.Is(err, ErrSignalNotFound) {
				t.Fatalf("expected ErrSignalNotFound, got %v", err)
			}

			if _, err := db.SaveSignal("i", "other", Payload{}, now); err != nil {
				t.Fatal(err)
			}
			signals, err := db.GetSignals("i")
			if err != nil {
				t.Fatal(err)
			}
			if len(signals) != 2 {
				t.Fatalf("expected 2 signal names, got %d", len(signals))
			}
		})
	}
}

func TestDatabaseTimerLifecycle(t *testing.T) {
	for name, db := range databasesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			wakeAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
			if err := db.SaveTimer(&TimerRecord{InstanceID: "i", Key: "k", WakeAt: wakeAt}); err != nil {
				t.Fatal(err)
			}

			got, err := db.GetTimer("i", "k")
			if err != nil {
				t.Fatal(err)
			}
			if !got.WakeAt.Equal(wakeAt) || got.Fired {
				t.Fatalf("unexpected timer: %+v", got)
			}

			got.Fired = true
			if err := db.SaveTimer(got); err != nil {
				t.Fatal(err)
			}
			refired, err := db.GetTimer("i", "k")
			if err != nil {
				t.Fatal(err)
			}
			if !refired.Fired {
				t.Fatalf("fired flag not persisted")
			}

			if err := db.DeleteTimer("i", "k"); err != nil {
				t.Fatal(err)
			}
			if _, err := db.GetTimer("i", "k"); !errors.Is(err, ErrTimerNotFound) {
				t.Fatalf("expected ErrTimerNotFound, got %v", err)
			}
			// Deleting again stays a no-op.
			if err := db.DeleteTimer("i", "k"); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestDatabaseActivityLogIsAppendOnlyPerStep(t *testing.T) {
	for name, db := range databasesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			rec := &ActivityLogRecord{
				InstanceID:  "i",
				Step:        "documentation/initial_reminder",
				Activity:    "sendDocumentReminder",
				Outcome:     OutcomeCompleted,
				Attempts:    1,
				Result:      Payload{"sent": true},
				CompletedAt: time.Now().UTC(),
			}
			if err := db.AddActivityLog(rec); err != nil {
				t.Fatal(err)
			}

			got, err := db.GetActivityLog("i", "documentation/initial_reminder")
			if err != nil {
				t.Fatal(err)
			}
			if got.Outcome != OutcomeCompleted || got.Attempts != 1 {
				t.Fatalf("unexpected log record: %+v", got)
			}

			if _, err := db.GetActivityLog("i", "missing"); !errors.Is(err, ErrActivityLogNotFound) {
				t.Fatalf("expected ErrActivityLogNotFound, got %v", err)
			}

			if err := db.AddActivityLog(&ActivityLogRecord{
				InstanceID:  "i",
				Step:        "documentation/reminder/1",
				Activity:    "sendDocumentReminder",
				Outcome:     OutcomeFailed,
				Attempts:    3,
				Error:       "smtp down",
				CompletedAt: time.Now().UTC(),
			}); err != nil {
				t.Fatal(err)
			}
			logs, err := db.GetActivityLogs("i")
			if err != nil {
				t.Fatal(err)
			}
			if len(logs) != 2 {
				t.Fatalf("expected 2 log entries, got %d", len(logs))
			}
		})
	}
}
