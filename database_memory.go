package peopleflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// MemoryDatabase keeps every record in maps guarded by category locks. Reads
// hand out copies so a query can never observe a half-applied transition.
type MemoryDatabase struct {
	instances   map[string]*InstanceRecord
	signals     map[string]map[string]*SignalRecord // instance -> name -> record
	timers      map[string]map[string]*TimerRecord  // instance -> key -> record
	activityLog map[string]map[string]*ActivityLogRecord

	rwMutexInstances deadlock.RWMutex
	rwMutexSignals   deadlock.RWMutex
	rwMutexTimers    deadlock.RWMutex
	rwMutexLog       deadlock.RWMutex
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		instances:   map[string]*InstanceRecord{},
		signals:     map[string]map[string]*SignalRecord{},
		timers:      map[string]map[string]*TimerRecord{},
		activityLog: map[string]map[string]*ActivityLogRecord{},
	}
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyPhaseRecord(pr *PhaseRecord) *PhaseRecord {
	if pr == nil {
		return nil
	}
	c := *pr
	c.StartedAt = copyTimePtr(pr.StartedAt)
	c.FinishedAt = copyTimePtr(pr.FinishedAt)
	if pr.EntrySteps != nil {
		c.EntrySteps = make(map[string]bool, len(pr.EntrySteps))
		for k, v := range pr.EntrySteps {
			c.EntrySteps[k] = v
		}
	}
	if pr.Children != nil {
		c.Children = make(map[string]*PhaseRecord, len(pr.Children))
		for k, v := range pr.Children {
			c.Children[k] = copyPhaseRecord(v)
		}
	}
	return &c
}

func copyInstanceRecord(rec *InstanceRecord) *InstanceRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Input = copyPayload(rec.Input)
	c.State = copyPayload(rec.State)
	c.CompletedAt = copyTimePtr(rec.CompletedAt)
	c.CompletedPhases = append([]string(nil), rec.CompletedPhases...)
	c.Overrides = append([]OverrideEntry(nil), rec.Overrides...)
	c.Audit = append([]AuditEntry(nil), rec.Audit...)
	if rec.Phases != nil {
		c.Phases = make(map[string]*PhaseRecord, len(rec.Phases))
		for k, v := range rec.Phases {
			c.Phases[k] = copyPhaseRecord(v)
		}
	}
	if rec.Consumed != nil {
		c.Consumed = make(map[string]uint64, len(rec.Consumed))
		for k, v := range rec.Consumed {
			c.Consumed[k] = v
		}
	}
	if rec.RetryPolicy != nil {
		p := *rec.RetryPolicy
		c.RetryPolicy = &p
	}
	return &c
}

func copySignalRecord(rec *SignalRecord) *SignalRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Payload = copyPayload(rec.Payload)
	return &c
}

func copyTimerRecord(rec *TimerRecord) *TimerRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}

func copyActivityLogRecord(rec *ActivityLogRecord) *ActivityLogRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Args = copyPayload(rec.Args)
	c.Result = copyPayload(rec.Result)
	return &c
}

func (db *MemoryDatabase) AddInstance(rec *InstanceRecord) error {
	db.rwMutexInstances.Lock()
	defer db.rwMutexInstances.Unlock()
	if _, ok := db.instances[rec.ID]; ok {
		return fmt.Errorf("instance %s already exists", rec.ID)
	}
	db.instances[rec.ID] = copyInstanceRecord(rec)
	return nil
}

func (db *MemoryDatabase) GetInstance(id string) (*InstanceRecord, error) {
	db.rwMutexInstances.RLock()
	defer db.rwMutexInstances.RUnlock()
	rec, ok := db.instances[id]
	if !ok {
		return nil, errors.Join(ErrInstanceNotFound, fmt.Errorf("instance %s", id))
	}
	return copyInstanceRecord(rec), nil
}

func (db *MemoryDatabase) HasInstance(id string) (bool, error) {
	db.rwMutexInstances.RLock()
	defer db.rwMutexInstances.RUnlock()
	_, ok := db.instances[id]
	return ok, nil
}

func (db *MemoryDatabase) UpdateInstance(rec *InstanceRecord) error {
	db.rwMutexInstances.Lock()
	defer db.rwMutexInstances.Unlock()
	if _, ok := db.instances[rec.ID]; !ok {
		return errors.Join(ErrInstanceNotFound, fmt.Errorf("instance %s", rec.ID))
	}
	db.instances[rec.ID] = copyInstanceRecord(rec)
	return nil
}

func (db *MemoryDatabase) ListInstances(filter *InstanceFilter) ([]*InstanceRecord, error) {
	db.rwMutexInstances.RLock()
	defer db.rwMutexInstances.RUnlock()
	out := []*InstanceRecord{}
	for _, rec := range db.instances {
		if filter.match(rec) {
			out = append(out, copyInstanceRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (db *MemoryDatabase) SaveSignal(instanceID, name string, payload Payload, at time.Time) (*SignalRecord, error) {
	db.rwMutexSignals.Lock()
	defer db.rwMutexSignals.Unlock()
	byName, ok := db.signals[instanceID]
	if !ok {
		byName = map[string]*SignalRecord{}
		db.signals[instanceID] = byName
	}
	rec, ok := byName[name]
	if !ok {
		rec = &SignalRecord{InstanceID: instanceID, Name: name}
		byName[name] = rec
	}
	rec.Seq++
	rec.Payload = copyPayload(payload)
	rec.ReceivedAt = at
	return copySignalRecord(rec), nil
}

func (db *MemoryDatabase) GetSignal(instanceID, name string) (*SignalRecord, error) {
	db.rwMutexSignals.RLock()
	defer db.rwMutexSignals.RUnlock()
	byName, ok := db.signals[instanceID]
	if !ok {
		return nil, errors.Join(ErrSignalNotFound, fmt.Errorf("instance %s signal %s", instanceID, name))
	}
	rec, ok := byName[name]
	if !ok {
		return nil, errors.Join(ErrSignalNotFound, fmt.Errorf("instance %s signal %s", instanceID, name))
	}
	return copySignalRecord(rec), nil
}

func (db *MemoryDatabase) GetSignals(instanceID string) ([]*SignalRecord, error) {
	db.rwMutexSignals.RLock()
	defer db.rwMutexSignals.RUnlock()
	out := []*SignalRecord{}
	for _, rec := range db.signals[instanceID] {
		out = append(out, copySignalRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (db *MemoryDatabase) SaveTimer(rec *TimerRecord) error {
	db.rwMutexTimers.Lock()
	defer db.rwMutexTimers.Unlock()
	byKey, ok := db.timers[rec.InstanceID]
	if !ok {
		byKey = map[string]*TimerRecord{}
		db.timers[rec.InstanceID] = byKey
	}
	byKey[rec.Key] = copyTimerRecord(rec)
	return nil
}

func (db *MemoryDatabase) GetTimer(instanceID, key string) (*TimerRecord, error) {
	db.rwMutexTimers.RLock()
	defer db.rwMutexTimers.RUnlock()
	byKey, ok := db.timers[instanceID]
	if !ok {
		return nil, errors.Join(ErrTimerNotFound, fmt.Errorf("instance %s timer %s", instanceID, key))
	}
	rec, ok := byKey[key]
	if !ok {
		return nil, errors.Join(ErrTimerNotFound, fmt.Errorf("instance %s timer %s", instanceID, key))
	}
	return copyTimerRecord(rec), nil
}

func (db *MemoryDatabase) DeleteTimer(instanceID, key string) error {
	db.rwMutexTimers.Lock()
	defer db.rwMutexTimers.Unlock()
	if byKey, ok := db.timers[instanceID]; ok {
		delete(byKey, key)
	}
	return nil
}

func (db *MemoryDatabase) ListTimers() ([]*TimerRecord, error) {
	db.rwMutexTimers.RLock()
	defer db.rwMutexTimers.RUnlock()
	out := []*TimerRecord{}
	for _, byKey := range db.timers {
		for _, rec := range byKey {
			out = append(out, copyTimerRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WakeAt.Before(out[j].WakeAt) })
	return out, nil
}

func (db *MemoryDatabase) AddActivityLog(rec *ActivityLogRecord) error {
	db.rwMutexLog.Lock()
	defer db.rwMutexLog.Unlock()
	bySteps, ok := db.activityLog[rec.InstanceID]
	if !ok {
		bySteps = map[string]*ActivityLogRecord{}
		db.activityLog[rec.InstanceID] = bySteps
	}
	bySteps[rec.Step] = copyActivityLogRecord(rec)
	return nil
}

func (db *MemoryDatabase) GetActivityLog(instanceID, step string) (*ActivityLogRecord, error) {
	db.rwMutexLog.RLock()
	defer db.rwMutexLog.RUnlock()
	bySteps, ok := db.activityLog[instanceID]
	if !ok {
		return nil, errors.Join(ErrActivityLogNotFound, fmt.Errorf("instance %s step %s", instanceID, step))
	}
	rec, ok := bySteps[step]
	if !ok {
		return nil, errors.Join(ErrActivityLogNotFound, fmt.Errorf("instance %s step %s", instanceID, step))
	}
	return copyActivityLogRecord(rec), nil
}

func (db *MemoryDatabase) GetActivityLogs(instanceID string) ([]*ActivityLogRecord, error) {
	db.rwMutexLog.RLock()
	defer db.rwMutexLog.RUnlock()
	out := []*ActivityLogRecord{}
	for _, rec := range db.activityLog[instanceID] {
		out = append(out, copyActivityLogRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].Step < out[j].Step
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

func (db *MemoryDatabase) Close() error { return nil }
