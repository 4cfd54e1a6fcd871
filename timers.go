package peopleflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
)

/// TimerService persists wake requests through the Database and keeps an
/// in-memory deadline index in go-memdb so the sweep walks elapsed timers in
/// wake-at order instead of scanning the whole table. The index is rebuilt
/// from the store on recovery; a timer whose deadline passed while the engine
/// was down fires on the very first sweep.

var ErrTimerService = errors.New("timer service failure")

// timerEntry is the indexed shape; WakeAtUnix keeps the deadline index an
// integer radix walk.
type timerEntry struct {
	ID         string // instanceID + "/" + key
	InstanceID string
	Key        string
	WakeAtUnix int64
}

var timerSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"timers": {
			Name: "timers",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"deadline": {
					Name:    "deadline",
					Unique:  false,
					Indexer: &memdb.IntFieldIndex{Field: "WakeAtUnix"},
				},
			},
		},
	},
}

// WakeFunc delivers a wake event for an instance; reason carries the timer key.
type WakeFunc func(instanceID string, reason string)

type TimerService struct {
	ctx  context.Context
	db   Database
	mdb  *memdb.MemDB
	now  func() time.Time
	wake WakeFunc
	log  Logger
}

func NewTimerService(ctx context.Context, db Database, now func() time.Time, wake WakeFunc) (*TimerService, error) {
	mdb, err := memdb.NewMemDB(timerSchema)
	if err != nil {
		return nil, errors.Join(ErrTimerService, err)
	}
	return &TimerService{
		ctx:  ctx,
		db:   db,
		mdb:  mdb,
		now:  now,
		wake: wake,
		log:  logger,
	}, nil
}

func timerEntryID(instanceID, key string) string {
	return instanceID + "/" + key
}

// Arm persists a wake request and indexes it. Re-arming an existing key
// replaces the previous deadline rather than duplicating it.
func (ts *TimerService) Arm(instanceID, key string, wakeAt time.Time) error {
	ts.log.Debug(ts.ctx, "arming timer", "timer.instance_id", instanceID, "timer.key", key, "timer.wake_at", wakeAt)

	if err := ts.db.SaveTimer(&TimerRecord{
		InstanceID: instanceID,
		Key:        key,
		WakeAt:     wakeAt,
		Fired:      false,
	}); err != nil {
		err := errors.Join(ErrTimerService, fmt.Errorf("failed to persist timer: %w", err))
		ts.log.Error(ts.ctx, err.Error(), "timer.instance_id", instanceID, "timer.key", key)
		return err
	}

	txn := ts.mdb.Txn(true)
	if err := txn.Insert("timers", &timerEntry{
		ID:         timerEntryID(instanceID, key),
		InstanceID: instanceID,
		Key:        key,
		WakeAtUnix: wakeAt.UnixNano(),
	}); err != nil {
		txn.Abort()
		err := errors.Join(ErrTimerService, fmt.Errorf("failed to index timer: %w", err))
		ts.log.Error(ts.ctx, err.Error(), "timer.instance_id", instanceID, "timer.key", key)
		return err
	}
	txn.Commit()
	return nil
}

// Cancel removes the wake request; cancelling an absent key is a no-op.
func (ts *TimerService) Cancel(instanceID, key string) error {
	ts.log.Debug(ts.ctx, "cancelling timer", "timer.instance_id", instanceID, "timer.key", key)

	if err := ts.db.DeleteTimer(instanceID, key); err != nil {
		return errors.Join(ErrTimerService, fmt.Errorf("failed to delete timer: %w", err))
	}
	txn := ts.mdb.Txn(true)
	if _, err := txn.DeleteAll("timers", "id", timerEntryID(instanceID, key)); err != nil {
		txn.Abort()
		return errors.Join(ErrTimerService, fmt.Errorf("failed to deindex timer: %w", err))
	}
	txn.Commit()
	return nil
}

// Recover rebuilds the deadline index from the store after a restart. Fired
// timers stay out of the index; the engine re-advances running instances
// anyway, which consumes them.
func (ts *TimerService) Recover() error {
	records, err := ts.db.ListTimers()
	if err != nil {
		return errors.Join(ErrTimerService, fmt.Errorf("failed to list timers: %w", err))
	}

	txn := ts.mdb.Txn(true)
	count := 0
	for _, rec := range records {
		if rec.Fired {
			continue
		}
		if err := txn.Insert("timers", &timerEntry{
			ID:         timerEntryID(rec.InstanceID, rec.Key),
			InstanceID: rec.InstanceID,
			Key:        rec.Key,
			WakeAtUnix: rec.WakeAt.UnixNano(),
		}); err != nil {
			txn.Abort()
			return errors.Join(ErrTimerService, fmt.Errorf("failed to index timer: %w", err))
		}
		count++
	}
	txn.Commit()

	ts.log.Info(ts.ctx, "timer index recovered", "timer.count", count)
	return nil
}

// Tick implements clock.Ticker.
func (ts *TimerService) Tick() error {
	return ts.Sweep()
}

// Sweep fires every timer whose deadline has elapsed, in deadline order. The
// fired flag is committed before the wake event goes out, so a crash between
// the two leaves a fired-but-unconsumed timer that the recovery re-advance
// picks up, never a double fire.
func (ts *TimerService) Sweep() error {
	now := ts.now().UnixNano()

	txn := ts.mdb.Txn(false)
	it, err := txn.Get("timers", "deadline")
	if err != nil {
		txn.Abort()
		return errors.Join(ErrTimerService, fmt.Errorf("failed to walk deadline index: %w", err))
	}
	elapsed := []*timerEntry{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		entry := obj.(*timerEntry)
		if entry.WakeAtUnix > now {
			break
		}
		elapsed = append(elapsed, entry)
	}
	txn.Abort()

	for _, entry := range elapsed {
		if err := ts.db.SaveTimer(&TimerRecord{
			InstanceID: entry.InstanceID,
			Key:        entry.Key,
			WakeAt:     time.Unix(0, entry.WakeAtUnix),
			Fired:      true,
		}); err != nil {
			err := errors.Join(ErrTimerService, fmt.Errorf("failed to mark timer fired: %w", err))
			ts.log.Error(ts.ctx, err.Error(), "timer.instance_id", entry.InstanceID, "timer.key", entry.Key)
			return err
		}

		wtxn := ts.mdb.Txn(true)
		if _, err := wtxn.DeleteAll("timers", "id", entry.ID); err != nil {
			wtxn.Abort()
			return errors.Join(ErrTimerService, fmt.Errorf("failed to deindex fired timer: %w", err))
		}
		wtxn.Commit()

		ts.log.Debug(ts.ctx, "timer fired", "timer.instance_id", entry.InstanceID, "timer.key", entry.Key)
		ts.wake(entry.InstanceID, "timer:"+entry.Key)
	}
	return nil
}
