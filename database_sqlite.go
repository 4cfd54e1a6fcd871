package peopleflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/davidroman0O/comfylite3"
)

// SqliteDatabase is the durable checkpoint store. All access goes through the
// comfylite3 pool so concurrent instance advances never trip over sqlite's
// single-writer lock.
type SqliteDatabase struct {
	comfy *comfylite3.ComfyDB
	db    *sql.DB
	ctx   context.Context
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	program    TEXT NOT NULL,
	status     TEXT NOT NULL,
	record     BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances (status);
CREATE INDEX IF NOT EXISTS idx_instances_program ON instances (program);

CREATE TABLE IF NOT EXISTS signals (
	instance_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	received_at INTEGER NOT NULL,
	PRIMARY KEY (instance_id, name)
);

CREATE TABLE IF NOT EXISTS timers (
	instance_id TEXT NOT NULL,
	key         TEXT NOT NULL,
	wake_at     INTEGER NOT NULL,
	fired       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (instance_id, key)
);
CREATE INDEX IF NOT EXISTS idx_timers_wake_at ON timers (wake_at);

CREATE TABLE IF NOT EXISTS activity_log (
	instance_id  TEXT NOT NULL,
	step         TEXT NOT NULL,
	activity     TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	args         BLOB,
	result       BLOB,
	error        TEXT,
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (instance_id, step)
);
`

type sqliteConfig struct {
	path        *string
	destructive bool
}

type SqliteOption func(*sqliteConfig)

func SqliteWithPath(path string) SqliteOption {
	return func(cfg *sqliteConfig) {
		cfg.path = &path
	}
}

func SqliteWithMemory() SqliteOption {
	return func(cfg *sqliteConfig) {
		cfg.path = nil
	}
}

// SqliteWithDestructive removes any existing database file before opening.
func SqliteWithDestructive() SqliteOption {
	return func(cfg *sqliteConfig) {
		cfg.destructive = true
	}
}

func NewSqliteDatabase(ctx context.Context, opts ...SqliteOption) (*SqliteDatabase, error) {
	cfg := sqliteConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	optsComfy := []comfylite3.ComfyOption{}

	if cfg.path != nil {
		if cfg.destructive {
			if err := os.Remove(*cfg.path); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
		}
		if err := os.MkdirAll(filepath.Dir(*cfg.path), os.ModePerm); err != nil {
			return nil, err
		}
		optsComfy = append(optsComfy, comfylite3.WithPath(*cfg.path))
	} else {
		optsComfy = append(optsComfy, comfylite3.WithMemory())
	}

	comfy, err := comfylite3.New(optsComfy...)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("_journal_mode=WAL"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
	)

	store := &SqliteDatabase{comfy: comfy, db: db, ctx: ctx}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		comfy.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SqliteDatabase) Close() error {
	err := s.db.Close()
	s.comfy.Close()
	return err
}

func encodeInstanceRecord(rec *InstanceRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Join(ErrEncoding, err)
	}
	return data, nil
}

func decodeInstanceRecord(data []byte) (*InstanceRecord, error) {
	var rec InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Join(ErrDecoding, err)
	}
	return &rec, nil
}

func (s *SqliteDatabase) AddInstance(rec *InstanceRecord) error {
	data, err := encodeInstanceRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(s.ctx,
		`INSERT INTO instances (id, program, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Program, string(rec.Status), data, rec.CreatedAt.UnixNano(), rec.CreatedAt.UnixNano())
	return err
}

func (s *SqliteDatabase) GetInstance(id string) (*InstanceRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(s.ctx, `SELECT record FROM instances WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Join(ErrInstanceNotFound, fmt.Errorf("instance %s", id))
	}
	if err != nil {
		return nil, err
	}
	return decodeInstanceRecord(data)
}

func (s *SqliteDatabase) HasInstance(id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(s.ctx, `SELECT 1 FROM instances WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SqliteDatabase) UpdateInstance(rec *InstanceRecord) error {
	data, err := encodeInstanceRecord(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(s.ctx,
		`UPDATE instances SET status = ?, record = ?, updated_at = ? WHERE id = ?`,
		string(rec.Status), data, time.Now().UnixNano(), rec.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Join(ErrInstanceNotFound, fmt.Errorf("instance %s", rec.ID))
	}
	return nil
}

func (s *SqliteDatabase) ListInstances(filter *InstanceFilter) ([]*InstanceRecord, error) {
	query := `SELECT record FROM instances`
	args := []interface{}{}
	where := ""
	if filter != nil {
		if filter.Program != nil {
			where = ` WHERE program = ?`
			args = append(args, *filter.Program)
		}
		if filter.Status != nil {
			if where == "" {
				where = ` WHERE status = ?`
			} else {
				where += ` AND status = ?`
			}
			args = append(args, string(*filter.Status))
		}
	}
	rows, err := s.db.QueryContext(s.ctx, query+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*InstanceRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeInstanceRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteDatabase) SaveSignal(instanceID, name string, payload Payload, at time.Time) (*SignalRecord, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	// Bump the per-name sequence atomically; last write wins on payload.
	_, err = s.db.ExecContext(s.ctx, `
		INSERT INTO signals (instance_id, name, seq, payload, received_at) VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (instance_id, name) DO UPDATE SET seq = seq + 1, payload = excluded.payload, received_at = excluded.received_at`,
		instanceID, name, data, at.UnixNano())
	if err != nil {
		return nil, err
	}
	return s.GetSignal(instanceID, name)
}

func (s *SqliteDatabase) GetSignal(instanceID, name string) (*SignalRecord, error) {
	var seq uint64
	var data []byte
	var receivedAt int64
	err := s.db.QueryRowContext(s.ctx,
		`SELECT seq, payload, received_at FROM signals WHERE instance_id = ? AND name = ?`,
		instanceID, name).Scan(&seq, &data, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Join(ErrSignalNotFound, fmt.Errorf("instance %s signal %s", instanceID, name))
	}
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	return &SignalRecord{
		InstanceID: instanceID,
		Name:       name,
		Seq:        seq,
		Payload:    payload,
		ReceivedAt: time.Unix(0, receivedAt),
	}, nil
}

func (s *SqliteDatabase) GetSignals(instanceID string) ([]*SignalRecord, error) {
	rows, err := s.db.QueryContext(s.ctx,
		`SELECT name, seq, payload, received_at FROM signals WHERE instance_id = ? ORDER BY name`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*SignalRecord{}
	for rows.Next() {
		var name string
		var seq uint64
		var data []byte
		var receivedAt int64
		if err := rows.Scan(&name, &seq, &data, &receivedAt); err != nil {
			return nil, err
		}
		payload, err := decodePayload(data)
		if err != nil {
			return nil, err
		}
		out = append(out, &SignalRecord{
			InstanceID: instanceID,
			Name:       name,
			Seq:        seq,
			Payload:    payload,
			ReceivedAt: time.Unix(0, receivedAt),
		})
	}
	return out, rows.Err()
}

func (s *SqliteDatabase) SaveTimer(rec *TimerRecord) error {
	fired := 0
	if rec.Fired {
		fired = 1
	}
	_, err := s.db.ExecContext(s.ctx, `
		INSERT INTO timers (instance_id, key, wake_at, fired) VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, key) DO UPDATE SET wake_at = excluded.wake_at, fired = excluded.fired`,
		rec.InstanceID, rec.Key, rec.WakeAt.UnixNano(), fired)
	return err
}

func (s *SqliteDatabase) GetTimer(instanceID, key string) (*TimerRecord, error) {
	var wakeAt int64
	var fired int
	err := s.db.QueryRowContext(s.ctx,
		`SELECT wake_at, fired FROM timers WHERE instance_id = ? AND key = ?`,
		instanceID, key).Scan(&wakeAt, &fired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Join(ErrTimerNotFound, fmt.Errorf("instance %s timer %s", instanceID, key))
	}
	if err != nil {
		return nil, err
	}
	return &TimerRecord{
		InstanceID: instanceID,
		Key:        key,
		WakeAt:     time.Unix(0, wakeAt),
		Fired:      fired != 0,
	}, nil
}

func (s *SqliteDatabase) DeleteTimer(instanceID, key string) error {
	_, err := s.db.ExecContext(s.ctx, `DELETE FROM timers WHERE instance_id = ? AND key = ?`, instanceID, key)
	return err
}

func (s *SqliteDatabase) ListTimers() ([]*TimerRecord, error) {
	rows, err := s.db.QueryContext(s.ctx, `SELECT instance_id, key, wake_at, fired FROM timers ORDER BY wake_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*TimerRecord{}
	for rows.Next() {
		var instanceID, key string
		var wakeAt int64
		var fired int
		if err := rows.Scan(&instanceID, &key, &wakeAt, &fired); err != nil {
			return nil, err
		}
		out = append(out, &TimerRecord{
			InstanceID: instanceID,
			Key:        key,
			WakeAt:     time.Unix(0, wakeAt),
			Fired:      fired != 0,
		})
	}
	return out, rows.Err()
}

func (s *SqliteDatabase) AddActivityLog(rec *ActivityLogRecord) error {
	args, err := encodePayload(rec.Args)
	if err != nil {
		return err
	}
	result, err := encodePayload(rec.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(s.ctx, `
		INSERT INTO activity_log (instance_id, step, activity, outcome, attempts, args, result, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, step) DO UPDATE SET
			outcome = excluded.outcome, attempts = excluded.attempts,
			result = excluded.result, error = excluded.error, completed_at = excluded.completed_at`,
		rec.InstanceID, rec.Step, rec.Activity, string(rec.Outcome), rec.Attempts,
		args, result, rec.Error, rec.CompletedAt.UnixNano())
	return err
}

func (s *SqliteDatabase) scanActivityLog(rows *sql.Rows, instanceID string) (*ActivityLogRecord, error) {
	var step, activity, outcome, errMsg string
	var attempts uint64
	var args, result []byte
	var completedAt int64
	if err := rows.Scan(&step, &activity, &outcome, &attempts, &args, &result, &errMsg, &completedAt); err != nil {
		return nil, err
	}
	argsPayload, err := decodePayload(args)
	if err != nil {
		return nil, err
	}
	resultPayload, err := decodePayload(result)
	if err != nil {
		return nil, err
	}
	return &ActivityLogRecord{
		InstanceID:  instanceID,
		Step:        step,
		Activity:    activity,
		Outcome:     ActivityOutcome(outcome),
		Attempts:    attempts,
		Args:        argsPayload,
		Result:      resultPayload,
		Error:       errMsg,
		CompletedAt: time.Unix(0, completedAt),
	}, nil
}

func (s *SqliteDatabase) GetActivityLog(instanceID, step string) (*ActivityLogRecord, error) {
	rows, err := s.db.QueryContext(s.ctx, `
		SELECT step, activity, outcome, attempts, args, result, error, completed_at
		FROM activity_log WHERE instance_id = ? AND step = ?`, instanceID, step)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, errors.Join(ErrActivityLogNotFound, fmt.Errorf("instance %s step %s", instanceID, step))
	}
	return s.scanActivityLog(rows, instanceID)
}

func (s *SqliteDatabase) GetActivityLogs(instanceID string) ([]*ActivityLogRecord, error) {
	rows, err := s.db.QueryContext(s.ctx, `
		SELECT step, activity, outcome, attempts, args, result, error, completed_at
		FROM activity_log WHERE instance_id = ? ORDER BY completed_at, step`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*ActivityLogRecord{}
	for rows.Next() {
		rec, err := s.scanActivityLog(rows, instanceID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
