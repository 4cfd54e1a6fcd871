package peopleflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/davidroman0O/peopleflow/internal/clock"
)

/// Engine is the top-level API: it owns the checkpoint store, the wake pool,
/// the timer sweep and the per-instance single-flight guarantee. Every
/// external event (start, signal, timer, cancel, resume) becomes a wake task;
/// the pool runs Advance for the instance, and a wake arriving while the
/// instance is already advancing is coalesced into one re-advance. An
/// instance therefore never executes on two workers at once, which is what
/// lets the advance loop stay lock-free over its own record.

var logger Logger = NewDefaultLogger(slog.LevelInfo, TextFormat)

func init() {
	maxprocs.Set()
	deadlock.Opts.DeadlockTimeout = time.Second * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error(context.Background(), "POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
	}
}

var ErrEngine = errors.New("engine failure")

const timerTickerID = "timer-sweep"

type engineConfig struct {
	path          string
	destructive   bool
	inMemoryDB    bool
	workers       int
	sweepInterval time.Duration
	logger        Logger
	now           func() time.Time
}

type EngineOption func(*engineConfig)

// WithPath stores checkpoints in a sqlite file at the given path.
func WithPath(path string) EngineOption {
	return func(c *engineConfig) {
		c.path = path
		c.inMemoryDB = false
	}
}

// WithMemory keeps the checkpoint store in process memory; nothing survives a
// restart. The default.
func WithMemory() EngineOption {
	return func(c *engineConfig) {
		c.inMemoryDB = true
	}
}

// WithDestructive removes an existing sqlite file before opening it.
func WithDestructive() EngineOption {
	return func(c *engineConfig) {
		c.destructive = true
	}
}

// WithWorkers sets how many instances may advance concurrently.
func WithWorkers(n int) EngineOption {
	return func(c *engineConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithSweepInterval sets how often elapsed timers are checked.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

func WithLogger(l Logger) EngineOption {
	return func(c *engineConfig) {
		c.logger = l
	}
}

func WithLogLevel(level slog.Leveler) EngineOption {
	return func(c *engineConfig) {
		c.logger = NewDefaultLogger(level, TextFormat)
	}
}

// WithTimeSource replaces the wall clock; tests drive time through it.
func WithTimeSource(now func() time.Time) EngineOption {
	return func(c *engineConfig) {
		c.now = now
	}
}

// StartOption tunes one instance at start.
type StartOption func(*InstanceRecord)

// WithStartRetryPolicy overrides the retry policy for every activity of the
// instance that does not declare its own.
func WithStartRetryPolicy(policy RetryPolicy) StartOption {
	return func(rec *InstanceRecord) {
		rec.RetryPolicy = &policy
	}
}

// WithInstanceID pins the instance ID instead of generating one; starting the
// same ID twice fails, which gives callers an idempotent start.
func WithInstanceID(id string) StartOption {
	return func(rec *InstanceRecord) {
		rec.ID = id
	}
}

type wakeTask struct {
	instanceID string
	reason     string
}

type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	db           Database
	registry     *Registry
	executor     *Executor
	orchestrator *Orchestrator
	dispatcher   *Dispatcher
	timers       *TimerService
	clk          *clock.Clock
	pool         *retrypool.Pool[*wakeTask]

	now func() time.Time
	log Logger

	mu       deadlock.Mutex
	inflight map[string]bool
	redo     map[string]string
	closed   bool
}

type wakeWorker struct {
	engine *Engine
}

func (w wakeWorker) Run(ctx context.Context, task *wakeTask) error {
	return w.engine.runWake(task)
}

func New(ctx context.Context, registry *Registry, opts ...EngineOption) (*Engine, error) {
	cfg := &engineConfig{
		inMemoryDB:    true,
		workers:       4,
		sweepInterval: 100 * time.Millisecond,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	// Each engine carries its own logger; the package default is never
	// swapped, so two engines with different sinks cannot clobber each other.
	lg := logger
	if cfg.logger != nil {
		lg = cfg.logger
	}

	ctx, cancel := context.WithCancel(ctx)

	var db Database
	var err error
	if cfg.inMemoryDB {
		db = NewMemoryDatabase()
	} else {
		sqliteOpts := []SqliteOption{SqliteWithPath(cfg.path)}
		if cfg.destructive {
			sqliteOpts = append(sqliteOpts, SqliteWithDestructive())
		}
		if db, err = NewSqliteDatabase(ctx, sqliteOpts...); err != nil {
			cancel()
			return nil, errors.Join(ErrEngine, err)
		}
	}

	e := &Engine{
		ctx:      ctx,
		cancel:   cancel,
		db:       db,
		registry: registry,
		now:      cfg.now,
		log:      lg,
		inflight: map[string]bool{},
		redo:     map[string]string{},
	}

	e.executor = NewExecutor(ctx, db, registry, cfg.now)
	if e.timers, err = NewTimerService(ctx, db, cfg.now, e.wake); err != nil {
		cancel()
		db.Close()
		return nil, errors.Join(ErrEngine, err)
	}
	e.orchestrator = NewOrchestrator(ctx, db, registry, e.executor, e.timers, cfg.now)
	e.dispatcher = NewDispatcher(ctx, db, registry, cfg.now, e.wake)
	e.executor.log = lg
	e.timers.log = lg
	e.orchestrator.log = lg
	e.dispatcher.log = lg

	workers := make([]retrypool.Worker[*wakeTask], cfg.workers)
	for i := range workers {
		workers[i] = wakeWorker{engine: e}
	}
	e.pool = retrypool.New(
		ctx,
		workers,
		retrypool.WithAttempts[*wakeTask](1),
	)

	e.clk = clock.NewClock(ctx, cfg.sweepInterval, func(err error) {
		e.log.Error(ctx, "timer sweep failed", "error", err)
	})
	e.clk.Add(timerTickerID, e.timers, clock.BestEffort)

	if err := e.recover(); err != nil {
		e.pool.Close()
		cancel()
		db.Close()
		return nil, err
	}

	e.clk.Start()

	e.log.Info(ctx, "engine started", "engine.workers", cfg.workers, "engine.sweep_interval", cfg.sweepInterval, "engine.in_memory", cfg.inMemoryDB)
	return e, nil
}

// recover rebuilds the timer index and re-advances every running instance so
// events that fired while the engine was down are consumed.
func (e *Engine) recover() error {
	if err := e.timers.Recover(); err != nil {
		return errors.Join(ErrEngine, err)
	}
	status := StatusRunning
	running, err := e.db.ListInstances(&InstanceFilter{Status: &status})
	if err != nil {
		return errors.Join(ErrEngine, err)
	}
	for _, rec := range running {
		e.wake(rec.ID, "recovery")
	}
	if len(running) > 0 {
		e.log.Info(e.ctx, "recovered running instances", "engine.count", len(running))
	}
	return nil
}

// wake coalesces wake events: one advance in flight per instance, at most one
// queued re-advance behind it.
func (e *Engine) wake(instanceID string, reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.inflight[instanceID] {
		e.redo[instanceID] = reason
		e.mu.Unlock()
		return
	}
	e.inflight[instanceID] = true
	e.mu.Unlock()

	if err := e.pool.Submit(&wakeTask{instanceID: instanceID, reason: reason}); err != nil {
		e.log.Error(e.ctx, "failed to dispatch wake task", "engine.instance_id", instanceID, "engine.reason", reason, "error", err)
		e.mu.Lock()
		delete(e.inflight, instanceID)
		e.mu.Unlock()
	}
}

func (e *Engine) runWake(task *wakeTask) error {
	for {
		e.log.Debug(e.ctx, "advancing instance", "engine.instance_id", task.instanceID, "engine.reason", task.reason)
		if err := e.orchestrator.Advance(task.instanceID); err != nil {
			e.log.Error(e.ctx, "advance failed", "engine.instance_id", task.instanceID, "engine.reason", task.reason, "error", err)
		}

		e.mu.Lock()
		if reason, ok := e.redo[task.instanceID]; ok {
			delete(e.redo, task.instanceID)
			e.mu.Unlock()
			task.reason = reason
			continue
		}
		delete(e.inflight, task.instanceID)
		e.mu.Unlock()
		return nil
	}
}

// Start creates a new instance of the named program and wakes it.
func (e *Engine) Start(program string, input Payload, opts ...StartOption) (string, error) {
	if e.isClosed() {
		return "", errors.Join(ErrEngine, ErrEngineClosed)
	}
	if _, err := e.registry.program(program); err != nil {
		return "", errors.Join(ErrEngine, err)
	}

	rec := &InstanceRecord{
		ID:        uuid.NewString(),
		Program:   program,
		Input:     copyPayload(input),
		Status:    StatusRunning,
		Phases:    map[string]*PhaseRecord{},
		State:     Payload{},
		Consumed:  map[string]uint64{},
		CreatedAt: e.now(),
	}
	for _, opt := range opts {
		opt(rec)
	}

	if err := e.db.AddInstance(rec); err != nil {
		return "", errors.Join(ErrEngine, err)
	}
	e.log.Info(e.ctx, "instance started", "engine.instance_id", rec.ID, "engine.program", program)

	e.wake(rec.ID, "start")
	return rec.ID, nil
}

// Signal delivers a named payload to an instance. Duplicate deliveries are
// safe; a signal for a terminal instance is persisted but never consumed.
func (e *Engine) Signal(instanceID, name string, payload Payload) error {
	if e.isClosed() {
		return errors.Join(ErrEngine, ErrEngineClosed)
	}
	return e.dispatcher.Signal(instanceID, name, payload)
}

// Query answers a read-only question from the last committed checkpoint.
func (e *Engine) Query(instanceID, name string) (interface{}, error) {
	return e.dispatcher.Query(instanceID, name)
}

// Cancel requests cooperative cancellation: the instance runs its cancel hook
// and reaches Cancelled on its next advance. Idempotent.
func (e *Engine) Cancel(instanceID string) error {
	if e.isClosed() {
		return errors.Join(ErrEngine, ErrEngineClosed)
	}
	rec, err := e.db.GetInstance(instanceID)
	if err != nil {
		return errors.Join(ErrEngine, err)
	}
	if rec.Status.Terminal() {
		return errors.Join(ErrEngine, ErrInstanceTerminal, fmt.Errorf("instance %s is %s", instanceID, rec.Status))
	}
	if rec.CancelRequested {
		return nil
	}
	rec.CancelRequested = true
	if err := e.db.UpdateInstance(rec); err != nil {
		return errors.Join(ErrEngine, err)
	}
	e.log.Info(e.ctx, "cancellation requested", "engine.instance_id", instanceID)
	e.wake(instanceID, "cancel")
	return nil
}

// Pause stops an instance from advancing until Resume. Activities already in
// flight finish; the instance simply stops consuming events.
func (e *Engine) Pause(instanceID string) error {
	if e.isClosed() {
		return errors.Join(ErrEngine, ErrEngineClosed)
	}
	rec, err := e.db.GetInstance(instanceID)
	if err != nil {
		return errors.Join(ErrEngine, err)
	}
	if rec.Status.Terminal() {
		return errors.Join(ErrEngine, ErrInstanceTerminal, fmt.Errorf("instance %s is %s", instanceID, rec.Status))
	}
	if rec.Paused {
		return nil
	}
	rec.Paused = true
	if err := e.db.UpdateInstance(rec); err != nil {
		return errors.Join(ErrEngine, err)
	}
	e.log.Info(e.ctx, "instance paused", "engine.instance_id", instanceID)
	return nil
}

// Resume lifts a pause and re-advances so everything that queued up while
// paused is consumed.
func (e *Engine) Resume(instanceID string) error {
	if e.isClosed() {
		return errors.Join(ErrEngine, ErrEngineClosed)
	}
	rec, err := e.db.GetInstance(instanceID)
	if err != nil {
		return errors.Join(ErrEngine, err)
	}
	if !rec.Paused {
		return nil
	}
	rec.Paused = false
	if err := e.db.UpdateInstance(rec); err != nil {
		return errors.Join(ErrEngine, err)
	}
	e.log.Info(e.ctx, "instance resumed", "engine.instance_id", instanceID)
	e.wake(instanceID, "resume")
	return nil
}

// ListInstances returns checkpoint snapshots, optionally filtered by program
// and status.
func (e *Engine) ListInstances(filter *InstanceFilter) ([]*InstanceRecord, error) {
	return e.db.ListInstances(filter)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops the sweep, drains the wake pool and closes the store. Instances
// stay durable; a new engine over the same store picks them up.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.log.Info(e.ctx, "engine closing")
	e.clk.Stop()
	e.pool.Close()
	e.cancel()
	return e.db.Close()
}
