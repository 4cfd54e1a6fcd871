package clock

import (
	"context"
	"sync"
	"time"
)

// Ticker is anything driven by the clock.
type Ticker interface {
	Tick() error
}

type TickerID interface{}

type ExecutionMode int

const (
	// NonBlocking fires the subscriber on its own goroutine every interval.
	NonBlocking ExecutionMode = iota
	// BestEffort fires inline and skips a beat when the previous run overlaps.
	BestEffort
)

type TickerSubscriber struct {
	ID           TickerID
	Ticker       Ticker
	Mode         ExecutionMode
	Interval     time.Duration
	LastExecTime time.Time
	OnError      func(error)
}

type TickerSubscriberOption func(*TickerSubscriber)

func WithInterval(interval time.Duration) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Interval = interval
	}
}

func WithOnError(onError func(error)) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.OnError = onError
	}
}

// Clock fans a single time.Ticker out to subscribers, each with an optional
// interval of its own.
type Clock struct {
	interval time.Duration
	ticker   *time.Ticker
	subs     []*TickerSubscriber
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	onError  func(error)
	started  bool
}

func NewClock(ctx context.Context, interval time.Duration, onError func(error)) *Clock {
	ctx, cancel := context.WithCancel(ctx)
	return &Clock{
		interval: interval,
		ticker:   time.NewTicker(interval),
		subs:     []*TickerSubscriber{},
		ctx:      ctx,
		cancel:   cancel,
		onError:  onError,
	}
}

func (c *Clock) Add(id TickerID, ticker Ticker, mode ExecutionMode, opts ...TickerSubscriberOption) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &TickerSubscriber{
		ID:     id,
		Ticker: ticker,
		Mode:   mode,
	}
	for _, opt := range opts {
		opt(sub)
	}
	c.subs = append(c.subs, sub)
}

func (c *Clock) Remove(id TickerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub.ID == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Clock) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.dispatchTicks()
}

func (c *Clock) Stop() {
	c.cancel()
	c.ticker.Stop()
}

func (c *Clock) dispatchTicks() {
	for {
		select {
		case <-c.ticker.C:
			c.tick()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Clock) fire(sub *TickerSubscriber) {
	if err := sub.Ticker.Tick(); err != nil {
		if sub.OnError != nil {
			sub.OnError(err)
		} else if c.onError != nil {
			c.onError(err)
		}
	}
}

func (c *Clock) tick() {
	now := time.Now()
	c.mu.RLock()
	snapshot := make([]*TickerSubscriber, len(c.subs))
	copy(snapshot, c.subs)
	c.mu.RUnlock()

	for _, sub := range snapshot {
		interval := c.interval
		if sub.Interval > 0 {
			interval = sub.Interval
		}
		if now.Sub(sub.LastExecTime) < interval {
			continue
		}
		sub.LastExecTime = now

		switch sub.Mode {
		case NonBlocking:
			go c.fire(sub)
		case BestEffort:
			c.fire(sub)
		}
	}
}
