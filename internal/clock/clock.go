// Package clock drives periodic background jobs from a single ticker.
package clock

import (
	"context"
	"sync"
	"time"
)

type Ticker interface {
	Tick(ctx context.Context) error
}

// TickerFunc adapts a function to Ticker.
type TickerFunc func(ctx context.Context) error

func (f TickerFunc) Tick(ctx context.Context) error {
	return f(ctx)
}

type TickerSubscriber struct {
	Name         string
	Ticker       Ticker
	Interval     time.Duration
	LastExecTime time.Time
	OnError      func(error)
	running      bool
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

// Clock ticks at its base interval and runs each subscriber once its own
// interval has elapsed. A subscriber never overlaps with itself.
type Clock struct {
	interval time.Duration
	subs     map[string]*TickerSubscriber
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	onError  func(error)
	started  bool
}

func NewClock(ctx context.Context, interval time.Duration, onError func(error)) *Clock {
	ctx, cancel := context.WithCancel(ctx)
	return &Clock{
		interval: interval,
		subs:     map[string]*TickerSubscriber{},
		ctx:      ctx,
		cancel:   cancel,
		onError:  onError,
	}
}

// Add registers or replaces the subscriber with that name.
func (c *Clock) Add(name string, ticker Ticker, opts ...TickerSubscriberOption) {
	sub := &TickerSubscriber{Name: name, Ticker: ticker}
	for _, opt := range opts {
		opt(sub)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name] = sub
}

func (c *Clock) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, name)
}

func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.dispatchTicks()
}

// Stop cancels the clock and waits for in-flight ticks.
func (c *Clock) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Clock) dispatchTicks() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first round right away so subscribers do not wait a full interval
	c.tick(time.Now())
	for {
		select {
		case now := <-ticker.C:
			c.tick(now)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Clock) tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		interval := c.interval
		if sub.Interval > 0 {
			interval = sub.Interval
		}
		if sub.running || now.Sub(sub.LastExecTime) < interval {
			continue
		}
		sub.running = true
		sub.LastExecTime = now

		c.wg.Add(1)
		go func(sub *TickerSubscriber) {
			defer c.wg.Done()
			err := sub.Ticker.Tick(c.ctx)

			c.mu.Lock()
			sub.running = false
			c.mu.Unlock()

			if err == nil || c.ctx.Err() != nil {
				return
			}
			if sub.OnError != nil {
				sub.OnError(err)
			} else if c.onError != nil {
				c.onError(err)
			}
		}(sub)
	}
}
