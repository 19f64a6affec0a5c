// Package clock provides the logical clock that drives pipeline cycles.
// Stages never read wall time; they receive the clock's value.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives tick events.
type Listener interface {
	OnTick(ctx context.Context, now time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, now time.Time)

func (f ListenerFunc) OnTick(ctx context.Context, now time.Time) { f(ctx, now) }

// Status is a point-in-time view of the clock.
type Status struct {
	Now      time.Time     `json:"now"`
	Speed    float64       `json:"speed"`
	Interval time.Duration `json:"interval"`
	Running  bool          `json:"running"`
	Ticks    int64         `json:"ticks"`
}

// Clock is a monotonic logical clock. Each tick advances it by
// interval × speed and notifies listeners in registration order.
type Clock struct {
	mu        sync.RWMutex
	now       time.Time
	speed     float64
	interval  time.Duration
	ticks     int64
	listeners []Listener
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// New creates a clock starting at start.
func New(start time.Time, interval time.Duration, speed float64, logger *zap.Logger) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	if speed <= 0 {
		speed = 1
	}
	return &Clock{now: start.UTC(), speed: speed, interval: interval, logger: logger}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Now returns the current logical time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// SetSpeed changes the time multiplier.
func (c *Clock) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = speed
}

// Status returns a snapshot of the clock.
func (c *Clock) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{Now: c.now, Speed: c.speed, Interval: c.interval, Running: c.cancel != nil, Ticks: c.ticks}
}

// Advance moves the clock forward by d and notifies listeners.
func (c *Clock) Advance(ctx context.Context, d time.Duration) (time.Time, error) {
	if d < 0 {
		return time.Time{}, fmt.Errorf("advance clock by %s: clock is monotonic", d)
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	return c.notify(ctx), nil
}

// Set jumps the clock to t, which must not be in its past.
func (c *Clock) Set(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	if t.Before(c.now) {
		now := c.now
		c.mu.Unlock()
		return fmt.Errorf("set clock to %s: before current %s", t.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	c.now = t.UTC()
	c.notify(ctx)
	return nil
}

// notify must be called with c.mu held; it releases the lock before calling
// listeners.
func (c *Clock) notify(ctx context.Context) time.Time {
	c.ticks++
	now := c.now
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTick(ctx, now)
	}
	return now
}

// Start begins the tick loop in a background goroutine.
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	interval, speed := c.interval, c.speed
	c.mu.Unlock()

	go c.loop(ctx)
	c.logger.Info("logical clock started",
		zap.Duration("interval", interval),
		zap.Float64("speed", speed))
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("logical clock stopped")
}

func (c *Clock) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.now = c.now.Add(time.Duration(float64(c.interval) * c.speed))
			c.notify(ctx)
		}
	}
}
