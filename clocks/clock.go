// Package clocks lets checkpoint timers and process-time commit delays run on
// either wall time or a clock that tests move by hand.
package clocks

import (
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	// Every calls fn each period d until the returned Ticker is stopped. The
	// label names the func for FrozenClock.TickEvery.
	Every(d time.Duration, fn func(*EveryContext), label string) *Ticker
}

type Ticker struct {
	stop func()
}

// Stop prevents further calls. A call already running finishes first.
func (t *Ticker) Stop() {
	t.stop()
}

// EveryContext lets a periodic func ask to run again before its next period.
type EveryContext struct {
	retryIn time.Duration
}

func (ec *EveryContext) RetryIn(d time.Duration) {
	ec.retryIn = d
}

type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (*SystemClock) Now() time.Time {
	return time.Now()
}

// Every waits d between calls. After a call that asked for a retry the wait is
// the retry delay instead.
func (*SystemClock) Every(d time.Duration, fn func(*EveryContext), _ string) *Ticker {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		timer := time.NewTimer(d)
		defer timer.Stop()

		ec := &EveryContext{}
		for {
			select {
			case <-timer.C:
			case <-done:
				return
			}
			ec.retryIn = 0
			fn(ec)

			next := d
			if ec.retryIn > 0 {
				next = ec.retryIn
			}
			timer.Reset(next)
		}
	}()

	var once sync.Once
	return &Ticker{stop: func() {
		once.Do(func() { close(done) })
		<-exited
	}}
}

var _ Clock = (*SystemClock)(nil)

// FrozenClock only moves through Advance and Set. Funcs registered with Every
// run when their label is passed to TickEvery.
type FrozenClock struct {
	mu    sync.Mutex
	now   time.Time
	funcs map[string]func()
}

func NewFrozenClock() *FrozenClock {
	return NewFrozenClockAt(time.Unix(0, 0))
}

func NewFrozenClockAt(t time.Time) *FrozenClock {
	return &FrozenClock{now: t, funcs: make(map[string]func())}
}

func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FrozenClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *FrozenClock) Every(_ time.Duration, fn func(*EveryContext), label string) *Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	ec := &EveryContext{}
	c.funcs[label] = func() { fn(ec) }
	return &Ticker{stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.funcs, label)
	}}
}

// TickEvery runs the func registered under label once.
func (c *FrozenClock) TickEvery(label string) {
	c.mu.Lock()
	fn := c.funcs[label]
	c.mu.Unlock()

	if fn == nil {
		panic(fmt.Sprintf("FrozenClock has no func registered for label %q", label))
	}
	fn()
}

var _ Clock = (*FrozenClock)(nil)
