package clocks_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"reduction.dev/tablesink/clocks"
)

func TestFrozenClock(t *testing.T) {
	start := time.Date(2020, 5, 3, 7, 0, 0, 0, time.UTC)
	clock := clocks.NewFrozenClockAt(start)
	assert.Equal(t, start, clock.Now())

	clock.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), clock.Now())

	calls := 0
	ticker := clock.Every(time.Minute, func(*clocks.EveryContext) { calls++ }, "checkpoint")
	clock.TickEvery("checkpoint")
	clock.TickEvery("checkpoint")
	assert.Equal(t, 2, calls)

	ticker.Stop()
	assert.Panics(t, func() { clock.TickEvery("checkpoint") }, "stopped tickers are unregistered")
}

func TestSystemClock_EveryRetries(t *testing.T) {
	var calls atomic.Int32
	ticker := clocks.NewSystemClock().Every(time.Hour, func(ec *clocks.EveryContext) {
		calls.Add(1)
	}, "checkpoint")
	ticker.Stop()
	assert.Zero(t, calls.Load(), "stopped before the first period")

	ticker = clocks.NewSystemClock().Every(5*time.Millisecond, func(ec *clocks.EveryContext) {
		// Retry delays replace the period until a call succeeds.
		if calls.Add(1) < 3 {
			ec.RetryIn(time.Millisecond)
		}
	}, "checkpoint")
	assert.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond)

	ticker.Stop()
	stopped := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load(), "no calls after Stop returns")
}
