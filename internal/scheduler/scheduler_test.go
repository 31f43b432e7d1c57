package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func lockedExecutor(mu *sync.Mutex) Executor {
	return func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
}

func TestFakeClock_OrdersByDueThenSchedule(t *testing.T) {
	clock := NewFakeClock(epoch)
	var order []string
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	clock.AfterFunc(time.Second, func() { order = append(order, "a") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "c") })

	clock.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(3*time.Second), clock.Now())
	assert.Equal(t, 0, clock.Pending())
}

func TestFakeClock_Stop(t *testing.T) {
	clock := NewFakeClock(epoch)
	fired := false
	c := clock.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, c.Stop())
	assert.False(t, c.Stop())
	clock.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeClock_CallbackSchedulesDuringAdvance(t *testing.T) {
	clock := NewFakeClock(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		clock.AfterFunc(time.Second, tick)
	}
	clock.AfterFunc(time.Second, tick)

	clock.Advance(5 * time.Second)

	assert.Equal(t, 5, count)
}

func TestTicker_FiresEveryPeriod(t *testing.T) {
	var mu sync.Mutex
	clock := NewFakeClock(epoch)
	count := 0
	timer := NewTicker("total", clock, lockedExecutor(&mu), time.Second, func() { count++ })

	mu.Lock()
	timer.Arm()
	mu.Unlock()

	clock.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
	assert.True(t, timer.Armed())
}

func TestOneShot_FiresOnce(t *testing.T) {
	var mu sync.Mutex
	clock := NewFakeClock(epoch)
	count := 0
	timer := NewOneShot("grace", clock, lockedExecutor(&mu), time.Second, func() { count++ })

	mu.Lock()
	timer.Arm()
	mu.Unlock()

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, count)
	assert.False(t, timer.Armed())
}

func TestTimer_SuspendResumeKeepsRemaining(t *testing.T) {
	var mu sync.Mutex
	clock := NewFakeClock(epoch)
	count := 0
	timer := NewOneShot("work", clock, lockedExecutor(&mu), 10*time.Second, func() { count++ })

	mu.Lock()
	timer.Arm()
	mu.Unlock()

	clock.Advance(4 * time.Second)

	mu.Lock()
	timer.Suspend()
	assert.True(t, timer.Suspended())
	assert.Equal(t, 6*time.Second, timer.Remaining())
	mu.Unlock()

	clock.Advance(time.Minute)
	assert.Equal(t, 0, count)

	mu.Lock()
	timer.Resume()
	mu.Unlock()

	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, count)
	clock.Advance(time.Second)
	assert.Equal(t, 1, count)
}

func TestTimer_StaleCallbackDropped(t *testing.T) {
	// Queue the callback as a real timer would have, then disarm before it
	// gets the lock.
	var queued []func()
	clock := &captureClock{now: epoch, onAfter: func(f func()) { queued = append(queued, f) }}
	var mu sync.Mutex
	count := 0
	timer := NewTicker("sampling", clock, lockedExecutor(&mu), time.Second, func() { count++ })

	mu.Lock()
	timer.Arm()
	timer.Disarm()
	mu.Unlock()

	require.Len(t, queued, 1)
	queued[0]()
	assert.Equal(t, 0, count)

	mu.Lock()
	timer.Arm()
	timer.Suspend()
	timer.Resume()
	mu.Unlock()

	require.Len(t, queued, 3)
	queued[1]()
	assert.Equal(t, 0, count, "callback from before the suspend is stale")
	queued[2]()
	assert.Equal(t, 1, count)
}

func TestTimer_DisarmFromCallback(t *testing.T) {
	var mu sync.Mutex
	clock := NewFakeClock(epoch)
	count := 0
	var timer *Timer
	timer = NewTicker("countdown", clock, lockedExecutor(&mu), time.Second, func() {
		count++
		if count == 3 {
			timer.Disarm()
		}
	})

	mu.Lock()
	timer.Arm()
	mu.Unlock()

	clock.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, clock.Pending())
}

type captureClock struct {
	now     time.Time
	onAfter func(f func())
}

type nopCancel struct{}

func (nopCancel) Stop() bool { return false }

func (c *captureClock) Now() time.Time { return c.now }

func (c *captureClock) AfterFunc(_ time.Duration, f func()) Cancel {
	c.onAfter(f)
	return nopCancel{}
}
