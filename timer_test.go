package dasynq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerStableOrderingAcrossManyTimers(t *testing.T) {
	l, tb := newTestLoop()

	const n = 100
	var order []int
	base := time.Now().Add(time.Hour)

	watchers := make([]*TimerWatcher, n)
	for i := 0; i < n; i++ {
		w := NewTimerWatcher(ClockMonotonic)
		id := i
		w.Callback = func(l *Loop, expiryCount uint64) Rearm {
			order = append(order, id)
			return DISARM
		}
		require.NoError(t, w.Register(l))
		// every timer shares the same deadline; insertion order must be
		// preserved by the dispatch batch's stable sort.
		require.NoError(t, w.SetTimeout(l, base, 0))
		watchers[i] = w
	}

	tc := l.timerClock(ClockMonotonic)
	for i := 0; i < n; i++ {
		if !tc.queue.Empty() {
			h := tc.queue.GetRoot()
			tw := tc.queue.Value(h)
			tc.queue.PullRoot()
			tw.expiryCount = 1
			l.mu.Lock()
			tw.active = true
			l.queueReady(tw)
			l.mu.Unlock()
		}
	}

	require.True(t, l.processEvents())
	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		require.Equal(t, i, order[i])
	}
	_ = tb
}

func TestTimerPeriodicOverrun(t *testing.T) {
	l, _ := newTestLoop()

	w := NewTimerWatcher(ClockMonotonic)
	var gotCount uint64
	w.Callback = func(l *Loop, expiryCount uint64) Rearm {
		gotCount = expiryCount
		return REARM
	}
	require.NoError(t, w.Register(l))

	start := time.Now()
	deadline := start.Add(time.Second)
	require.NoError(t, w.SetTimeout(l, deadline, time.Second))

	// the loop observes this timer for the first time at t=3.5s against a
	// deadline of t=1s (late=2.5s): floor(2.5/1)=2 whole intervals have
	// additionally elapsed since the one scheduled at deadline, so the
	// handler must be told 2+1=3, per the sum-of-expiry-counts invariant.
	now := deadline.Add(2500 * time.Millisecond)
	l.receiveTimerExpiry(ClockMonotonic, now)
	require.True(t, l.processEvents())

	require.Equal(t, uint64(3), gotCount)
}

func TestComputeOverrunOneShot(t *testing.T) {
	now := time.Now()
	deadline := now.Add(-5 * time.Second)
	count, next := computeOverrun(now, deadline, 0)
	require.Equal(t, uint64(1), count)
	require.Equal(t, deadline, next)
}

func TestDivideDurationMatchesPlainDivision(t *testing.T) {
	cases := []struct{ num, den time.Duration }{
		{10 * time.Second, 3 * time.Second},
		{time.Second, time.Second},
		{7 * time.Millisecond, 2 * time.Millisecond},
		{time.Hour, time.Minute},
	}
	for _, c := range cases {
		q, r := divideDuration(c.num, c.den)
		require.Equal(t, int64(c.num/c.den), q, "case %+v", c)
		require.Equal(t, c.num%c.den, r, "case %+v", c)
	}
}
