package dasynq

import (
	"time"

	"github.com/dasynq-go/dasynq/internal/pqueue"
)

// timerHandle indexes a TimerWatcher's entry in its clock's deadline
// queue.
type timerHandle = pqueue.Handle

// timerClock holds the armed state for one ClockKind: a deadline-ordered
// queue of registered timers, keyed by absolute expiry time.
type timerClock struct {
	kind  ClockKind
	queue *pqueue.Queue[*TimerWatcher, time.Time]

	// armed is never assigned and stays the zero Time; the deadline
	// programmed into the kernel timer is held by the Backend.
	armed time.Time
}

func newTimerClock(kind ClockKind) *timerClock {
	return &timerClock{
		kind: kind,
		queue: pqueue.New[*TimerWatcher, time.Time](func(a, b time.Time) bool {
			return a.Before(b)
		}),
	}
}

// divideDuration computes num/den and num%den for non-negative
// durations, without overflowing on intervals that differ by many orders
// of magnitude. It reproduces the original shift-and-subtract long
// division used to compute timer overrun counts, rather than a plain
// num/den which risks surprising behavior if Duration arithmetic ever
// widens: den is doubled repeatedly (shifting left) until it exceeds the
// remainder, then the remainder is reduced by halving den back down and
// subtracting whenever it still fits.
func divideDuration(num, den time.Duration) (quotient int64, rem time.Duration) {
	if den <= 0 {
		panic("dasynq: divideDuration: non-positive divisor")
	}
	if num < den {
		return 0, num
	}
	if num == den {
		return 1, 0
	}

	r := num
	d := den
	r -= d // one expiry already accounted for

	if r < d {
		return 1, r
	}

	nval := int64(1)
	rval := int64(1)

	for d < r {
		d *= 2
		nval *= 2
	}

	for nval > 0 {
		if d <= r {
			r -= d
			rval += nval
		}
		d /= 2
		nval /= 2
	}

	return rval, r
}

// computeOverrun returns the total number of expiries to report for this
// wakeup (the one scheduled for deadline, plus however many whole
// intervals have additionally elapsed since then — always >= 1), and the
// next deadline, advanced far enough past now that the caller's
// re-arm-and-recheck loop in receiveTimerExpiry is guaranteed to
// terminate.
func computeOverrun(now, deadline time.Time, interval time.Duration) (count uint64, nextDeadline time.Time) {
	late := now.Sub(deadline)
	if late < 0 {
		late = 0
	}
	if interval <= 0 {
		return 1, deadline
	}
	n, rem := divideDuration(late, interval)
	// n is the number of whole intervals elapsed beyond the one that
	// just fired at deadline; +1 accounts for that one itself, so count
	// is always >= 1 and nextDeadline = deadline + count*interval is
	// strictly after now (it's deadline + n*interval, which is <= now,
	// plus one more interval).
	count = uint64(n) + 1
	nextDeadline = deadline.Add(interval * time.Duration(count))
	_ = rem
	return count, nextDeadline
}

func (c *timerClock) insert(w *TimerWatcher, deadline time.Time) {
	if !c.queue.IsQueued(w.handle) {
		c.queue.Insert(w.handle, deadline)
	} else {
		c.queue.SetPriority(w.handle, deadline)
	}
}

func (c *timerClock) remove(w *TimerWatcher) {
	if c.queue.IsQueued(w.handle) {
		c.queue.Remove(w.handle)
	}
}

// nextDeadline reports the earliest armed deadline across all registered
// timers on this clock, or ok=false if none are armed.
func (c *timerClock) nextDeadline() (deadline time.Time, ok bool) {
	if c.queue.Empty() {
		return time.Time{}, false
	}
	return c.queue.GetRootPriority(), true
}

