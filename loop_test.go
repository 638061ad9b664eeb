package dasynq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFdWatcherTwoFDsDistinctTriggers(t *testing.T) {
	l, tb := newTestLoop()

	var firedA, firedB int
	var fdA, fdB int

	wa := NewFdWatcher()
	wa.Callback = func(l *Loop, fd int, events WatchFlags) Rearm {
		firedA++
		fdA = fd
		return REARM
	}
	require.NoError(t, wa.Register(l, 10, In, true, false))

	wb := NewFdWatcher()
	wb.Callback = func(l *Loop, fd int, events WatchFlags) Rearm {
		firedB++
		fdB = fd
		return REARM
	}
	require.NoError(t, wb.Register(l, 20, In, true, false))

	tb.injectFDEvent(10, In)
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())

	require.Equal(t, 1, firedA)
	require.Equal(t, 0, firedB)
	require.Equal(t, 10, fdA)

	tb.injectFDEvent(20, In)
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())

	require.Equal(t, 1, firedA)
	require.Equal(t, 1, firedB)
	require.Equal(t, 20, fdB)
}

func TestFdWatcherRearmVsDisarm(t *testing.T) {
	l, tb := newTestLoop()

	decision := REARM
	fired := 0
	w := NewFdWatcher()
	w.Callback = func(l *Loop, fd int, events WatchFlags) Rearm {
		fired++
		return decision
	}
	require.NoError(t, w.Register(l, 5, In, true, false))

	tb.injectFDEvent(5, In)
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())
	require.Equal(t, 1, fired)
	require.False(t, w.active)

	decision = DISARM
	tb.injectFDEvent(5, In)
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())
	require.Equal(t, 2, fired)
	require.False(t, w.active)
	require.True(t, w.registered())
}

func TestDeregisterDuringDispatch(t *testing.T) {
	l, tb := newTestLoop()

	removed := false
	w := NewFdWatcher()
	w.Removed = func() { removed = true }
	w.Callback = func(l *Loop, fd int, events WatchFlags) Rearm {
		require.NoError(t, w.Deregister(l))
		return NOOP
	}
	require.NoError(t, w.Register(l, 7, In, true, false))

	tb.injectFDEvent(7, In)
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())

	require.True(t, removed)
	require.False(t, w.registered())
}

func TestChildAndSignalDispatch(t *testing.T) {
	l, tb := newTestLoop()

	var gotPid, gotStatus int
	cw := NewChildWatcher()
	cw.Callback = func(l *Loop, pid, status int) Rearm {
		gotPid, gotStatus = pid, status
		return REMOVE
	}
	require.NoError(t, cw.Register(l, 1234))

	tb.injectChildExit(1234, 0)
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())

	require.Equal(t, 1234, gotPid)
	require.Equal(t, 0, gotStatus)

	var gotSigno int
	sw := NewSignalWatcher()
	sw.Callback = func(l *Loop, signo int, info SigInfo) Rearm {
		gotSigno = signo
		return REARM
	}
	require.NoError(t, sw.Register(l, 15))

	tb.injectSignal(15, SigInfo{Signo: 15})
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())

	require.Equal(t, 15, gotSigno)
}

func TestPriorityOrderingStableWithinBatch(t *testing.T) {
	l, tb := newTestLoop()

	var order []int
	mk := func(id, priority int) *FdWatcher {
		w := NewFdWatcher()
		w.SetPriority(priority)
		w.Callback = func(l *Loop, fd int, events WatchFlags) Rearm {
			order = append(order, id)
			return REARM
		}
		require.NoError(t, w.Register(l, 100+id, In, true, false))
		return w
	}

	// two watchers at the same priority, registered in a known order,
	// plus one at a lower priority that must dispatch first.
	mk(1, 50)
	mk(2, 50)
	mk(3, 10)

	tb.injectFDEvent(101, In)
	tb.injectFDEvent(102, In)
	tb.injectFDEvent(103, In)
	require.NoError(t, tb.PullEvents(false))
	require.True(t, l.processEvents())

	require.Equal(t, []int{3, 1, 2}, order)
}
